package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// initConfig sets up the config loader with defaults, env binding, and
// config file.
func initConfig(configPath string) (*viper.Viper, error) {
	v := viper.New()

	setDefaults(v)

	// Environment variable binding: ACNETD_SERVER_PEER_PORT -> server.peer_port
	v.SetEnvPrefix("ACNETD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return v, nil
}

// setDefaults configures all default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.peer_port", 6801)
	v.SetDefault("server.client_port", 6802)

	v.SetDefault("node.name", "")
	v.SetDefault("node.virtual_nodes", []string{})
	v.SetDefault("node.rejected_handles", []string{})

	v.SetDefault("timers.request_timeout_sec", 390)
	v.SetDefault("timers.reply_pend_sec", 5)
	v.SetDefault("timers.keep_alive_grace_sec", 30)

	v.SetDefault("report.directory", "/tmp")

	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.structured", false)
	v.SetDefault("logging.structured_format", "json")
	v.SetDefault("logging.include_pid", false)
	v.SetDefault("logging.extra_fields", map[string]string{})

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.host", "127.0.0.1")
	v.SetDefault("api.port", 6805)
}

// Load loads configuration from a YAML file with environment variable
// overrides.
func Load(path string) (*Config, error) {
	v, err := initConfig(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}

	cfg.Server.Host = v.GetString("server.host")
	cfg.Server.PeerPort = v.GetInt("server.peer_port")
	cfg.Server.ClientPort = v.GetInt("server.client_port")

	cfg.Node.Name = v.GetString("node.name")
	cfg.Node.VirtualNodes = getStringSliceOrSplit(v, "node.virtual_nodes")
	cfg.Node.RejectedHandles = getStringSliceOrSplit(v, "node.rejected_handles")

	cfg.Timers.RequestTimeoutSec = v.GetInt("timers.request_timeout_sec")
	cfg.Timers.ReplyPendSec = v.GetInt("timers.reply_pend_sec")
	cfg.Timers.KeepAliveGraceSec = v.GetInt("timers.keep_alive_grace_sec")

	cfg.Report.Directory = v.GetString("report.directory")

	cfg.Logging.Level = strings.ToUpper(v.GetString("logging.level"))
	cfg.Logging.Structured = v.GetBool("logging.structured")
	cfg.Logging.StructuredFormat = v.GetString("logging.structured_format")
	cfg.Logging.IncludePID = v.GetBool("logging.include_pid")
	cfg.Logging.ExtraFields = v.GetStringMapString("logging.extra_fields")

	cfg.API.Enabled = v.GetBool("api.enabled")
	cfg.API.Host = v.GetString("api.host")
	cfg.API.Port = v.GetInt("api.port")

	if err := normalizeConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// getStringSliceOrSplit handles both slice and comma-separated string
// values; environment variables always arrive as one string.
func getStringSliceOrSplit(v *viper.Viper, key string) []string {
	parts := v.GetStringSlice(key)
	if len(parts) == 0 {
		if s := v.GetString(key); s != "" {
			parts = []string{s}
		}
	}
	var result []string
	for _, p := range parts {
		for _, item := range strings.Split(p, ",") {
			if item = strings.TrimSpace(item); item != "" {
				result = append(result, item)
			}
		}
	}
	return result
}

// normalizeConfig validates and normalizes the configuration.
func normalizeConfig(cfg *Config) error {
	if cfg.Server.PeerPort <= 0 || cfg.Server.PeerPort > 65535 {
		return errors.New("server.peer_port must be 1..65535")
	}
	if cfg.Server.ClientPort <= 0 || cfg.Server.ClientPort > 65535 {
		return errors.New("server.client_port must be 1..65535")
	}
	if cfg.Server.PeerPort == cfg.Server.ClientPort {
		return errors.New("server.peer_port and server.client_port must differ")
	}

	if cfg.Timers.RequestTimeoutSec <= 0 {
		cfg.Timers.RequestTimeoutSec = 390
	}
	if cfg.Timers.ReplyPendSec <= 0 {
		cfg.Timers.ReplyPendSec = 5
	}
	if cfg.Timers.KeepAliveGraceSec <= 0 {
		cfg.Timers.KeepAliveGraceSec = 30
	}

	if cfg.Report.Directory == "" {
		cfg.Report.Directory = "/tmp"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	if cfg.Logging.ExtraFields == nil {
		cfg.Logging.ExtraFields = map[string]string{}
	}

	if cfg.API.Host == "" {
		cfg.API.Host = "127.0.0.1"
	}
	if cfg.API.Enabled && (cfg.API.Port <= 0 || cfg.API.Port > 65535) {
		return errors.New("api.port must be 1..65535")
	}

	return nil
}
