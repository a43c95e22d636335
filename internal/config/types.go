// Package config provides configuration loading for acnetd.
//
// Configuration is loaded with the following priority (highest to lowest):
//  1. Command-line flags (see cmd/acnetd/main.go)
//  2. Environment variables (ACNETD_* prefix)
//  3. YAML config file (if specified with --config)
//  4. Hardcoded defaults
//
// Environment variables are mapped from ACNETD_CATEGORY_SETTING format,
// e.g., ACNETD_SERVER_PEER_PORT maps to server.peer_port in YAML.
package config

import (
	"os"
	"strings"
)

// ServerConfig contains the daemon's socket settings.
type ServerConfig struct {
	Host       string `yaml:"host"        mapstructure:"host"`
	PeerPort   int    `yaml:"peer_port"   mapstructure:"peer_port"`
	ClientPort int    `yaml:"client_port" mapstructure:"client_port"`
}

// NodeConfig names the ACNET node(s) this daemon hosts.
type NodeConfig struct {
	// Name overrides the hostname used for self-identification in the
	// node table. Blank means use the OS hostname.
	Name string `yaml:"name" mapstructure:"name"`
	// VirtualNodes lists additional node names to host beyond the
	// default node.
	VirtualNodes []string `yaml:"virtual_nodes" mapstructure:"virtual_nodes"`
	// RejectedHandles lists task handles remote (TCP-fronted) clients
	// may not address with USMs or requests.
	RejectedHandles []string `yaml:"rejected_handles" mapstructure:"rejected_handles"`
}

// TimerConfig overrides the protocol timers. Zero means the default.
type TimerConfig struct {
	// RequestTimeoutSec is the default request timeout when the client
	// does not supply one (default 390).
	RequestTimeoutSec int `yaml:"request_timeout_sec" mapstructure:"request_timeout_sec"`
	// ReplyPendSec is the interval between PEND liveness replies on open
	// replies (default 5).
	ReplyPendSec int `yaml:"reply_pend_sec" mapstructure:"reply_pend_sec"`
	// KeepAliveGraceSec is how long a pid-less client may go without a
	// command before it is considered dead (default 30).
	KeepAliveGraceSec int `yaml:"keep_alive_grace_sec" mapstructure:"keep_alive_grace_sec"`
}

// ReportConfig controls the HTML diagnostic report.
type ReportConfig struct {
	Directory string `yaml:"directory" mapstructure:"directory"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level            string            `yaml:"level"             mapstructure:"level"`
	Structured       bool              `yaml:"structured"        mapstructure:"structured"`
	StructuredFormat string            `yaml:"structured_format" mapstructure:"structured_format"`
	IncludePID       bool              `yaml:"include_pid"       mapstructure:"include_pid"`
	ExtraFields      map[string]string `yaml:"extra_fields"      mapstructure:"extra_fields"`
}

// APIConfig contains the management API settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Host    string `yaml:"host"    mapstructure:"host"`
	Port    int    `yaml:"port"    mapstructure:"port"`
}

// Config is the root configuration structure.
type Config struct {
	Server  ServerConfig  `yaml:"server"  mapstructure:"server"`
	Node    NodeConfig    `yaml:"node"    mapstructure:"node"`
	Timers  TimerConfig   `yaml:"timers"  mapstructure:"timers"`
	Report  ReportConfig  `yaml:"report"  mapstructure:"report"`
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`
	API     APIConfig     `yaml:"api"     mapstructure:"api"`
}

// ResolveConfigPath determines the config file path from flag or environment.
func ResolveConfigPath(flagValue string) string {
	if strings.TrimSpace(flagValue) != "" {
		return flagValue
	}
	if v := strings.TrimSpace(os.Getenv("ACNETD_CONFIG")); v != "" {
		return v
	}
	return ""
}
