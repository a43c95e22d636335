package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jroosing/acnetd/internal/api"
	"github.com/jroosing/acnetd/internal/config"
	"github.com/jroosing/acnetd/internal/logging"
	"github.com/jroosing/acnetd/internal/nodetable"
	"github.com/jroosing/acnetd/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// cliFlags holds parsed command-line flag values.
type cliFlags struct {
	configPath string
	host       string
	peerPort   int
	clientPort int
	nodeName   string
	jsonLogs   bool
	debug      bool
	noAPI      bool
}

func parseFlags() cliFlags {
	var f cliFlags
	flag.StringVar(&f.configPath, "config", "", "Path to YAML config file")
	flag.StringVar(&f.host, "host", "", "Override bind host")
	flag.IntVar(&f.peerPort, "peer-port", 0, "Override ACNET network UDP port")
	flag.IntVar(&f.clientPort, "client-port", 0, "Override client loopback UDP port")
	flag.StringVar(&f.nodeName, "node", "", "Override node name used for self-identification")
	flag.BoolVar(&f.jsonLogs, "json-logs", false, "Enable JSON structured logging")
	flag.BoolVar(&f.debug, "debug", false, "Enable debug logging")
	flag.BoolVar(&f.noAPI, "no-api", false, "Disable the management API")
	flag.Parse()
	return f
}

// applyCLIOverrides applies command-line overrides to the config.
func applyCLIOverrides(cfg *config.Config, f cliFlags) {
	if f.host != "" {
		cfg.Server.Host = f.host
	}
	if f.peerPort != 0 {
		cfg.Server.PeerPort = f.peerPort
	}
	if f.clientPort != 0 {
		cfg.Server.ClientPort = f.clientPort
	}
	if f.nodeName != "" {
		cfg.Node.Name = f.nodeName
	}
	if f.jsonLogs {
		cfg.Logging.Structured = true
		cfg.Logging.StructuredFormat = "json"
	}
	if f.debug {
		cfg.Logging.Level = "DEBUG"
	}
	if f.noAPI {
		cfg.API.Enabled = false
	}
}

func run() error {
	flags := parseFlags()

	cfg, err := config.Load(config.ResolveConfigPath(flags.configPath))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	applyCLIOverrides(cfg, flags)

	logger := logging.Configure(logging.Config{
		Level:            cfg.Logging.Level,
		Structured:       cfg.Logging.Structured,
		StructuredFormat: cfg.Logging.StructuredFormat,
		IncludePID:       cfg.Logging.IncludePID,
		ExtraFields:      cfg.Logging.ExtraFields,
	})

	trans, err := server.ListenSockets(cfg.Server.Host, cfg.Server.PeerPort, cfg.Server.ClientPort)
	if err != nil {
		return fmt.Errorf("failed to open sockets: %w", err)
	}

	table := nodetable.New(logger, uint16(cfg.Server.PeerPort), server.NewJoiner(trans.ClientConn))
	table.Init(cfg.Node.Name)

	daemon := server.NewDaemon(cfg, logger, table, trans)

	logger.Info("acnetd starting",
		"instance", daemon.InstanceID(),
		"peer_port", cfg.Server.PeerPort,
		"client_port", cfg.Server.ClientPort,
		"node", table.MyHostName(),
		"my_ip", table.MyIP(),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var apiSrv *api.Server
	if cfg.API.Enabled {
		apiSrv = api.New(cfg, daemon, logger)
		logger.Info("management API starting", "addr", apiSrv.Addr())
		go func() {
			serveErr := apiSrv.ListenAndServe()
			if serveErr == nil || errors.Is(serveErr, http.ErrServerClosed) {
				return
			}
			logger.Error("management API error", "err", serveErr)
			cancel()
		}()
	}

	err = daemon.Run(ctx)

	if apiSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = apiSrv.Shutdown(shutdownCtx)
		shutdownCancel()
		logger.Info("management API stopped")
	}

	if err != nil {
		return fmt.Errorf("daemon exited with error: %w", err)
	}
	return nil
}
