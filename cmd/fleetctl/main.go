// Command fleetctl runs the fleet controller: it loads configuration,
// wires the core components, and serves the HTTP admission surface until
// interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/quaero/internal/app"
	"github.com/ternarybob/quaero/internal/common"
	"github.com/ternarybob/quaero/internal/server"
	"github.com/ternarybob/quaero/internal/storage"
)

// configPaths is a custom flag type allowing multiple -config flags.
type configPaths []string

func (c *configPaths) String() string { return fmt.Sprintf("%v", *c) }
func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

var (
	configFiles configPaths
	serverPort  = flag.Int("port", 0, "Server port (overrides config)")
	serverHost  = flag.String("host", "", "Server host (overrides config)")
	showVersion = flag.Bool("version", false, "Print version information")
)

func init() {
	flag.Var(&configFiles, "config", "Configuration file path (repeatable, later files override earlier ones)")
	flag.Var(&configFiles, "c", "Configuration file path (shorthand)")
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("fleetctl version %s\n", common.GetVersion())
		os.Exit(0)
	}

	if len(configFiles) == 0 {
		if _, err := os.Stat("fleetctl.toml"); err == nil {
			configFiles = append(configFiles, "fleetctl.toml")
		} else if _, err := os.Stat("deployments/local/fleetctl.toml"); err == nil {
			configFiles = append(configFiles, "deployments/local/fleetctl.toml")
		}
	}

	// Configuration needs the key/value store for {key-name} replacement,
	// which in turn needs a storage manager — but the storage manager
	// itself is configured by Config. Bootstrap with a default config to
	// open the store, load the real config through it, then close the
	// bootstrap store; app.New opens the store again from the loaded config.
	bootstrapManager, err := storage.NewStorageManager(arbor.NewLogger(), common.NewDefaultConfig())
	if err != nil {
		arbor.NewLogger().Fatal().Err(err).Msg("failed to open bootstrap storage for config loading")
	}

	config, err := common.LoadFromFiles(bootstrapManager.KeyValueStorage(), configFiles...)
	if err != nil {
		bootstrapManager.Close()
		tempLogger := arbor.NewLogger()
		tempLogger.Fatal().Strs("paths", configFiles).Err(err).Msg("failed to load configuration files")
		os.Exit(1)
	}
	common.ApplyFlagOverrides(config, *serverPort, *serverHost)
	bootstrapManager.Close()

	logger := common.SetupLogger(config)
	common.InstallCrashHandler(config.Worker.LogDir)
	common.PrintBanner(config, logger)

	application, err := app.New(config, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize fleet controller")
	}
	defer application.Close()

	srv := server.New(application)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				crashPath := common.WriteCrashFile(r, common.GetStackTrace())
				logger.Fatal().Str("panic", fmt.Sprintf("%v", r)).Str("crash_file", crashPath).Msg("HTTP server goroutine panicked")
			}
		}()
		if err := srv.Start(); err != nil {
			logger.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	logger.Info().
		Str("url", fmt.Sprintf("http://%s:%d", config.Server.Host, config.Server.Port)).
		Msg("fleet controller ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info().Msg("interrupt signal received, shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	logger.Info().Msg("fleet controller stopped")
}
