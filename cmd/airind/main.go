// Command airind runs the Airin chat relay daemon.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/asterleen/airin/pkg/logging"
	"github.com/asterleen/airin/pkg/server"
	"github.com/asterleen/airin/pkg/storage"
)

var (
	configPath string
	debugMode  bool
)

var rootCmd = &cobra.Command{
	Use:   "airind",
	Short: "Airin chat relay daemon",
	Long: `Airin is a line-protocol chat relay with external authentication,
moderation tooling and an optional WebSocket transport.

On first start a commented configuration file is written next to the
binary (or at the path given with --config).`,
	Version:       server.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServer,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "airin.toml", "path to the TOML configuration file")
	rootCmd.Flags().BoolVar(&debugMode, "debug", false, "force debug-level logging regardless of configuration")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := server.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if debugMode {
		cfg.LogLevel = logging.LevelDebug
	}

	log, err := logging.New(cfg.LogFile, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	defer log.Close()

	log.Info("serv", "Welcome to Airin Chat Daemon! :3")
	log.Info("serv", "You're running Airin/%s", server.Version)

	store, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()

	srv := server.New(cfg, store, log)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	return srv.Stop()
}
