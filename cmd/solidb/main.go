package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/solidb/solidb/pkg/config"
	"github.com/solidb/solidb/pkg/log"
	"github.com/solidb/solidb/pkg/node"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "solidb",
	Short:   "solidb - distributed multi-model document database",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"solidb version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file (optional)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serverCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run a solidb server node",
}

var serverStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start this node and bootstrap a single-node cluster if none exists",
	Long: `Start loads configuration (config file, SOLIDB_* environment
variables, then flags, in that order of increasing precedence), opens
this node's local storage, bootstraps shard-assignment Raft as a
single-node cluster, and blocks until an interrupt or termination
signal is received.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(cmd, configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		logger := log.WithComponent("server")
		logger.Info().
			Str("node-id", cfg.NodeID).
			Str("data-dir", cfg.DataDir).
			Str("bind-addr", cfg.BindAddr).
			Msg("starting solidb node")

		n, err := node.New(cfg, nil)
		if err != nil {
			return fmt.Errorf("initialize node: %w", err)
		}
		defer n.Close()

		if err := n.Bootstrap(); err != nil {
			return fmt.Errorf("bootstrap shard coordinator: %w", err)
		}
		logger.Info().Msg("shard coordinator bootstrapped")

		if cfg.Database != "" {
			if _, err := n.CreateDatabase(cfg.Database); err != nil {
				logger.Warn().Err(err).Str("database", cfg.Database).Msg("could not seed default database")
			}
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
		return nil
	},
}

func init() {
	serverStartCmd.Flags().String("node-id", "solidb-1", "Unique node ID")
	serverStartCmd.Flags().String("host", "0.0.0.0", "API bind host")
	serverStartCmd.Flags().Int("port", 8080, "API bind port")
	serverStartCmd.Flags().String("bind-addr", "127.0.0.1:7950", "Address for shard-coordinator Raft communication")
	serverStartCmd.Flags().String("data-dir", "./solidb-data", "Data directory for node state")
	serverStartCmd.Flags().String("database", "", "Database to create on first startup if it does not already exist")

	serverCmd.AddCommand(serverStartCmd)
}
