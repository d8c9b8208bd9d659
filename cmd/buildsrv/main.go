package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/socialgouv/buildsrv/pkg/config"
	"github.com/socialgouv/buildsrv/pkg/logger"
	"github.com/socialgouv/buildsrv/pkg/support"
)

func main() {
	// Environment first; flags override it
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := newRootCommand(cfg).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(cfg *config.Config) *cobra.Command {
	root := &cobra.Command{
		Use:           "buildsrv",
		Short:         "Supervise Maven-compatible build server processes",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	flags.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (auto, text, json). Auto uses text for TTY, JSON otherwise")
	flags.BoolVar(&cfg.LogChannelIO, "log-channel-io", cfg.LogChannelIO, "Log redacted build server call payloads at debug level")
	flags.StringVar(&cfg.StrategiesFile, "strategies", cfg.StrategiesFile, "Path to the Container/RemoteHost strategies file")
	flags.StringVar(&cfg.DefaultMaxHeap, "default-max-heap", cfg.DefaultMaxHeap, "Maximum heap used when the VM options set none")
	flags.StringVar(&cfg.ForcedMaxHeap, "forced-max-heap", cfg.ForcedMaxHeap, "Maximum heap replacing any user -Xmx")

	root.AddCommand(newServeCommand(cfg), newArgsCommand(cfg), newCallCommand(cfg))
	return root
}

// newLogger logs to the command's stderr so stdout stays usable for output
func newLogger(cmd *cobra.Command, cfg *config.Config) logger.Logger {
	return logger.NewLogrusLoggerWithOutput(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr())
}

// buildRegistry validates cfg and builds the factory registry it describes
func buildRegistry(cfg *config.Config, log logger.Logger) (*support.Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	var strategies *config.Strategies
	if cfg.StrategiesFile != "" {
		var err error
		strategies, err = config.LoadStrategies(cfg.StrategiesFile)
		if err != nil {
			return nil, err
		}
		log.WithFields(map[string]interface{}{
			"file":       cfg.StrategiesFile,
			"strategies": len(strategies.Strategies),
		}).Info("Strategies loaded")
	}

	return support.NewRegistryFromConfig(cfg, strategies, log)
}
