package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wehubfusion/Argus/internal/logging"
	"github.com/wehubfusion/Argus/pkg/concurrency"
	"github.com/wehubfusion/Argus/pkg/config"
)

// version is set at build time via -ldflags.
var version = "dev"

// app holds what every subcommand shares once flags are parsed.
type app struct {
	configPath string
	logLevel   string

	cfg    *config.Config
	logger *zap.Logger
	undo   func()
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "argus",
		Short:         "Anomaly detection pipeline engine",
		Long:          "Argus runs alert detection pipelines over time windows, merges the\nanomalies they find and keeps alert state current.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			a.close()
		},
	}

	f := root.PersistentFlags()
	f.StringVar(&a.configPath, "config", "", "Path to the YAML configuration file")
	f.StringVar(&a.logLevel, "log-level", "", "Override the configured log level")

	root.AddCommand(newRunCmd(a))
	root.AddCommand(newAlertCmd(a))
	root.AddCommand(newSubmitCmd(a))
	root.AddCommand(newWorkerCmd(a))
	return root
}

func (a *app) init() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	logger, err := logging.FromConfig(cfg.Logging)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger
	a.undo = concurrency.InitializeForKubernetes(logger)
	return nil
}

func (a *app) close() {
	if a.undo != nil {
		a.undo()
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}
