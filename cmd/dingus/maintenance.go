package main

import (
	"context"
	"fmt"
	"os"

	"github.com/ghodss/yaml"
	"github.com/spf13/cobra"

	"github.com/dingus-idp/dingus/chore"
)

type maintenanceOptions struct {
	config string
}

// commandMaintenance loads config, opens storage, and runs every
// configured chore once, synchronously — the CLI equivalent of the
// admin console's "run maintenance now" button, for operators who'd
// rather cron it than click it.
func commandMaintenance() *cobra.Command {
	options := maintenanceOptions{}

	cmd := &cobra.Command{
		Use:     "maintenance [flags] [config file]",
		Short:   "Run token/scope cleanup and ticket publication once",
		Example: "dingus maintenance config.yaml",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cmd.SilenceErrors = true
			options.config = args[0]
			return runMaintenance(options)
		},
	}
	return cmd
}

func runMaintenance(options maintenanceOptions) error {
	configData, err := os.ReadFile(options.config)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", options.config, err)
	}

	var c Config
	if err := yaml.Unmarshal(configData, &c); err != nil {
		return fmt.Errorf("error parsing config file %s: %w", options.config, err)
	}
	if err := c.Validate(); err != nil {
		return err
	}

	level, err := parseLogLevel(c.Logger.Level)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger, err := newLogger(level, c.Logger.Format)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx := context.Background()

	engineConfig, err := openStorageConfig(c.DB.ConnectionString)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	store, err := engineConfig.Open(ctx, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	scheduler := chore.New(store, logger, nil, chore.Config{
		CodeLifespanSeconds: c.Manager.CodeValidityTimeoutMs / 1000,
	})
	if err := scheduler.RunNow(ctx); err != nil {
		return fmt.Errorf("maintenance run failed: %w", err)
	}

	logger.Info("maintenance run complete")
	return nil
}
