package main

import (
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hlsconverter/orchestrator/internal/config"
	"github.com/hlsconverter/orchestrator/internal/logging"
)

type commandContext struct {
	configFlag *string

	once   sync.Once
	config *config.Config
	log    *zap.Logger
	err    error
}

func (c *commandContext) ensureConfig() (*config.Config, *zap.Logger, error) {
	c.once.Do(func() {
		if path := strings.TrimSpace(*c.configFlag); path != "" {
			os.Setenv("CONFIG_FILE", path)
		}
		cfg, err := config.Load()
		if err != nil {
			c.err = err
			return
		}
		level := cfg.LogLevel
		if cfg.Debug {
			level = "debug"
		}
		log, err := logging.New(level, cfg.LogFormat)
		if err != nil {
			c.err = err
			return
		}
		c.config, c.log = cfg, log.With(zap.String("node_id", cfg.NodeID))
	})
	return c.config, c.log, c.err
}

func newRootCommand() *cobra.Command {
	var configFlag string
	ctx := &commandContext{configFlag: &configFlag}

	rootCmd := &cobra.Command{
		Use:           "orchestrator",
		Short:         "Schedules HLS transcoding jobs onto worker containers",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, _, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "YAML configuration file (overrides CONFIG_FILE)")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newEnqueueCommand(ctx))
	rootCmd.AddCommand(newStatusCommand(ctx))
	rootCmd.AddCommand(newKeepAliveCommand(ctx))
	rootCmd.AddCommand(newCleanupCommand(ctx))
	rootCmd.AddCommand(newReconcileCommand(ctx))
	return rootCmd
}
