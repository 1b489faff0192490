package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"feedmatch/internal/config"
	"feedmatch/internal/storage"
)

func newRootCommand() *cobra.Command {
	var envFlag string
	var dbFlag string

	ctx := newCommandContext(&envFlag, &dbFlag)

	rootCmd := &cobra.Command{
		Use:           "feedmatch",
		Short:         "Match tracker feed items to categories and notifiers",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&envFlag, "env-file", ".env", "Optional KEY=value file loaded before reading the environment")
	rootCmd.PersistentFlags().StringVar(&dbFlag, "db", "", "SQLite database path (overrides DATABASE_PATH)")

	rootCmd.AddCommand(newRunCommand(ctx))
	rootCmd.AddCommand(newMigrateCommand(ctx))
	rootCmd.AddCommand(newCheckCommand(ctx))
	rootCmd.AddCommand(newMatchCommand(ctx))
	rootCmd.AddCommand(newQueueCommand(ctx))
	rootCmd.AddCommand(newSubscriptionsCommand(ctx))

	return rootCmd
}

type commandContext struct {
	envFlag *string
	dbFlag  *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(envFlag, dbFlag *string) *commandContext {
	return &commandContext{
		envFlag: envFlag,
		dbFlag:  dbFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		if c.envFlag != nil && strings.TrimSpace(*c.envFlag) != "" {
			if err := config.LoadDotenv(*c.envFlag); err != nil {
				c.configErr = err
				return
			}
		}
		cfg, err := config.Load()
		if err != nil {
			c.configErr = fmt.Errorf("load config: %w", err)
			return
		}
		if c.dbFlag != nil && strings.TrimSpace(*c.dbFlag) != "" {
			cfg.DatabasePath = strings.TrimSpace(*c.dbFlag)
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// openStore opens the configured database, creating its directory first.
func (c *commandContext) openStore() (*storage.SQLite, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create data directory %s: %w", dir, err)
		}
	}
	store, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.DatabasePath, err)
	}
	return store, nil
}

func (c *commandContext) withStore(fn func(*storage.SQLite) error) error {
	store, err := c.openStore()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	return fn(store)
}
