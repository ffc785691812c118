// Package commands implements the shell0 CLI.
package commands

import (
	"context"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/syndtr/goleveldb/leveldb"

	"shell0/internal/config"
	"shell0/internal/storage"
)

// Set at build time with -ldflags.
var (
	Version = "dev"
	Commit  = "none"
)

type CLI struct {
	rootCmd    *cobra.Command
	configPath string
}

func New() *CLI {
	rootCmd := &cobra.Command{
		Use:           "shell0",
		Short:         "Offline-capable caching proxy for the admin console",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}

	c := &CLI{rootCmd: rootCmd}
	rootCmd.PersistentFlags().StringVar(&c.configPath, "config", getenvDefault("SHELL0_CONFIG", "shell0.yaml"), "path to shell0.yaml")

	rootCmd.AddCommand(c.newServeCmd())
	rootCmd.AddCommand(c.newQueueCmd())
	rootCmd.AddCommand(c.newStoresCmd())
	rootCmd.AddCommand(c.newVersionCmd())
	return c
}

func (c *CLI) Execute(ctx context.Context) error {
	c.rootCmd.SetContext(ctx)
	return c.rootCmd.Execute()
}

func (c *CLI) SetArgs(args []string) {
	c.rootCmd.SetArgs(args)
}

func (c *CLI) SetOutput(out, err io.Writer) {
	c.rootCmd.SetOut(out)
	c.rootCmd.SetErr(err)
}

func (c *CLI) loadConfig() (config.Config, error) {
	return config.Load(c.configPath)
}

// openDB opens the configured database. leveldb holds an exclusive lock, so
// offline commands fail while a server owns the same path.
func (c *CLI) openDB() (config.Config, *leveldb.DB, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return config.Config{}, nil, err
	}
	db, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, db, nil
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
