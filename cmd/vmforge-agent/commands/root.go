package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/vmforge/vmforge/pkg/config"
	"github.com/vmforge/vmforge/pkg/stores"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "vmforge-agent",
		Short: "vmforge - cluster manager execution agent",
		Long: `vmforge-agent executes the queued tasks of a virtual machine cluster manager.

It runs the image, storage and node handlers against the hypervisor nodes:
  - Image creation, upload, attach/detach and duplication
  - Storage mount and unmount
  - Node inventory checks, suspend and wake-on-LAN
  - Task outcome bookkeeping and resource locking`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newResourceCommand())
	rootCmd.AddCommand(newTaskCommand())
	rootCmd.AddCommand(newChunksCommand())
	rootCmd.AddCommand(newServeCommand(version))

	return rootCmd
}

// loadConfig reads the configuration selected by --config.
func loadConfig() (*config.Config, error) {
	cfg, _, err := loadConfigFile()
	return cfg, err
}

// loadConfigFile is loadConfig that also returns the file used, if any.
func loadConfigFile() (*config.Config, string, error) {
	cfg, used, err := config.Load(configPath)
	if err != nil {
		return nil, "", err
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if used != "" {
		log.Debug().Str("file", used).Msg("Loaded config")
	} else {
		log.Debug().Msg("No config file found, using defaults")
	}
	return cfg, used, nil
}

// openStore opens and migrates the database of cfg.
func openStore(ctx context.Context, cfg *config.Config) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Database.Path})
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

// withStore loads the config, opens the store and runs fn.
func withStore(ctx context.Context, fn func(cfg *config.Config, store *stores.SQLiteStore) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(cfg, store)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
