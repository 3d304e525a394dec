// Package cli implements the dagflow command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/ignatij/dagflow/internal/config"
	"github.com/ignatij/dagflow/internal/executors"
	"github.com/ignatij/dagflow/internal/log"
	internal_storage "github.com/ignatij/dagflow/internal/storage"
	"github.com/ignatij/dagflow/pkg/service"
	"github.com/ignatij/dagflow/pkg/storage"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Execute is the entry point called from cmd/dagflow/main.go.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// NewRootCmd builds the dagflow command tree.
func NewRootCmd() *cobra.Command {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:          "dagflow",
		Short:        "dagflow runs DAG workflows with retries, SLAs and rollback",
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return initConfig(cfgFile)
		},
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (default: ./dagflow.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug | info | warn | error")
	rootCmd.PersistentFlags().String("db", "", "PostgreSQL connection string; empty keeps state in memory")
	bindFlag("log.level", rootCmd.PersistentFlags(), "log-level")
	bindFlag("database.dsn", rootCmd.PersistentFlags(), "db")

	rootCmd.AddCommand(
		newServeCmd(),
		newInitCmd(&cfgFile),
		newVersionCmd(),
		newDefinitionCmd(),
		newRunCmd(),
		newQueueCmd(),
	)
	return rootCmd
}

func initConfig(cfgFile string) error {
	if err := godotenv.Load(); err != nil {
		log.GetLogger().Debugf("No .env file loaded: %v", err)
	}

	config.SetDefaults(viper.GetViper())
	config.BindEnv(viper.GetViper())
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("dagflow")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home + "/.dagflow")
		}
		viper.AddConfigPath("/etc/dagflow")
	}

	if err := viper.ReadInConfig(); err != nil {
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !notFound && !os.IsNotExist(err) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	} else {
		log.GetLogger().Debugf("Using config file %s", viper.ConfigFileUsed())
	}

	log.Configure(viper.GetString("log.level"), viper.GetString("log.format"))
	return nil
}

func bindFlag(viperKey string, fs *pflag.FlagSet, flagName string) {
	if err := viper.BindPFlag(viperKey, fs.Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("bindFlag %q → %q: %v", flagName, viperKey, err))
	}
}

func loadConfig() config.Config {
	return config.Load(viper.GetViper())
}

// openStore connects to PostgreSQL when a DSN is configured and falls back
// to the in-memory store otherwise.
func openStore(ctx context.Context, cfg config.Config) (storage.Store, error) {
	if cfg.DatabaseDSN == "" {
		log.GetLogger().Debugf("No database configured, using the in-memory store")
		return storage.NewMemoryStore(), nil
	}
	store, err := internal_storage.InitStore(ctx, cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	return store, nil
}

// newEngine builds an engine with every built-in executor registered.
func newEngine(cfg config.Config, store storage.Store, notifiers ...service.Notifier) *service.Engine {
	registry := service.NewRegistry()
	engine := service.NewEngine(store, registry, log.GetLogger(),
		service.WithWorkers(cfg.Engine.Workers),
		service.WithQueueCapacity(cfg.Engine.QueueCapacity),
		service.WithTaskTimeout(cfg.Engine.TaskTimeout),
		service.WithCancelGrace(cfg.Engine.CancelGrace),
		service.WithCompensationTimeout(cfg.Engine.CompensationTimeout),
		service.WithMaxBackfillRuns(cfg.Engine.MaxBackfillRuns),
		service.WithNotifiers(notifiers...),
	)
	executors.RegisterDefaults(registry, engine)
	return engine
}

// withEngine opens the store, builds an engine that is not started and
// hands it to fn. Read-only and definition commands need no workers.
func withEngine(ctx context.Context, fn func(*service.Engine) error) error {
	cfg := loadConfig()
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(newEngine(cfg, store))
}

func printf(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}
