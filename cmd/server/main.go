package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/matthewbaird/rentledger/internal/activity"
	"github.com/matthewbaird/rentledger/internal/config"
	"github.com/matthewbaird/rentledger/internal/ledger"
	"github.com/matthewbaird/rentledger/internal/logging"
	"github.com/matthewbaird/rentledger/internal/metrics"
	"github.com/matthewbaird/rentledger/internal/sweeper"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app is what every subcommand starts from.
type app struct {
	v   *viper.Viper
	cfg *config.Config
	log *logrus.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{v: config.New()}
	var configFile string

	root := &cobra.Command{
		Use:           "rentledger",
		Short:         "Multi-organization rental ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(a.v, configFile)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			a.cfg, a.log = cfg, logger
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&configFile, "config", "c", "", "config file (default: ./config.yaml or /etc/rentledger/config.yaml)")
	flags.String("log-level", "", "log level (trace, debug, info, warn, error)")
	flags.String("database-dialect", "", "sqlite3 or postgres")
	flags.String("database-dsn", "", "database connection string")
	_ = a.v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = a.v.BindPFlag("database.dialect", flags.Lookup("database-dialect"))
	_ = a.v.BindPFlag("database.dsn", flags.Lookup("database-dsn"))

	root.AddCommand(a.serveCmd(), a.migrateCmd(), a.sweepCmd())
	return root
}

// open connects to the ledger database and the activity store beside it.
func (a *app) open(ctx context.Context) (*ledger.SQLStore, *activity.SQLStore, error) {
	store, err := ledger.Open(ctx, ledger.DBConfig{
		Dialect:      a.cfg.Database.Dialect,
		DSN:          a.cfg.Database.DSN,
		MaxOpenConns: a.cfg.Database.MaxOpenConns,
	})
	if err != nil {
		return nil, nil, err
	}
	return store, activity.NewSQLStore(store.Driver()), nil
}

func migrate(ctx context.Context, store *ledger.SQLStore, acts *activity.SQLStore) error {
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating ledger: %w", err)
	}
	if err := acts.CreateTable(ctx); err != nil {
		return fmt.Errorf("migrating activity log: %w", err)
	}
	return nil
}

func (a *app) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, acts, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := migrate(ctx, store, acts); err != nil {
				return err
			}
			a.log.WithField("dialect", store.Dialect()).Info("database migrated successfully")
			return nil
		},
	}
}

func (a *app) sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one lease status sweep and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, acts, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			m := metrics.New(nil)
			rec := newRecorder(acts, nil, m)
			stats := sweeper.New(store, rec, a.log, m).Sweep(ctx)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(stats); err != nil {
				return err
			}
			if stats.Failed > 0 {
				return fmt.Errorf("%d lease transitions failed", stats.Failed)
			}
			return nil
		},
	}
}
