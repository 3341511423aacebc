package commands

import (
	"context"
	"database/sql"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/unclebandit/outreach-scheduler/internal/config"
	"github.com/unclebandit/outreach-scheduler/internal/db"
	"github.com/unclebandit/outreach-scheduler/internal/logger"
)

var (
	// envFile is an optional .env file loaded before the environment.
	envFile string
)

// rootCmd is the base command for the worker.
var rootCmd = &cobra.Command{
	Use:   "worker",
	Short: "Campaign dispatch worker",
	Long: `worker executes due scheduled messages, consumes bounce events and
manages the database schema.

Configuration is read from the environment (and an optional .env file).`,
	SilenceUsage: true,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&envFile, "env-file", ".env",
		"Path to a .env file (ignored when missing)",
	)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(tickCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(seedCmd)
}

// env is what every subcommand needs before doing work.
type env struct {
	cfg *config.Config
	log *zap.Logger
	db  *sql.DB
}

// bootstrap loads configuration, builds the logger and opens the database.
func bootstrap(ctx context.Context) (*env, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.Open(ctx, cfg.DSN(), log)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, log: log, db: sqlDB}, nil
}

func (e *env) close() {
	_ = e.log.Sync()
	_ = e.db.Close()
}
