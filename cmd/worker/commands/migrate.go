package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/unclebandit/outreach-scheduler/internal/db"
)

// migrateVersion is the target schema version; zero means latest.
var migrateVersion uint

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE:  runMigrate,
}

func init() {
	migrateCmd.Flags().UintVar(
		&migrateVersion, "version", 0,
		"Target schema version (default: latest)",
	)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	if migrateVersion > db.LatestMigrationVersion {
		return fmt.Errorf("version %d is newer than this binary (latest %d)",
			migrateVersion, db.LatestMigrationVersion)
	}
	e, err := bootstrap(cmd.Context())
	if err != nil {
		return err
	}
	defer e.close()
	return db.Migrate(e.db, migrateVersion, e.log)
}
