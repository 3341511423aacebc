package commands

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

//go:embed seed/*.sql
var demoSeed embed.FS

// seedDir overrides the embedded demo data with *.sql files from a directory.
var seedDir string

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load demo accounts, leads and a campaign",
	Long: `Seed executes every *.sql file in lexical order inside one transaction.
Without --dir the embedded demo data is used.`,
	RunE: runSeed,
}

func init() {
	seedCmd.Flags().StringVar(&seedDir, "dir", "", "Directory of *.sql seed files")
}

func runSeed(cmd *cobra.Command, _ []string) error {
	e, err := bootstrap(cmd.Context())
	if err != nil {
		return err
	}
	defer e.close()

	var src fs.FS
	if seedDir != "" {
		src = os.DirFS(seedDir)
	} else {
		src, _ = fs.Sub(demoSeed, "seed")
	}
	return seedFiles(cmd.Context(), e.db, src, e.log)
}

func seedFiles(ctx context.Context, db *sql.DB, src fs.FS, log *zap.Logger) error {
	files, err := fs.Glob(src, "*.sql")
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no seed files found")
	}
	sort.Strings(files)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, file := range files {
		content, err := fs.ReadFile(src, file)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", file, err)
		}
		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("failed to execute %s: %w", file, err)
		}
		log.Info("seeded", zap.String("file", file))
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	log.Info("database seeding completed")
	return nil
}
