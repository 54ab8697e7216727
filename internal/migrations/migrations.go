package migrations

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

//go:embed sql/*.sql
var files embed.FS

const versionsTable = "schema_migrations"

// Migration is one embedded schema step.
type Migration struct {
	Version string
	SQL     string
}

// List returns the embedded migrations ordered by version.
func List() ([]Migration, error) {
	entries, err := fs.ReadDir(files, "sql")
	if err != nil {
		return nil, err
	}
	migrations := make([]Migration, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		data, err := fs.ReadFile(files, "sql/"+entry.Name())
		if err != nil {
			return nil, err
		}
		migrations = append(migrations, Migration{
			Version: strings.TrimSuffix(entry.Name(), ".sql"),
			SQL:     string(data),
		})
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}

// Apply runs every migration not yet recorded in schema_migrations, each in
// its own transaction. It returns the versions applied.
func Apply(ctx context.Context, db *sql.DB, logger logrus.FieldLogger) ([]string, error) {
	if db == nil {
		return nil, errors.New("migrations: nil db")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	migrations, err := List()
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	version TEXT PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, versionsTable)); err != nil {
		return nil, fmt.Errorf("migrations: create %s: %w", versionsTable, err)
	}

	var applied []string
	for _, migration := range migrations {
		done, err := isApplied(ctx, db, migration.Version)
		if err != nil {
			return applied, err
		}
		if done {
			continue
		}
		if err := applyOne(ctx, db, migration); err != nil {
			return applied, err
		}
		logger.WithField("version", migration.Version).Info("migration applied")
		applied = append(applied, migration.Version)
	}
	return applied, nil
}

func isApplied(ctx context.Context, db *sql.DB, version string) (bool, error) {
	var found int
	err := db.QueryRowContext(ctx, fmt.Sprintf(`SELECT 1 FROM %s WHERE version = $1`, versionsTable), version).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("migrations: check %s: %w", version, err)
	}
	return true, nil
}

func applyOne(ctx context.Context, db *sql.DB, migration Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
		return fmt.Errorf("migrations: apply %s: %w", migration.Version, err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (version) VALUES ($1)`, versionsTable), migration.Version); err != nil {
		return fmt.Errorf("migrations: record %s: %w", migration.Version, err)
	}
	return tx.Commit()
}
