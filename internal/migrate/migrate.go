package migrate

import (
	"context"
	"embed"
	"fmt"
	"sort"
	"strings"

	"gorm.io/gorm"

	"github.com/example/slot-scheduler/internal/jobs"
)

//go:embed *.sql
var fs embed.FS

// Up creates the job tables and applies every embedded SQL file once.
func Up(ctx context.Context, d *gorm.DB) error {
	d = d.WithContext(ctx)
	if err := d.AutoMigrate(&jobs.Job{}); err != nil {
		return fmt.Errorf("automigrate: %w", err)
	}

	entries, err := fs.ReadDir(".")
	if err != nil {
		return err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	if err := d.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY)`).Error; err != nil {
		return err
	}

	for _, f := range files {
		var n int64
		if err := d.Raw(`SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, f).Scan(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			continue
		}

		b, err := fs.ReadFile(f)
		if err != nil {
			return err
		}
		err = d.Transaction(func(tx *gorm.DB) error {
			for _, stmt := range statements(string(b)) {
				if err := tx.Exec(stmt).Error; err != nil {
					return err
				}
			}
			return tx.Exec(`INSERT INTO schema_migrations(version) VALUES (?)`, f).Error
		})
		if err != nil {
			return fmt.Errorf("apply %s: %w", f, err)
		}
	}
	return nil
}

// statements splits a migration file on ";" so drivers without multi-statement
// support can run it.
func statements(sql string) []string {
	var out []string
	for _, s := range strings.Split(sql, ";") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
