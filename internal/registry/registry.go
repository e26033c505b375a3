// Package registry is the durable mirror of the in-memory job map: a single
// sqlite table keyed by job_id, written on every status transition and read
// only on the GET /jobs/{id} fallback path. It uses the modernc pure-Go
// sqlite driver (no CGO) handed to GORM, with the schema applied by
// golang-migrate from embedded SQL files.
package registry

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"database/sql"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	// modernc pure-Go SQLite driver, registers itself as "sqlite".
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned by Get when no row exists for the job id.
var ErrNotFound = errors.New("registry: run not found")

// Run is one row of the runs table. Timestamps are stored as the UTC
// ISO-8601 strings the job records already carry; string comparison on
// created_at preserves chronological order.
type Run struct {
	JobID       string `gorm:"column:job_id;primaryKey"`
	Action      string `gorm:"column:action;not null"`
	Status      string `gorm:"column:status;not null"`
	CreatedAt   string `gorm:"column:created_at;not null"`
	UpdatedAt   string `gorm:"column:updated_at;not null"`
	PayloadJSON string `gorm:"column:payload_json;not null"`
}

// TableName fixes the table name regardless of GORM pluralization settings.
func (Run) TableName() string { return "runs" }

// Registry wraps the sqlite-backed runs table.
type Registry struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open opens (creating if needed) the registry database at path, applies
// pending migrations, and returns the ready Registry.
func Open(path string, logger *zap.Logger) (*Registry, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("registry: open sqlite: %w", err)
	}
	// SQLite supports only one writer at a time; capping the pool at one
	// connection serializes concurrent upserts without caller locking.
	sqlDB.SetMaxOpenConns(1)

	if err := runMigrations(sqlDB); err != nil {
		return nil, fmt.Errorf("registry: migrations failed: %w", err)
	}

	db, err := gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("registry: initialize gorm: %w", err)
	}

	logger.Info("run registry opened", zap.String("path", path))
	return &Registry{db: db, logger: logger.Named("registry")}, nil
}

// runMigrations applies all pending up-migrations from the embedded SQL
// files. ErrNoChange is treated as success.
func runMigrations(sqlDB *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}
	drv, err := migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("create sqlite migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Upsert inserts the run or, on conflict, replaces action, status,
// updated_at and the payload. created_at is preserved from the first write.
func (r *Registry) Upsert(run Run) error {
	err := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "job_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"action", "status", "updated_at", "payload_json",
		}),
	}).Create(&run).Error
	if err != nil {
		return fmt.Errorf("registry: upsert %s: %w", run.JobID, err)
	}
	return nil
}

// Get returns the run row for jobID, or ErrNotFound.
func (r *Registry) Get(jobID string) (*Run, error) {
	var run Run
	err := r.db.First(&run, "job_id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("registry: get %s: %w", jobID, err)
	}
	return &run, nil
}

// ReapOrphans transitions running rows older than horizon to failed with
// error "orphaned". These are jobs whose process died mid-run — nothing will
// ever move them to a terminal state otherwise.
func (r *Registry) ReapOrphans(horizon time.Duration, now time.Time) (int, error) {
	cutoff := now.UTC().Add(-horizon).Format(time.RFC3339)

	var stale []Run
	err := r.db.Where("status = ? AND created_at < ?", "running", cutoff).Find(&stale).Error
	if err != nil {
		return 0, fmt.Errorf("registry: list stale running runs: %w", err)
	}

	reaped := 0
	for _, run := range stale {
		run.Status = "failed"
		run.UpdatedAt = now.UTC().Format(time.RFC3339)

		// Keep the persisted record self-consistent: rewrite the embedded
		// status and error inside the payload as well.
		var payload map[string]any
		if json.Unmarshal([]byte(run.PayloadJSON), &payload) == nil {
			payload["status"] = "failed"
			payload["error"] = "orphaned"
			payload["updated_at"] = run.UpdatedAt
			if raw, err := json.Marshal(payload); err == nil {
				run.PayloadJSON = string(raw)
			}
		}

		if err := r.Upsert(run); err != nil {
			return reaped, err
		}
		r.logger.Warn("reaped orphaned run", zap.String("job_id", run.JobID))
		reaped++
	}
	return reaped, nil
}

// Close releases the underlying database handle.
func (r *Registry) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
