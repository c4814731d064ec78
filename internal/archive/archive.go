// Package archive records each locator run and its trajectory in SQLite
// so runs can be compared after the CSV files have been moved.
package archive

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/marker.locator/internal/monitoring"
	"github.com/banshee-data/marker.locator/internal/pose"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUnknownRun is returned for run IDs not in the archive.
var ErrUnknownRun = errors.New("unknown run")

// Archive is a SQLite run archive.
type Archive struct {
	*sql.DB
}

// Run summarises one archived run.
type Run struct {
	ID          uuid.UUID
	StartedAt   time.Time
	EndedAt     time.Time // zero while the run is open
	CSVPath     string
	SampleCount int
	FrameCount  uint64
	PoseCount   uint64
	Notes       string
}

// RunStats are the engine counters stored when a run finishes.
type RunStats struct {
	Frames uint64
	Poses  uint64
}

// Open opens (creating if needed) the archive at path and applies any
// pending migrations.
func Open(path string) (*Archive, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// a single writer avoids SQLITE_BUSY between the run and sample inserts
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA foreign_keys = ON; PRAGMA busy_timeout = 5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure archive: %w", err)
	}

	a := &Archive{db}
	if err := a.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

// MigrateUp runs all pending migrations up to the latest version.
func (a *Archive) MigrateUp() error {
	m, err := a.newMigrate()
	if err != nil {
		return err
	}
	// Closing m would close the shared database handle.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// MigrateVersion returns the current schema version and dirty state.
func (a *Archive) MigrateVersion() (uint, bool, error) {
	m, err := a.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func (a *Archive) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(a.DB, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}
	return m, nil
}

// migrateLogger implements migrate.Logger
type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) {
	monitoring.Logf("[migrate] "+format, v...)
}

func (migrateLogger) Verbose() bool {
	return monitoring.Verbose()
}

// StartRun creates a run record and returns its ID.
func (a *Archive) StartRun(ctx context.Context, startedAt time.Time, notes string) (uuid.UUID, error) {
	id := uuid.New()
	_, err := a.ExecContext(ctx,
		`INSERT INTO locator_runs (run_id, started_at, notes) VALUES (?, ?, ?)`,
		id.String(), startedAt.UnixNano(), notes)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to start run: %w", err)
	}
	return id, nil
}

// FinishRun closes a run, storing its samples and counters in one
// transaction.
func (a *Archive) FinishRun(ctx context.Context, id uuid.UUID, endedAt time.Time, csvPath string, samples []pose.Sample, stats RunStats) error {
	tx, err := a.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE locator_runs
		SET ended_at = ?, csv_path = ?, sample_count = ?, frame_count = ?, pose_count = ?
		WHERE run_id = ?`,
		endedAt.UnixNano(), csvPath, len(samples), int64(stats.Frames), int64(stats.Poses), id.String())
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownRun, id)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO locator_samples (run_id, idx, x_px, y_px, yaw_deg) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare sample insert: %w", err)
	}
	defer stmt.Close()

	for i, s := range samples {
		if _, err := stmt.ExecContext(ctx, id.String(), i, s.X, s.Y, s.Yaw); err != nil {
			return fmt.Errorf("failed to insert sample %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

// Runs returns every archived run, oldest first.
func (a *Archive) Runs(ctx context.Context) ([]Run, error) {
	rows, err := a.QueryContext(ctx, `
		SELECT run_id, started_at, ended_at, csv_path, sample_count, frame_count, pose_count, notes
		FROM locator_runs
		ORDER BY started_at, run_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r                   Run
			id                  string
			started             int64
			ended               sql.NullInt64
			csvPath, notes      sql.NullString
			frameCount, poseCnt int64
		)
		if err := rows.Scan(&id, &started, &ended, &csvPath, &r.SampleCount, &frameCount, &poseCnt, &notes); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if r.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("invalid run id %q: %w", id, err)
		}
		r.StartedAt = time.Unix(0, started).UTC()
		if ended.Valid {
			r.EndedAt = time.Unix(0, ended.Int64).UTC()
		}
		r.CSVPath = csvPath.String
		r.Notes = notes.String
		r.FrameCount = uint64(frameCount)
		r.PoseCount = uint64(poseCnt)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Samples returns the samples of one run in recorded order.
func (a *Archive) Samples(ctx context.Context, id uuid.UUID) ([]pose.Sample, error) {
	rows, err := a.QueryContext(ctx,
		`SELECT x_px, y_px, yaw_deg FROM locator_samples WHERE run_id = ? ORDER BY idx`, id.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query samples: %w", err)
	}
	defer rows.Close()

	var samples []pose.Sample
	for rows.Next() {
		var s pose.Sample
		if err := rows.Scan(&s.X, &s.Y, &s.Yaw); err != nil {
			return nil, fmt.Errorf("failed to scan sample: %w", err)
		}
		samples = append(samples, s)
	}
	return samples, rows.Err()
}
