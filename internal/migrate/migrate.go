// Package migrate applies versioned, reversible schema changes and keeps a
// ledger of what was applied in the migration_history table. It is consumed
// at process startup only; a failure there is fatal to the host process.
package migrate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"gorm.io/gorm"

	"github.com/feedforge/duroq/internal/queue"
)

// Migration is one ordered schema change. Up and Down run inside a single
// transaction; Validate runs in the same transaction after Up and vetoes the
// commit when it fails.
type Migration struct {
	Version     int64
	Description string
	Up          func(tx *gorm.DB) error
	Down        func(tx *gorm.DB) error
	Validate    func(tx *gorm.DB) error
}

// Error is a schema application failure. It never leaves the schema
// partially applied: the offending transaction is rolled back first.
type Error struct {
	Version int64
	Op      string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("migrate: version %d %s: %v", e.Version, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Manager drives a registered, ordered migration sequence against one
// database.
type Manager struct {
	db         *gorm.DB
	log        *slog.Logger
	migrations []Migration
}

// NewManager sorts and validates the registered sequence. Duplicate versions
// are a programming error and rejected outright.
func NewManager(db *gorm.DB, lg *slog.Logger, migrations []Migration) (*Manager, error) {
	if lg == nil {
		lg = slog.Default()
	}
	sorted := make([]Migration, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Version == sorted[i-1].Version {
			return nil, fmt.Errorf("migrate: duplicate version %d", sorted[i].Version)
		}
	}
	m := &Manager{db: db, log: lg, migrations: sorted}
	if err := m.ensureHistory(); err != nil {
		return nil, err
	}
	return m, nil
}

// ensureHistory bootstraps the ledger table itself. This is the only piece of
// schema not managed by a migration.
func (m *Manager) ensureHistory() error {
	err := m.db.Exec(`
		CREATE TABLE IF NOT EXISTS migration_history (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied INTEGER NOT NULL DEFAULT 0,
			applied_at DATETIME,
			rolled_back_at DATETIME
		)
	`).Error
	if err != nil {
		return &Error{Op: "ensure history", Err: err}
	}
	return nil
}

// CurrentVersion returns the highest applied version, or 0 when none.
func (m *Manager) CurrentVersion(ctx context.Context) (int64, error) {
	var version *int64
	err := m.db.WithContext(ctx).Model(&queue.MigrationRecord{}).
		Select("MAX(version)").
		Where("applied = ?", true).
		Scan(&version).Error
	if err != nil {
		return 0, &Error{Op: "current version", Err: err}
	}
	if version == nil {
		return 0, nil
	}
	return *version, nil
}

// Pending returns registered migrations that are not currently applied, in
// ascending version order.
func (m *Manager) Pending(ctx context.Context) ([]Migration, error) {
	applied, err := m.appliedSet(ctx)
	if err != nil {
		return nil, err
	}
	var pending []Migration
	for _, mig := range m.migrations {
		if !applied[mig.Version] {
			pending = append(pending, mig)
		}
	}
	return pending, nil
}

func (m *Manager) appliedSet(ctx context.Context) (map[int64]bool, error) {
	var records []queue.MigrationRecord
	if err := m.db.WithContext(ctx).Where("applied = ?", true).Find(&records).Error; err != nil {
		return nil, &Error{Op: "read history", Err: err}
	}
	applied := make(map[int64]bool, len(records))
	for _, r := range records {
		applied[r.Version] = true
	}
	return applied, nil
}

// MigrateToLatest applies every pending migration in order. Re-running it is
// a no-op. Each migration runs Up then Validate in one transaction; a
// Validate failure rolls the transaction back and aborts the run.
func (m *Manager) MigrateToLatest(ctx context.Context) error {
	pending, err := m.Pending(ctx)
	if err != nil {
		return err
	}
	for _, mig := range pending {
		if err := m.apply(ctx, mig); err != nil {
			return err
		}
		m.log.Info("migration applied", "version", mig.Version, "description", mig.Description)
	}
	return nil
}

func (m *Manager) apply(ctx context.Context, mig Migration) error {
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := mig.Up(tx); err != nil {
			return &Error{Version: mig.Version, Op: "up", Err: err}
		}
		if mig.Validate != nil {
			if err := mig.Validate(tx); err != nil {
				return &Error{Version: mig.Version, Op: "validate", Err: err}
			}
		}
		now := time.Now().UTC()
		return tx.Exec(`
			INSERT INTO migration_history (version, description, applied, applied_at, rolled_back_at)
			VALUES (?, ?, 1, ?, NULL)
			ON CONFLICT(version) DO UPDATE SET applied = 1, applied_at = excluded.applied_at, rolled_back_at = NULL
		`, mig.Version, mig.Description, now).Error
	})
	if err != nil {
		if me, ok := err.(*Error); ok {
			return me
		}
		return &Error{Version: mig.Version, Op: "apply", Err: err}
	}
	return nil
}

// Rollback reverts the most recent `steps` applied migrations, newest first.
// Each Down runs in its own transaction and the ledger row is marked rolled
// back rather than deleted.
func (m *Manager) Rollback(ctx context.Context, steps int) error {
	if steps < 1 {
		return nil
	}
	applied, err := m.appliedSet(ctx)
	if err != nil {
		return err
	}
	for i := len(m.migrations) - 1; i >= 0 && steps > 0; i-- {
		mig := m.migrations[i]
		if !applied[mig.Version] {
			continue
		}
		err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := mig.Down(tx); err != nil {
				return &Error{Version: mig.Version, Op: "down", Err: err}
			}
			return tx.Model(&queue.MigrationRecord{}).
				Where("version = ?", mig.Version).
				Updates(map[string]any{
					"applied":        false,
					"rolled_back_at": time.Now().UTC(),
				}).Error
		})
		if err != nil {
			if me, ok := err.(*Error); ok {
				return me
			}
			return &Error{Version: mig.Version, Op: "rollback", Err: err}
		}
		m.log.Info("migration rolled back", "version", mig.Version, "description", mig.Description)
		steps--
	}
	return nil
}

// History returns the full ledger ordered by version.
func (m *Manager) History(ctx context.Context) ([]queue.MigrationRecord, error) {
	var records []queue.MigrationRecord
	if err := m.db.WithContext(ctx).Order("version ASC").Find(&records).Error; err != nil {
		return nil, &Error{Op: "history", Err: err}
	}
	return records, nil
}

// Registered returns the registered sequence in ascending version order.
func (m *Manager) Registered() []Migration {
	out := make([]Migration, len(m.migrations))
	copy(out, m.migrations)
	return out
}
