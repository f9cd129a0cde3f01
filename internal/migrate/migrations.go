package migrate

import (
	"fmt"

	"gorm.io/gorm"
)

// All returns the registered migration sequence for the queue schema.
func All() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "create task_queue and workers",
			Up: func(tx *gorm.DB) error {
				if err := tx.Exec(`
					CREATE TABLE IF NOT EXISTS task_queue (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						type VARCHAR(255) NOT NULL,
						parameters BLOB NOT NULL,
						priority INTEGER NOT NULL DEFAULT 0,
						status VARCHAR(16) NOT NULL DEFAULT 'queued'
							CHECK (status IN ('queued','claimed','processing','completed','failed','dead_letter','cancelled')),
						attempts INTEGER NOT NULL DEFAULT 0,
						max_attempts INTEGER NOT NULL DEFAULT 5,
						locked_by VARCHAR(36),
						lease_expires_at DATETIME,
						next_run_after DATETIME NOT NULL,
						created_at DATETIME NOT NULL,
						claimed_at DATETIME,
						processing_started_at DATETIME,
						finished_at DATETIME,
						last_error TEXT,
						idempotency_key VARCHAR(128),
						updated_at DATETIME NOT NULL
					)
				`).Error; err != nil {
					return err
				}
				// NULL keys never collide in SQLite unique indexes, so no
				// partial index is needed here.
				if err := tx.Exec(`
					CREATE UNIQUE INDEX IF NOT EXISTS idx_task_queue_idempotency_key
						ON task_queue(idempotency_key)
				`).Error; err != nil {
					return err
				}
				return tx.Exec(`
					CREATE TABLE IF NOT EXISTS workers (
						worker_id CHAR(36) PRIMARY KEY,
						capabilities TEXT NOT NULL DEFAULT '',
						heartbeat_at DATETIME NOT NULL,
						current_task_id INTEGER,
						created_at DATETIME NOT NULL,
						updated_at DATETIME NOT NULL
					)
				`).Error
			},
			Down: func(tx *gorm.DB) error {
				if err := tx.Exec(`DROP TABLE IF EXISTS workers`).Error; err != nil {
					return err
				}
				return tx.Exec(`DROP TABLE IF EXISTS task_queue`).Error
			},
			Validate: func(tx *gorm.DB) error {
				return requireTables(tx, "task_queue", "workers")
			},
		},
		{
			Version:     2,
			Description: "create task_logs audit trail",
			Up: func(tx *gorm.DB) error {
				return tx.Exec(`
					CREATE TABLE IF NOT EXISTS task_logs (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						task_id INTEGER NOT NULL,
						level VARCHAR(8) NOT NULL,
						message TEXT NOT NULL,
						details BLOB,
						timestamp DATETIME NOT NULL
					)
				`).Error
			},
			Down: func(tx *gorm.DB) error {
				return tx.Exec(`DROP TABLE IF EXISTS task_logs`).Error
			},
			Validate: func(tx *gorm.DB) error {
				return requireTables(tx, "task_logs")
			},
		},
		{
			Version:     3,
			Description: "add claim and observability indexes",
			Up: func(tx *gorm.DB) error {
				stmts := []string{
					`CREATE INDEX IF NOT EXISTS idx_task_queue_claim ON task_queue(status, priority, created_at)`,
					`CREATE INDEX IF NOT EXISTS idx_task_queue_type_status ON task_queue(type, status)`,
					`CREATE INDEX IF NOT EXISTS idx_task_queue_lease ON task_queue(status, lease_expires_at)`,
					`CREATE INDEX IF NOT EXISTS idx_task_queue_next_run ON task_queue(next_run_after)`,
					`CREATE INDEX IF NOT EXISTS idx_workers_heartbeat ON workers(heartbeat_at)`,
					`CREATE INDEX IF NOT EXISTS idx_task_logs_task ON task_logs(task_id)`,
					`CREATE INDEX IF NOT EXISTS idx_task_logs_timestamp ON task_logs(timestamp)`,
				}
				for _, stmt := range stmts {
					if err := tx.Exec(stmt).Error; err != nil {
						return err
					}
				}
				return nil
			},
			Down: func(tx *gorm.DB) error {
				stmts := []string{
					`DROP INDEX IF EXISTS idx_task_queue_claim`,
					`DROP INDEX IF EXISTS idx_task_queue_type_status`,
					`DROP INDEX IF EXISTS idx_task_queue_lease`,
					`DROP INDEX IF EXISTS idx_task_queue_next_run`,
					`DROP INDEX IF EXISTS idx_workers_heartbeat`,
					`DROP INDEX IF EXISTS idx_task_logs_task`,
					`DROP INDEX IF EXISTS idx_task_logs_timestamp`,
				}
				for _, stmt := range stmts {
					if err := tx.Exec(stmt).Error; err != nil {
						return err
					}
				}
				return nil
			},
			Validate: func(tx *gorm.DB) error {
				var n int64
				err := tx.Raw(
					`SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = 'idx_task_queue_claim'`,
				).Scan(&n).Error
				if err != nil {
					return err
				}
				if n != 1 {
					return fmt.Errorf("claim index missing")
				}
				return nil
			},
		},
	}
}

func requireTables(tx *gorm.DB, names ...string) error {
	for _, name := range names {
		var n int64
		err := tx.Raw(
			`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name,
		).Scan(&n).Error
		if err != nil {
			return err
		}
		if n != 1 {
			return fmt.Errorf("table %s missing", name)
		}
	}
	return nil
}
