package storage

import (
	"database/sql"
)

// RegisterSQLiteMigrations registers the schema of the alert store and the
// dead letter queue.
func RegisterSQLiteMigrations(runner *MigrationRunner) {
	runner.Register(Migration{
		Version: "1.0.0",
		Name:    "create_alerts",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
			CREATE TABLE IF NOT EXISTS alerts (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				fingerprint TEXT NOT NULL UNIQUE,
				event_id TEXT NOT NULL,
				rule_id INTEGER NOT NULL,
				priority INTEGER NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				log TEXT NOT NULL,
				fields TEXT NOT NULL DEFAULT '{}',
				traits TEXT NOT NULL DEFAULT '{}',
				groups_list TEXT NOT NULL DEFAULT '[]',
				received_at DATETIME NOT NULL,
				stored_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);
			CREATE INDEX IF NOT EXISTS idx_alerts_rule_id ON alerts(rule_id);
			CREATE INDEX IF NOT EXISTS idx_alerts_received_at ON alerts(received_at);`)
			return err
		},
	})

	runner.Register(Migration{
		Version: "1.1.0",
		Name:    "create_dead_letter_queue",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
			CREATE TABLE IF NOT EXISTS dead_letter_queue (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				protocol TEXT NOT NULL,
				raw_event BLOB NOT NULL,
				size INTEGER NOT NULL,
				error_reason TEXT NOT NULL,
				error_details TEXT NOT NULL DEFAULT ''
			);
			CREATE INDEX IF NOT EXISTS idx_dlq_timestamp ON dead_letter_queue(timestamp);
			CREATE INDEX IF NOT EXISTS idx_dlq_reason ON dead_letter_queue(error_reason);`)
			return err
		},
	})
}
