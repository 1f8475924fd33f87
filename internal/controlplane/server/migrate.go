package server

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

func migrate(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
		`
CREATE TABLE IF NOT EXISTS alarms (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  kind TEXT NOT NULL,
  code TEXT,
  order_no TEXT,
  agent_id TEXT,
  message TEXT NOT NULL,
  raised_at TEXT NOT NULL,
  acked_at TEXT
);`,
		`CREATE INDEX IF NOT EXISTS idx_alarms_raised_at ON alarms(raised_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_alarms_kind ON alarms(kind, raised_at DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
