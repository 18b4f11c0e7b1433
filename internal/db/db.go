package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// Connect opens the Postgres connection and applies migrations.
func Connect(dsn string, log *zap.SugaredLogger) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	log.Infow("database migrations applied", "count", len(migrations))
	return db, nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS chat_messages (
            seq BIGSERIAL PRIMARY KEY,
            path TEXT NOT NULL,
            message_id TEXT NOT NULL,
            sender_id TEXT NOT NULL,
            text TEXT NOT NULL,
            sent_at_ms BIGINT NOT NULL,
            created_at TIMESTAMPTZ DEFAULT NOW(),
            UNIQUE(path, message_id)
        );`,
	`CREATE INDEX IF NOT EXISTS chat_messages_path_sent_idx ON chat_messages (path, sent_at_ms, seq);`,
}

func runMigrations(db *sqlx.DB) error {
	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}
