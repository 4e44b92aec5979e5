package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// Connect initializes the database connection and runs migrations.
func Connect(ctx context.Context, dsn string, log *zap.Logger) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	log.Info("database migrations applied", zap.Int("statements", len(migrations)))
	return db, nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS channels (
        id BIGSERIAL PRIMARY KEY,
        name TEXT NOT NULL,
        kind TEXT NOT NULL CHECK (kind IN ('public', 'private', 'direct')),
        description TEXT,
        created_by BIGINT NOT NULL,
        archived BOOLEAN NOT NULL DEFAULT FALSE,
        participant_low BIGINT,
        participant_high BIGINT,
        last_activity_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );`,
	`CREATE UNIQUE INDEX IF NOT EXISTS channels_name_kind_uniq
        ON channels (name, kind) WHERE kind <> 'direct';`,
	`CREATE UNIQUE INDEX IF NOT EXISTS channels_direct_pair_uniq
        ON channels (participant_low, participant_high) WHERE kind = 'direct';`,
	`CREATE TABLE IF NOT EXISTS channel_members (
        channel_id BIGINT NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
        user_id BIGINT NOT NULL,
        is_admin BOOLEAN NOT NULL DEFAULT FALSE,
        joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        PRIMARY KEY (channel_id, user_id)
    );`,
	`CREATE INDEX IF NOT EXISTS channel_members_user_idx ON channel_members (user_id);`,
	`CREATE TABLE IF NOT EXISTS messages (
        id BIGSERIAL PRIMARY KEY,
        channel_id BIGINT NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
        sender_id BIGINT NOT NULL,
        content TEXT NOT NULL DEFAULT '',
        kind TEXT NOT NULL DEFAULT 'text',
        parent_id BIGINT REFERENCES messages(id) ON DELETE SET NULL,
        mentions BIGINT[] NOT NULL DEFAULT '{}',
        file_url TEXT,
        file_name TEXT,
        file_size BIGINT,
        file_mime TEXT,
        metadata JSONB NOT NULL DEFAULT '{}',
        edited BOOLEAN NOT NULL DEFAULT FALSE,
        deleted BOOLEAN NOT NULL DEFAULT FALSE,
        deleted_at TIMESTAMPTZ,
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );`,
	`CREATE INDEX IF NOT EXISTS messages_channel_id_idx ON messages (channel_id, id DESC);`,
	`CREATE INDEX IF NOT EXISTS messages_parent_idx ON messages (parent_id, id) WHERE parent_id IS NOT NULL;`,
	`CREATE TABLE IF NOT EXISTS message_readers (
        message_id BIGINT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
        user_id BIGINT NOT NULL,
        read_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        PRIMARY KEY (message_id, user_id)
    );`,
	`CREATE TABLE IF NOT EXISTS message_reactions (
        message_id BIGINT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
        emoji TEXT NOT NULL,
        user_id BIGINT NOT NULL,
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        PRIMARY KEY (message_id, emoji, user_id)
    );`,
}

func runMigrations(ctx context.Context, db *sqlx.DB) error {
	for _, m := range migrations {
		if _, err := db.ExecContext(ctx, m); err != nil {
			return err
		}
	}
	return nil
}
