package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"teamchat/internal/apperr"
)

var (
	ErrChannelNotFound  = fmt.Errorf("channel %w", apperr.ErrNotFound)
	ErrMessageNotFound  = fmt.Errorf("message %w", apperr.ErrNotFound)
	ErrDuplicateChannel = fmt.Errorf("channel name already taken for this kind: %w", apperr.ErrConflict)
	ErrLastAdmin        = fmt.Errorf("channel must keep at least one admin: %w", apperr.ErrForbidden)
	ErrNotMember        = fmt.Errorf("user is not a channel member: %w", apperr.ErrInvalidInput)
	ErrNotAdmin         = fmt.Errorf("caller is not a channel admin: %w", apperr.ErrForbidden)
	ErrNotSender        = fmt.Errorf("only the sender may change a message: %w", apperr.ErrForbidden)
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

func isPGError(err error, code string) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == code
}

// withTx runs fn in a transaction, rolling back when fn fails.
func withTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func boundedContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
