package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"teamchat/internal/models"
)

// MessageRepository abstracts message persistence. Reactions and read
// receipts are stored as rows so concurrent toggles and marks are set
// operations in the database.
type MessageRepository interface {
	Create(ctx context.Context, in models.NewMessage) (models.Message, error)
	GetByID(ctx context.Context, messageID int64) (models.Message, error)
	List(ctx context.Context, channelID int64, q models.MessageQuery) ([]models.Message, error)
	UpdateContent(ctx context.Context, messageID, senderID int64, content string) (models.Message, error)
	SoftDelete(ctx context.Context, messageID, senderID int64, at time.Time) (models.Message, error)
	ToggleReaction(ctx context.Context, messageID int64, emoji string, userID int64) (bool, error)
	MarkRead(ctx context.Context, channelID, uptoMessageID, userID int64) (int64, error)
}

const messageColumns = `id, channel_id, sender_id, content, kind, parent_id, mentions,
	file_url, file_name, file_size, file_mime, metadata, edited, deleted, deleted_at, created_at, updated_at`

type messageRow struct {
	ID        int64              `db:"id"`
	ChannelID int64              `db:"channel_id"`
	SenderID  int64              `db:"sender_id"`
	Content   string             `db:"content"`
	Kind      models.MessageKind `db:"kind"`
	ParentID  sql.NullInt64      `db:"parent_id"`
	Mentions  pq.Int64Array      `db:"mentions"`
	FileURL   sql.NullString     `db:"file_url"`
	FileName  sql.NullString     `db:"file_name"`
	FileSize  sql.NullInt64      `db:"file_size"`
	FileMime  sql.NullString     `db:"file_mime"`
	Metadata  models.Metadata    `db:"metadata"`
	Edited    bool               `db:"edited"`
	Deleted   bool               `db:"deleted"`
	DeletedAt sql.NullTime       `db:"deleted_at"`
	CreatedAt time.Time          `db:"created_at"`
	UpdatedAt time.Time          `db:"updated_at"`
}

func (r messageRow) toModel() models.Message {
	msg := models.Message{
		ID:        r.ID,
		ChannelID: r.ChannelID,
		SenderID:  r.SenderID,
		Content:   r.Content,
		Kind:      r.Kind,
		Mentions:  []int64(r.Mentions),
		ReadBy:    []int64{},
		Reactions: []models.Reaction{},
		Metadata:  r.Metadata,
		Edited:    r.Edited,
		Deleted:   r.Deleted,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if msg.Mentions == nil {
		msg.Mentions = []int64{}
	}
	if r.ParentID.Valid {
		parent := r.ParentID.Int64
		msg.ParentID = &parent
	}
	if r.FileURL.Valid {
		msg.File = &models.FileMetadata{
			URL:      r.FileURL.String,
			Name:     r.FileName.String,
			Size:     r.FileSize.Int64,
			MimeType: r.FileMime.String,
		}
	}
	if r.DeletedAt.Valid {
		at := r.DeletedAt.Time
		msg.DeletedAt = &at
	}
	return msg
}

// MessageRepo is a sqlx implementation of MessageRepository.
type MessageRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewMessageRepo constructs a MessageRepo. timeout bounds every call.
func NewMessageRepo(db *sqlx.DB, timeout time.Duration) *MessageRepo {
	return &MessageRepo{db: db, timeout: timeout}
}

// Create stores a message and records the sender as its first reader. The
// sender's membership row is share-locked for the insert, so a concurrent
// removal either waits for the message or makes Create fail with
// ErrChannelNotFound.
func (r *MessageRepo) Create(ctx context.Context, in models.NewMessage) (models.Message, error) {
	ctx, cancel := boundedContext(ctx, r.timeout)
	defer cancel()

	var file models.FileMetadata
	hasFile := in.File != nil
	if hasFile {
		file = *in.File
	}
	mentions := in.Mentions
	if mentions == nil {
		mentions = []int64{}
	}

	var row messageRow
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		var member bool
		err := tx.GetContext(ctx, &member, `SELECT TRUE FROM channel_members
			WHERE channel_id = $1 AND user_id = $2 FOR SHARE`, in.ChannelID, in.SenderID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrChannelNotFound
		}
		if err != nil {
			return err
		}
		if err := tx.GetContext(ctx, &row, `INSERT INTO messages
			(channel_id, sender_id, content, kind, parent_id, mentions, file_url, file_name, file_size, file_mime, metadata)
			VALUES ($1, $2, $3, $4, $5, $6,
				NULLIF($7, ''), NULLIF($8, ''), CASE WHEN $9 THEN $10::BIGINT END, NULLIF($11, ''), $12)
			RETURNING `+messageColumns,
			in.ChannelID, in.SenderID, in.Content, in.Kind, in.ParentID, pq.Array(mentions),
			file.URL, file.Name, hasFile, file.Size, file.MimeType, in.Metadata); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO message_readers (message_id, user_id) VALUES ($1, $2)`, row.ID, in.SenderID)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrChannelNotFound) || isPGError(err, pgForeignKeyViolation) {
			return models.Message{}, ErrChannelNotFound
		}
		return models.Message{}, fmt.Errorf("messageRepo.Create: %w", err)
	}

	msg := row.toModel()
	msg.ReadBy = []int64{in.SenderID}
	return msg, nil
}

// GetByID loads a message with its readers and reactions.
func (r *MessageRepo) GetByID(ctx context.Context, messageID int64) (models.Message, error) {
	ctx, cancel := boundedContext(ctx, r.timeout)
	defer cancel()
	return r.getByID(ctx, messageID)
}

func (r *MessageRepo) getByID(ctx context.Context, messageID int64) (models.Message, error) {
	var row messageRow
	err := r.db.GetContext(ctx, &row, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return models.Message{}, fmt.Errorf("messageRepo.GetByID: %w", err)
	}
	msgs, err := r.hydrate(ctx, []messageRow{row})
	if err != nil {
		return models.Message{}, err
	}
	return msgs[0], nil
}

// List returns one page of a channel's messages, newest first. AfterID and
// BeforeID bound the page; with only AfterID set the page holds the newest
// messages after the cursor.
func (r *MessageRepo) List(ctx context.Context, channelID int64, q models.MessageQuery) ([]models.Message, error) {
	ctx, cancel := boundedContext(ctx, r.timeout)
	defer cancel()

	var sb strings.Builder
	sb.WriteString(`SELECT ` + messageColumns + ` FROM messages WHERE channel_id = $1`)
	args := []any{channelID}
	if !q.AllThreads {
		if q.ParentID != nil {
			args = append(args, *q.ParentID)
			fmt.Fprintf(&sb, " AND parent_id = $%d", len(args))
		} else {
			sb.WriteString(" AND parent_id IS NULL")
		}
	}
	if q.BeforeID != nil {
		args = append(args, *q.BeforeID)
		fmt.Fprintf(&sb, " AND id < $%d", len(args))
	}
	if q.AfterID != nil {
		args = append(args, *q.AfterID)
		fmt.Fprintf(&sb, " AND id > $%d", len(args))
	}
	sb.WriteString(" ORDER BY id DESC")
	args = append(args, q.Limit)
	fmt.Fprintf(&sb, " LIMIT $%d", len(args))

	var rows []messageRow
	if err := r.db.SelectContext(ctx, &rows, sb.String(), args...); err != nil {
		return nil, fmt.Errorf("messageRepo.List: %w", err)
	}
	return r.hydrate(ctx, rows)
}

func (r *MessageRepo) hydrate(ctx context.Context, rows []messageRow) ([]models.Message, error) {
	msgs := make([]models.Message, 0, len(rows))
	if len(rows) == 0 {
		return msgs, nil
	}

	ids := make([]int64, 0, len(rows))
	index := make(map[int64]int, len(rows))
	for i, row := range rows {
		msgs = append(msgs, row.toModel())
		ids = append(ids, row.ID)
		index[row.ID] = i
	}

	var readers []struct {
		MessageID int64 `db:"message_id"`
		UserID    int64 `db:"user_id"`
	}
	if err := r.db.SelectContext(ctx, &readers, `SELECT message_id, user_id FROM message_readers
		WHERE message_id = ANY($1) ORDER BY message_id, user_id`, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("messageRepo.hydrate readers: %w", err)
	}
	for _, rd := range readers {
		msg := &msgs[index[rd.MessageID]]
		msg.ReadBy = append(msg.ReadBy, rd.UserID)
	}

	var reactions []struct {
		MessageID int64  `db:"message_id"`
		Emoji     string `db:"emoji"`
		UserID    int64  `db:"user_id"`
	}
	if err := r.db.SelectContext(ctx, &reactions, `SELECT message_id, emoji, user_id FROM message_reactions
		WHERE message_id = ANY($1) ORDER BY message_id, emoji, user_id`, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("messageRepo.hydrate reactions: %w", err)
	}
	for _, rc := range reactions {
		msg := &msgs[index[rc.MessageID]]
		last := len(msg.Reactions) - 1
		if last >= 0 && msg.Reactions[last].Emoji == rc.Emoji {
			msg.Reactions[last].Users = append(msg.Reactions[last].Users, rc.UserID)
			continue
		}
		msg.Reactions = append(msg.Reactions, models.Reaction{Emoji: rc.Emoji, Users: []int64{rc.UserID}})
	}
	return msgs, nil
}

// UpdateContent replaces the content of a message owned by senderID.
func (r *MessageRepo) UpdateContent(ctx context.Context, messageID, senderID int64, content string) (models.Message, error) {
	ctx, cancel := boundedContext(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `UPDATE messages SET content = $3, edited = TRUE, updated_at = NOW()
		WHERE id = $1 AND sender_id = $2`, messageID, senderID, content)
	if err != nil {
		return models.Message{}, fmt.Errorf("messageRepo.UpdateContent: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return models.Message{}, ErrNotSender
	}
	return r.getByID(ctx, messageID)
}

// SoftDelete flags a message owned by senderID as deleted, keeping its content.
func (r *MessageRepo) SoftDelete(ctx context.Context, messageID, senderID int64, at time.Time) (models.Message, error) {
	ctx, cancel := boundedContext(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `UPDATE messages SET deleted = TRUE, deleted_at = COALESCE(deleted_at, $3), updated_at = NOW()
		WHERE id = $1 AND sender_id = $2`, messageID, senderID, at)
	if err != nil {
		return models.Message{}, fmt.Errorf("messageRepo.SoftDelete: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return models.Message{}, ErrNotSender
	}
	return r.getByID(ctx, messageID)
}

// ToggleReaction removes userID's emoji reaction if present and adds it
// otherwise, in one statement. It reports whether the reaction is present
// afterwards; when a concurrent toggle by the same user wins the insert, the
// stored row decides.
func (r *MessageRepo) ToggleReaction(ctx context.Context, messageID int64, emoji string, userID int64) (bool, error) {
	ctx, cancel := boundedContext(ctx, r.timeout)
	defer cancel()

	var added int
	err := r.db.GetContext(ctx, &added, `WITH removed AS (
			DELETE FROM message_reactions WHERE message_id = $1 AND emoji = $2 AND user_id = $3 RETURNING 1
		)
		INSERT INTO message_reactions (message_id, emoji, user_id)
		SELECT $1, $2, $3 WHERE NOT EXISTS (SELECT 1 FROM removed)
		ON CONFLICT DO NOTHING
		RETURNING 1`, messageID, emoji, userID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return r.hasReaction(ctx, messageID, emoji, userID)
	case isPGError(err, pgForeignKeyViolation):
		return false, ErrMessageNotFound
	case err != nil:
		return false, fmt.Errorf("messageRepo.ToggleReaction: %w", err)
	}
	return true, nil
}

func (r *MessageRepo) hasReaction(ctx context.Context, messageID int64, emoji string, userID int64) (bool, error) {
	var exists bool
	if err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM message_reactions
		WHERE message_id = $1 AND emoji = $2 AND user_id = $3)`, messageID, emoji, userID); err != nil {
		return false, fmt.Errorf("messageRepo.ToggleReaction: %w", err)
	}
	return exists, nil
}

// MarkRead adds userID to the readers of every message in the channel up to
// and including uptoMessageID. It returns how many messages were newly marked.
func (r *MessageRepo) MarkRead(ctx context.Context, channelID, uptoMessageID, userID int64) (int64, error) {
	ctx, cancel := boundedContext(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `INSERT INTO message_readers (message_id, user_id)
		SELECT id, $3 FROM messages WHERE channel_id = $1 AND id <= $2
		ON CONFLICT (message_id, user_id) DO NOTHING`, channelID, uptoMessageID, userID)
	if err != nil {
		return 0, fmt.Errorf("messageRepo.MarkRead: %w", err)
	}
	return res.RowsAffected()
}
