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

// ChannelRepository abstracts channel and membership persistence. Every
// mutation is a single conditional statement or a transaction holding the
// channel row lock, so concurrent callers never lose updates. Membership
// changes re-check that callerID is an admin inside that same lock.
type ChannelRepository interface {
	Create(ctx context.Context, in models.NewChannel) (models.Channel, error)
	GetOrCreateDirect(ctx context.Context, userA, userB int64) (models.Channel, bool, error)
	GetByID(ctx context.Context, channelID int64) (models.Channel, error)
	ListForMember(ctx context.Context, userID int64, filter models.ChannelFilter) ([]models.Channel, error)
	ChannelIDsForMember(ctx context.Context, userID int64) ([]int64, error)
	IsMember(ctx context.Context, channelID, userID int64) (bool, error)
	IsAdmin(ctx context.Context, channelID, userID int64) (bool, error)
	Update(ctx context.Context, channelID int64, patch models.ChannelPatch) (models.Channel, error)
	AddMembers(ctx context.Context, channelID, callerID int64, userIDs []int64) error
	RemoveMembers(ctx context.Context, channelID, callerID int64, userIDs []int64) error
	GrantAdmin(ctx context.Context, channelID, callerID int64, userIDs []int64) error
	RevokeAdmin(ctx context.Context, channelID, callerID int64, userIDs []int64) error
	Leave(ctx context.Context, channelID, userID int64) error
	Delete(ctx context.Context, channelID int64) error
	TouchActivity(ctx context.Context, channelID int64, at time.Time) error
}

const channelColumns = `c.id, c.name, c.kind, c.description, c.created_by, c.archived,
	c.participant_low, c.participant_high, c.last_activity_at, c.created_at, c.updated_at`

type channelRow struct {
	models.Channel
	ParticipantLow  sql.NullInt64 `db:"participant_low"`
	ParticipantHigh sql.NullInt64 `db:"participant_high"`
}

func (r channelRow) toModel() models.Channel {
	ch := r.Channel
	if r.ParticipantLow.Valid && r.ParticipantHigh.Valid {
		ch.Participants = []int64{r.ParticipantLow.Int64, r.ParticipantHigh.Int64}
	}
	return ch
}

type memberRow struct {
	ChannelID int64 `db:"channel_id"`
	UserID    int64 `db:"user_id"`
	IsAdmin   bool  `db:"is_admin"`
}

// ChannelRepo is a sqlx implementation of ChannelRepository.
type ChannelRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewChannelRepo constructs a ChannelRepo. timeout bounds every call.
func NewChannelRepo(db *sqlx.DB, timeout time.Duration) *ChannelRepo {
	return &ChannelRepo{db: db, timeout: timeout}
}

// Create inserts a named channel with the creator as its first admin.
func (r *ChannelRepo) Create(ctx context.Context, in models.NewChannel) (models.Channel, error) {
	ctx, cancel := boundedContext(ctx, r.timeout)
	defer cancel()

	var channelID int64
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if err := tx.GetContext(ctx, &channelID,
			`INSERT INTO channels (name, kind, description, created_by) VALUES ($1, $2, $3, $4) RETURNING id`,
			in.Name, in.Kind, in.Description, in.CreatorID); err != nil {
			return err
		}
		return insertMembers(ctx, tx, channelID, in.CreatorID, models.UniqueIDs(append(in.MemberIDs, in.CreatorID)...))
	})
	if err != nil {
		if isPGError(err, pgUniqueViolation) {
			return models.Channel{}, ErrDuplicateChannel
		}
		return models.Channel{}, fmt.Errorf("channelRepo.Create: %w", err)
	}
	return r.GetByID(ctx, channelID)
}

func insertMembers(ctx context.Context, tx *sqlx.Tx, channelID, adminID int64, userIDs []int64) error {
	for _, id := range userIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO channel_members (channel_id, user_id, is_admin) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
			channelID, id, id == adminID); err != nil {
			return err
		}
	}
	return nil
}

// GetOrCreateDirect returns the direct channel of the unordered pair
// {userA, userB}, creating it on first contact. The bool reports creation.
func (r *ChannelRepo) GetOrCreateDirect(ctx context.Context, userA, userB int64) (models.Channel, bool, error) {
	ctx, cancel := boundedContext(ctx, r.timeout)
	defer cancel()

	low, high := models.DirectPair(userA, userB)
	ch, err := r.findDirect(ctx, low, high)
	if err == nil {
		return ch, false, nil
	}
	if !errors.Is(err, ErrChannelNotFound) {
		return models.Channel{}, false, err
	}

	created := false
	err = withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		var channelID int64
		err := tx.GetContext(ctx, &channelID, `INSERT INTO channels (name, kind, created_by, participant_low, participant_high)
			VALUES ($1, 'direct', $2, $3, $4)
			ON CONFLICT (participant_low, participant_high) WHERE kind = 'direct' DO NOTHING
			RETURNING id`, models.DirectChannelName(low, high), userA, low, high)
		if errors.Is(err, sql.ErrNoRows) {
			// another caller created it first
			return nil
		}
		if err != nil {
			return err
		}
		created = true
		return insertMembers(ctx, tx, channelID, 0, models.UniqueIDs(low, high))
	})
	if err != nil {
		return models.Channel{}, false, fmt.Errorf("channelRepo.GetOrCreateDirect: %w", err)
	}

	ch, err = r.findDirect(ctx, low, high)
	return ch, created, err
}

func (r *ChannelRepo) findDirect(ctx context.Context, low, high int64) (models.Channel, error) {
	var row channelRow
	err := r.db.GetContext(ctx, &row, `SELECT `+channelColumns+` FROM channels c
		WHERE c.kind = 'direct' AND c.participant_low = $1 AND c.participant_high = $2`, low, high)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Channel{}, ErrChannelNotFound
	}
	if err != nil {
		return models.Channel{}, fmt.Errorf("channelRepo.findDirect: %w", err)
	}
	channels, err := r.attachMembers(ctx, []channelRow{row})
	if err != nil {
		return models.Channel{}, err
	}
	return channels[0], nil
}

// GetByID loads a channel with its member and admin sets.
func (r *ChannelRepo) GetByID(ctx context.Context, channelID int64) (models.Channel, error) {
	ctx, cancel := boundedContext(ctx, r.timeout)
	defer cancel()

	var row channelRow
	err := r.db.GetContext(ctx, &row, `SELECT `+channelColumns+` FROM channels c WHERE c.id = $1`, channelID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Channel{}, ErrChannelNotFound
	}
	if err != nil {
		return models.Channel{}, fmt.Errorf("channelRepo.GetByID: %w", err)
	}
	channels, err := r.attachMembers(ctx, []channelRow{row})
	if err != nil {
		return models.Channel{}, err
	}
	return channels[0], nil
}

// ListForMember returns the channels userID belongs to, most recently active first.
func (r *ChannelRepo) ListForMember(ctx context.Context, userID int64, filter models.ChannelFilter) ([]models.Channel, error) {
	ctx, cancel := boundedContext(ctx, r.timeout)
	defer cancel()

	var sb strings.Builder
	sb.WriteString(`SELECT ` + channelColumns + ` FROM channels c
		JOIN channel_members m ON m.channel_id = c.id
		WHERE m.user_id = $1`)
	args := []any{userID}
	if filter.Kind != nil {
		args = append(args, string(*filter.Kind))
		fmt.Fprintf(&sb, " AND c.kind = $%d", len(args))
	}
	if filter.Archived != nil {
		args = append(args, *filter.Archived)
		fmt.Fprintf(&sb, " AND c.archived = $%d", len(args))
	}
	if filter.NameContains != "" {
		args = append(args, "%"+escapeLike(filter.NameContains)+"%")
		fmt.Fprintf(&sb, " AND c.name ILIKE $%d", len(args))
	}
	sb.WriteString(" ORDER BY c.last_activity_at DESC, c.id DESC")

	var rows []channelRow
	if err := r.db.SelectContext(ctx, &rows, sb.String(), args...); err != nil {
		return nil, fmt.Errorf("channelRepo.ListForMember: %w", err)
	}
	return r.attachMembers(ctx, rows)
}

// ChannelIDsForMember lists the ids of every channel userID belongs to.
func (r *ChannelRepo) ChannelIDsForMember(ctx context.Context, userID int64) ([]int64, error) {
	ctx, cancel := boundedContext(ctx, r.timeout)
	defer cancel()

	var ids []int64
	if err := r.db.SelectContext(ctx, &ids,
		`SELECT channel_id FROM channel_members WHERE user_id = $1 ORDER BY channel_id`, userID); err != nil {
		return nil, fmt.Errorf("channelRepo.ChannelIDsForMember: %w", err)
	}
	return ids, nil
}

func (r *ChannelRepo) attachMembers(ctx context.Context, rows []channelRow) ([]models.Channel, error) {
	channels := make([]models.Channel, 0, len(rows))
	if len(rows) == 0 {
		return channels, nil
	}

	ids := make([]int64, 0, len(rows))
	index := make(map[int64]int, len(rows))
	for i, row := range rows {
		ch := row.toModel()
		ch.Members = []int64{}
		ch.Admins = []int64{}
		channels = append(channels, ch)
		ids = append(ids, ch.ID)
		index[ch.ID] = i
	}

	var members []memberRow
	if err := r.db.SelectContext(ctx, &members, `SELECT channel_id, user_id, is_admin FROM channel_members
		WHERE channel_id = ANY($1) ORDER BY channel_id, user_id`, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("channelRepo.attachMembers: %w", err)
	}
	for _, m := range members {
		ch := &channels[index[m.ChannelID]]
		ch.Members = append(ch.Members, m.UserID)
		if m.IsAdmin {
			ch.Admins = append(ch.Admins, m.UserID)
		}
	}
	return channels, nil
}

// IsMember checks whether userID belongs to the channel.
func (r *ChannelRepo) IsMember(ctx context.Context, channelID, userID int64) (bool, error) {
	ctx, cancel := boundedContext(ctx, r.timeout)
	defer cancel()

	var exists bool
	err := r.db.GetContext(ctx, &exists,
		`SELECT EXISTS(SELECT 1 FROM channel_members WHERE channel_id = $1 AND user_id = $2)`, channelID, userID)
	return exists, err
}

// IsAdmin checks whether userID administers the channel.
func (r *ChannelRepo) IsAdmin(ctx context.Context, channelID, userID int64) (bool, error) {
	ctx, cancel := boundedContext(ctx, r.timeout)
	defer cancel()

	var exists bool
	err := r.db.GetContext(ctx, &exists,
		`SELECT EXISTS(SELECT 1 FROM channel_members WHERE channel_id = $1 AND user_id = $2 AND is_admin)`, channelID, userID)
	return exists, err
}

// Update applies the non-nil fields of patch.
func (r *ChannelRepo) Update(ctx context.Context, channelID int64, patch models.ChannelPatch) (models.Channel, error) {
	ctx, cancel := boundedContext(ctx, r.timeout)
	defer cancel()

	sets := []string{"updated_at = NOW()"}
	args := []any{channelID}
	if patch.Name != nil {
		args = append(args, *patch.Name)
		sets = append(sets, fmt.Sprintf("name = $%d", len(args)))
	}
	if patch.Description != nil {
		args = append(args, *patch.Description)
		sets = append(sets, fmt.Sprintf("description = $%d", len(args)))
	}
	if patch.Archived != nil {
		args = append(args, *patch.Archived)
		sets = append(sets, fmt.Sprintf("archived = $%d", len(args)))
	}

	res, err := r.db.ExecContext(ctx, `UPDATE channels SET `+strings.Join(sets, ", ")+` WHERE id = $1`, args...)
	if err != nil {
		if isPGError(err, pgUniqueViolation) {
			return models.Channel{}, ErrDuplicateChannel
		}
		return models.Channel{}, fmt.Errorf("channelRepo.Update: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return models.Channel{}, ErrChannelNotFound
	}
	return r.GetByID(ctx, channelID)
}

// AddMembers adds users as regular members; existing members are left untouched.
func (r *ChannelRepo) AddMembers(ctx context.Context, channelID, callerID int64, userIDs []int64) error {
	ctx, cancel := boundedContext(ctx, r.timeout)
	defer cancel()

	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if err := lockAsAdmin(ctx, tx, channelID, callerID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO channel_members (channel_id, user_id)
			SELECT $1, u FROM UNNEST($2::BIGINT[]) AS u
			ON CONFLICT (channel_id, user_id) DO NOTHING`, channelID, pq.Array(userIDs))
		return err
	})
	return wrapChannelErr("channelRepo.AddMembers", err)
}

// RemoveMembers drops users from the channel and its admin set. It fails
// with ErrLastAdmin when no admin would remain.
func (r *ChannelRepo) RemoveMembers(ctx context.Context, channelID, callerID int64, userIDs []int64) error {
	ctx, cancel := boundedContext(ctx, r.timeout)
	defer cancel()

	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if err := lockAsAdmin(ctx, tx, channelID, callerID); err != nil {
			return err
		}
		var remainingAdmins int
		if err := tx.GetContext(ctx, &remainingAdmins, `SELECT COUNT(*) FROM channel_members
			WHERE channel_id = $1 AND is_admin AND NOT (user_id = ANY($2))`, channelID, pq.Array(userIDs)); err != nil {
			return err
		}
		if remainingAdmins == 0 {
			return ErrLastAdmin
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM channel_members WHERE channel_id = $1 AND user_id = ANY($2)`,
			channelID, pq.Array(userIDs))
		return err
	})
	return wrapChannelErr("channelRepo.RemoveMembers", err)
}

// GrantAdmin promotes existing members to admins.
func (r *ChannelRepo) GrantAdmin(ctx context.Context, channelID, callerID int64, userIDs []int64) error {
	ctx, cancel := boundedContext(ctx, r.timeout)
	defer cancel()

	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if err := lockAsAdmin(ctx, tx, channelID, callerID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `UPDATE channel_members SET is_admin = TRUE
			WHERE channel_id = $1 AND user_id = ANY($2)`, channelID, pq.Array(userIDs))
		if err != nil {
			return err
		}
		if affected, _ := res.RowsAffected(); affected != int64(len(userIDs)) {
			return ErrNotMember
		}
		return nil
	})
	return wrapChannelErr("channelRepo.GrantAdmin", err)
}

// RevokeAdmin demotes admins to regular members, keeping at least one admin.
func (r *ChannelRepo) RevokeAdmin(ctx context.Context, channelID, callerID int64, userIDs []int64) error {
	ctx, cancel := boundedContext(ctx, r.timeout)
	defer cancel()

	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if err := lockAsAdmin(ctx, tx, channelID, callerID); err != nil {
			return err
		}
		var remainingAdmins int
		if err := tx.GetContext(ctx, &remainingAdmins, `SELECT COUNT(*) FROM channel_members
			WHERE channel_id = $1 AND is_admin AND NOT (user_id = ANY($2))`, channelID, pq.Array(userIDs)); err != nil {
			return err
		}
		if remainingAdmins == 0 {
			return ErrLastAdmin
		}
		_, err := tx.ExecContext(ctx, `UPDATE channel_members SET is_admin = FALSE
			WHERE channel_id = $1 AND user_id = ANY($2)`, channelID, pq.Array(userIDs))
		return err
	})
	return wrapChannelErr("channelRepo.RevokeAdmin", err)
}

// Leave removes userID from the channel. The sole admin of a channel with
// other members cannot leave.
func (r *ChannelRepo) Leave(ctx context.Context, channelID, userID int64) error {
	ctx, cancel := boundedContext(ctx, r.timeout)
	defer cancel()

	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if err := lockChannel(ctx, tx, channelID); err != nil {
			return err
		}
		var counts struct {
			IsMember bool `db:"is_member"`
			IsAdmin  bool `db:"is_admin"`
			Admins   int  `db:"admins"`
			Members  int  `db:"members"`
		}
		if err := tx.GetContext(ctx, &counts, `SELECT
				COALESCE(BOOL_OR(user_id = $2), FALSE) AS is_member,
				COALESCE(BOOL_OR(user_id = $2 AND is_admin), FALSE) AS is_admin,
				COUNT(*) FILTER (WHERE is_admin) AS admins,
				COUNT(*) AS members
			FROM channel_members WHERE channel_id = $1`, channelID, userID); err != nil {
			return err
		}
		if !counts.IsMember {
			return ErrNotMember
		}
		if counts.IsAdmin && counts.Admins == 1 && counts.Members > 1 {
			return ErrLastAdmin
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM channel_members WHERE channel_id = $1 AND user_id = $2`, channelID, userID)
		return err
	})
	return wrapChannelErr("channelRepo.Leave", err)
}

// Delete removes the channel together with its members and messages.
func (r *ChannelRepo) Delete(ctx context.Context, channelID int64) error {
	ctx, cancel := boundedContext(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `DELETE FROM channels WHERE id = $1`, channelID)
	if err != nil {
		return fmt.Errorf("channelRepo.Delete: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrChannelNotFound
	}
	return nil
}

// TouchActivity moves the channel's last-activity timestamp forward.
func (r *ChannelRepo) TouchActivity(ctx context.Context, channelID int64, at time.Time) error {
	ctx, cancel := boundedContext(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `UPDATE channels SET last_activity_at = GREATEST(last_activity_at, $2) WHERE id = $1`, channelID, at)
	if err != nil {
		return fmt.Errorf("channelRepo.TouchActivity: %w", err)
	}
	return nil
}

// lockChannel serializes membership changes of one channel. NO KEY UPDATE
// leaves the foreign key checks of concurrent message inserts unblocked.
func lockChannel(ctx context.Context, tx *sqlx.Tx, channelID int64) error {
	var id int64
	err := tx.GetContext(ctx, &id, `SELECT id FROM channels WHERE id = $1 FOR NO KEY UPDATE`, channelID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrChannelNotFound
	}
	return err
}

// lockAsAdmin locks the channel row and fails with ErrNotAdmin unless
// callerID still administers the channel.
func lockAsAdmin(ctx context.Context, tx *sqlx.Tx, channelID, callerID int64) error {
	if err := lockChannel(ctx, tx, channelID); err != nil {
		return err
	}
	var admin bool
	if err := tx.GetContext(ctx, &admin, `SELECT EXISTS(SELECT 1 FROM channel_members
		WHERE channel_id = $1 AND user_id = $2 AND is_admin)`, channelID, callerID); err != nil {
		return err
	}
	if !admin {
		return ErrNotAdmin
	}
	return nil
}

func wrapChannelErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrChannelNotFound), errors.Is(err, ErrLastAdmin), errors.Is(err, ErrNotMember),
		errors.Is(err, ErrNotAdmin):
		return err
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
