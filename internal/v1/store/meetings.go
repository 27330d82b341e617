package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/brightboard/classroom/internal/v1/domain"
)

const meetingColumns = `
	id, title, invite_code, private, require_approval, locked, status,
	host_id, current_host_id, notes,
	scheduled_for, started_at, ended_at, created_at, updated_at`

// MeetingRepo handles meeting persistence.
type MeetingRepo struct {
	db *DB
}

func NewMeetingRepo(db *DB) *MeetingRepo {
	return &MeetingRepo{db: db}
}

func scanMeeting(row pgx.Row) (*domain.Meeting, error) {
	m := &domain.Meeting{}
	err := row.Scan(
		&m.ID, &m.Title, &m.InviteCode, &m.Private, &m.RequireApproval, &m.Locked, &m.Status,
		&m.HostID, &m.CurrentHostID, &m.Notes,
		&m.ScheduledFor, &m.StartedAt, &m.EndedAt, &m.CreatedAt, &m.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Create inserts a new meeting. A duplicate active invite code surfaces
// as ErrConflict so the caller can retry with a fresh code.
func (r *MeetingRepo) Create(ctx context.Context, m *domain.Meeting) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO meetings (id, title, invite_code, private, require_approval,
			locked, status, host_id, current_host_id, notes, scheduled_for)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, m.ID, m.Title, m.InviteCode, m.Private, m.RequireApproval,
		m.Locked, m.Status, m.HostID, m.CurrentHostID, m.Notes, m.ScheduledFor)
	if err != nil && isUniqueViolation(err) {
		return domain.ErrConflict
	}
	return err
}

// GetByID retrieves a meeting by primary key.
func (r *MeetingRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Meeting, error) {
	return scanMeeting(r.db.Pool.QueryRow(ctx,
		`SELECT `+meetingColumns+` FROM meetings WHERE id = $1`, id))
}

// GetByInviteCode resolves a meeting by invite code. Matching is
// case-insensitive and excludes ended meetings.
func (r *MeetingRepo) GetByInviteCode(ctx context.Context, code string) (*domain.Meeting, error) {
	return scanMeeting(r.db.Pool.QueryRow(ctx, `
		SELECT `+meetingColumns+` FROM meetings
		WHERE LOWER(invite_code) = LOWER($1) AND status <> 'ended'
	`, code))
}

// List returns meetings, optionally filtered by status, newest first.
func (r *MeetingRepo) List(ctx context.Context, status domain.MeetingStatus, limit, offset int) ([]*domain.Meeting, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if status == "" {
		rows, err = r.db.Pool.Query(ctx, `
			SELECT `+meetingColumns+` FROM meetings
			ORDER BY created_at DESC LIMIT $1 OFFSET $2
		`, limit, offset)
	} else {
		rows, err = r.db.Pool.Query(ctx, `
			SELECT `+meetingColumns+` FROM meetings
			WHERE status = $1
			ORDER BY created_at DESC LIMIT $2 OFFSET $3
		`, status, limit, offset)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var meetings []*domain.Meeting
	for rows.Next() {
		m, err := scanMeeting(rows)
		if err != nil {
			return nil, err
		}
		meetings = append(meetings, m)
	}
	return meetings, rows.Err()
}

// Start moves a scheduled meeting to live. Returns ErrInvalidState if
// the meeting is not in the scheduled state.
func (r *MeetingRepo) Start(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE meetings SET status = 'live', started_at = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'scheduled'
	`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.transitionError(ctx, id)
	}
	return nil
}

// End moves a meeting to ended. Returns ErrInvalidState if the meeting
// has already ended; the registry treats that as an idempotent no-op.
func (r *MeetingRepo) End(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE meetings SET status = 'ended', ended_at = $2, updated_at = NOW()
		WHERE id = $1 AND status <> 'ended'
	`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.transitionError(ctx, id)
	}
	return nil
}

// SetLocked toggles the waiting-room lock.
func (r *MeetingRepo) SetLocked(ctx context.Context, id uuid.UUID, locked bool) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE meetings SET locked = $2, updated_at = NOW() WHERE id = $1
	`, id, locked)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SetInviteCode replaces the invite code. Duplicate active codes map to
// ErrConflict.
func (r *MeetingRepo) SetInviteCode(ctx context.Context, id uuid.UUID, code string) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE meetings SET invite_code = $2, updated_at = NOW() WHERE id = $1
	`, id, code)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrConflict
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SetCurrentHost reassigns the host seat.
func (r *MeetingRepo) SetCurrentHost(ctx context.Context, id uuid.UUID, userID string) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE meetings SET current_host_id = $2, updated_at = NOW() WHERE id = $1
	`, id, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// UpdateDetails edits the mutable descriptive fields.
func (r *MeetingRepo) UpdateDetails(ctx context.Context, id uuid.UUID, title, notes string, private, requireApproval bool, scheduledFor *time.Time) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE meetings
		SET title = $2, notes = $3, private = $4, require_approval = $5,
			scheduled_for = $6, updated_at = NOW()
		WHERE id = $1
	`, id, title, notes, private, requireApproval, scheduledFor)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// transitionError distinguishes a missing row from a disallowed
// lifecycle transition after a guarded update matched nothing.
func (r *MeetingRepo) transitionError(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := r.db.Pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM meetings WHERE id = $1)", id,
	).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return domain.ErrNotFound
	}
	return domain.ErrInvalidState
}
