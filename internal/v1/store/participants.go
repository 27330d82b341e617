package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/brightboard/classroom/internal/v1/domain"
)

const participantColumns = `
	id, meeting_id, user_id, display_name, system_role_at_join,
	role, status, mic_intent, camera_intent, screen_intent,
	hand_raised, hand_raised_at, socket_id, sessions,
	last_seen_at, created_at, updated_at`

// ParticipantRepo handles participant persistence. Each row is the
// single record for one (meeting, user) pair; session history lives in
// an append-only JSONB array on the row.
type ParticipantRepo struct {
	db *DB
}

func NewParticipantRepo(db *DB) *ParticipantRepo {
	return &ParticipantRepo{db: db}
}

func scanParticipant(row pgx.Row) (*domain.Participant, error) {
	p := &domain.Participant{}
	err := row.Scan(
		&p.ID, &p.MeetingID, &p.UserID, &p.DisplayName, &p.SystemRoleAtJoin,
		&p.Role, &p.Status, &p.MicIntent, &p.CameraIntent, &p.ScreenIntent,
		&p.HandRaised, &p.HandRaisedAt, &p.SocketID, &p.Sessions,
		&p.LastSeenAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Create inserts a fresh participant record. A concurrent insert for
// the same (meeting, user) surfaces as ErrConflict.
func (r *ParticipantRepo) Create(ctx context.Context, p *domain.Participant) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO participants (id, meeting_id, user_id, display_name,
			system_role_at_join, role, status, mic_intent, camera_intent,
			screen_intent, sessions)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, p.ID, p.MeetingID, p.UserID, p.DisplayName,
		p.SystemRoleAtJoin, p.Role, p.Status, p.MicIntent, p.CameraIntent,
		p.ScreenIntent, p.Sessions)
	if err != nil && isUniqueViolation(err) {
		return domain.ErrConflict
	}
	return err
}

// Get retrieves the record for one user in one meeting.
func (r *ParticipantRepo) Get(ctx context.Context, meetingID uuid.UUID, userID string) (*domain.Participant, error) {
	return scanParticipant(r.db.Pool.QueryRow(ctx, `
		SELECT `+participantColumns+` FROM participants
		WHERE meeting_id = $1 AND user_id = $2
	`, meetingID, userID))
}

// GetByID retrieves a participant by primary key.
func (r *ParticipantRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Participant, error) {
	return scanParticipant(r.db.Pool.QueryRow(ctx, `
		SELECT `+participantColumns+` FROM participants WHERE id = $1
	`, id))
}

// ListByMeeting returns all records for a meeting, optionally filtered
// by status, in join order.
func (r *ParticipantRepo) ListByMeeting(ctx context.Context, meetingID uuid.UUID, status domain.ParticipantStatus) ([]*domain.Participant, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if status == "" {
		rows, err = r.db.Pool.Query(ctx, `
			SELECT `+participantColumns+` FROM participants
			WHERE meeting_id = $1 ORDER BY created_at
		`, meetingID)
	} else {
		rows, err = r.db.Pool.Query(ctx, `
			SELECT `+participantColumns+` FROM participants
			WHERE meeting_id = $1 AND status = $2 ORDER BY created_at
		`, meetingID, status)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var participants []*domain.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

// SetStatus updates the admission status.
func (r *ParticipantRepo) SetStatus(ctx context.Context, id uuid.UUID, status domain.ParticipantStatus) error {
	return r.exec(ctx, `
		UPDATE participants SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, status)
}

// SetRole updates the meeting-scoped role.
func (r *ParticipantRepo) SetRole(ctx context.Context, id uuid.UUID, role domain.MeetingRole) error {
	return r.exec(ctx, `
		UPDATE participants SET role = $2, updated_at = NOW() WHERE id = $1
	`, id, role)
}

// SetMediaIntent records the publish intent for one track.
func (r *ParticipantRepo) SetMediaIntent(ctx context.Context, id uuid.UUID, track domain.MediaTrack, intent domain.MediaIntent) error {
	var column string
	switch track {
	case domain.TrackMic:
		column = "mic_intent"
	case domain.TrackCamera:
		column = "camera_intent"
	case domain.TrackScreen:
		column = "screen_intent"
	default:
		return domain.ErrInvalidState
	}
	return r.exec(ctx, `
		UPDATE participants SET `+column+` = $2, updated_at = NOW() WHERE id = $1
	`, id, intent)
}

// SetHandRaised records the hand state; raisedAt is nil when lowering.
func (r *ParticipantRepo) SetHandRaised(ctx context.Context, id uuid.UUID, raised bool, raisedAt *time.Time) error {
	return r.exec(ctx, `
		UPDATE participants
		SET hand_raised = $2, hand_raised_at = $3, updated_at = NOW()
		WHERE id = $1
	`, id, raised, raisedAt)
}

// SetSocket records the socket currently bound to the participant.
func (r *ParticipantRepo) SetSocket(ctx context.Context, id uuid.UUID, socketID string) error {
	return r.exec(ctx, `
		UPDATE participants SET socket_id = $2, updated_at = NOW() WHERE id = $1
	`, id, socketID)
}

// TouchLastSeen advances the liveness timestamp. Called on a coalesced
// schedule, not on every heartbeat.
func (r *ParticipantRepo) TouchLastSeen(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.exec(ctx, `
		UPDATE participants SET last_seen_at = $2, updated_at = NOW() WHERE id = $1
	`, id, at)
}

// AppendSession opens a new session span. The row is locked so the
// append and the at-most-one-open-session check are atomic; if a
// session is already open it is closed first with the new join time as
// its end.
func (r *ParticipantRepo) AppendSession(ctx context.Context, id uuid.UUID, joinedAt time.Time, socketID string) error {
	return withRowLock(ctx, r.db, id, func(tx pgx.Tx, sessions []domain.Session) error {
		if n := len(sessions); n > 0 && !sessions[n-1].Closed() {
			closeSession(&sessions[n-1], joinedAt, "reconnect")
		}
		sessions = append(sessions, domain.Session{JoinedAt: joinedAt})
		_, err := tx.Exec(ctx, `
			UPDATE participants
			SET sessions = $2, socket_id = $3, last_seen_at = $4, updated_at = NOW()
			WHERE id = $1
		`, id, sessions, socketID, joinedAt)
		return err
	})
}

// ResumeOpenSession rebinds an open session span to a new socket
// without closing it, so a reconnect inside the grace window continues
// the same span. Returns false when no span is open, in which case the
// caller appends a fresh one.
func (r *ParticipantRepo) ResumeOpenSession(ctx context.Context, id uuid.UUID, at time.Time, socketID string) (bool, error) {
	var resumed bool
	err := withRowLock(ctx, r.db, id, func(tx pgx.Tx, sessions []domain.Session) error {
		n := len(sessions)
		if n == 0 || sessions[n-1].Closed() {
			return nil
		}
		resumed = true
		_, err := tx.Exec(ctx, `
			UPDATE participants
			SET socket_id = $2, last_seen_at = $3, updated_at = NOW()
			WHERE id = $1
		`, id, socketID, at)
		return err
	})
	return resumed, err
}

// CloseOpenSession ends the open session span, recording leftAt and the
// computed duration. Returns the recorded duration and whether a span
// was actually open; closing an already-closed record is a no-op.
func (r *ParticipantRepo) CloseOpenSession(ctx context.Context, id uuid.UUID, leftAt time.Time, cause string) (int64, bool, error) {
	var (
		duration int64
		closed   bool
	)
	err := withRowLock(ctx, r.db, id, func(tx pgx.Tx, sessions []domain.Session) error {
		n := len(sessions)
		if n == 0 || sessions[n-1].Closed() {
			return nil
		}
		closeSession(&sessions[n-1], leftAt, cause)
		duration = sessions[n-1].DurationSec
		closed = true
		_, err := tx.Exec(ctx, `
			UPDATE participants
			SET sessions = $2, socket_id = '', updated_at = NOW()
			WHERE id = $1
		`, id, sessions)
		return err
	})
	return duration, closed, err
}

// ListStale returns admitted participants whose open session has not
// been refreshed since the cutoff. Used by the sweeper.
func (r *ParticipantRepo) ListStale(ctx context.Context, cutoff time.Time) ([]*domain.Participant, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT `+participantColumns+` FROM participants
		WHERE status IN ('admitted', 'approved')
		  AND last_seen_at IS NOT NULL AND last_seen_at < $1
		  AND jsonb_array_length(sessions) > 0
		  AND (sessions -> -1 ->> 'leftAt') IS NULL
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var participants []*domain.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

// ListOpenSessions returns participants of a meeting with an open
// session span. Used when a meeting ends to close everything at once.
func (r *ParticipantRepo) ListOpenSessions(ctx context.Context, meetingID uuid.UUID) ([]*domain.Participant, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT `+participantColumns+` FROM participants
		WHERE meeting_id = $1
		  AND jsonb_array_length(sessions) > 0
		  AND (sessions -> -1 ->> 'leftAt') IS NULL
	`, meetingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var participants []*domain.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

// ListRaisedHands returns participants with a raised hand, oldest raise
// first.
func (r *ParticipantRepo) ListRaisedHands(ctx context.Context, meetingID uuid.UUID) ([]*domain.Participant, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT `+participantColumns+` FROM participants
		WHERE meeting_id = $1 AND hand_raised ORDER BY hand_raised_at
	`, meetingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var participants []*domain.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

// CountByStatus returns participant counts per status for a meeting.
func (r *ParticipantRepo) CountByStatus(ctx context.Context, meetingID uuid.UUID) (map[domain.ParticipantStatus]int, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT status, COUNT(*) FROM participants
		WHERE meeting_id = $1 GROUP BY status
	`, meetingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.ParticipantStatus]int)
	for rows.Next() {
		var (
			status domain.ParticipantStatus
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

func (r *ParticipantRepo) exec(ctx context.Context, sql string, args ...any) error {
	tag, err := r.db.Pool.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// closeSession stamps the end of a span. leftAt is clamped so a clock
// adjustment can never record a negative duration.
func closeSession(s *domain.Session, leftAt time.Time, cause string) {
	if leftAt.Before(s.JoinedAt) {
		leftAt = s.JoinedAt
	}
	s.LeftAt = &leftAt
	s.DurationSec = int64(leftAt.Sub(s.JoinedAt).Seconds())
	s.Cause = cause
}

// withRowLock runs fn inside a transaction holding SELECT ... FOR
// UPDATE on the participant row, handing it the current session array.
func withRowLock(ctx context.Context, db *DB, id uuid.UUID, fn func(tx pgx.Tx, sessions []domain.Session) error) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var sessions []domain.Session
	err = tx.QueryRow(ctx,
		"SELECT sessions FROM participants WHERE id = $1 FOR UPDATE", id,
	).Scan(&sessions)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}

	if err := fn(tx, sessions); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
