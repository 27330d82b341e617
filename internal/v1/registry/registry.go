// Package registry manages the meeting lifecycle: creation, the
// scheduled -> live -> ended state machine, waiting-room locks and
// invite codes.
package registry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/brightboard/classroom/internal/v1/domain"
	"github.com/brightboard/classroom/internal/v1/logging"
	"github.com/brightboard/classroom/internal/v1/metrics"
)

// MeetingStore is the persistence surface the registry needs.
type MeetingStore interface {
	Create(ctx context.Context, m *domain.Meeting) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Meeting, error)
	GetByInviteCode(ctx context.Context, code string) (*domain.Meeting, error)
	List(ctx context.Context, status domain.MeetingStatus, limit, offset int) ([]*domain.Meeting, error)
	Start(ctx context.Context, id uuid.UUID, at time.Time) error
	End(ctx context.Context, id uuid.UUID, at time.Time) error
	SetLocked(ctx context.Context, id uuid.UUID, locked bool) error
	SetInviteCode(ctx context.Context, id uuid.UUID, code string) error
	UpdateDetails(ctx context.Context, id uuid.UUID, title, notes string, private, requireApproval bool, scheduledFor *time.Time) error
}

// ParticipantStore is the slice of participant persistence used when a
// meeting ends.
type ParticipantStore interface {
	ListOpenSessions(ctx context.Context, meetingID uuid.UUID) ([]*domain.Participant, error)
	CloseOpenSession(ctx context.Context, id uuid.UUID, leftAt time.Time, cause string) (int64, bool, error)
}

// Service implements meeting lifecycle operations.
type Service struct {
	meetings     MeetingStore
	participants ParticipantStore
	notifier     domain.Notifier
	codeLen      int
	now          func() time.Time
}

func NewService(meetings MeetingStore, participants ParticipantStore, notifier domain.Notifier, codeLen int) *Service {
	return &Service{
		meetings:     meetings,
		participants: participants,
		notifier:     notifier,
		codeLen:      codeLen,
		now:          time.Now,
	}
}

// CreateInput are the caller-supplied fields of a new meeting.
type CreateInput struct {
	Title           string     `json:"title"`
	Notes           string     `json:"notes"`
	Private         bool       `json:"private"`
	RequireApproval bool       `json:"requireApproval"`
	ScheduledFor    *time.Time `json:"scheduledFor"`
}

// Create registers a new meeting owned by the caller. Only principals
// whose system role can host may create meetings.
func (s *Service) Create(ctx context.Context, p domain.Principal, in CreateInput) (*domain.Meeting, error) {
	if !p.CanHost() {
		return nil, fmt.Errorf("create meeting: %w", domain.ErrForbidden)
	}
	if in.Title == "" {
		return nil, fmt.Errorf("create meeting: title required: %w", domain.ErrInvalidState)
	}

	m := &domain.Meeting{
		ID:              uuid.New(),
		Title:           in.Title,
		Notes:           in.Notes,
		Private:         in.Private,
		RequireApproval: in.RequireApproval,
		Status:          domain.MeetingScheduled,
		HostID:          p.UserID,
		CurrentHostID:   p.UserID,
		ScheduledFor:    in.ScheduledFor,
	}

	// Invite code collisions among active meetings are rare but real;
	// retry with a fresh code instead of failing the create.
	for attempt := 0; attempt < 5; attempt++ {
		code, err := generateInviteCode(s.codeLen)
		if err != nil {
			return nil, fmt.Errorf("generate invite code: %w", err)
		}
		m.InviteCode = code

		err = s.meetings.Create(ctx, m)
		if err == nil {
			logging.Info(ctx, "meeting created",
				zap.String("meeting_id", m.ID.String()),
				zap.String("host_id", p.UserID))
			return s.meetings.GetByID(ctx, m.ID)
		}
		if !errors.Is(err, domain.ErrConflict) {
			return nil, fmt.Errorf("create meeting: %w", err)
		}
	}
	return nil, fmt.Errorf("create meeting: invite code space exhausted: %w", domain.ErrConflict)
}

// Get retrieves a meeting by ID.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.Meeting, error) {
	return s.meetings.GetByID(ctx, id)
}

// List returns meetings, optionally filtered by status.
func (s *Service) List(ctx context.Context, status domain.MeetingStatus, limit, offset int) ([]*domain.Meeting, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.meetings.List(ctx, status, limit, offset)
}

// ResolveInvite looks up an active meeting by invite code.
func (s *Service) ResolveInvite(ctx context.Context, code string) (*domain.Meeting, error) {
	if code == "" {
		return nil, domain.ErrNotFound
	}
	return s.meetings.GetByInviteCode(ctx, code)
}

// Start moves a scheduled meeting to live and announces it to everyone
// already sitting in the waiting room.
func (s *Service) Start(ctx context.Context, p domain.Principal, id uuid.UUID) (*domain.Meeting, error) {
	m, err := s.authorize(ctx, p, id)
	if err != nil {
		return nil, err
	}

	if err := s.meetings.Start(ctx, id, s.now()); err != nil {
		return nil, fmt.Errorf("start meeting: %w", err)
	}

	m, err = s.meetings.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	payload := meetingPayload(m)
	s.notifier.Broadcast(ctx, domain.WaitingRoom(id), domain.EventMeetingStarted, payload)
	s.notifier.Broadcast(ctx, domain.HostRoom(id), domain.EventMeetingStarted, payload)

	logging.Info(ctx, "meeting started", zap.String("meeting_id", id.String()))
	return m, nil
}

// End closes a meeting. All open sessions are closed with the end time
// and every room is notified. Ending an already-ended meeting is an
// idempotent no-op.
func (s *Service) End(ctx context.Context, p domain.Principal, id uuid.UUID) (*domain.Meeting, error) {
	m, err := s.authorize(ctx, p, id)
	if err != nil {
		return nil, err
	}
	if m.Status == domain.MeetingEnded {
		return m, nil
	}

	endedAt := s.now()
	if err := s.meetings.End(ctx, id, endedAt); err != nil {
		if errors.Is(err, domain.ErrInvalidState) {
			// Lost the race with a concurrent end; same outcome.
			return s.meetings.GetByID(ctx, id)
		}
		return nil, fmt.Errorf("end meeting: %w", err)
	}

	open, err := s.participants.ListOpenSessions(ctx, id)
	if err != nil {
		logging.Error(ctx, "list open sessions at meeting end", zap.Error(err))
	}
	for _, participant := range open {
		if _, closed, err := s.participants.CloseOpenSession(ctx, participant.ID, endedAt, "meeting_end"); err != nil {
			logging.Error(ctx, "close session at meeting end",
				zap.String("participant_id", participant.ID.String()), zap.Error(err))
		} else if closed {
			metrics.SessionsClosed.WithLabelValues("meeting_end").Inc()
		}
	}

	m, err = s.meetings.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	payload := meetingPayload(m)
	s.notifier.Broadcast(ctx, domain.MainRoom(id), domain.EventMeetingEnded, payload)
	s.notifier.Broadcast(ctx, domain.WaitingRoom(id), domain.EventMeetingEnded, payload)
	s.notifier.Broadcast(ctx, domain.HostRoom(id), domain.EventMeetingEnded, payload)

	logging.Info(ctx, "meeting ended",
		zap.String("meeting_id", id.String()),
		zap.Int("sessions_closed", len(open)))
	return m, nil
}

// SetLocked locks or unlocks the waiting room. While locked, new join
// attempts are refused; participants already waiting keep their place.
func (s *Service) SetLocked(ctx context.Context, p domain.Principal, id uuid.UUID, locked bool) (*domain.Meeting, error) {
	if _, err := s.authorize(ctx, p, id); err != nil {
		return nil, err
	}

	if err := s.meetings.SetLocked(ctx, id, locked); err != nil {
		return nil, fmt.Errorf("set lock: %w", err)
	}

	m, err := s.meetings.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	event := domain.EventRoomLocked
	if !locked {
		event = domain.EventRoomUnlocked
	}
	payload := meetingPayload(m)
	s.notifier.Broadcast(ctx, domain.MainRoom(id), event, payload)
	s.notifier.Broadcast(ctx, domain.HostRoom(id), event, payload)

	return m, nil
}

// RotateInviteCode replaces the invite code. The old code stops
// resolving immediately; connected participants are unaffected.
func (s *Service) RotateInviteCode(ctx context.Context, p domain.Principal, id uuid.UUID) (*domain.Meeting, error) {
	if _, err := s.authorize(ctx, p, id); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < 5; attempt++ {
		code, err := generateInviteCode(s.codeLen)
		if err != nil {
			return nil, fmt.Errorf("generate invite code: %w", err)
		}
		err = s.meetings.SetInviteCode(ctx, id, code)
		if err == nil {
			logging.Info(ctx, "invite code rotated", zap.String("meeting_id", id.String()))
			return s.meetings.GetByID(ctx, id)
		}
		if !errors.Is(err, domain.ErrConflict) {
			return nil, fmt.Errorf("rotate invite code: %w", err)
		}
	}
	return nil, fmt.Errorf("rotate invite code: %w", domain.ErrConflict)
}

// UpdateDetails edits the descriptive fields of a meeting.
func (s *Service) UpdateDetails(ctx context.Context, p domain.Principal, id uuid.UUID, in CreateInput) (*domain.Meeting, error) {
	if _, err := s.authorize(ctx, p, id); err != nil {
		return nil, err
	}
	if in.Title == "" {
		return nil, fmt.Errorf("update meeting: title required: %w", domain.ErrInvalidState)
	}
	if err := s.meetings.UpdateDetails(ctx, id, in.Title, in.Notes, in.Private, in.RequireApproval, in.ScheduledFor); err != nil {
		return nil, fmt.Errorf("update meeting: %w", err)
	}
	return s.meetings.GetByID(ctx, id)
}

func (s *Service) authorize(ctx context.Context, p domain.Principal, id uuid.UUID) (*domain.Meeting, error) {
	m, err := s.meetings.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !domain.CanModerate(p, m, nil) {
		return nil, domain.ErrForbidden
	}
	return m, nil
}

func meetingPayload(m *domain.Meeting) map[string]any {
	return map[string]any{
		"meetingId": m.ID.String(),
		"status":    m.Status,
		"locked":    m.Locked,
		"title":     m.Title,
	}
}

// inviteCodeAlphabet avoids characters that read ambiguously when a
// code is dictated aloud (0/O, 1/I/L).
const inviteCodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

func generateInviteCode(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = inviteCodeAlphabet[int(b)%len(inviteCodeAlphabet)]
	}
	return string(buf), nil
}
