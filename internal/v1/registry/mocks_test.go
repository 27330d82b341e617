package registry

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brightboard/classroom/internal/v1/domain"
)

// fakeMeetingStore is an in-memory MeetingStore.
type fakeMeetingStore struct {
	mu       sync.Mutex
	meetings map[uuid.UUID]*domain.Meeting
}

func newFakeMeetingStore() *fakeMeetingStore {
	return &fakeMeetingStore{meetings: make(map[uuid.UUID]*domain.Meeting)}
}

func (f *fakeMeetingStore) Create(ctx context.Context, m *domain.Meeting) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.meetings {
		if existing.Status != domain.MeetingEnded &&
			strings.EqualFold(existing.InviteCode, m.InviteCode) {
			return domain.ErrConflict
		}
	}
	cp := *m
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	f.meetings[m.ID] = &cp
	return nil
}

func (f *fakeMeetingStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Meeting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.meetings[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (f *fakeMeetingStore) GetByInviteCode(ctx context.Context, code string) (*domain.Meeting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.meetings {
		if m.Status != domain.MeetingEnded && strings.EqualFold(m.InviteCode, code) {
			cp := *m
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *fakeMeetingStore) List(ctx context.Context, status domain.MeetingStatus, limit, offset int) ([]*domain.Meeting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Meeting
	for _, m := range f.meetings {
		if status == "" || m.Status == status {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeMeetingStore) Start(ctx context.Context, id uuid.UUID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.meetings[id]
	if !ok {
		return domain.ErrNotFound
	}
	if m.Status != domain.MeetingScheduled {
		return domain.ErrInvalidState
	}
	m.Status = domain.MeetingLive
	m.StartedAt = &at
	return nil
}

func (f *fakeMeetingStore) End(ctx context.Context, id uuid.UUID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.meetings[id]
	if !ok {
		return domain.ErrNotFound
	}
	if m.Status == domain.MeetingEnded {
		return domain.ErrInvalidState
	}
	m.Status = domain.MeetingEnded
	m.EndedAt = &at
	return nil
}

func (f *fakeMeetingStore) SetLocked(ctx context.Context, id uuid.UUID, locked bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.meetings[id]
	if !ok {
		return domain.ErrNotFound
	}
	m.Locked = locked
	return nil
}

func (f *fakeMeetingStore) SetInviteCode(ctx context.Context, id uuid.UUID, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.meetings[id]
	if !ok {
		return domain.ErrNotFound
	}
	for otherID, other := range f.meetings {
		if otherID != id && other.Status != domain.MeetingEnded &&
			strings.EqualFold(other.InviteCode, code) {
			return domain.ErrConflict
		}
	}
	m.InviteCode = code
	return nil
}

func (f *fakeMeetingStore) UpdateDetails(ctx context.Context, id uuid.UUID, title, notes string, private, requireApproval bool, scheduledFor *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.meetings[id]
	if !ok {
		return domain.ErrNotFound
	}
	m.Title = title
	m.Notes = notes
	m.Private = private
	m.RequireApproval = requireApproval
	m.ScheduledFor = scheduledFor
	return nil
}

// fakeParticipantStore tracks open sessions for the end-meeting path.
type fakeParticipantStore struct {
	mu           sync.Mutex
	participants map[uuid.UUID]*domain.Participant
}

func newFakeParticipantStore() *fakeParticipantStore {
	return &fakeParticipantStore{participants: make(map[uuid.UUID]*domain.Participant)}
}

func (f *fakeParticipantStore) add(p *domain.Participant) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.participants[p.ID] = p
}

func (f *fakeParticipantStore) ListOpenSessions(ctx context.Context, meetingID uuid.UUID) ([]*domain.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Participant
	for _, p := range f.participants {
		if p.MeetingID == meetingID && p.OpenSession() != nil {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeParticipantStore) CloseOpenSession(ctx context.Context, id uuid.UUID, leftAt time.Time, cause string) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.participants[id]
	if !ok {
		return 0, false, domain.ErrNotFound
	}
	open := p.OpenSession()
	if open == nil {
		return 0, false, nil
	}
	if leftAt.Before(open.JoinedAt) {
		leftAt = open.JoinedAt
	}
	open.LeftAt = &leftAt
	open.DurationSec = int64(leftAt.Sub(open.JoinedAt).Seconds())
	open.Cause = cause
	return open.DurationSec, true, nil
}

// recordedEvent captures one Notifier call.
type recordedEvent struct {
	Room    string
	UserID  string
	Event   string
	Payload any
}

// fakeNotifier records broadcasts and directed sends.
type fakeNotifier struct {
	mu     sync.Mutex
	events []recordedEvent
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{}
}

func (f *fakeNotifier) Broadcast(ctx context.Context, room string, event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{Room: room, Event: event, Payload: payload})
}

func (f *fakeNotifier) Direct(ctx context.Context, userID string, event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{UserID: userID, Event: event, Payload: payload})
}

func (f *fakeNotifier) eventsFor(room string) []recordedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recordedEvent
	for _, e := range f.events {
		if e.Room == room {
			out = append(out, e)
		}
	}
	return out
}
