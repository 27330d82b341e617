package moderator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brightboard/classroom/internal/v1/domain"
)

type fakeMeetingStore struct {
	mu       sync.Mutex
	meetings map[uuid.UUID]*domain.Meeting
}

func newFakeMeetingStore() *fakeMeetingStore {
	return &fakeMeetingStore{meetings: make(map[uuid.UUID]*domain.Meeting)}
}

func (f *fakeMeetingStore) add(m *domain.Meeting) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.meetings[m.ID] = m
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

func (f *fakeMeetingStore) SetCurrentHost(ctx context.Context, id uuid.UUID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.meetings[id]
	if !ok {
		return domain.ErrNotFound
	}
	m.CurrentHostID = userID
	return nil
}

type closedSession struct {
	leftAt time.Time
	cause  string
}

type fakeParticipantStore struct {
	mu           sync.Mutex
	participants map[uuid.UUID]*domain.Participant
	closed       map[uuid.UUID]closedSession
}

func newFakeParticipantStore() *fakeParticipantStore {
	return &fakeParticipantStore{
		participants: make(map[uuid.UUID]*domain.Participant),
		closed:       make(map[uuid.UUID]closedSession),
	}
}

func (f *fakeParticipantStore) add(p *domain.Participant) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.participants[p.ID] = p
}

func (f *fakeParticipantStore) get(id uuid.UUID) *domain.Participant {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.participants[id]
}

func (f *fakeParticipantStore) Get(ctx context.Context, meetingID uuid.UUID, userID string) (*domain.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.participants {
		if p.MeetingID == meetingID && p.UserID == userID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *fakeParticipantStore) SetMediaIntent(ctx context.Context, id uuid.UUID, track domain.MediaTrack, intent domain.MediaIntent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.participants[id]
	if !ok {
		return domain.ErrNotFound
	}
	switch track {
	case domain.TrackMic:
		p.MicIntent = intent
	case domain.TrackCamera:
		p.CameraIntent = intent
	case domain.TrackScreen:
		p.ScreenIntent = intent
	}
	return nil
}

func (f *fakeParticipantStore) SetRole(ctx context.Context, id uuid.UUID, role domain.MeetingRole) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.participants[id]
	if !ok {
		return domain.ErrNotFound
	}
	p.Role = role
	return nil
}

func (f *fakeParticipantStore) SetStatus(ctx context.Context, id uuid.UUID, status domain.ParticipantStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.participants[id]
	if !ok {
		return domain.ErrNotFound
	}
	p.Status = status
	return nil
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
	open.LeftAt = &leftAt
	open.Cause = cause
	open.DurationSec = int64(leftAt.Sub(open.JoinedAt).Seconds())
	f.closed[id] = closedSession{leftAt: leftAt, cause: cause}
	return open.DurationSec, true, nil
}

type recordedEvent struct {
	Room    string
	UserID  string
	Event   string
	Payload any
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []recordedEvent
}

func newFakeNotifier() *fakeNotifier { return &fakeNotifier{} }

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

func (f *fakeNotifier) count(room, event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.Room == room && e.Event == event {
			n++
		}
	}
	return n
}

func (f *fakeNotifier) lastDirect(userID, event string) (any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.events) - 1; i >= 0; i-- {
		if f.events[i].UserID == userID && f.events[i].Event == event {
			return f.events[i].Payload, true
		}
	}
	return nil, false
}
