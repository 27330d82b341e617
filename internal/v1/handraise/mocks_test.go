package handraise

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

func (f *fakeParticipantStore) SetHandRaised(ctx context.Context, id uuid.UUID, raised bool, raisedAt *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.participants[id]
	if !ok {
		return domain.ErrNotFound
	}
	p.HandRaised = raised
	p.HandRaisedAt = raisedAt
	return nil
}

type recordedEvent struct {
	Room   string
	UserID string
	Event  string
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []recordedEvent
}

func newFakeNotifier() *fakeNotifier { return &fakeNotifier{} }

func (f *fakeNotifier) Broadcast(ctx context.Context, room string, event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{Room: room, Event: event})
}

func (f *fakeNotifier) Direct(ctx context.Context, userID string, event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{UserID: userID, Event: event})
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
