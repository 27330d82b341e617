package admission

import (
	"context"
	"sort"
	"sync"

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

func (f *fakeParticipantStore) Create(ctx context.Context, p *domain.Participant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.participants {
		if existing.MeetingID == p.MeetingID && existing.UserID == p.UserID {
			return domain.ErrConflict
		}
	}
	cp := *p
	f.participants[p.ID] = &cp
	return nil
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

func (f *fakeParticipantStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.participants[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeParticipantStore) ListByMeeting(ctx context.Context, meetingID uuid.UUID, status domain.ParticipantStatus) ([]*domain.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Participant
	for _, p := range f.participants {
		if p.MeetingID == meetingID && (status == "" || p.Status == status) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
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

func (f *fakeNotifier) directCount(userID, event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.UserID == userID && e.Event == event {
			n++
		}
	}
	return n
}
