package presence

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brightboard/classroom/internal/v1/domain"
)

// fakeStore is an in-memory ParticipantStore with call counters for
// asserting coalescing behavior.
type fakeStore struct {
	mu           sync.Mutex
	participants map[uuid.UUID]*domain.Participant
	touchCount   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{participants: make(map[uuid.UUID]*domain.Participant)}
}

func (f *fakeStore) add(p *domain.Participant) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.participants[p.ID] = p
}

func (f *fakeStore) get(id uuid.UUID) *domain.Participant {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.participants[id]
}

func (f *fakeStore) touches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.touchCount
}

func (f *fakeStore) Get(ctx context.Context, meetingID uuid.UUID, userID string) (*domain.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.participants {
		if p.MeetingID == meetingID && p.UserID == userID {
			return p, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *fakeStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.participants[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return p, nil
}

func (f *fakeStore) AppendSession(ctx context.Context, id uuid.UUID, joinedAt time.Time, socketID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.participants[id]
	if !ok {
		return domain.ErrNotFound
	}
	if n := len(p.Sessions); n > 0 && !p.Sessions[n-1].Closed() {
		closeAt := joinedAt
		p.Sessions[n-1].LeftAt = &closeAt
		p.Sessions[n-1].Cause = "reconnect"
	}
	p.Sessions = append(p.Sessions, domain.Session{JoinedAt: joinedAt})
	p.SocketID = socketID
	seen := joinedAt
	p.LastSeenAt = &seen
	return nil
}

func (f *fakeStore) ResumeOpenSession(ctx context.Context, id uuid.UUID, at time.Time, socketID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.participants[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if n := len(p.Sessions); n == 0 || p.Sessions[n-1].Closed() {
		return false, nil
	}
	p.SocketID = socketID
	seen := at
	p.LastSeenAt = &seen
	return true, nil
}

func (f *fakeStore) CloseOpenSession(ctx context.Context, id uuid.UUID, leftAt time.Time, cause string) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.participants[id]
	if !ok {
		return 0, false, domain.ErrNotFound
	}
	n := len(p.Sessions)
	if n == 0 || p.Sessions[n-1].Closed() {
		return 0, false, nil
	}
	s := &p.Sessions[n-1]
	if leftAt.Before(s.JoinedAt) {
		leftAt = s.JoinedAt
	}
	s.LeftAt = &leftAt
	s.DurationSec = int64(leftAt.Sub(s.JoinedAt).Seconds())
	s.Cause = cause
	p.SocketID = ""
	return s.DurationSec, true, nil
}

func (f *fakeStore) TouchLastSeen(ctx context.Context, id uuid.UUID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.participants[id]
	if !ok {
		return domain.ErrNotFound
	}
	p.LastSeenAt = &at
	f.touchCount++
	return nil
}

func (f *fakeStore) ListStale(ctx context.Context, cutoff time.Time) ([]*domain.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Participant
	for _, p := range f.participants {
		if p.Status != domain.StatusAdmitted && p.Status != domain.StatusApproved {
			continue
		}
		if p.LastSeenAt == nil || !p.LastSeenAt.Before(cutoff) {
			continue
		}
		if p.OpenSession() != nil {
			out = append(out, p)
		}
	}
	return out, nil
}

// fakeNotifier records broadcasts for assertions.
type fakeNotifier struct {
	mu     sync.Mutex
	events []recordedEvent
}

type recordedEvent struct {
	Room   string
	UserID string
	Event  string
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
