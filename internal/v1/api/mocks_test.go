package api

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brightboard/classroom/internal/v1/domain"
	"github.com/brightboard/classroom/internal/v1/presence"
	"github.com/brightboard/classroom/internal/v1/registry"
)

type fakeRegistry struct {
	mu       sync.Mutex
	meetings map[uuid.UUID]*domain.Meeting
	calls    []string
	err      error
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{meetings: make(map[uuid.UUID]*domain.Meeting)}
}

func (f *fakeRegistry) add(m *domain.Meeting) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.meetings[m.ID] = m
}

func (f *fakeRegistry) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
}

func (f *fakeRegistry) Create(ctx context.Context, p domain.Principal, in registry.CreateInput) (*domain.Meeting, error) {
	f.record("create")
	if f.err != nil {
		return nil, f.err
	}
	if !p.CanHost() {
		return nil, domain.ErrForbidden
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
		InviteCode:      "ABCD2345",
	}
	f.add(m)
	return m, nil
}

func (f *fakeRegistry) Get(ctx context.Context, id uuid.UUID) (*domain.Meeting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.meetings[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (f *fakeRegistry) List(ctx context.Context, status domain.MeetingStatus, limit, offset int) ([]*domain.Meeting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Meeting
	for _, m := range f.meetings {
		if status != "" && m.Status != status {
			continue
		}
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeRegistry) ResolveInvite(ctx context.Context, code string) (*domain.Meeting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.meetings {
		if m.InviteCode == code {
			cp := *m
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *fakeRegistry) Start(ctx context.Context, p domain.Principal, id uuid.UUID) (*domain.Meeting, error) {
	f.record("start")
	return f.mutate(p, id, func(m *domain.Meeting) { m.Status = domain.MeetingLive })
}

func (f *fakeRegistry) End(ctx context.Context, p domain.Principal, id uuid.UUID) (*domain.Meeting, error) {
	f.record("end")
	return f.mutate(p, id, func(m *domain.Meeting) { m.Status = domain.MeetingEnded })
}

func (f *fakeRegistry) SetLocked(ctx context.Context, p domain.Principal, id uuid.UUID, locked bool) (*domain.Meeting, error) {
	f.record("setLocked")
	return f.mutate(p, id, func(m *domain.Meeting) { m.Locked = locked })
}

func (f *fakeRegistry) RotateInviteCode(ctx context.Context, p domain.Principal, id uuid.UUID) (*domain.Meeting, error) {
	f.record("rotate")
	return f.mutate(p, id, func(m *domain.Meeting) { m.InviteCode = "WXYZ6789" })
}

func (f *fakeRegistry) UpdateDetails(ctx context.Context, p domain.Principal, id uuid.UUID, in registry.CreateInput) (*domain.Meeting, error) {
	f.record("update")
	return f.mutate(p, id, func(m *domain.Meeting) { m.Title = in.Title })
}

func (f *fakeRegistry) mutate(p domain.Principal, id uuid.UUID, apply func(*domain.Meeting)) (*domain.Meeting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	m, ok := f.meetings[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if !domain.CanModerate(p, m, nil) {
		return nil, domain.ErrForbidden
	}
	apply(m)
	cp := *m
	return &cp, nil
}

type fakeParticipants struct {
	participants []*domain.Participant
}

func (f *fakeParticipants) ListByMeeting(ctx context.Context, meetingID uuid.UUID, status domain.ParticipantStatus) ([]*domain.Participant, error) {
	var out []*domain.Participant
	for _, p := range f.participants {
		if p.MeetingID != meetingID {
			continue
		}
		if status != "" && p.Status != status {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeParticipants) CountByStatus(ctx context.Context, meetingID uuid.UUID) (map[domain.ParticipantStatus]int, error) {
	counts := make(map[domain.ParticipantStatus]int)
	for _, p := range f.participants {
		if p.MeetingID == meetingID {
			counts[p.Status]++
		}
	}
	return counts, nil
}

type fakeChats struct {
	mu       sync.Mutex
	messages []*domain.ChatMessage
	searched []string
}

func (f *fakeChats) List(ctx context.Context, meetingID uuid.UUID, before *time.Time, limit int) ([]*domain.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.ChatMessage
	for _, m := range f.messages {
		if m.MeetingID != meetingID {
			continue
		}
		if before != nil && !m.CreatedAt.Before(*before) {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeChats) Search(ctx context.Context, meetingID uuid.UUID, query string, limit int) ([]*domain.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searched = append(f.searched, query)
	return nil, nil
}

type fakePresence struct {
	mu      sync.Mutex
	stats   *presence.StaleStats
	swept   []time.Duration
	evicted int
}

func (f *fakePresence) Stale(ctx context.Context, threshold time.Duration) (*presence.StaleStats, error) {
	if f.stats != nil {
		return f.stats, nil
	}
	return &presence.StaleStats{ThresholdSec: int64(threshold.Seconds())}, nil
}

func (f *fakePresence) SweepStale(ctx context.Context, threshold time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.swept = append(f.swept, threshold)
	return f.evicted, nil
}

type fakeRecordings struct {
	mu   sync.Mutex
	keys []string
}

func (f *fakeRecordings) PresignUpload(ctx context.Context, objectKey, contentType string, expiry time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, objectKey)
	return "https://blobs.example.com/" + objectKey + "?sig=abc", nil
}

func (f *fakeRecordings) PresignDownload(ctx context.Context, objectKey string, expiry time.Duration) (string, error) {
	return "https://blobs.example.com/" + objectKey, nil
}
