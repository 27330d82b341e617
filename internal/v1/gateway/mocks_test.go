package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/brightboard/classroom/internal/v1/domain"
	"github.com/brightboard/classroom/internal/v1/handraise"
	"github.com/brightboard/classroom/internal/v1/presence"
)

// fakeConn is a channel-backed wsConnection. Frames written by the
// gateway land on wrote for assertions.
type fakeConn struct {
	in        chan []byte
	wrote     chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 64),
		wrote:  make(chan []byte, 1024),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-f.in:
		return websocket.TextMessage, data, nil
	case <-f.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-f.closed:
		return errors.New("connection closed")
	default:
	}
	if messageType != websocket.TextMessage {
		return nil
	}
	select {
	case f.wrote <- data:
	default:
	}
	return nil
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

// --- service fakes ---

type fakeAdmission struct {
	mu     sync.Mutex
	joined []uuid.UUID
	left   []uuid.UUID
	result *domain.Participant
	err    error
}

func (f *fakeAdmission) Join(ctx context.Context, p domain.Principal, meetingID uuid.UUID, inviteCode string) (*domain.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.joined = append(f.joined, meetingID)
	return f.result, nil
}

func (f *fakeAdmission) Approve(ctx context.Context, caller domain.Principal, meetingID uuid.UUID, userID string) (*domain.Participant, error) {
	return f.result, f.err
}

func (f *fakeAdmission) Reject(ctx context.Context, caller domain.Principal, meetingID uuid.UUID, userID string) (*domain.Participant, error) {
	return f.result, f.err
}

func (f *fakeAdmission) AdmitAll(ctx context.Context, caller domain.Principal, meetingID uuid.UUID) ([]*domain.Participant, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []*domain.Participant{f.result}, nil
}

func (f *fakeAdmission) Leave(ctx context.Context, meetingID uuid.UUID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = append(f.left, meetingID)
	return f.err
}

func (f *fakeAdmission) Waiting(ctx context.Context, caller domain.Principal, meetingID uuid.UUID) ([]*domain.Participant, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []*domain.Participant{f.result}, nil
}

type fakePresence struct {
	mu         sync.Mutex
	engaged    []uuid.UUID
	heartbeats []uuid.UUID
	left       []uuid.UUID
	err        error
}

func (f *fakePresence) Engage(ctx context.Context, p *domain.Participant, socketID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.engaged = append(f.engaged, p.ID)
	return nil
}

func (f *fakePresence) Heartbeat(ctx context.Context, participantID uuid.UUID) (*presence.HeartbeatAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.heartbeats = append(f.heartbeats, participantID)
	return &presence.HeartbeatAck{ServerTime: time.Now(), NextBeatIn: 10}, nil
}

func (f *fakePresence) Leave(ctx context.Context, participantID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = append(f.left, participantID)
	return nil
}

func (f *fakePresence) leftCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.left)
}

type fakeHands struct {
	mu      sync.Mutex
	raised  []string
	lowered []string
	cleared []string
}

func (f *fakeHands) Raise(ctx context.Context, meetingID uuid.UUID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.raised = append(f.raised, userID)
	return nil
}

func (f *fakeHands) Lower(ctx context.Context, meetingID uuid.UUID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lowered = append(f.lowered, userID)
	return nil
}

func (f *fakeHands) HostLower(ctx context.Context, caller domain.Principal, meetingID uuid.UUID, userID string) error {
	return nil
}

func (f *fakeHands) LowerAll(ctx context.Context, caller domain.Principal, meetingID uuid.UUID) (int, error) {
	return 0, nil
}

func (f *fakeHands) ListRaised(meetingID uuid.UUID) []handraise.RaisedHand { return nil }

func (f *fakeHands) ClearUser(ctx context.Context, userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, userID)
}

func (f *fakeHands) clearedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cleared)
}

type fakeModerator struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeModerator) record(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, name)
	return nil
}

func (f *fakeModerator) ForceMute(ctx context.Context, caller domain.Principal, meetingID uuid.UUID, targetUserID string, track domain.MediaTrack) error {
	return f.record("forceMute")
}

func (f *fakeModerator) ReleaseMute(ctx context.Context, caller domain.Principal, meetingID uuid.UUID, targetUserID string, track domain.MediaTrack) error {
	return f.record("releaseMute")
}

func (f *fakeModerator) ForceScreenShareControl(ctx context.Context, caller domain.Principal, meetingID uuid.UUID, targetUserID string, allow bool) error {
	return f.record("screenShare")
}

func (f *fakeModerator) TransferHost(ctx context.Context, caller domain.Principal, meetingID uuid.UUID, targetUserID string) error {
	return f.record("transferHost")
}

func (f *fakeModerator) Kick(ctx context.Context, caller domain.Principal, meetingID uuid.UUID, targetUserID string) error {
	return f.record("kick")
}

type fakeRegistry struct {
	mu      sync.Mutex
	meeting *domain.Meeting
	ended   int
	locked  []bool
}

func (f *fakeRegistry) Get(ctx context.Context, id uuid.UUID) (*domain.Meeting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.meeting == nil || f.meeting.ID != id {
		return nil, domain.ErrNotFound
	}
	cp := *f.meeting
	return &cp, nil
}

func (f *fakeRegistry) End(ctx context.Context, p domain.Principal, id uuid.UUID) (*domain.Meeting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended++
	return f.meeting, nil
}

func (f *fakeRegistry) SetLocked(ctx context.Context, p domain.Principal, id uuid.UUID, locked bool) (*domain.Meeting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locked = append(f.locked, locked)
	return f.meeting, nil
}

type fakeChats struct {
	mu       sync.Mutex
	messages map[uuid.UUID]*domain.ChatMessage
}

func newFakeChats() *fakeChats {
	return &fakeChats{messages: make(map[uuid.UUID]*domain.ChatMessage)}
}

func (f *fakeChats) Create(ctx context.Context, m *domain.ChatMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *m
	f.messages[m.ID] = &cp
	return nil
}

func (f *fakeChats) GetByID(ctx context.Context, id uuid.UUID) (*domain.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (f *fakeChats) List(ctx context.Context, meetingID uuid.UUID, before *time.Time, limit int) ([]*domain.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.ChatMessage
	for _, m := range f.messages {
		if m.MeetingID == meetingID {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeChats) SoftDelete(ctx context.Context, id uuid.UUID, deletedBy string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[id]
	if !ok {
		return domain.ErrNotFound
	}
	m.DeletedAt = &at
	m.DeletedBy = deletedBy
	m.Body = ""
	return nil
}

func (f *fakeChats) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

type fakeParticipants struct {
	mu           sync.Mutex
	participants map[string]*domain.Participant
}

func newFakeParticipants() *fakeParticipants {
	return &fakeParticipants{participants: make(map[string]*domain.Participant)}
}

func participantKey(meetingID uuid.UUID, userID string) string {
	return meetingID.String() + "/" + userID
}

func (f *fakeParticipants) add(p *domain.Participant) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.participants[participantKey(p.MeetingID, p.UserID)] = p
}

func (f *fakeParticipants) Get(ctx context.Context, meetingID uuid.UUID, userID string) (*domain.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.participants[participantKey(meetingID, userID)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *p
	return &cp, nil
}
