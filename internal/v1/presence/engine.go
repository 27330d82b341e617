// Package presence tracks who is actually connected to a meeting. It
// owns session spans: a span opens when a socket engages, stays alive
// on heartbeats, and closes on leave, watchdog expiry, or a sweep.
package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/brightboard/classroom/internal/v1/domain"
	"github.com/brightboard/classroom/internal/v1/logging"
	"github.com/brightboard/classroom/internal/v1/metrics"
)

// ParticipantStore is the persistence surface the engine needs.
type ParticipantStore interface {
	Get(ctx context.Context, meetingID uuid.UUID, userID string) (*domain.Participant, error)
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Participant, error)
	AppendSession(ctx context.Context, id uuid.UUID, joinedAt time.Time, socketID string) error
	ResumeOpenSession(ctx context.Context, id uuid.UUID, at time.Time, socketID string) (bool, error)
	CloseOpenSession(ctx context.Context, id uuid.UUID, leftAt time.Time, cause string) (int64, bool, error)
	TouchLastSeen(ctx context.Context, id uuid.UUID, at time.Time) error
	ListStale(ctx context.Context, cutoff time.Time) ([]*domain.Participant, error)
}

// watch is the in-memory liveness state for one engaged participant.
type watch struct {
	meetingID   uuid.UUID
	userID      string
	displayName string
	timer       *time.Timer
	lastSeen    time.Time
	lastFlush   time.Time
}

// Engine is the presence engine. Heartbeats are absorbed in memory and
// written to the store on a coalesced schedule; a per-participant
// watchdog closes the session when heartbeats stop.
type Engine struct {
	store    ParticipantStore
	notifier domain.Notifier

	cadence  time.Duration
	coalesce time.Duration
	grace    time.Duration
	sweep    time.Duration

	now func() time.Time

	mu      sync.Mutex
	watches map[uuid.UUID]*watch

	// Per-participant operation lock. Engage, leave, heartbeat and
	// expiry for the same participant are serialized; different
	// participants proceed in parallel.
	opLocks sync.Map
}

func NewEngine(store ParticipantStore, notifier domain.Notifier, cadence, coalesce, grace, sweep time.Duration) *Engine {
	return &Engine{
		store:    store,
		notifier: notifier,
		cadence:  cadence,
		coalesce: coalesce,
		grace:    grace,
		sweep:    sweep,
		now:      time.Now,
		watches:  make(map[uuid.UUID]*watch),
	}
}

func (e *Engine) lockParticipant(id uuid.UUID) func() {
	muIface, _ := e.opLocks.LoadOrStore(id, &sync.Mutex{})
	mu := muIface.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Engage binds a participant's socket to a session span and arms the
// watchdog. A reconnect while the previous span is still open (socket
// dropped, watchdog not yet fired) continues that span; otherwise a
// fresh span is appended.
func (e *Engine) Engage(ctx context.Context, p *domain.Participant, socketID string) error {
	if p.Status != domain.StatusAdmitted && p.Status != domain.StatusApproved {
		return fmt.Errorf("engage: participant %s is %s: %w", p.UserID, p.Status, domain.ErrInvalidState)
	}

	unlock := e.lockParticipant(p.ID)
	defer unlock()

	now := e.now()
	resumed, err := e.openSpan(ctx, p.ID, now, socketID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if w, ok := e.watches[p.ID]; ok {
		w.timer.Stop()
	}
	w := &watch{
		meetingID:   p.MeetingID,
		userID:      p.UserID,
		displayName: p.DisplayName,
		lastSeen:    now,
		lastFlush:   now,
	}
	id := p.ID
	w.timer = time.AfterFunc(e.grace, func() { e.expire(id) })
	e.watches[p.ID] = w
	e.mu.Unlock()

	// The roster never saw a resumed participant leave, so only a fresh
	// span announces a join.
	if !resumed {
		e.notifier.Broadcast(ctx, domain.MainRoom(p.MeetingID), domain.EventUserJoined, presencePayload(p.MeetingID, p.UserID, p.DisplayName, ""))
	}
	logging.Info(ctx, "participant engaged",
		zap.String("meeting_id", p.MeetingID.String()),
		zap.String("user_id", p.UserID),
		zap.Bool("resumed", resumed))
	return nil
}

// openSpan continues the open span when one exists and appends a fresh
// one otherwise. Reports whether an existing span was continued.
func (e *Engine) openSpan(ctx context.Context, id uuid.UUID, now time.Time, socketID string) (bool, error) {
	resumed, err := e.store.ResumeOpenSession(ctx, id, now, socketID)
	if err != nil {
		return false, fmt.Errorf("resume session: %w", err)
	}
	if resumed {
		return true, nil
	}
	if err := e.store.AppendSession(ctx, id, now, socketID); err != nil {
		return false, fmt.Errorf("append session: %w", err)
	}
	return false, nil
}

// HeartbeatAck is returned for the gateway's ack frame.
type HeartbeatAck struct {
	ServerTime time.Time `json:"serverTime"`
	NextBeatIn int64     `json:"nextBeatInSec"`
}

// Heartbeat refreshes a participant's liveness. The in-memory watchdog
// is re-armed on every beat; the store is only touched when the
// coalescing window has elapsed. A beat from a participant with no
// armed watchdog re-arms it, continuing the open span if the watchdog
// has not closed it yet and opening a fresh one if it has, as long as
// the admission state still allows it.
func (e *Engine) Heartbeat(ctx context.Context, participantID uuid.UUID) (*HeartbeatAck, error) {
	unlock := e.lockParticipant(participantID)
	defer unlock()

	now := e.now()

	e.mu.Lock()
	w, engaged := e.watches[participantID]
	if engaged {
		w.lastSeen = now
		w.timer.Reset(e.grace)
	}
	e.mu.Unlock()

	if !engaged {
		// The watchdog (or a pod restart) dropped the in-memory state.
		// Re-arm, continuing the open span if one survived.
		p, err := e.store.GetByID(ctx, participantID)
		if err != nil {
			return nil, err
		}
		if p.Status != domain.StatusAdmitted && p.Status != domain.StatusApproved {
			return nil, fmt.Errorf("heartbeat: participant is %s: %w", p.Status, domain.ErrInvalidState)
		}
		resumed, err := e.openSpan(ctx, p.ID, now, p.SocketID)
		if err != nil {
			return nil, err
		}

		e.mu.Lock()
		w = &watch{
			meetingID:   p.MeetingID,
			userID:      p.UserID,
			displayName: p.DisplayName,
			lastSeen:    now,
			lastFlush:   now,
		}
		w.timer = time.AfterFunc(e.grace, func() { e.expire(participantID) })
		e.watches[participantID] = w
		e.mu.Unlock()

		if !resumed {
			e.notifier.Broadcast(ctx, domain.MainRoom(p.MeetingID), domain.EventUserJoined,
				presencePayload(p.MeetingID, p.UserID, p.DisplayName, ""))
		}
	} else if now.Sub(w.lastFlush) >= e.coalesce {
		if err := e.store.TouchLastSeen(ctx, participantID, now); err != nil {
			logging.Error(ctx, "touch last seen", zap.Error(err))
		} else {
			e.mu.Lock()
			w.lastFlush = now
			e.mu.Unlock()
		}
	}

	metrics.HeartbeatsReceived.Inc()
	return &HeartbeatAck{
		ServerTime: now,
		NextBeatIn: int64(e.cadence.Seconds()),
	}, nil
}

// Leave closes the session span for an explicit departure and disarms
// the watchdog. Leaving without an open span is a no-op.
func (e *Engine) Leave(ctx context.Context, participantID uuid.UUID) error {
	unlock := e.lockParticipant(participantID)
	defer unlock()

	e.disarm(participantID)

	now := e.now()
	_, closed, err := e.store.CloseOpenSession(ctx, participantID, now, "leave")
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	if !closed {
		return nil
	}
	metrics.SessionsClosed.WithLabelValues("leave").Inc()

	p, err := e.store.GetByID(ctx, participantID)
	if err != nil {
		return err
	}
	e.notifier.Broadcast(ctx, domain.MainRoom(p.MeetingID), domain.EventUserLeft,
		presencePayload(p.MeetingID, p.UserID, p.DisplayName, "leave"))
	return nil
}

// Disengage disarms the watchdog without touching the store. Used when
// the meeting-end path has already closed every session.
func (e *Engine) Disengage(participantID uuid.UUID) {
	unlock := e.lockParticipant(participantID)
	defer unlock()
	e.disarm(participantID)
}

func (e *Engine) disarm(participantID uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if w, ok := e.watches[participantID]; ok {
		w.timer.Stop()
		delete(e.watches, participantID)
	}
}

// expire fires when a participant misses heartbeats for the grace
// window. The span is closed with cause "watchdog" but the admission
// status is untouched, so a late heartbeat or reconnect opens a new
// span on the same record.
func (e *Engine) expire(participantID uuid.UUID) {
	unlock := e.lockParticipant(participantID)
	defer unlock()

	e.mu.Lock()
	w, ok := e.watches[participantID]
	if ok {
		delete(e.watches, participantID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	ctx := context.Background()
	leftAt := w.lastSeen.Add(e.grace)
	if now := e.now(); leftAt.After(now) {
		leftAt = now
	}

	_, closed, err := e.store.CloseOpenSession(ctx, participantID, leftAt, "watchdog")
	if err != nil {
		logging.Error(ctx, "watchdog close session",
			zap.String("participant_id", participantID.String()), zap.Error(err))
		return
	}
	if !closed {
		return
	}
	metrics.SessionsClosed.WithLabelValues("watchdog").Inc()

	e.notifier.Broadcast(ctx, domain.MainRoom(w.meetingID), domain.EventUserLeft,
		presencePayload(w.meetingID, w.userID, w.displayName, "timeout"))
	logging.Warn(ctx, "watchdog expired participant",
		zap.String("meeting_id", w.meetingID.String()),
		zap.String("user_id", w.userID))
}

// Engaged reports whether a watchdog is currently armed for the
// participant. Used by stats endpoints and tests.
func (e *Engine) Engaged(participantID uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.watches[participantID]
	return ok
}

// EngagedCount returns the number of armed watchdogs on this pod.
func (e *Engine) EngagedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.watches)
}

// Shutdown stops all watchdog timers without closing sessions. The
// sweeper on a surviving pod picks up whatever this pod was tracking.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, w := range e.watches {
		w.timer.Stop()
		delete(e.watches, id)
	}
}

func presencePayload(meetingID uuid.UUID, userID, displayName, cause string) map[string]any {
	p := map[string]any{
		"meetingId":   meetingID.String(),
		"userId":      userID,
		"displayName": displayName,
	}
	if cause != "" {
		p["cause"] = cause
	}
	return p
}
