// Package handraise tracks raised hands. The table is in-memory with a
// TTL per hand; the participant row mirrors the state so late joiners
// and admin reads see it without consulting this pod.
package handraise

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/brightboard/classroom/internal/v1/domain"
	"github.com/brightboard/classroom/internal/v1/logging"
	"github.com/brightboard/classroom/internal/v1/metrics"
)

// MeetingStore is the meeting lookup surface for authorization.
type MeetingStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Meeting, error)
}

// ParticipantStore is the participant persistence surface.
type ParticipantStore interface {
	Get(ctx context.Context, meetingID uuid.UUID, userID string) (*domain.Participant, error)
	SetHandRaised(ctx context.Context, id uuid.UUID, raised bool, raisedAt *time.Time) error
}

type key struct {
	meetingID uuid.UUID
	userID    string
}

type entry struct {
	participantID uuid.UUID
	displayName   string
	raisedAt      time.Time
	timer         *time.Timer
}

// RaisedHand is one row of the ordered raised-hands listing.
type RaisedHand struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	RaisedAt    time.Time `json:"raisedAt"`
}

// Engine is the hand-raise engine.
type Engine struct {
	meetings MeetingStore
	store    ParticipantStore
	notifier domain.Notifier
	ttl      time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries map[key]*entry
}

func NewEngine(meetings MeetingStore, store ParticipantStore, notifier domain.Notifier, ttl time.Duration) *Engine {
	return &Engine{
		meetings: meetings,
		store:    store,
		notifier: notifier,
		ttl:      ttl,
		now:      time.Now,
		entries:  make(map[key]*entry),
	}
}

// Raise puts a hand up. Raising an already-raised hand is a no-op: the
// original raise time and TTL stand, and no duplicate event fires.
func (e *Engine) Raise(ctx context.Context, meetingID uuid.UUID, userID string) error {
	p, err := e.store.Get(ctx, meetingID, userID)
	if err != nil {
		return err
	}
	if p.Status != domain.StatusAdmitted && p.Status != domain.StatusApproved {
		return fmt.Errorf("raise hand: participant is %s: %w", p.Status, domain.ErrInvalidState)
	}

	k := key{meetingID: meetingID, userID: userID}

	e.mu.Lock()
	if _, exists := e.entries[k]; exists {
		e.mu.Unlock()
		return nil
	}
	raisedAt := e.now()
	ent := &entry{
		participantID: p.ID,
		displayName:   p.DisplayName,
		raisedAt:      raisedAt,
	}
	ent.timer = time.AfterFunc(e.ttl, func() { e.autoLower(k) })
	e.entries[k] = ent
	e.mu.Unlock()

	if err := e.store.SetHandRaised(ctx, p.ID, true, &raisedAt); err != nil {
		logging.Error(ctx, "persist raised hand", zap.Error(err))
	}

	metrics.HandsRaised.Inc()
	e.notifier.Broadcast(ctx, domain.MainRoom(meetingID), domain.EventHandRaised,
		handPayload(meetingID, userID, p.DisplayName, raisedAt))
	return nil
}

// Lower puts the caller's own hand down. Lowering a hand that is not
// raised is a no-op.
func (e *Engine) Lower(ctx context.Context, meetingID uuid.UUID, userID string) error {
	return e.lower(ctx, meetingID, userID, domain.EventHandLowered)
}

// HostLower lets a moderator put someone else's hand down.
func (e *Engine) HostLower(ctx context.Context, caller domain.Principal, meetingID uuid.UUID, userID string) error {
	if err := e.authorize(ctx, caller, meetingID); err != nil {
		return err
	}
	return e.lower(ctx, meetingID, userID, domain.EventHandLoweredByHost)
}

// LowerAll puts every hand in the meeting down with a single event.
func (e *Engine) LowerAll(ctx context.Context, caller domain.Principal, meetingID uuid.UUID) (int, error) {
	if err := e.authorize(ctx, caller, meetingID); err != nil {
		return 0, err
	}

	e.mu.Lock()
	var removed []*entry
	for k, ent := range e.entries {
		if k.meetingID == meetingID {
			ent.timer.Stop()
			removed = append(removed, ent)
			delete(e.entries, k)
		}
	}
	e.mu.Unlock()

	for _, ent := range removed {
		metrics.HandsRaised.Dec()
		if err := e.store.SetHandRaised(ctx, ent.participantID, false, nil); err != nil {
			logging.Error(ctx, "persist lowered hand", zap.Error(err))
		}
	}

	if len(removed) > 0 {
		e.notifier.Broadcast(ctx, domain.MainRoom(meetingID), domain.EventAllHandsLowered,
			map[string]any{"meetingId": meetingID.String(), "count": len(removed)})
	}
	return len(removed), nil
}

// ListRaised returns the meeting's raised hands, oldest raise first.
func (e *Engine) ListRaised(meetingID uuid.UUID) []RaisedHand {
	e.mu.Lock()
	var hands []RaisedHand
	for k, ent := range e.entries {
		if k.meetingID == meetingID {
			hands = append(hands, RaisedHand{
				UserID:      k.userID,
				DisplayName: ent.displayName,
				RaisedAt:    ent.raisedAt,
			})
		}
	}
	e.mu.Unlock()

	sort.Slice(hands, func(i, j int) bool { return hands[i].RaisedAt.Before(hands[j].RaisedAt) })
	return hands
}

// ClearUser drops a user's raised hands across all meetings. Called on
// socket disconnect.
func (e *Engine) ClearUser(ctx context.Context, userID string) {
	e.mu.Lock()
	cleared := make(map[uuid.UUID]*entry)
	for k, ent := range e.entries {
		if k.userID == userID {
			ent.timer.Stop()
			cleared[k.meetingID] = ent
			delete(e.entries, k)
		}
	}
	e.mu.Unlock()

	for meetingID, ent := range cleared {
		metrics.HandsRaised.Dec()
		if err := e.store.SetHandRaised(ctx, ent.participantID, false, nil); err != nil {
			logging.Error(ctx, "persist lowered hand", zap.Error(err))
		}
		e.notifier.Broadcast(ctx, domain.MainRoom(meetingID), domain.EventHandLowered,
			handPayload(meetingID, userID, ent.displayName, ent.raisedAt))
	}
}

// Shutdown stops all TTL timers.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k, ent := range e.entries {
		ent.timer.Stop()
		delete(e.entries, k)
	}
}

func (e *Engine) lower(ctx context.Context, meetingID uuid.UUID, userID string, event string) error {
	k := key{meetingID: meetingID, userID: userID}

	e.mu.Lock()
	ent, exists := e.entries[k]
	if exists {
		ent.timer.Stop()
		delete(e.entries, k)
	}
	e.mu.Unlock()

	if !exists {
		return nil
	}

	metrics.HandsRaised.Dec()
	if err := e.store.SetHandRaised(ctx, ent.participantID, false, nil); err != nil {
		logging.Error(ctx, "persist lowered hand", zap.Error(err))
	}

	e.notifier.Broadcast(ctx, domain.MainRoom(meetingID), event,
		handPayload(meetingID, userID, ent.displayName, ent.raisedAt))
	return nil
}

// autoLower fires when a hand's TTL expires. Deleting the entry under
// the lock before emitting guarantees the event fires exactly once
// even if a concurrent lower races the timer.
func (e *Engine) autoLower(k key) {
	e.mu.Lock()
	ent, exists := e.entries[k]
	if exists {
		delete(e.entries, k)
	}
	e.mu.Unlock()

	if !exists {
		return
	}

	ctx := context.Background()
	metrics.HandsRaised.Dec()
	if err := e.store.SetHandRaised(ctx, ent.participantID, false, nil); err != nil {
		logging.Error(ctx, "persist auto-lowered hand", zap.Error(err))
	}

	e.notifier.Broadcast(ctx, domain.MainRoom(k.meetingID), domain.EventHandAutoLowered,
		handPayload(k.meetingID, k.userID, ent.displayName, ent.raisedAt))
}

func (e *Engine) authorize(ctx context.Context, caller domain.Principal, meetingID uuid.UUID) error {
	meeting, err := e.meetings.GetByID(ctx, meetingID)
	if err != nil {
		return err
	}
	callerParticipant, err := e.store.Get(ctx, meetingID, caller.UserID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	if !domain.CanModerate(caller, meeting, callerParticipant) {
		return domain.ErrForbidden
	}
	return nil
}

func handPayload(meetingID uuid.UUID, userID, displayName string, raisedAt time.Time) map[string]any {
	return map[string]any{
		"meetingId":   meetingID.String(),
		"userId":      userID,
		"displayName": displayName,
		"raisedAt":    raisedAt.Format(time.RFC3339),
	}
}
