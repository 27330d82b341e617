// Package admission implements the waiting-room state machine:
// waiting -> admitted -> left, with rejected and kicked as terminal
// outcomes. Approving a waiter admits them in the same step; there is
// no separate approved-but-not-admitted limbo.
package admission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/brightboard/classroom/internal/v1/domain"
	"github.com/brightboard/classroom/internal/v1/logging"
)

// MeetingStore is the meeting lookup surface the machine needs.
type MeetingStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Meeting, error)
}

// ParticipantStore is the participant persistence surface.
type ParticipantStore interface {
	Create(ctx context.Context, p *domain.Participant) error
	Get(ctx context.Context, meetingID uuid.UUID, userID string) (*domain.Participant, error)
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Participant, error)
	ListByMeeting(ctx context.Context, meetingID uuid.UUID, status domain.ParticipantStatus) ([]*domain.Participant, error)
	SetStatus(ctx context.Context, id uuid.UUID, status domain.ParticipantStatus) error
	SetRole(ctx context.Context, id uuid.UUID, role domain.MeetingRole) error
}

// Machine serializes admission transitions per meeting so concurrent
// approve/reject/admit-all calls cannot interleave on the same roster.
type Machine struct {
	meetings     MeetingStore
	participants ParticipantStore
	notifier     domain.Notifier

	meetingLocks sync.Map
}

func NewMachine(meetings MeetingStore, participants ParticipantStore, notifier domain.Notifier) *Machine {
	return &Machine{
		meetings:     meetings,
		participants: participants,
		notifier:     notifier,
	}
}

func (m *Machine) lockMeeting(id uuid.UUID) func() {
	muIface, _ := m.meetingLocks.LoadOrStore(id, &sync.Mutex{})
	mu := muIface.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Join processes a join attempt. Moderators land directly in the
// meeting; everyone else is parked in the waiting room only when the
// meeting gates entry (private, or the host requires approval) and
// admitted directly otherwise. Private meetings require the invite
// code; a locked room refuses new entrants but leaves everyone already
// in the machine untouched.
func (m *Machine) Join(ctx context.Context, p domain.Principal, meetingID uuid.UUID, inviteCode string) (*domain.Participant, error) {
	unlock := m.lockMeeting(meetingID)
	defer unlock()

	meeting, err := m.meetings.GetByID(ctx, meetingID)
	if err != nil {
		return nil, err
	}
	if meeting.Status == domain.MeetingEnded {
		return nil, fmt.Errorf("join: meeting has ended: %w", domain.ErrInvalidState)
	}

	moderator := domain.CanModerate(p, meeting, nil)

	if meeting.Private && !moderator {
		if !strings.EqualFold(strings.TrimSpace(inviteCode), meeting.InviteCode) {
			return nil, fmt.Errorf("join: invite code required: %w", domain.ErrForbidden)
		}
	}

	existing, err := m.participants.Get(ctx, meetingID, p.UserID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	if existing != nil {
		switch existing.Status {
		case domain.StatusRejected, domain.StatusKicked:
			return nil, fmt.Errorf("join: participant was %s: %w", existing.Status, domain.ErrForbidden)
		case domain.StatusAdmitted, domain.StatusApproved, domain.StatusWaiting:
			// Re-join continues the existing record; presence appends a
			// fresh session when the socket engages.
			return existing, nil
		case domain.StatusLeft:
			if meeting.Locked && !moderator {
				return nil, fmt.Errorf("join: %w", domain.ErrRoomLocked)
			}
			next := domain.StatusAdmitted
			if meeting.RequiresApproval() && !moderator {
				next = domain.StatusWaiting
			}
			if err := m.participants.SetStatus(ctx, existing.ID, next); err != nil {
				return nil, err
			}
			existing.Status = next
			m.announceJoin(ctx, meeting, existing)
			return existing, nil
		}
	}

	if meeting.Locked && !moderator {
		return nil, fmt.Errorf("join: %w", domain.ErrRoomLocked)
	}

	participant := &domain.Participant{
		ID:               uuid.New(),
		MeetingID:        meetingID,
		UserID:           p.UserID,
		DisplayName:      p.DisplayName,
		SystemRoleAtJoin: p.SystemRole,
		Role:             domain.RoleParticipant,
		Status:           domain.StatusAdmitted,
		MicIntent:        domain.IntentOff,
		CameraIntent:     domain.IntentOff,
		ScreenIntent:     domain.IntentOff,
		Sessions:         []domain.Session{},
	}
	if meeting.RequiresApproval() && !moderator {
		participant.Status = domain.StatusWaiting
	}
	if moderator {
		participant.Role = domain.RoleHost
	}

	if err := m.participants.Create(ctx, participant); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			// Lost a race with another socket for the same user.
			return m.participants.Get(ctx, meetingID, p.UserID)
		}
		return nil, err
	}

	m.announceJoin(ctx, meeting, participant)
	logging.Info(ctx, "participant joined",
		zap.String("meeting_id", meetingID.String()),
		zap.String("user_id", p.UserID),
		zap.String("status", string(participant.Status)))
	return participant, nil
}

func (m *Machine) announceJoin(ctx context.Context, meeting *domain.Meeting, p *domain.Participant) {
	if p.Status == domain.StatusWaiting {
		m.notifier.Broadcast(ctx, domain.HostRoom(meeting.ID), domain.EventParticipantWaiting, participantPayload(p))
		return
	}
	m.notifier.Broadcast(ctx, domain.MainRoom(meeting.ID), domain.EventParticipantAdmitted, participantPayload(p))
}

// Approve admits a waiting participant. Approval and admission are the
// same transition; the waiter is told to move to the main floor and the
// floor is told who arrived. Approving someone already admitted is an
// idempotent no-op, so two hosts racing on the same waiter both
// succeed and the floor hears exactly one announcement.
func (m *Machine) Approve(ctx context.Context, caller domain.Principal, meetingID uuid.UUID, userID string) (*domain.Participant, error) {
	unlock := m.lockMeeting(meetingID)
	defer unlock()

	target, err := m.authorizeTransition(ctx, caller, meetingID, userID)
	if err != nil {
		return nil, err
	}
	switch target.Status {
	case domain.StatusAdmitted, domain.StatusApproved:
		return target, nil
	case domain.StatusWaiting:
	default:
		return nil, fmt.Errorf("approve: participant is %s: %w", target.Status, domain.ErrInvalidState)
	}

	if err := m.participants.SetStatus(ctx, target.ID, domain.StatusAdmitted); err != nil {
		return nil, err
	}
	target.Status = domain.StatusAdmitted

	m.notifier.Broadcast(ctx, domain.WaitingRoom(meetingID), domain.EventParticipantApproved, participantPayload(target))
	m.notifier.Broadcast(ctx, domain.MainRoom(meetingID), domain.EventParticipantAdmitted, participantPayload(target))
	m.notifier.Broadcast(ctx, domain.HostRoom(meetingID), domain.EventParticipantAdmitted, participantPayload(target))

	logging.Info(ctx, "participant admitted",
		zap.String("meeting_id", meetingID.String()),
		zap.String("user_id", userID))
	return target, nil
}

// Reject turns away a waiting participant. Rejection is terminal: the
// same user cannot re-enter the waiting room for this meeting.
func (m *Machine) Reject(ctx context.Context, caller domain.Principal, meetingID uuid.UUID, userID string) (*domain.Participant, error) {
	unlock := m.lockMeeting(meetingID)
	defer unlock()

	target, err := m.authorizeTransition(ctx, caller, meetingID, userID)
	if err != nil {
		return nil, err
	}
	if target.Status != domain.StatusWaiting {
		return nil, fmt.Errorf("reject: participant is %s: %w", target.Status, domain.ErrInvalidState)
	}

	if err := m.participants.SetStatus(ctx, target.ID, domain.StatusRejected); err != nil {
		return nil, err
	}
	target.Status = domain.StatusRejected

	m.notifier.Direct(ctx, target.UserID, domain.EventParticipantRejected, participantPayload(target))
	m.notifier.Broadcast(ctx, domain.HostRoom(meetingID), domain.EventParticipantRejected, participantPayload(target))

	logging.Info(ctx, "participant rejected",
		zap.String("meeting_id", meetingID.String()),
		zap.String("user_id", userID))
	return target, nil
}

// AdmitAll admits every waiting participant in one batch, in join
// order. Returns the participants admitted.
func (m *Machine) AdmitAll(ctx context.Context, caller domain.Principal, meetingID uuid.UUID) ([]*domain.Participant, error) {
	unlock := m.lockMeeting(meetingID)
	defer unlock()

	meeting, err := m.meetings.GetByID(ctx, meetingID)
	if err != nil {
		return nil, err
	}
	if err := m.authorizeCaller(ctx, caller, meeting); err != nil {
		return nil, err
	}

	waiting, err := m.participants.ListByMeeting(ctx, meetingID, domain.StatusWaiting)
	if err != nil {
		return nil, err
	}

	admitted := make([]*domain.Participant, 0, len(waiting))
	for _, target := range waiting {
		if err := m.participants.SetStatus(ctx, target.ID, domain.StatusAdmitted); err != nil {
			logging.Error(ctx, "admit all: set status",
				zap.String("participant_id", target.ID.String()), zap.Error(err))
			continue
		}
		target.Status = domain.StatusAdmitted
		admitted = append(admitted, target)

		m.notifier.Broadcast(ctx, domain.WaitingRoom(meetingID), domain.EventParticipantApproved, participantPayload(target))
		m.notifier.Broadcast(ctx, domain.MainRoom(meetingID), domain.EventParticipantAdmitted, participantPayload(target))
	}

	logging.Info(ctx, "admitted all waiting participants",
		zap.String("meeting_id", meetingID.String()),
		zap.Int("count", len(admitted)))
	return admitted, nil
}

// Leave marks a participant as having left the machine entirely. The
// session span is closed separately by the presence engine.
func (m *Machine) Leave(ctx context.Context, meetingID uuid.UUID, userID string) error {
	unlock := m.lockMeeting(meetingID)
	defer unlock()

	target, err := m.participants.Get(ctx, meetingID, userID)
	if err != nil {
		return err
	}
	switch target.Status {
	case domain.StatusRejected, domain.StatusKicked, domain.StatusLeft:
		return nil
	}
	return m.participants.SetStatus(ctx, target.ID, domain.StatusLeft)
}

// Waiting lists the current waiting room in join order.
func (m *Machine) Waiting(ctx context.Context, caller domain.Principal, meetingID uuid.UUID) ([]*domain.Participant, error) {
	meeting, err := m.meetings.GetByID(ctx, meetingID)
	if err != nil {
		return nil, err
	}
	if err := m.authorizeCaller(ctx, caller, meeting); err != nil {
		return nil, err
	}
	return m.participants.ListByMeeting(ctx, meetingID, domain.StatusWaiting)
}

func (m *Machine) authorizeTransition(ctx context.Context, caller domain.Principal, meetingID uuid.UUID, userID string) (*domain.Participant, error) {
	meeting, err := m.meetings.GetByID(ctx, meetingID)
	if err != nil {
		return nil, err
	}
	if err := m.authorizeCaller(ctx, caller, meeting); err != nil {
		return nil, err
	}
	return m.participants.Get(ctx, meetingID, userID)
}

func (m *Machine) authorizeCaller(ctx context.Context, caller domain.Principal, meeting *domain.Meeting) error {
	callerParticipant, err := m.participants.Get(ctx, meeting.ID, caller.UserID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	if !domain.CanModerate(caller, meeting, callerParticipant) {
		return domain.ErrForbidden
	}
	return nil
}

func participantPayload(p *domain.Participant) map[string]any {
	payload := map[string]any{
		"meetingId":   p.MeetingID.String(),
		"userId":      p.UserID,
		"displayName": p.DisplayName,
		"status":      p.Status,
		"role":        p.Role,
	}
	if first := p.FirstJoinedAt(); first != nil {
		payload["firstJoinedAt"] = first.Format(time.RFC3339)
	}
	return payload
}
