// Package moderator implements host-side controls: forcing media off,
// transferring the host seat, and removing participants. Lock/unlock
// and end-meeting live in the registry; hand lowering lives in the
// hand-raise engine.
package moderator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/brightboard/classroom/internal/v1/domain"
	"github.com/brightboard/classroom/internal/v1/logging"
	"github.com/brightboard/classroom/internal/v1/metrics"
	"github.com/brightboard/classroom/internal/v1/sfutoken"
)

// MeetingStore is the meeting persistence surface.
type MeetingStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Meeting, error)
	SetCurrentHost(ctx context.Context, id uuid.UUID, userID string) error
}

// ParticipantStore is the participant persistence surface.
type ParticipantStore interface {
	Get(ctx context.Context, meetingID uuid.UUID, userID string) (*domain.Participant, error)
	SetMediaIntent(ctx context.Context, id uuid.UUID, track domain.MediaTrack, intent domain.MediaIntent) error
	SetRole(ctx context.Context, id uuid.UUID, role domain.MeetingRole) error
	SetStatus(ctx context.Context, id uuid.UUID, status domain.ParticipantStatus) error
	CloseOpenSession(ctx context.Context, id uuid.UUID, leftAt time.Time, cause string) (int64, bool, error)
}

// Service implements moderator actions.
type Service struct {
	meetings     MeetingStore
	participants ParticipantStore
	notifier     domain.Notifier
	minter       *sfutoken.Minter
	now          func() time.Time
}

func NewService(meetings MeetingStore, participants ParticipantStore, notifier domain.Notifier, minter *sfutoken.Minter) *Service {
	return &Service{
		meetings:     meetings,
		participants: participants,
		notifier:     notifier,
		minter:       minter,
		now:          time.Now,
	}
}

// ForceMute forces a participant's mic or camera off. The participant
// cannot re-enable the track until a moderator releases it. Host and
// co-host targets can only be forced by the current host or an admin.
func (s *Service) ForceMute(ctx context.Context, caller domain.Principal, meetingID uuid.UUID, targetUserID string, track domain.MediaTrack) error {
	meeting, target, err := s.authorizeTarget(ctx, caller, meetingID, targetUserID)
	if err != nil {
		return err
	}

	var (
		intent domain.MediaIntent
		event  string
	)
	switch track {
	case domain.TrackMic:
		intent = domain.IntentMutedByHost
		event = domain.EventForceMuted
	case domain.TrackCamera:
		intent = domain.IntentOffByHost
		event = domain.EventForceCameraOff
	default:
		return fmt.Errorf("force mute: track %q: %w", track, domain.ErrInvalidState)
	}

	if err := s.participants.SetMediaIntent(ctx, target.ID, track, intent); err != nil {
		return err
	}

	s.notifier.Broadcast(ctx, domain.MainRoom(meeting.ID), event, mediaPayload(meeting.ID, target, track, intent))
	logging.Info(ctx, "media force applied",
		zap.String("meeting_id", meetingID.String()),
		zap.String("target_user_id", targetUserID),
		zap.String("track", string(track)))
	return nil
}

// ReleaseMute clears a host-forced mic or camera state, returning the
// track to plain off so the participant may turn it back on.
func (s *Service) ReleaseMute(ctx context.Context, caller domain.Principal, meetingID uuid.UUID, targetUserID string, track domain.MediaTrack) error {
	meeting, target, err := s.authorizeTarget(ctx, caller, meetingID, targetUserID)
	if err != nil {
		return err
	}
	if track != domain.TrackMic && track != domain.TrackCamera {
		return fmt.Errorf("release mute: track %q: %w", track, domain.ErrInvalidState)
	}

	if err := s.participants.SetMediaIntent(ctx, target.ID, track, domain.IntentOff); err != nil {
		return err
	}

	event := domain.EventForceMuted
	if track == domain.TrackCamera {
		event = domain.EventForceCameraOff
	}
	s.notifier.Broadcast(ctx, domain.MainRoom(meeting.ID), event, mediaPayload(meeting.ID, target, track, domain.IntentOff))
	return nil
}

// ForceScreenShareControl grants or revokes a participant's ability to
// share their screen.
func (s *Service) ForceScreenShareControl(ctx context.Context, caller domain.Principal, meetingID uuid.UUID, targetUserID string, allow bool) error {
	meeting, target, err := s.authorizeTarget(ctx, caller, meetingID, targetUserID)
	if err != nil {
		return err
	}

	intent := domain.IntentOffByHost
	if allow {
		intent = domain.IntentOff
	}
	if err := s.participants.SetMediaIntent(ctx, target.ID, domain.TrackScreen, intent); err != nil {
		return err
	}

	s.notifier.Broadcast(ctx, domain.MainRoom(meeting.ID), domain.EventScreenShareChanged,
		mediaPayload(meeting.ID, target, domain.TrackScreen, intent))
	return nil
}

// TransferHost moves the host seat to another participant. Only the
// sitting host may hand the seat over; co-hosts cannot. Platform admins
// may also transfer, which is how an orphaned meeting recovers a host.
// The target's account must be able to host. The outgoing host's
// participant record is demoted, the target is promoted, and a fresh
// SFU token carrying the new grants is delivered on the target's direct
// channel.
func (s *Service) TransferHost(ctx context.Context, caller domain.Principal, meetingID uuid.UUID, targetUserID string) error {
	meeting, err := s.meetings.GetByID(ctx, meetingID)
	if err != nil {
		return err
	}
	if meeting.Status == domain.MeetingEnded {
		return fmt.Errorf("transfer host: meeting has ended: %w", domain.ErrInvalidState)
	}
	if !caller.IsAdmin() && caller.UserID != meeting.CurrentHostID {
		return fmt.Errorf("transfer host: only the current host may transfer: %w", domain.ErrForbidden)
	}

	target, err := s.participants.Get(ctx, meetingID, targetUserID)
	if err != nil {
		return err
	}
	switch target.SystemRoleAtJoin {
	case domain.SystemRoleTutor, domain.SystemRoleAdmin:
	default:
		return fmt.Errorf("transfer host: target cannot host: %w", domain.ErrForbidden)
	}
	if target.Status != domain.StatusAdmitted && target.Status != domain.StatusApproved {
		return fmt.Errorf("transfer host: target is %s: %w", target.Status, domain.ErrInvalidState)
	}

	if err := s.meetings.SetCurrentHost(ctx, meetingID, targetUserID); err != nil {
		return err
	}
	if err := s.participants.SetRole(ctx, target.ID, domain.RoleHost); err != nil {
		return err
	}
	target.Role = domain.RoleHost

	// Demote the outgoing host's participant record if they hold one.
	if old, err := s.participants.Get(ctx, meetingID, meeting.CurrentHostID); err == nil && old.ID != target.ID {
		if err := s.participants.SetRole(ctx, old.ID, domain.RoleParticipant); err != nil {
			logging.Error(ctx, "demote outgoing host", zap.Error(err))
		}
	}

	token, err := s.minter.Mint(target)
	if err != nil {
		return fmt.Errorf("mint host token: %w", err)
	}
	s.notifier.Direct(ctx, targetUserID, domain.EventSFUToken, map[string]any{
		"meetingId": meetingID.String(),
		"token":     token,
		"role":      domain.RoleHost,
	})

	s.notifier.Broadcast(ctx, domain.MainRoom(meetingID), domain.EventHostTransferred, map[string]any{
		"meetingId":  meetingID.String(),
		"fromUserId": meeting.CurrentHostID,
		"toUserId":   targetUserID,
	})

	logging.Info(ctx, "host transferred",
		zap.String("meeting_id", meetingID.String()),
		zap.String("from", meeting.CurrentHostID),
		zap.String("to", targetUserID))
	return nil
}

// Kick removes a participant from the meeting. The status becomes
// terminal, the open session closes, and everyone is told. The current
// host cannot be kicked.
func (s *Service) Kick(ctx context.Context, caller domain.Principal, meetingID uuid.UUID, targetUserID string) error {
	meeting, target, err := s.authorizeTarget(ctx, caller, meetingID, targetUserID)
	if err != nil {
		return err
	}
	if targetUserID == meeting.CurrentHostID {
		return fmt.Errorf("kick: cannot kick the current host: %w", domain.ErrForbidden)
	}
	switch target.Status {
	case domain.StatusKicked:
		return nil
	case domain.StatusRejected, domain.StatusLeft:
		return fmt.Errorf("kick: participant is %s: %w", target.Status, domain.ErrInvalidState)
	}

	if err := s.participants.SetStatus(ctx, target.ID, domain.StatusKicked); err != nil {
		return err
	}
	if _, closed, err := s.participants.CloseOpenSession(ctx, target.ID, s.now(), "kick"); err != nil {
		logging.Error(ctx, "close session on kick", zap.Error(err))
	} else if closed {
		metrics.SessionsClosed.WithLabelValues("kick").Inc()
	}

	payload := map[string]any{
		"meetingId": meetingID.String(),
		"userId":    targetUserID,
	}
	s.notifier.Direct(ctx, targetUserID, domain.EventKicked, payload)
	s.notifier.Broadcast(ctx, domain.MainRoom(meetingID), domain.EventKicked, payload)

	logging.Info(ctx, "participant kicked",
		zap.String("meeting_id", meetingID.String()),
		zap.String("target_user_id", targetUserID))
	return nil
}

// authorizeTarget checks the caller may moderate and loads the target,
// enforcing the stricter rule for privileged targets.
func (s *Service) authorizeTarget(ctx context.Context, caller domain.Principal, meetingID uuid.UUID, targetUserID string) (*domain.Meeting, *domain.Participant, error) {
	meeting, err := s.meetings.GetByID(ctx, meetingID)
	if err != nil {
		return nil, nil, err
	}
	if meeting.Status == domain.MeetingEnded {
		return nil, nil, fmt.Errorf("moderate: meeting has ended: %w", domain.ErrInvalidState)
	}
	if err := s.authorizeCaller(ctx, caller, meeting); err != nil {
		return nil, nil, err
	}

	target, err := s.participants.Get(ctx, meetingID, targetUserID)
	if err != nil {
		return nil, nil, err
	}

	// Host and co-host targets are off limits to fellow co-hosts.
	if target.Role == domain.RoleHost || target.Role == domain.RoleCoHost {
		if !caller.IsAdmin() && caller.UserID != meeting.CurrentHostID {
			return nil, nil, fmt.Errorf("moderate: privileged target: %w", domain.ErrForbidden)
		}
	}
	return meeting, target, nil
}

func (s *Service) authorizeCaller(ctx context.Context, caller domain.Principal, meeting *domain.Meeting) error {
	callerParticipant, err := s.participants.Get(ctx, meeting.ID, caller.UserID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	if !domain.CanModerate(caller, meeting, callerParticipant) {
		return domain.ErrForbidden
	}
	return nil
}

func mediaPayload(meetingID uuid.UUID, target *domain.Participant, track domain.MediaTrack, intent domain.MediaIntent) map[string]any {
	return map[string]any{
		"meetingId": meetingID.String(),
		"userId":    target.UserID,
		"track":     track,
		"intent":    intent,
	}
}
