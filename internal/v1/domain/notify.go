package domain

import (
	"context"

	"github.com/google/uuid"
)

// Notifier fans events out to connected sockets. The gateway implements
// it locally; when Redis is enabled a bus decorator republishes each
// call so every pod delivers to its own sockets.
//
// Both methods are best-effort: delivery to a slow or disconnected
// socket never fails the calling operation.
type Notifier interface {
	// Broadcast delivers an event to every socket subscribed to room.
	Broadcast(ctx context.Context, room string, event string, payload any)
	// Direct delivers an event to every socket owned by one user.
	Direct(ctx context.Context, userID string, event string, payload any)
}

// Room name helpers. Every meeting has three rooms: the main floor for
// admitted participants, the waiting room for pending ones, and a
// host-only room for admission notifications.
func MainRoom(meetingID uuid.UUID) string    { return meetingID.String() }
func WaitingRoom(meetingID uuid.UUID) string { return "waiting:" + meetingID.String() }
func HostRoom(meetingID uuid.UUID) string    { return "host:" + meetingID.String() }

// Event names carried in outbound frames, grouped by emitting component.
const (
	EventUserJoined   = "presence.user-joined"
	EventUserLeft     = "presence.user-left"
	EventHeartbeatAck = "presence.heartbeat-ack"

	EventParticipantWaiting  = "admission.participant-waiting"
	EventParticipantApproved = "admission.participant-approved"
	EventParticipantRejected = "admission.participant-rejected"
	EventParticipantAdmitted = "admission.participant-admitted"
	EventMeetingStarted      = "admission.meeting-started"
	EventMeetingEnded        = "admission.meeting-ended"
	EventRoomLocked          = "admission.room-locked"
	EventRoomUnlocked        = "admission.room-unlocked"

	EventForceMuted         = "moderator.force-muted"
	EventForceCameraOff     = "moderator.force-camera-off"
	EventScreenShareChanged = "moderator.screen-share-changed"
	EventHostTransferred    = "moderator.host-transferred"
	EventKicked             = "moderator.kicked"
	EventSFUToken           = "moderator.sfu-token"

	EventHandRaised        = "hand.raised"
	EventHandLowered       = "hand.lowered"
	EventHandAutoLowered   = "hand.auto-lowered"
	EventHandLoweredByHost = "hand.lowered-by-host"
	EventAllHandsLowered   = "hand.all-lowered"

	EventChatMessage        = "chat.message"
	EventChatMessageDeleted = "chat.message-deleted"
	EventChatMessagesLoaded = "chat.messages-loaded"
)
