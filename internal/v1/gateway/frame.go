package gateway

import (
	"encoding/json"

	"github.com/brightboard/classroom/internal/v1/domain"
)

// Frame is one inbound client message. Payload stays raw until the
// handler for the event decodes it.
type Frame struct {
	Event         string          `json:"event"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	RequestRoom   string          `json:"requestRoom,omitempty"`
}

// outFrame is one outbound message: a broadcast, a direct event, or an
// ack/error reply to a correlated request.
type outFrame struct {
	Event         string `json:"event"`
	Payload       any    `json:"payload,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	Room          string `json:"room,omitempty"`
}

// Reply frame events. Domain events are named in package domain.
const (
	EventAck   = "ack"
	EventError = "error"
)

// Inbound request events.
const (
	ReqJoinMain     = "join-main"
	ReqJoinWaiting  = "join-waiting"
	ReqHostJoin     = "host-join"
	ReqLeaveMain    = "leave-main"
	ReqLeaveWaiting = "leave-waiting"

	ReqAdmissionJoin     = "admission.join"
	ReqAdmissionApprove  = "admission.approve"
	ReqAdmissionReject   = "admission.reject"
	ReqAdmissionAdmitAll = "admission.admit-all"
	ReqAdmissionWaiting  = "admission.waiting-list"
	ReqAdmissionLeave    = "admission.leave"

	ReqHeartbeat = "presence.heartbeat"

	ReqModForceMute    = "moderator.force-mute"
	ReqModReleaseMute  = "moderator.release-mute"
	ReqModScreenShare  = "moderator.screen-share-control"
	ReqModTransferHost = "moderator.transfer-host"
	ReqModKick         = "moderator.kick"
	ReqModLock         = "moderator.lock"
	ReqModEndMeeting   = "moderator.end-meeting"

	ReqHandRaise     = "hand.raise"
	ReqHandLower     = "hand.lower"
	ReqHandHostLower = "hand.lower-by-host"
	ReqHandLowerAll  = "hand.lower-all"
	ReqHandList      = "hand.list"

	ReqChatSend    = "chat.send"
	ReqChatDelete  = "chat.delete"
	ReqChatHistory = "chat.history"

	ReqSFUToken = "sfu.token"
)

func ackFrame(correlationID string, payload any) []byte {
	data, err := json.Marshal(outFrame{
		Event:         EventAck,
		Payload:       payload,
		CorrelationID: correlationID,
	})
	if err != nil {
		return nil
	}
	return data
}

// errorFrame maps a component error onto a stable machine-readable code
// for the client, keeping the raw error server-side.
func errorFrame(correlationID string, err error) []byte {
	data, mErr := json.Marshal(outFrame{
		Event:         EventError,
		CorrelationID: correlationID,
		Payload: map[string]string{
			"code":    domain.Code(err),
			"message": err.Error(),
		},
	})
	if mErr != nil {
		return nil
	}
	return data
}

func eventFrame(room, event string, payload any) ([]byte, error) {
	return json.Marshal(outFrame{Event: event, Payload: payload, Room: room})
}
