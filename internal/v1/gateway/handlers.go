package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/brightboard/classroom/internal/v1/domain"
	"github.com/brightboard/classroom/internal/v1/logging"
	"github.com/brightboard/classroom/internal/v1/metrics"
)

const chatHistoryLimit = 50

// Request payload shapes. Every meeting-scoped request carries the
// meeting ID; moderation requests add the target user.

type meetingRequest struct {
	MeetingID  uuid.UUID `json:"meetingId"`
	InviteCode string    `json:"inviteCode,omitempty"`
}

type targetRequest struct {
	MeetingID uuid.UUID         `json:"meetingId"`
	UserID    string            `json:"userId"`
	Track     domain.MediaTrack `json:"track,omitempty"`
	Allow     bool              `json:"allow,omitempty"`
}

type lockRequest struct {
	MeetingID uuid.UUID `json:"meetingId"`
	Locked    bool      `json:"locked"`
}

type chatSendRequest struct {
	MeetingID uuid.UUID `json:"meetingId"`
	Body      string    `json:"body"`
}

type chatDeleteRequest struct {
	MeetingID uuid.UUID `json:"meetingId"`
	MessageID uuid.UUID `json:"messageId"`
}

type chatHistoryRequest struct {
	MeetingID uuid.UUID  `json:"meetingId"`
	Before    *time.Time `json:"before,omitempty"`
}

// route dispatches one inbound frame. Every correlated request gets
// exactly one ack or error frame back on the same socket.
func (h *Hub) route(ctx context.Context, c *Client, frame *Frame) {
	start := time.Now()
	reply, err := h.dispatch(ctx, c, frame)

	status := "ok"
	if err != nil {
		status = "error"
		logging.Warn(ctx, "frame rejected",
			zap.String("event", frame.Event),
			zap.String("user_id", c.principal.UserID),
			zap.String("code", domain.Code(err)))
		c.Send(errorFrame(frame.CorrelationID, err))
	} else {
		c.Send(ackFrame(frame.CorrelationID, reply))
	}

	metrics.GatewayEvents.WithLabelValues(frame.Event, status).Inc()
	metrics.FrameProcessingDuration.WithLabelValues(frame.Event).Observe(time.Since(start).Seconds())
}

func (h *Hub) dispatch(ctx context.Context, c *Client, frame *Frame) (any, error) {
	switch frame.Event {
	case ReqJoinMain:
		return h.handleJoinMain(ctx, c, frame.Payload)
	case ReqJoinWaiting:
		return h.handleJoinWaiting(ctx, c, frame.Payload)
	case ReqHostJoin:
		return h.handleHostJoin(ctx, c, frame.Payload)
	case ReqLeaveMain:
		return h.handleLeaveMain(ctx, c, frame.Payload)
	case ReqLeaveWaiting:
		return h.handleLeaveWaiting(ctx, c, frame.Payload)

	case ReqAdmissionJoin:
		var req meetingRequest
		if err := decode(frame.Payload, &req); err != nil {
			return nil, err
		}
		return h.deps.Admission.Join(ctx, c.principal, req.MeetingID, req.InviteCode)
	case ReqAdmissionApprove:
		var req targetRequest
		if err := decode(frame.Payload, &req); err != nil {
			return nil, err
		}
		return h.deps.Admission.Approve(ctx, c.principal, req.MeetingID, req.UserID)
	case ReqAdmissionReject:
		var req targetRequest
		if err := decode(frame.Payload, &req); err != nil {
			return nil, err
		}
		return h.deps.Admission.Reject(ctx, c.principal, req.MeetingID, req.UserID)
	case ReqAdmissionAdmitAll:
		var req meetingRequest
		if err := decode(frame.Payload, &req); err != nil {
			return nil, err
		}
		admitted, err := h.deps.Admission.AdmitAll(ctx, c.principal, req.MeetingID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"admitted": len(admitted)}, nil
	case ReqAdmissionWaiting:
		var req meetingRequest
		if err := decode(frame.Payload, &req); err != nil {
			return nil, err
		}
		return h.deps.Admission.Waiting(ctx, c.principal, req.MeetingID)
	case ReqAdmissionLeave:
		return h.handleAdmissionLeave(ctx, c, frame.Payload)

	case ReqHeartbeat:
		return h.handleHeartbeat(ctx, c, frame.Payload)

	case ReqModForceMute:
		var req targetRequest
		if err := decode(frame.Payload, &req); err != nil {
			return nil, err
		}
		return nil, h.deps.Moderator.ForceMute(ctx, c.principal, req.MeetingID, req.UserID, req.Track)
	case ReqModReleaseMute:
		var req targetRequest
		if err := decode(frame.Payload, &req); err != nil {
			return nil, err
		}
		return nil, h.deps.Moderator.ReleaseMute(ctx, c.principal, req.MeetingID, req.UserID, req.Track)
	case ReqModScreenShare:
		var req targetRequest
		if err := decode(frame.Payload, &req); err != nil {
			return nil, err
		}
		return nil, h.deps.Moderator.ForceScreenShareControl(ctx, c.principal, req.MeetingID, req.UserID, req.Allow)
	case ReqModTransferHost:
		var req targetRequest
		if err := decode(frame.Payload, &req); err != nil {
			return nil, err
		}
		return nil, h.deps.Moderator.TransferHost(ctx, c.principal, req.MeetingID, req.UserID)
	case ReqModKick:
		var req targetRequest
		if err := decode(frame.Payload, &req); err != nil {
			return nil, err
		}
		return nil, h.deps.Moderator.Kick(ctx, c.principal, req.MeetingID, req.UserID)
	case ReqModLock:
		var req lockRequest
		if err := decode(frame.Payload, &req); err != nil {
			return nil, err
		}
		_, err := h.deps.Registry.SetLocked(ctx, c.principal, req.MeetingID, req.Locked)
		return nil, err
	case ReqModEndMeeting:
		var req meetingRequest
		if err := decode(frame.Payload, &req); err != nil {
			return nil, err
		}
		_, err := h.deps.Registry.End(ctx, c.principal, req.MeetingID)
		return nil, err

	case ReqHandRaise:
		var req meetingRequest
		if err := decode(frame.Payload, &req); err != nil {
			return nil, err
		}
		return nil, h.deps.Hands.Raise(ctx, req.MeetingID, c.principal.UserID)
	case ReqHandLower:
		var req meetingRequest
		if err := decode(frame.Payload, &req); err != nil {
			return nil, err
		}
		return nil, h.deps.Hands.Lower(ctx, req.MeetingID, c.principal.UserID)
	case ReqHandHostLower:
		var req targetRequest
		if err := decode(frame.Payload, &req); err != nil {
			return nil, err
		}
		return nil, h.deps.Hands.HostLower(ctx, c.principal, req.MeetingID, req.UserID)
	case ReqHandLowerAll:
		var req meetingRequest
		if err := decode(frame.Payload, &req); err != nil {
			return nil, err
		}
		n, err := h.deps.Hands.LowerAll(ctx, c.principal, req.MeetingID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"lowered": n}, nil
	case ReqHandList:
		var req meetingRequest
		if err := decode(frame.Payload, &req); err != nil {
			return nil, err
		}
		return h.deps.Hands.ListRaised(req.MeetingID), nil

	case ReqChatSend:
		return h.handleChatSend(ctx, c, frame.Payload)
	case ReqChatDelete:
		return h.handleChatDelete(ctx, c, frame.Payload)
	case ReqChatHistory:
		return h.handleChatHistory(ctx, c, frame.Payload)

	case ReqSFUToken:
		return h.handleSFUToken(ctx, c, frame.Payload)

	default:
		return nil, fmt.Errorf("unknown event %q: %w", frame.Event, domain.ErrInvalidState)
	}
}

// handleJoinMain puts the socket on the meeting's main floor and
// engages presence. Only admitted participants get in.
func (h *Hub) handleJoinMain(ctx context.Context, c *Client, payload json.RawMessage) (any, error) {
	var req meetingRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}

	p, err := h.deps.Participants.Get(ctx, req.MeetingID, c.principal.UserID)
	if err != nil {
		return nil, err
	}
	if p.Status != domain.StatusAdmitted && p.Status != domain.StatusApproved {
		return nil, fmt.Errorf("join main floor: participant is %s: %w", p.Status, domain.ErrForbidden)
	}

	if err := h.deps.Presence.Engage(ctx, p, c.socketID); err != nil {
		return nil, err
	}

	c.trackEngaged(req.MeetingID, p.ID)
	h.joinRoom(c, domain.MainRoom(req.MeetingID))
	h.deps.Bus.MarkOnline(ctx, req.MeetingID.String(), c.principal.UserID)

	return map[string]any{
		"room":          domain.MainRoom(req.MeetingID),
		"participantId": p.ID.String(),
		"role":          p.Role,
	}, nil
}

func (h *Hub) handleJoinWaiting(ctx context.Context, c *Client, payload json.RawMessage) (any, error) {
	var req meetingRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}

	p, err := h.deps.Participants.Get(ctx, req.MeetingID, c.principal.UserID)
	if err != nil {
		return nil, err
	}
	switch p.Status {
	case domain.StatusRejected, domain.StatusKicked:
		return nil, fmt.Errorf("join waiting room: participant is %s: %w", p.Status, domain.ErrForbidden)
	}

	h.joinRoom(c, domain.WaitingRoom(req.MeetingID))
	return map[string]any{"room": domain.WaitingRoom(req.MeetingID), "status": p.Status}, nil
}

// handleHostJoin puts a moderator's socket in the host-only room that
// receives admission notifications.
func (h *Hub) handleHostJoin(ctx context.Context, c *Client, payload json.RawMessage) (any, error) {
	var req meetingRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}

	meeting, err := h.deps.Registry.Get(ctx, req.MeetingID)
	if err != nil {
		return nil, err
	}
	participant, err := h.deps.Participants.Get(ctx, req.MeetingID, c.principal.UserID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if !domain.CanModerate(c.principal, meeting, participant) {
		return nil, domain.ErrForbidden
	}

	h.joinRoom(c, domain.HostRoom(req.MeetingID))
	return map[string]any{"room": domain.HostRoom(req.MeetingID)}, nil
}

func (h *Hub) handleLeaveMain(ctx context.Context, c *Client, payload json.RawMessage) (any, error) {
	var req meetingRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}

	h.leaveRoom(c, domain.MainRoom(req.MeetingID))
	if participantID, ok := c.untrackEngaged(req.MeetingID); ok {
		if err := h.deps.Presence.Leave(ctx, participantID); err != nil {
			return nil, err
		}
		h.deps.Bus.MarkOffline(ctx, req.MeetingID.String(), c.principal.UserID)
	}
	// A leave puts any raised hand down.
	_ = h.deps.Hands.Lower(ctx, req.MeetingID, c.principal.UserID)
	return nil, nil
}

func (h *Hub) handleLeaveWaiting(_ context.Context, c *Client, payload json.RawMessage) (any, error) {
	var req meetingRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	h.leaveRoom(c, domain.WaitingRoom(req.MeetingID))
	return nil, nil
}

// handleAdmissionLeave is the explicit "I'm done with this meeting"
// path: admission status goes to left and the open session closes.
func (h *Hub) handleAdmissionLeave(ctx context.Context, c *Client, payload json.RawMessage) (any, error) {
	var req meetingRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}

	if participantID, ok := c.untrackEngaged(req.MeetingID); ok {
		if err := h.deps.Presence.Leave(ctx, participantID); err != nil {
			logging.Error(ctx, "presence leave", zap.Error(err))
		}
		h.deps.Bus.MarkOffline(ctx, req.MeetingID.String(), c.principal.UserID)
	}
	_ = h.deps.Hands.Lower(ctx, req.MeetingID, c.principal.UserID)
	h.leaveRoom(c, domain.MainRoom(req.MeetingID))
	h.leaveRoom(c, domain.WaitingRoom(req.MeetingID))

	return nil, h.deps.Admission.Leave(ctx, req.MeetingID, c.principal.UserID)
}

// handleHeartbeat feeds the presence engine. The ack payload tells the
// client when to beat next.
func (h *Hub) handleHeartbeat(ctx context.Context, c *Client, payload json.RawMessage) (any, error) {
	var req meetingRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}

	participantID, ok := c.participantID(req.MeetingID)
	if !ok {
		// Socket never joined the main floor (e.g. after a gateway
		// restart); resolve the record so the beat still lands.
		p, err := h.deps.Participants.Get(ctx, req.MeetingID, c.principal.UserID)
		if err != nil {
			return nil, err
		}
		participantID = p.ID
		c.trackEngaged(req.MeetingID, p.ID)
	}

	ack, err := h.deps.Presence.Heartbeat(ctx, participantID)
	if err != nil {
		return nil, err
	}
	return ack, nil
}

func (h *Hub) handleChatSend(ctx context.Context, c *Client, payload json.RawMessage) (any, error) {
	var req chatSendRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}

	body := strings.TrimSpace(req.Body)
	if body == "" || len(body) > domain.MaxChatBodyLen {
		return nil, fmt.Errorf("chat body must be 1-%d characters: %w", domain.MaxChatBodyLen, domain.ErrInvalidState)
	}

	p, err := h.deps.Participants.Get(ctx, req.MeetingID, c.principal.UserID)
	if err != nil {
		return nil, err
	}
	if p.Status != domain.StatusAdmitted && p.Status != domain.StatusApproved {
		return nil, fmt.Errorf("chat: participant is %s: %w", p.Status, domain.ErrForbidden)
	}

	msg := &domain.ChatMessage{
		ID:          uuid.New(),
		MeetingID:   req.MeetingID,
		UserID:      c.principal.UserID,
		DisplayName: p.DisplayName,
		Body:        body,
		CreatedAt:   time.Now().UTC(),
	}
	if err := h.deps.Chats.Create(ctx, msg); err != nil {
		return nil, err
	}

	h.Broadcast(ctx, domain.MainRoom(req.MeetingID), domain.EventChatMessage, msg)
	return map[string]any{"id": msg.ID.String()}, nil
}

// handleChatDelete soft-deletes a message. The sender may delete their
// own; moderators may delete anyone's.
func (h *Hub) handleChatDelete(ctx context.Context, c *Client, payload json.RawMessage) (any, error) {
	var req chatDeleteRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}

	msg, err := h.deps.Chats.GetByID(ctx, req.MessageID)
	if err != nil {
		return nil, err
	}
	if msg.MeetingID != req.MeetingID {
		return nil, domain.ErrNotFound
	}

	if msg.UserID != c.principal.UserID {
		meeting, err := h.deps.Registry.Get(ctx, req.MeetingID)
		if err != nil {
			return nil, err
		}
		participant, pErr := h.deps.Participants.Get(ctx, req.MeetingID, c.principal.UserID)
		if pErr != nil {
			participant = nil
		}
		if !domain.CanModerate(c.principal, meeting, participant) {
			return nil, domain.ErrForbidden
		}
	}

	if err := h.deps.Chats.SoftDelete(ctx, req.MessageID, c.principal.UserID, time.Now().UTC()); err != nil {
		return nil, err
	}

	h.Broadcast(ctx, domain.MainRoom(req.MeetingID), domain.EventChatMessageDeleted, map[string]any{
		"meetingId": req.MeetingID.String(),
		"messageId": req.MessageID.String(),
		"deletedBy": c.principal.UserID,
	})
	return nil, nil
}

// handleChatHistory serves the catch-up read path directly to the
// requesting socket, newest first.
func (h *Hub) handleChatHistory(ctx context.Context, c *Client, payload json.RawMessage) (any, error) {
	var req chatHistoryRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}

	p, err := h.deps.Participants.Get(ctx, req.MeetingID, c.principal.UserID)
	if err != nil {
		return nil, err
	}
	if p.Status != domain.StatusAdmitted && p.Status != domain.StatusApproved {
		return nil, fmt.Errorf("chat history: participant is %s: %w", p.Status, domain.ErrForbidden)
	}

	messages, err := h.deps.Chats.List(ctx, req.MeetingID, req.Before, chatHistoryLimit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"event": domain.EventChatMessagesLoaded, "messages": messages}, nil
}

// handleSFUToken mints a media-plane token for an admitted participant.
func (h *Hub) handleSFUToken(ctx context.Context, c *Client, payload json.RawMessage) (any, error) {
	var req meetingRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}

	p, err := h.deps.Participants.Get(ctx, req.MeetingID, c.principal.UserID)
	if err != nil {
		return nil, err
	}
	if p.Status != domain.StatusAdmitted && p.Status != domain.StatusApproved {
		return nil, fmt.Errorf("sfu token: participant is %s: %w", p.Status, domain.ErrForbidden)
	}

	token, err := h.deps.Minter.Mint(p)
	if err != nil {
		return nil, fmt.Errorf("mint sfu token: %w", err)
	}
	return map[string]any{"token": token, "room": req.MeetingID.String(), "role": p.Role}, nil
}

func decode(payload json.RawMessage, dst any) error {
	if len(payload) == 0 {
		return fmt.Errorf("missing payload: %w", domain.ErrInvalidState)
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return fmt.Errorf("malformed payload: %w", domain.ErrInvalidState)
	}
	return nil
}
