// Package gateway is the realtime WebSocket surface. It authenticates
// sockets at the handshake, tracks room membership, routes inbound
// frames to the control-plane components, and fans their events back
// out — locally and, when Redis is enabled, across pods.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/brightboard/classroom/internal/v1/auth"
	"github.com/brightboard/classroom/internal/v1/bus"
	"github.com/brightboard/classroom/internal/v1/domain"
	"github.com/brightboard/classroom/internal/v1/handraise"
	"github.com/brightboard/classroom/internal/v1/logging"
	"github.com/brightboard/classroom/internal/v1/metrics"
	"github.com/brightboard/classroom/internal/v1/presence"
	"github.com/brightboard/classroom/internal/v1/ratelimit"
	"github.com/brightboard/classroom/internal/v1/sfutoken"
)

// Component surfaces the hub dispatches to. Each is satisfied by the
// concrete service; tests plug in fakes.

type AdmissionService interface {
	Join(ctx context.Context, p domain.Principal, meetingID uuid.UUID, inviteCode string) (*domain.Participant, error)
	Approve(ctx context.Context, caller domain.Principal, meetingID uuid.UUID, userID string) (*domain.Participant, error)
	Reject(ctx context.Context, caller domain.Principal, meetingID uuid.UUID, userID string) (*domain.Participant, error)
	AdmitAll(ctx context.Context, caller domain.Principal, meetingID uuid.UUID) ([]*domain.Participant, error)
	Leave(ctx context.Context, meetingID uuid.UUID, userID string) error
	Waiting(ctx context.Context, caller domain.Principal, meetingID uuid.UUID) ([]*domain.Participant, error)
}

type PresenceService interface {
	Engage(ctx context.Context, p *domain.Participant, socketID string) error
	Heartbeat(ctx context.Context, participantID uuid.UUID) (*presence.HeartbeatAck, error)
	Leave(ctx context.Context, participantID uuid.UUID) error
}

type HandRaiseService interface {
	Raise(ctx context.Context, meetingID uuid.UUID, userID string) error
	Lower(ctx context.Context, meetingID uuid.UUID, userID string) error
	HostLower(ctx context.Context, caller domain.Principal, meetingID uuid.UUID, userID string) error
	LowerAll(ctx context.Context, caller domain.Principal, meetingID uuid.UUID) (int, error)
	ListRaised(meetingID uuid.UUID) []handraise.RaisedHand
	ClearUser(ctx context.Context, userID string)
}

type ModeratorService interface {
	ForceMute(ctx context.Context, caller domain.Principal, meetingID uuid.UUID, targetUserID string, track domain.MediaTrack) error
	ReleaseMute(ctx context.Context, caller domain.Principal, meetingID uuid.UUID, targetUserID string, track domain.MediaTrack) error
	ForceScreenShareControl(ctx context.Context, caller domain.Principal, meetingID uuid.UUID, targetUserID string, allow bool) error
	TransferHost(ctx context.Context, caller domain.Principal, meetingID uuid.UUID, targetUserID string) error
	Kick(ctx context.Context, caller domain.Principal, meetingID uuid.UUID, targetUserID string) error
}

type RegistryService interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Meeting, error)
	End(ctx context.Context, p domain.Principal, id uuid.UUID) (*domain.Meeting, error)
	SetLocked(ctx context.Context, p domain.Principal, id uuid.UUID, locked bool) (*domain.Meeting, error)
}

type ChatStore interface {
	Create(ctx context.Context, m *domain.ChatMessage) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.ChatMessage, error)
	List(ctx context.Context, meetingID uuid.UUID, before *time.Time, limit int) ([]*domain.ChatMessage, error)
	SoftDelete(ctx context.Context, id uuid.UUID, deletedBy string, at time.Time) error
}

type ParticipantReader interface {
	Get(ctx context.Context, meetingID uuid.UUID, userID string) (*domain.Participant, error)
}

// Deps wires the hub to the rest of the control plane. Bus and Limiter
// may be nil (single-pod mode, no rate limiting).
type Deps struct {
	Validator    auth.TokenValidator
	Admission    AdmissionService
	Presence     PresenceService
	Hands        HandRaiseService
	Moderator    ModeratorService
	Registry     RegistryService
	Chats        ChatStore
	Participants ParticipantReader
	Minter       *sfutoken.Minter
	Bus          *bus.Service
	Limiter      *ratelimit.RateLimiter

	AllowedOrigins []string
}

// Hub owns every socket, room, and cross-pod subscription on this pod.
// It implements domain.Notifier for the control-plane components.
type Hub struct {
	deps Deps

	mu    sync.Mutex
	rooms map[string]*room
	users map[string]*userClients

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type userClients struct {
	clients map[*Client]struct{}
	cancel  context.CancelFunc
}

func NewHub(deps Deps) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		deps:   deps,
		rooms:  make(map[string]*room),
		users:  make(map[string]*userClients),
		ctx:    ctx,
		cancel: cancel,
	}
}

// ServeWs authenticates the handshake and upgrades to a WebSocket.
func (h *Hub) ServeWs(c *gin.Context) {
	if h.deps.Limiter != nil && !h.deps.Limiter.CheckWebSocket(c) {
		return
	}

	token, err := h.extractToken(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": domain.Code(domain.ErrAuthRequired)})
		return
	}

	claims, err := h.deps.Validator.ValidateToken(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": domain.Code(domain.ErrAuthInvalid)})
		return
	}
	principal := claims.Principal()

	if h.deps.Limiter != nil {
		if err := h.deps.Limiter.CheckWebSocketUser(c.Request.Context(), principal.UserID); err != nil {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": domain.Code(err)})
			return
		}
	}

	if err := validateOrigin(c.Request, h.deps.AllowedOrigins); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": domain.Code(domain.ErrForbidden)})
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return validateOrigin(r, h.deps.AllowedOrigins) == nil
		},
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}

	h.HandleConnection(conn, principal)
}

// HandleConnection registers an established connection and starts its
// pumps. Split from ServeWs so tests can drive fake connections.
func (h *Hub) HandleConnection(conn wsConnection, principal domain.Principal) *Client {
	client := newClient(h, conn, principal)
	h.register(client)
	metrics.IncConnection()

	go client.writePump()
	go client.readPump()
	return client
}

// extractToken reads the bearer token from the access_token query
// parameter or the Sec-WebSocket-Protocol header.
func (h *Hub) extractToken(c *gin.Context) (string, error) {
	if token := c.Query("access_token"); token != "" {
		return token, nil
	}

	for part := range strings.SplitSeq(c.GetHeader("Sec-WebSocket-Protocol"), ",") {
		part = strings.TrimSpace(part)
		if part == "" || part == "access_token" {
			continue
		}
		return part, nil
	}
	return "", fmt.Errorf("token not provided: %w", domain.ErrAuthRequired)
}

func validateOrigin(r *http.Request, allowedOrigins []string) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients carry no Origin header.
		return nil
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("invalid origin %q: %w", origin, err)
	}
	for _, allowed := range allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return nil
		}
	}
	return fmt.Errorf("origin %q not allowed", origin)
}

// register adds the client to the per-user index and, for the user's
// first socket on this pod, subscribes to their direct bus channel.
func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	entry, ok := h.users[c.principal.UserID]
	if !ok {
		subCtx, cancel := context.WithCancel(h.ctx)
		entry = &userClients{clients: make(map[*Client]struct{}), cancel: cancel}
		h.users[c.principal.UserID] = entry

		userID := c.principal.UserID
		h.deps.Bus.Subscribe(subCtx, bus.UserChannel(userID), &h.wg, func(env bus.Envelope) {
			data, err := eventFrame("", env.Event, env.Payload)
			if err != nil {
				return
			}
			h.deliverDirect(userID, data)
		})
	}
	entry.clients[c] = struct{}{}
}

// handleDisconnect runs once per socket after readPump exits:
// raised-hand cleanup, room and index removal. The presence session is
// deliberately left alone: a silent drop keeps the watchdog armed so a
// reconnect inside the grace window continues the same span, and the
// watchdog closes it otherwise. Only an explicit leave frame (or a
// kick) closes the span eagerly.
func (h *Hub) handleDisconnect(c *Client) {
	c.Disconnect()
	ctx := context.Background()

	for meetingID := range c.engagedMeetings() {
		h.deps.Bus.MarkOffline(ctx, meetingID.String(), c.principal.UserID)
	}
	h.deps.Hands.ClearUser(ctx, c.principal.UserID)

	h.mu.Lock()
	for name, r := range h.rooms {
		if r.contains(c) {
			if r.remove(c) {
				h.dropRoomLocked(name, r)
			}
		}
	}
	if entry, ok := h.users[c.principal.UserID]; ok {
		delete(entry.clients, c)
		if len(entry.clients) == 0 {
			entry.cancel()
			delete(h.users, c.principal.UserID)
		}
	}
	h.mu.Unlock()

	logging.Info(ctx, "socket disconnected",
		zap.String("socket_id", c.socketID),
		zap.String("user_id", c.principal.UserID))
}

// joinRoom adds the socket to a named room, creating the room (with
// its writer goroutine and bus subscription) on first member.
func (h *Hub) joinRoom(c *Client, name string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[name]
	if !ok {
		roomCtx, cancel := context.WithCancel(h.ctx)
		r = newRoom(name, cancel)
		h.rooms[name] = r
		metrics.ActiveMeetings.Inc()

		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			r.run(roomCtx)
		}()

		h.deps.Bus.Subscribe(roomCtx, bus.RoomChannel(name), &h.wg, func(env bus.Envelope) {
			data, err := eventFrame(env.Room, env.Event, env.Payload)
			if err != nil {
				return
			}
			r.enqueue(data)
		})
	}
	r.add(c)
	metrics.MeetingParticipants.WithLabelValues(name).Set(float64(r.size()))
}

func (h *Hub) leaveRoom(c *Client, name string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[name]
	if !ok {
		return
	}
	if r.remove(c) {
		h.dropRoomLocked(name, r)
		return
	}
	metrics.MeetingParticipants.WithLabelValues(name).Set(float64(r.size()))
}

// dropRoomLocked tears an empty room down. Caller holds h.mu.
func (h *Hub) dropRoomLocked(name string, r *room) {
	r.cancel()
	delete(h.rooms, name)
	metrics.ActiveMeetings.Dec()
	metrics.MeetingParticipants.DeleteLabelValues(name)
}

// Broadcast implements domain.Notifier: local room delivery plus a bus
// publication so other pods deliver to their own sockets.
func (h *Hub) Broadcast(ctx context.Context, roomName string, event string, payload any) {
	data, err := eventFrame(roomName, event, payload)
	if err != nil {
		logging.Error(ctx, "marshal broadcast frame", zap.Error(err))
		return
	}

	h.mu.Lock()
	r, ok := h.rooms[roomName]
	h.mu.Unlock()
	if ok {
		r.enqueue(data)
	}

	_ = h.deps.Bus.Publish(ctx, roomName, event, payload)
}

// Direct implements domain.Notifier for user-addressed events.
func (h *Hub) Direct(ctx context.Context, userID string, event string, payload any) {
	data, err := eventFrame("", event, payload)
	if err != nil {
		logging.Error(ctx, "marshal direct frame", zap.Error(err))
		return
	}
	h.deliverDirect(userID, data)

	_ = h.deps.Bus.PublishDirect(ctx, userID, event, payload)
}

func (h *Hub) deliverDirect(userID string, data []byte) {
	h.mu.Lock()
	entry, ok := h.users[userID]
	var clients []*Client
	if ok {
		clients = make([]*Client, 0, len(entry.clients))
		for c := range entry.clients {
			clients = append(clients, c)
		}
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.Send(data)
	}
}

// ConnectedUsers reports how many distinct users hold sockets on this pod.
func (h *Hub) ConnectedUsers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.users)
}

// Shutdown disconnects every socket and stops room writers and bus
// subscriptions.
func (h *Hub) Shutdown(ctx context.Context) error {
	logging.Info(ctx, "gateway shutting down")

	h.mu.Lock()
	var clients []*Client
	for _, entry := range h.users {
		for c := range entry.clients {
			clients = append(clients, c)
		}
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.Disconnect()
	}

	h.cancel()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
