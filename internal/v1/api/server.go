// Package api is the REST surface of the control plane: meeting
// lifecycle for tutors and admins, attendance and chat read paths, and
// operational endpoints. Realtime interactions go through the gateway.
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/brightboard/classroom/internal/v1/auth"
	"github.com/brightboard/classroom/internal/v1/domain"
	"github.com/brightboard/classroom/internal/v1/logging"
	"github.com/brightboard/classroom/internal/v1/presence"
	"github.com/brightboard/classroom/internal/v1/ratelimit"
	"github.com/brightboard/classroom/internal/v1/registry"
)

// RegistryService is the meeting lifecycle surface the API exposes.
type RegistryService interface {
	Create(ctx context.Context, p domain.Principal, in registry.CreateInput) (*domain.Meeting, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.Meeting, error)
	List(ctx context.Context, status domain.MeetingStatus, limit, offset int) ([]*domain.Meeting, error)
	ResolveInvite(ctx context.Context, code string) (*domain.Meeting, error)
	Start(ctx context.Context, p domain.Principal, id uuid.UUID) (*domain.Meeting, error)
	End(ctx context.Context, p domain.Principal, id uuid.UUID) (*domain.Meeting, error)
	SetLocked(ctx context.Context, p domain.Principal, id uuid.UUID, locked bool) (*domain.Meeting, error)
	RotateInviteCode(ctx context.Context, p domain.Principal, id uuid.UUID) (*domain.Meeting, error)
	UpdateDetails(ctx context.Context, p domain.Principal, id uuid.UUID, in registry.CreateInput) (*domain.Meeting, error)
}

// ParticipantReader is the read-only participant surface for reports.
type ParticipantReader interface {
	ListByMeeting(ctx context.Context, meetingID uuid.UUID, status domain.ParticipantStatus) ([]*domain.Participant, error)
	CountByStatus(ctx context.Context, meetingID uuid.UUID) (map[domain.ParticipantStatus]int, error)
}

// ChatReader serves the chat archive.
type ChatReader interface {
	List(ctx context.Context, meetingID uuid.UUID, before *time.Time, limit int) ([]*domain.ChatMessage, error)
	Search(ctx context.Context, meetingID uuid.UUID, query string, limit int) ([]*domain.ChatMessage, error)
}

// PresenceAdmin is the operational slice of the presence engine.
type PresenceAdmin interface {
	Stale(ctx context.Context, threshold time.Duration) (*presence.StaleStats, error)
	SweepStale(ctx context.Context, threshold time.Duration) (int, error)
}

// RecordingStore hands out presigned URLs for recording blobs.
type RecordingStore interface {
	PresignUpload(ctx context.Context, objectKey, contentType string, expiry time.Duration) (string, error)
	PresignDownload(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
}

// Deps are the dependencies of the REST server. Recordings and Limiter
// may be nil; the corresponding behavior is disabled.
type Deps struct {
	Validator    auth.TokenValidator
	Registry     RegistryService
	Participants ParticipantReader
	Chats        ChatReader
	Presence     PresenceAdmin
	Recordings   RecordingStore
	Limiter      *ratelimit.RateLimiter
}

// Server owns the REST route handlers.
type Server struct {
	deps Deps
}

func NewServer(deps Deps) *Server {
	return &Server{deps: deps}
}

// Register mounts the API routes on the router. Middleware ordering:
// auth resolves the principal first so the rate limiter can key by user.
func (s *Server) Register(r *gin.Engine) {
	v1 := r.Group("/api/v1")
	v1.Use(s.requireAuth())
	if s.deps.Limiter != nil {
		v1.Use(s.deps.Limiter.GlobalMiddleware())
	}

	meetings := v1.Group("/meetings")
	if s.deps.Limiter != nil {
		meetings.Use(s.deps.Limiter.MiddlewareForEndpoint("meetings"))
	}
	meetings.POST("", s.createMeeting)
	meetings.GET("", s.listMeetings)
	meetings.GET("/:id", s.getMeeting)
	meetings.PATCH("/:id", s.updateMeeting)
	meetings.POST("/:id/start", s.startMeeting)
	meetings.POST("/:id/end", s.endMeeting)
	meetings.POST("/:id/lock", s.lockMeeting)
	meetings.POST("/:id/invite-code/rotate", s.rotateInviteCode)
	meetings.GET("/:id/attendance", s.attendance)

	messagesLimit := gin.HandlerFunc(func(c *gin.Context) { c.Next() })
	if s.deps.Limiter != nil {
		messagesLimit = s.deps.Limiter.MiddlewareForEndpoint("messages")
	}
	meetings.GET("/:id/chats", messagesLimit, s.chats)
	meetings.POST("/:id/recordings/upload-url", s.recordingUploadURL)

	v1.GET("/invites/:code", s.resolveInvite)

	admin := r.Group("/admin")
	admin.Use(s.requireAuth(), s.requireAdmin())
	admin.GET("/stale-participants-stats", s.staleStats)
	admin.POST("/manual-cleanup", s.manualCleanup)
}

// requireAuth validates the bearer token and stores the principal where
// both handlers and the rate limiter look for it.
func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			respondError(c, domain.ErrAuthRequired)
			c.Abort()
			return
		}

		claims, err := s.deps.Validator.ValidateToken(token)
		if err != nil {
			respondError(c, domain.ErrAuthInvalid)
			c.Abort()
			return
		}

		principal := claims.Principal()
		c.Set(ratelimit.PrincipalContextKey, principal)

		ctx := context.WithValue(c.Request.Context(), logging.UserIDKey, principal.UserID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !currentPrincipal(c).IsAdmin() {
			respondError(c, domain.ErrForbidden)
			c.Abort()
			return
		}
		c.Next()
	}
}

func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}

// currentPrincipal returns the authenticated principal. Routes behind
// requireAuth always have one.
func currentPrincipal(c *gin.Context) domain.Principal {
	if v, exists := c.Get(ratelimit.PrincipalContextKey); exists {
		if p, ok := v.(domain.Principal); ok {
			return p
		}
	}
	return domain.Principal{}
}

// respondError maps a component error to an HTTP status and a stable
// machine-readable code. Internal detail stays in the server log.
func respondError(c *gin.Context, err error) {
	status := domain.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		logging.Error(c.Request.Context(), "request failed",
			zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(status, gin.H{"error": "INTERNAL"})
		return
	}
	c.JSON(status, gin.H{"error": domain.Code(err), "message": err.Error()})
}

func meetingID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, domain.ErrNotFound)
		return uuid.Nil, false
	}
	return id, true
}
