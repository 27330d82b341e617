package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/brightboard/classroom/internal/v1/domain"
	"github.com/brightboard/classroom/internal/v1/registry"
	"github.com/brightboard/classroom/internal/v1/storage"
)

const (
	chatPageLimit       = 50
	uploadURLExpiry     = 15 * time.Minute
	defaultThresholdSec = 150
)

// respondMeeting serializes a meeting with its derived roster size.
// ParticipantCount is never persisted; it is counted (admitted plus
// approved) at read time.
func (s *Server) respondMeeting(c *gin.Context, status int, m *domain.Meeting) {
	counts, err := s.deps.Participants.CountByStatus(c.Request.Context(), m.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	m.ParticipantCount = counts[domain.StatusAdmitted] + counts[domain.StatusApproved]
	c.JSON(status, m)
}

// POST /api/v1/meetings
func (s *Server) createMeeting(c *gin.Context) {
	var in registry.CreateInput
	if err := c.ShouldBindJSON(&in); err != nil {
		respondError(c, fmt.Errorf("malformed body: %w", domain.ErrInvalidState))
		return
	}

	m, err := s.deps.Registry.Create(c.Request.Context(), currentPrincipal(c), in)
	if err != nil {
		respondError(c, err)
		return
	}
	s.respondMeeting(c, http.StatusCreated, m)
}

// GET /api/v1/meetings?status=&limit=&offset=
func (s *Server) listMeetings(c *gin.Context) {
	status := domain.MeetingStatus(c.Query("status"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	ctx := c.Request.Context()
	meetings, err := s.deps.Registry.List(ctx, status, limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	for _, m := range meetings {
		counts, err := s.deps.Participants.CountByStatus(ctx, m.ID)
		if err != nil {
			respondError(c, err)
			return
		}
		m.ParticipantCount = counts[domain.StatusAdmitted] + counts[domain.StatusApproved]
	}
	c.JSON(http.StatusOK, gin.H{"meetings": meetings})
}

// GET /api/v1/meetings/:id
func (s *Server) getMeeting(c *gin.Context) {
	id, ok := meetingID(c)
	if !ok {
		return
	}
	m, err := s.deps.Registry.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	s.respondMeeting(c, http.StatusOK, m)
}

// PATCH /api/v1/meetings/:id
func (s *Server) updateMeeting(c *gin.Context) {
	id, ok := meetingID(c)
	if !ok {
		return
	}
	var in registry.CreateInput
	if err := c.ShouldBindJSON(&in); err != nil {
		respondError(c, fmt.Errorf("malformed body: %w", domain.ErrInvalidState))
		return
	}

	m, err := s.deps.Registry.UpdateDetails(c.Request.Context(), currentPrincipal(c), id, in)
	if err != nil {
		respondError(c, err)
		return
	}
	s.respondMeeting(c, http.StatusOK, m)
}

// POST /api/v1/meetings/:id/start
func (s *Server) startMeeting(c *gin.Context) {
	id, ok := meetingID(c)
	if !ok {
		return
	}
	m, err := s.deps.Registry.Start(c.Request.Context(), currentPrincipal(c), id)
	if err != nil {
		respondError(c, err)
		return
	}
	s.respondMeeting(c, http.StatusOK, m)
}

// POST /api/v1/meetings/:id/end
func (s *Server) endMeeting(c *gin.Context) {
	id, ok := meetingID(c)
	if !ok {
		return
	}
	m, err := s.deps.Registry.End(c.Request.Context(), currentPrincipal(c), id)
	if err != nil {
		respondError(c, err)
		return
	}
	s.respondMeeting(c, http.StatusOK, m)
}

// POST /api/v1/meetings/:id/lock  {"locked": true|false}
func (s *Server) lockMeeting(c *gin.Context) {
	id, ok := meetingID(c)
	if !ok {
		return
	}
	var body struct {
		Locked bool `json:"locked"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, fmt.Errorf("malformed body: %w", domain.ErrInvalidState))
		return
	}

	m, err := s.deps.Registry.SetLocked(c.Request.Context(), currentPrincipal(c), id, body.Locked)
	if err != nil {
		respondError(c, err)
		return
	}
	s.respondMeeting(c, http.StatusOK, m)
}

// POST /api/v1/meetings/:id/invite-code/rotate
func (s *Server) rotateInviteCode(c *gin.Context) {
	id, ok := meetingID(c)
	if !ok {
		return
	}
	m, err := s.deps.Registry.RotateInviteCode(c.Request.Context(), currentPrincipal(c), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"meetingId": m.ID.String(), "inviteCode": m.InviteCode})
}

// GET /api/v1/invites/:code
func (s *Server) resolveInvite(c *gin.Context) {
	m, err := s.deps.Registry.ResolveInvite(c.Request.Context(), c.Param("code"))
	if err != nil {
		respondError(c, err)
		return
	}
	// A summary, not the full record: the invitee has not been admitted.
	c.JSON(http.StatusOK, gin.H{
		"meetingId": m.ID.String(),
		"title":     m.Title,
		"status":    m.Status,
		"locked":    m.Locked,
		"private":   m.Private,
	})
}

// attendanceRow is one participant's attendance summary.
type attendanceRow struct {
	UserID           string                   `json:"userId"`
	DisplayName      string                   `json:"displayName"`
	Role             domain.MeetingRole       `json:"role"`
	Status           domain.ParticipantStatus `json:"status"`
	Online           bool                     `json:"online"`
	FirstJoinedAt    *time.Time               `json:"firstJoinedAt,omitempty"`
	LastLeftAt       *time.Time               `json:"lastLeftAt,omitempty"`
	TotalDurationSec int64                    `json:"totalDurationSec"`
	Sessions         []domain.Session         `json:"sessions"`
}

// GET /api/v1/meetings/:id/attendance?status=
func (s *Server) attendance(c *gin.Context) {
	id, ok := meetingID(c)
	if !ok {
		return
	}
	if !s.authorizeModerator(c, id) {
		return
	}

	ctx := c.Request.Context()
	status := domain.ParticipantStatus(c.Query("status"))
	participants, err := s.deps.Participants.ListByMeeting(ctx, id, status)
	if err != nil {
		respondError(c, err)
		return
	}
	counts, err := s.deps.Participants.CountByStatus(ctx, id)
	if err != nil {
		respondError(c, err)
		return
	}

	rows := make([]attendanceRow, 0, len(participants))
	for _, p := range participants {
		rows = append(rows, attendanceRow{
			UserID:           p.UserID,
			DisplayName:      p.DisplayName,
			Role:             p.Role,
			Status:           p.Status,
			Online:           p.Online(),
			FirstJoinedAt:    p.FirstJoinedAt(),
			LastLeftAt:       p.LastLeftAt(),
			TotalDurationSec: p.TotalDurationSec(),
			Sessions:         p.Sessions,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"meetingId":    id.String(),
		"counts":       counts,
		"participants": rows,
	})
}

// GET /api/v1/meetings/:id/chats?before=&q=&limit=
func (s *Server) chats(c *gin.Context) {
	id, ok := meetingID(c)
	if !ok {
		return
	}
	if !s.authorizeModerator(c, id) {
		return
	}

	ctx := c.Request.Context()
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(chatPageLimit)))

	if q := c.Query("q"); q != "" {
		messages, err := s.deps.Chats.Search(ctx, id, q, limit)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"messages": messages})
		return
	}

	var before *time.Time
	if raw := c.Query("before"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(c, fmt.Errorf("before must be RFC3339: %w", domain.ErrInvalidState))
			return
		}
		before = &t
	}

	messages, err := s.deps.Chats.List(ctx, id, before, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

// POST /api/v1/meetings/:id/recordings/upload-url
// {"filename": "...", "contentType": "..."}
func (s *Server) recordingUploadURL(c *gin.Context) {
	id, ok := meetingID(c)
	if !ok {
		return
	}
	if !s.authorizeModerator(c, id) {
		return
	}
	if s.deps.Recordings == nil {
		respondError(c, fmt.Errorf("recording storage not configured: %w", domain.ErrInvalidState))
		return
	}

	var body struct {
		Filename    string `json:"filename"`
		ContentType string `json:"contentType"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Filename == "" {
		respondError(c, fmt.Errorf("filename required: %w", domain.ErrInvalidState))
		return
	}

	key := storage.RecordingKey(id, body.Filename)
	url, err := s.deps.Recordings.PresignUpload(c.Request.Context(), key, body.ContentType, uploadURLExpiry)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"uploadUrl":    url,
		"objectKey":    key,
		"expiresInSec": int64(uploadURLExpiry.Seconds()),
	})
}

// GET /admin/stale-participants-stats?thresholdSec=
func (s *Server) staleStats(c *gin.Context) {
	threshold, ok := thresholdParam(c)
	if !ok {
		return
	}
	stats, err := s.deps.Presence.Stale(c.Request.Context(), threshold)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// POST /admin/manual-cleanup?thresholdSec=
func (s *Server) manualCleanup(c *gin.Context) {
	threshold, ok := thresholdParam(c)
	if !ok {
		return
	}
	evicted, err := s.deps.Presence.SweepStale(c.Request.Context(), threshold)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"evicted":      evicted,
		"thresholdSec": int64(threshold.Seconds()),
	})
}

func thresholdParam(c *gin.Context) (time.Duration, bool) {
	raw := c.DefaultQuery("thresholdSec", strconv.Itoa(defaultThresholdSec))
	sec, err := strconv.Atoi(raw)
	if err != nil || sec <= 0 {
		respondError(c, fmt.Errorf("thresholdSec must be a positive integer: %w", domain.ErrInvalidState))
		return 0, false
	}
	return time.Duration(sec) * time.Second, true
}

// authorizeModerator gates the report endpoints on moderator standing
// for the meeting. It writes the error response itself.
func (s *Server) authorizeModerator(c *gin.Context, id uuid.UUID) bool {
	m, err := s.deps.Registry.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return false
	}
	if !domain.CanModerate(currentPrincipal(c), m, nil) {
		respondError(c, domain.ErrForbidden)
		return false
	}
	return true
}
