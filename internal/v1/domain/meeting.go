package domain

import (
	"time"

	"github.com/google/uuid"
)

// MeetingStatus is the lifecycle phase of a meeting.
// Transitions are monotone: scheduled -> live -> ended.
type MeetingStatus string

const (
	MeetingScheduled MeetingStatus = "scheduled"
	MeetingLive      MeetingStatus = "live"
	MeetingEnded     MeetingStatus = "ended"
)

// CanTransitionTo reports whether moving from s to next respects the
// monotone lifecycle. Same-state transitions are not allowed here;
// idempotent operations (double-end) are handled by their callers.
func (s MeetingStatus) CanTransitionTo(next MeetingStatus) bool {
	switch s {
	case MeetingScheduled:
		return next == MeetingLive || next == MeetingEnded
	case MeetingLive:
		return next == MeetingEnded
	default:
		return false
	}
}

// Meeting is a scheduled or live gathering with a single current host.
//
// HostID is the immutable original owner; CurrentHostID changes on host
// transfer and always references a principal whose system role can host.
// The invite code is opaque, case-insensitive, and unique only among
// meetings that have not ended.
//
// ParticipantCount is derived at read time from the participant store
// (admitted plus approved); it is never persisted.
type Meeting struct {
	ID               uuid.UUID     `json:"id"`
	Title            string        `json:"title"`
	InviteCode       string        `json:"inviteCode"`
	Private          bool          `json:"private"`
	RequireApproval  bool          `json:"requireApproval"`
	Locked           bool          `json:"locked"`
	Status           MeetingStatus `json:"status"`
	HostID           string        `json:"hostId"`
	CurrentHostID    string        `json:"currentHostId"`
	Notes            string        `json:"notes,omitempty"`
	ScheduledFor     *time.Time    `json:"scheduledFor,omitempty"`
	StartedAt        *time.Time    `json:"startedAt,omitempty"`
	EndedAt          *time.Time    `json:"endedAt,omitempty"`
	ParticipantCount int           `json:"participantCount"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

// RequiresApproval reports whether new joiners are parked in the
// waiting room. Private meetings always gate through the waiting room;
// public ones only when the host opted in.
func (m *Meeting) RequiresApproval() bool {
	return m.Private || m.RequireApproval
}

// CanModerate is the shared authorization predicate for moderator
// actions. The caller is authorized if any of: platform admin; current
// host; original owner; or holds a host/coHost participant record in
// the meeting.
func CanModerate(p Principal, m *Meeting, callerParticipant *Participant) bool {
	if p.IsAdmin() {
		return true
	}
	if m != nil && (p.UserID == m.CurrentHostID || p.UserID == m.HostID) {
		return true
	}
	if callerParticipant != nil {
		return callerParticipant.Role == RoleHost || callerParticipant.Role == RoleCoHost
	}
	return false
}
