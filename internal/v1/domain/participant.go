package domain

import (
	"time"

	"github.com/google/uuid"
)

// MeetingRole is a meeting-scoped capability tier, distinct from the
// platform-wide SystemRole.
type MeetingRole string

const (
	RoleHost        MeetingRole = "host"
	RoleCoHost      MeetingRole = "coHost"
	RolePresenter   MeetingRole = "presenter"
	RoleParticipant MeetingRole = "participant"
	RoleViewer      MeetingRole = "viewer"
)

// CanPublish reports whether the role may publish audio/video to the SFU.
func (r MeetingRole) CanPublish() bool {
	return r != RoleViewer
}

// ParticipantStatus is the admission state of a participant record.
//
// waiting -> admitted -> left is the happy path; rejected and kicked
// are terminal for the meeting. approved exists for records written
// before approval and admission were collapsed into one transition.
type ParticipantStatus string

const (
	StatusWaiting  ParticipantStatus = "waiting"
	StatusApproved ParticipantStatus = "approved"
	StatusAdmitted ParticipantStatus = "admitted"
	StatusRejected ParticipantStatus = "rejected"
	StatusKicked   ParticipantStatus = "kicked"
	StatusLeft     ParticipantStatus = "left"
)

// MediaTrack names a media channel subject to moderation.
type MediaTrack string

const (
	TrackMic    MediaTrack = "mic"
	TrackCamera MediaTrack = "camera"
	TrackScreen MediaTrack = "screen"
)

// MediaIntent is the recorded publish intent for one track. The control
// plane records intent; the SFU enforces it. Host-forced states can only
// be cleared by a moderator, not by the participant.
type MediaIntent string

const (
	IntentOn          MediaIntent = "on"
	IntentOff         MediaIntent = "off"
	IntentMutedByHost MediaIntent = "mutedByHost"
	IntentOffByHost   MediaIntent = "offByHost"
)

// ForcedByHost reports whether the intent was imposed by a moderator.
func (m MediaIntent) ForcedByHost() bool {
	return m == IntentMutedByHost || m == IntentOffByHost
}

// Session is one contiguous span of connected presence. LeftAt is nil
// while the session is open; DurationSec is computed at close time and
// never recomputed afterwards.
type Session struct {
	JoinedAt    time.Time  `json:"joinedAt"`
	LeftAt      *time.Time `json:"leftAt,omitempty"`
	DurationSec int64      `json:"durationSec,omitempty"`
	Cause       string     `json:"cause,omitempty"`
}

// Closed reports whether the session span has ended.
func (s Session) Closed() bool {
	return s.LeftAt != nil
}

// Participant is one user's relationship to one meeting. The record is
// unique per (meeting, user) and accumulates sessions across re-joins;
// it is never replaced, only updated.
//
// SystemRoleAtJoin snapshots the principal's platform role at first
// join so attendance reports stay stable if the account changes later.
type Participant struct {
	ID               uuid.UUID         `json:"id"`
	MeetingID        uuid.UUID         `json:"meetingId"`
	UserID           string            `json:"userId"`
	DisplayName      string            `json:"displayName"`
	SystemRoleAtJoin SystemRole        `json:"systemRoleAtJoin"`
	Role             MeetingRole       `json:"role"`
	Status           ParticipantStatus `json:"status"`
	MicIntent        MediaIntent       `json:"micIntent"`
	CameraIntent     MediaIntent       `json:"cameraIntent"`
	ScreenIntent     MediaIntent       `json:"screenIntent"`
	HandRaised       bool              `json:"handRaised"`
	HandRaisedAt     *time.Time        `json:"handRaisedAt,omitempty"`
	SocketID         string            `json:"socketId,omitempty"`
	Sessions         []Session         `json:"sessions"`
	LastSeenAt       *time.Time        `json:"lastSeenAt,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

// OpenSession returns the trailing session if it has not been closed,
// nil otherwise. At most one session is ever open.
func (p *Participant) OpenSession() *Session {
	if len(p.Sessions) == 0 {
		return nil
	}
	last := &p.Sessions[len(p.Sessions)-1]
	if last.Closed() {
		return nil
	}
	return last
}

// Online reports whether the participant currently holds an open
// session in an admitted state.
func (p *Participant) Online() bool {
	if p.Status != StatusAdmitted && p.Status != StatusApproved {
		return false
	}
	return p.OpenSession() != nil
}

// FirstJoinedAt returns the start of the earliest session, or nil when
// the participant never connected.
func (p *Participant) FirstJoinedAt() *time.Time {
	if len(p.Sessions) == 0 {
		return nil
	}
	return &p.Sessions[0].JoinedAt
}

// LastLeftAt returns the end of the latest closed session, or nil when
// the participant never left (or never joined).
func (p *Participant) LastLeftAt() *time.Time {
	for i := len(p.Sessions) - 1; i >= 0; i-- {
		if p.Sessions[i].Closed() {
			return p.Sessions[i].LeftAt
		}
	}
	return nil
}

// TotalDurationSec sums the recorded duration of all closed sessions.
func (p *Participant) TotalDurationSec() int64 {
	var total int64
	for _, s := range p.Sessions {
		if s.Closed() {
			total += s.DurationSec
		}
	}
	return total
}
