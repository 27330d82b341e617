package domain

import (
	"time"

	"github.com/google/uuid"
)

// ChatMessage is one persisted in-meeting chat entry. Deletion is soft:
// the row stays for moderation audits but the body is blanked on read.
type ChatMessage struct {
	ID          uuid.UUID  `json:"id"`
	MeetingID   uuid.UUID  `json:"meetingId"`
	UserID      string     `json:"userId"`
	DisplayName string     `json:"displayName"`
	Body        string     `json:"body"`
	CreatedAt   time.Time  `json:"createdAt"`
	DeletedAt   *time.Time `json:"deletedAt,omitempty"`
	DeletedBy   string     `json:"deletedBy,omitempty"`
}

// MaxChatBodyLen bounds a single chat message body.
const MaxChatBodyLen = 4096
