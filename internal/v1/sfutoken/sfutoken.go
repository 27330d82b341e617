// Package sfutoken mints short-lived media-plane access tokens. The
// control plane decides what a participant may do; the SFU only
// verifies the signature and enforces the embedded grants.
package sfutoken

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/brightboard/classroom/internal/v1/domain"
)

// Grants describe what the holder may do in one SFU room.
type Grants struct {
	Room                 string `json:"room"`
	CanPublish           bool   `json:"canPublish"`
	CanSubscribe         bool   `json:"canSubscribe"`
	CanPublishData       bool   `json:"canPublishData"`
	CanUpdateOwnMetadata bool   `json:"canUpdateOwnMetadata"`
	RoomAdmin            bool   `json:"roomAdmin"`
	RoomCreate           bool   `json:"roomCreate"`
}

// metadata rides alongside the grants so the SFU can surface the
// meeting-scoped role to other clients without understanding it.
type metadata struct {
	MeetingRole domain.MeetingRole `json:"meetingRole"`
}

type claims struct {
	Grants   Grants   `json:"video"`
	Metadata metadata `json:"metadata"`
	Name     string   `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Token is the decoded content of a verified SFU token.
type Token struct {
	Subject     string
	Name        string
	MeetingRole domain.MeetingRole
	Grants
}

// Minter signs SFU access tokens with a symmetric key shared with the
// media plane.
type Minter struct {
	signingKey []byte
	ttl        time.Duration
	issuer     string
}

func NewMinter(signingKey string, ttl time.Duration) *Minter {
	return &Minter{
		signingKey: []byte(signingKey),
		ttl:        ttl,
		issuer:     "classroom",
	}
}

// GrantsFor derives the media grants from a participant's meeting role.
// Viewers subscribe only; hosts and co-hosts additionally administer
// the SFU room.
func GrantsFor(meetingID uuid.UUID, role domain.MeetingRole) Grants {
	moderator := role == domain.RoleHost || role == domain.RoleCoHost
	return Grants{
		Room:                 meetingID.String(),
		CanPublish:           role.CanPublish(),
		CanSubscribe:         true,
		CanPublishData:       true,
		CanUpdateOwnMetadata: true,
		RoomAdmin:            moderator,
		RoomCreate:           moderator,
	}
}

// Mint issues a token for one participant in one meeting.
func (m *Minter) Mint(p *domain.Participant) (string, error) {
	now := time.Now()
	c := &claims{
		Grants:   GrantsFor(p.MeetingID, p.Role),
		Metadata: metadata{MeetingRole: p.Role},
		Name:     p.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return token.SignedString(m.signingKey)
}

// Verify parses a minted token and returns its decoded content. Used
// in tests and by the SFU sidecar's local verification.
func (m *Minter) Verify(tokenString string) (*Token, error) {
	c := &claims{}
	token, err := jwt.ParseWithClaims(tokenString, c,
		func(token *jwt.Token) (interface{}, error) { return m.signingKey, nil },
		jwt.WithIssuer(m.issuer),
		jwt.WithValidMethods([]string{"HS256"}),
	)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, domain.ErrAuthInvalid
	}
	return &Token{
		Subject:     c.Subject,
		Name:        c.Name,
		MeetingRole: c.Metadata.MeetingRole,
		Grants:      c.Grants,
	}, nil
}
