package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/brightboard/classroom/internal/v1/domain"
	"github.com/brightboard/classroom/internal/v1/logging"
)

// CustomClaims are the JWT claims the control plane understands. Role
// carries the platform-wide system role; absent or unknown values
// resolve to member.
type CustomClaims struct {
	Scope string `json:"scope,omitempty"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Principal maps the verified claims to a domain principal.
func (c *CustomClaims) Principal() domain.Principal {
	role := domain.SystemRoleMember
	switch domain.SystemRole(c.Role) {
	case domain.SystemRoleAdmin:
		role = domain.SystemRoleAdmin
	case domain.SystemRoleTutor:
		role = domain.SystemRoleTutor
	}
	name := c.Name
	if name == "" {
		name = c.Subject
	}
	return domain.Principal{
		UserID:      c.Subject,
		DisplayName: name,
		SystemRole:  role,
	}
}

// TokenValidator verifies a bearer credential and returns its claims.
type TokenValidator interface {
	ValidateToken(tokenString string) (*CustomClaims, error)
}

// Validator validates JWTs against an OIDC provider's JWKS endpoint,
// with key caching and periodic refresh.
type Validator struct {
	keyFunc  jwt.Keyfunc
	issuer   string
	audience string
}

// NewValidator builds a JWKS-backed validator for the given OIDC
// domain. The initial key fetch happens eagerly so a misconfigured
// provider fails at startup, not on the first request.
func NewValidator(ctx context.Context, domain, audience string, regOpts ...jwk.RegisterOption) (*Validator, error) {
	issuerURL, err := url.Parse("https://" + domain + "/")
	if err != nil {
		return nil, fmt.Errorf("parse issuer URL: %w", err)
	}

	jwksURL := issuerURL.JoinPath(".well-known/jwks.json").String()

	cache := jwk.NewCache(ctx)
	opts := []jwk.RegisterOption{jwk.WithRefreshInterval(time.Hour)}
	opts = append(opts, regOpts...)

	if err := cache.Register(jwksURL, opts...); err != nil {
		return nil, fmt.Errorf("register JWKS URL: %w", err)
	}
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("fetch initial JWKS: %w", err)
	}

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("kid header not found")
		}

		keys, err := cache.Get(ctx, jwksURL)
		if err != nil {
			return nil, fmt.Errorf("get keys from cache: %w", err)
		}

		key, found := keys.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("key with kid %s not found", kid)
		}

		var pubKey interface{}
		if err := key.Raw(&pubKey); err != nil {
			return nil, fmt.Errorf("extract raw public key: %w", err)
		}
		return pubKey, nil
	}

	return &Validator{
		keyFunc:  keyFunc,
		issuer:   issuerURL.String(),
		audience: audience,
	}, nil
}

// ValidateToken parses and verifies a JWT, checking signature, issuer,
// audience and expiry.
func (v *Validator) ValidateToken(tokenString string) (*CustomClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{}, v.keyFunc,
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrAuthInvalid, err)
	}
	if !token.Valid {
		return nil, domain.ErrAuthInvalid
	}

	claims, ok := token.Claims.(*CustomClaims)
	if !ok {
		return nil, domain.ErrAuthInvalid
	}
	return claims, nil
}

// HS256Validator validates tokens signed with a shared symmetric key.
// Used when no OIDC provider is configured, for self-hosted and test
// deployments.
type HS256Validator struct {
	key    []byte
	issuer string
}

// HS256Issuer is the issuer stamped on and required of symmetric tokens.
const HS256Issuer = "classroom"

func NewHS256Validator(signingKey string) *HS256Validator {
	return &HS256Validator{key: []byte(signingKey), issuer: HS256Issuer}
}

func (v *HS256Validator) ValidateToken(tokenString string) (*CustomClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{},
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return v.key, nil
		},
		jwt.WithIssuer(v.issuer),
		jwt.WithValidMethods([]string{"HS256"}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrAuthInvalid, err)
	}
	if !token.Valid {
		return nil, domain.ErrAuthInvalid
	}

	claims, ok := token.Claims.(*CustomClaims)
	if !ok {
		return nil, domain.ErrAuthInvalid
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", domain.ErrAuthInvalid)
	}
	return claims, nil
}

// MintHS256 issues a symmetric token for a principal. Exposed for the
// self-hosted mode's session issuance and for tests.
func MintHS256(signingKey string, p domain.Principal, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &CustomClaims{
		Name: p.DisplayName,
		Role: string(p.SystemRole),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID,
			Issuer:    HS256Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(signingKey))
}

// GetAllowedOriginsFromEnv reads a comma-separated origin list from the
// environment, falling back to the provided development defaults.
func GetAllowedOriginsFromEnv(envVarName string, defaults []string) []string {
	originsStr := os.Getenv(envVarName)
	if originsStr == "" {
		logging.Warn(context.Background(),
			fmt.Sprintf("%s not set, using default development origins: %v", envVarName, defaults))
		return defaults
	}
	return strings.Split(originsStr, ",")
}
