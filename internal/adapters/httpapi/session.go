package httpapi

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/atvirokodosprendimai/keyring/internal/core/domain"
)

var ErrInvalidSession = errors.New("invalid session")

// Sessions verifies bearer tokens minted by the session service. The token
// carries the actor id in sub, the active organization in org and the actor's
// role there in role.
type Sessions struct {
	secret []byte
	now    func() time.Time
}

func NewSessions(secret string) *Sessions {
	return &Sessions{secret: []byte(secret), now: time.Now}
}

type sessionClaims struct {
	Organization string `json:"org"`
	Role         string `json:"role"`
	jwt.RegisteredClaims
}

func (s *Sessions) Actor(token string) (domain.Actor, error) {
	claims := &sessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil || !parsed.Valid {
		return domain.Actor{}, ErrInvalidSession
	}
	if claims.Subject == "" || claims.Organization == "" {
		return domain.Actor{}, ErrInvalidSession
	}
	role := domain.Role(claims.Role)
	if !role.Valid() {
		return domain.Actor{}, ErrInvalidSession
	}
	return domain.Actor{
		ID:                   claims.Subject,
		ActiveOrganizationID: claims.Organization,
		Role:                 role,
	}, nil
}

// Issue signs a session token for actor. The session service owns issuance in
// production; this serves local tooling and tests.
func (s *Sessions) Issue(actor domain.Actor, ttl time.Duration) (string, error) {
	now := s.now()
	claims := sessionClaims{
		Organization: actor.ActiveOrganizationID,
		Role:         string(actor.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}
