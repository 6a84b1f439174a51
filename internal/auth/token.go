package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Principal is the caller of the local API.
type Principal struct {
	UserID     string
	Name       string
	Identifier string
	Source     string
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Name       string `json:"name,omitempty"`
	Identifier string `json:"identifier,omitempty"`
}

// Issuer mints and verifies HS256 tokens for the local API.
type Issuer struct {
	Secret string
	TTL    time.Duration
	Now    func() time.Time
}

func (i Issuer) now() time.Time {
	if i.Now != nil {
		return i.Now()
	}
	return time.Now()
}

// Mint signs a token for the session's user.
func (i Issuer) Mint(s Session) (string, time.Time, error) {
	if strings.TrimSpace(i.Secret) == "" {
		return "", time.Time{}, errors.New("jwt secret not configured")
	}
	subject := s.User.ID
	if subject == "" {
		subject = s.Identifier
	}
	if subject == "" {
		return "", time.Time{}, errors.New("session has no user")
	}
	ttl := i.TTL
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	now := i.now().UTC()
	exp := now.Add(ttl)
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Name:       strings.TrimSpace(s.User.FirstName + " " + s.User.LastName),
		Identifier: s.Identifier,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(i.Secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Verify parses token and returns its principal.
func (i Issuer) Verify(token string) (Principal, error) {
	if strings.TrimSpace(i.Secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
	)
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(i.Secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{
		UserID:     claims.Subject,
		Name:       claims.Name,
		Identifier: claims.Identifier,
		Source:     "jwt",
	}, nil
}
