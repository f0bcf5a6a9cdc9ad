// Package identity issues and verifies the bearer tokens that name canvas
// clients. Tokens are HS256 JWTs whose subject is a random client identity.
package identity

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/dreamware/pixelcanvas/internal/canvas"
)

const (
	// TokenIssuer is the iss claim of every token.
	TokenIssuer = "pixelcanvas"

	// MinSecretLength is the shortest accepted signing secret in bytes.
	MinSecretLength = 32
)

var (
	// ErrInvalidToken is returned for missing, malformed, expired or forged tokens.
	ErrInvalidToken = errors.New("invalid identity token")

	// ErrWeakSecret is returned by NewIssuer for secrets shorter than MinSecretLength.
	ErrWeakSecret = errors.New("token secret too short")
)

// Issuer mints and verifies client tokens.
type Issuer struct {
	now    func() time.Time
	secret []byte
	ttl    time.Duration
}

// Grant is a freshly issued identity and its bearer token.
type Grant struct {
	ExpiresAt time.Time       `json:"expires_at"`
	Identity  canvas.Identity `json:"identity"`
	Token     string          `json:"token"`
}

// NewIssuer creates an issuer signing with secret. A zero ttl means tokens never expire.
func NewIssuer(secret []byte, ttl time.Duration) (*Issuer, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("%w: %d bytes, need %d", ErrWeakSecret, len(secret), MinSecretLength)
	}
	return &Issuer{
		now:    time.Now,
		secret: append([]byte(nil), secret...),
		ttl:    ttl,
	}, nil
}

// RandomSecret returns a secret suitable for a single process lifetime.
func RandomSecret() ([]byte, error) {
	secret := make([]byte, MinSecretLength)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate token secret: %w", err)
	}
	return secret, nil
}

// SetClock overrides the time source. This is useful for testing.
func (i *Issuer) SetClock(now func() time.Time) {
	i.now = now
}

// Issue mints a new client identity.
func (i *Issuer) Issue() (Grant, error) {
	now := i.now()
	id := canvas.Identity(uuid.NewString())

	claims := jwt.RegisteredClaims{
		Issuer:   TokenIssuer,
		Subject:  id.String(),
		IssuedAt: jwt.NewNumericDate(now),
		ID:       uuid.NewString(),
	}
	grant := Grant{Identity: id}
	if i.ttl > 0 {
		grant.ExpiresAt = now.Add(i.ttl)
		claims.ExpiresAt = jwt.NewNumericDate(grant.ExpiresAt)
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return Grant{}, fmt.Errorf("sign identity token: %w", err)
	}
	grant.Token = token
	return grant, nil
}

// Verify checks token and returns the identity it names.
func (i *Issuer) Verify(token string) (canvas.Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("%w: token is required", ErrInvalidToken)
	}

	var claims jwt.RegisteredClaims
	keyFunc := func(*jwt.Token) (any, error) { return i.secret, nil }
	_, err := jwt.ParseWithClaims(token, &claims, keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(TokenIssuer),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if _, err := uuid.Parse(claims.Subject); err != nil {
		return "", fmt.Errorf("%w: subject is not a client identity", ErrInvalidToken)
	}
	return canvas.Identity(claims.Subject), nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
