// Package confirm seals a pending action into a signed, expiring token so
// that a confirmation round-trip needs no server-side state.
package confirm

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stellarlinkco/intentclaw/internal/logging"
)

const issuer = "intentclaw"

var (
	ErrExpired = errors.New("confirmation token expired")
	ErrInvalid = errors.New("confirmation token invalid")
)

// Request is the action awaiting the user's approval.
type Request struct {
	Action     string
	Parameters map[string]any
	AppType    string
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

type claims struct {
	Action     string         `json:"act"`
	Parameters map[string]any `json:"params"`
	AppType    string         `json:"app"`
	jwt.RegisteredClaims
}

type Codec struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewCodec returns a codec signing with secret. An empty secret is replaced
// by a random one, which invalidates outstanding tokens on restart.
func NewCodec(secret string, ttl time.Duration, logger *zap.Logger) (*Codec, error) {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate confirm secret: %w", err)
		}
		logging.OrNop(logger).Named("confirm").Warn("no confirm secret configured, using an ephemeral one")
	}
	return &Codec{secret: key, ttl: ttl, now: time.Now}, nil
}

// Seal signs req. CreatedAt and ExpiresAt are set by the codec.
func (c *Codec) Seal(req Request) (string, error) {
	if req.Action == "" || req.AppType == "" {
		return "", fmt.Errorf("seal request: %w", ErrInvalid)
	}
	now := c.now()
	params := req.Parameters
	if params == nil {
		params = map[string]any{}
	}
	cl := claims{
		Action:     req.Action,
		Parameters: params,
		AppType:    req.AppType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, cl).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign request: %w", err)
	}
	return signed, nil
}

// Open verifies token and returns the sealed request. Expiry yields
// ErrExpired; any other defect yields ErrInvalid.
func (c *Codec) Open(token string) (Request, error) {
	cl := &claims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	_, err := parser.ParseWithClaims(token, cl, func(*jwt.Token) (interface{}, error) {
		return c.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Request{}, ErrExpired
		}
		return Request{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if cl.Action == "" || cl.AppType == "" || cl.IssuedAt == nil {
		return Request{}, fmt.Errorf("%w: missing fields", ErrInvalid)
	}

	params := cl.Parameters
	if params == nil {
		params = map[string]any{}
	}
	return Request{
		Action:     cl.Action,
		Parameters: params,
		AppType:    cl.AppType,
		CreatedAt:  cl.IssuedAt.Time,
		ExpiresAt:  cl.ExpiresAt.Time,
	}, nil
}
