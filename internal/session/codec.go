package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/knowledge-portal/portal/internal/crypto"
)

const issuer = "knowledge-portal"

var (
	// ErrInvalidSession is returned for a cookie that fails signature, claim or seal checks
	ErrInvalidSession = errors.New("invalid session")
	// ErrSessionExpired is returned for a well-formed cookie past its expiry
	ErrSessionExpired = errors.New("session expired")
)

// claims is the cookie payload. The access token is sealed, never plain.
type claims struct {
	SessionID   string    `json:"sid"`
	UserID      string    `json:"uid,omitempty"`
	Name        string    `json:"name,omitempty"`
	Email       string    `json:"email,omitempty"`
	Image       string    `json:"picture,omitempty"`
	Roles       []string  `json:"roles"`
	AccessToken string    `json:"at,omitempty"`
	SyncState   SyncState `json:"sync"`
	jwt.RegisteredClaims
}

// Codec signs sessions into HS256 tokens and parses them back
type Codec struct {
	secret []byte
	cipher *crypto.TokenCipher
	now    func() time.Time
}

// NewCodec builds a codec from the session secret. The same secret keys both the
// HMAC signature and the access-token seal.
func NewCodec(secret string) (*Codec, error) {
	if secret == "" {
		return nil, fmt.Errorf("session secret is required")
	}
	tc, err := crypto.NewSessionCipher(secret)
	if err != nil {
		return nil, fmt.Errorf("failed to derive session cipher: %w", err)
	}
	return &Codec{secret: []byte(secret), cipher: tc, now: time.Now}, nil
}

// Encode serializes s into a signed token
func (c *Codec) Encode(s *Session) (string, error) {
	sealed, err := c.cipher.Seal(s.AccessToken)
	if err != nil {
		return "", fmt.Errorf("failed to seal access token: %w", err)
	}

	cl := &claims{
		SessionID:   s.ID,
		UserID:      s.UserID,
		Name:        s.Name,
		Email:       s.Email,
		Image:       s.Image,
		Roles:       s.Roles,
		AccessToken: sealed,
		SyncState:   s.SyncState,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   s.Subject,
			IssuedAt:  jwt.NewNumericDate(c.now()),
			ExpiresAt: jwt.NewNumericDate(s.ExpiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, cl)
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session: %w", err)
	}
	return signed, nil
}

// Decode parses and verifies a token produced by Encode
func (c *Codec) Decode(raw string) (*Session, error) {
	d, err := c.decode(raw,
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		return nil, err
	}
	return d.Session, nil
}

// DecodeExpired is Decode without the expiry check. The signature and issuer
// are still verified. Sign-out uses it so a lapsed session's state is still
// destroyed.
func (c *Codec) DecodeExpired(raw string) (*Session, error) {
	d, err := c.decode(raw, jwt.WithoutClaimsValidation())
	if err != nil {
		return nil, err
	}
	if d.issuer != issuer {
		return nil, fmt.Errorf("%w: unexpected issuer", ErrInvalidSession)
	}
	return d.Session, nil
}

type decoded struct {
	*Session
	issuer string
}

func (c *Codec) decode(raw string, opts ...jwt.ParserOption) (*decoded, error) {
	cl := &claims{}
	opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	_, err := jwt.ParseWithClaims(raw, cl, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return c.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrSessionExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	if cl.SessionID == "" {
		return nil, fmt.Errorf("%w: missing session id", ErrInvalidSession)
	}

	access, err := c.cipher.Open(cl.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}

	roles := cl.Roles
	if roles == nil {
		roles = []string{}
	}
	s := &Session{
		ID:          cl.SessionID,
		Subject:     cl.Subject,
		UserID:      cl.UserID,
		Name:        cl.Name,
		Email:       cl.Email,
		Image:       cl.Image,
		Roles:       roles,
		AccessToken: access,
		SyncState:   cl.SyncState,
	}
	if cl.ExpiresAt != nil {
		s.ExpiresAt = cl.ExpiresAt.Time
	}
	return &decoded{Session: s, issuer: cl.Issuer}, nil
}
