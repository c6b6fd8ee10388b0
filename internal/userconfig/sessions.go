package userconfig

import (
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	defaultSessionTTL = 24 * time.Hour
	rememberTTL       = 30 * 24 * time.Hour
	revocationSweep   = 10 * time.Minute
)

var (
	// ErrInvalidToken covers malformed, mis-signed, and expired tokens.
	ErrInvalidToken = errors.New("invalid session token")
	// ErrSessionRevoked is returned for tokens whose jti was revoked.
	ErrSessionRevoked = errors.New("session revoked")
)

// SessionClaims is the payload carried by a session token.
type SessionClaims struct {
	KeyHash string `json:"khash"`
	jwt.RegisteredClaims
}

// Sessions issues and verifies HMAC-signed bearer tokens. Revocation is
// tracked in-process by jti and swept periodically; revoked entries are
// dropped once the underlying token has expired anyway.
type Sessions struct {
	secret []byte
	ttl    time.Duration

	mu      sync.Mutex
	revoked map[string]time.Time

	stop chan struct{}
	once sync.Once
}

func NewSessions(secret string, ttl time.Duration) *Sessions {
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	s := &Sessions{
		secret:  []byte(secret),
		ttl:     ttl,
		revoked: make(map[string]time.Time),
		stop:    make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// Issue mints a session bound to a caller's key hash and returns its
// expiry. remember extends the lifetime for clients opting into
// long-lived sessions.
func (s *Sessions) Issue(keyHash string, remember bool) (string, time.Time, error) {
	ttl := s.ttl
	if remember && rememberTTL > ttl {
		ttl = rememberTTL
	}

	now := time.Now()
	expiresAt := now.Add(ttl)
	claims := SessionClaims{
		KeyHash: keyHash,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	return token, expiresAt, err
}

// Verify parses and validates a token and checks the revocation list.
func (s *Sessions) Verify(token string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.KeyHash == "" || claims.ID == "" {
		return nil, ErrInvalidToken
	}

	s.mu.Lock()
	_, isRevoked := s.revoked[claims.ID]
	s.mu.Unlock()
	if isRevoked {
		return nil, ErrSessionRevoked
	}
	return claims, nil
}

// Revoke invalidates a live token. Already-invalid tokens are a no-op
// success: logout must be idempotent.
func (s *Sessions) Revoke(token string) {
	claims, err := s.Verify(token)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.revoked[claims.ID] = claims.ExpiresAt.Time
	s.mu.Unlock()
	log.Debug().Str("jti", claims.ID).Msg("Session revoked")
}

func (s *Sessions) sweepLoop() {
	ticker := time.NewTicker(revocationSweep)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep(time.Now())
		case <-s.stop:
			return
		}
	}
}

func (s *Sessions) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for jti, expiry := range s.revoked {
		if now.After(expiry) {
			delete(s.revoked, jti)
		}
	}
}

// Close stops the revocation sweeper.
func (s *Sessions) Close() {
	s.once.Do(func() { close(s.stop) })
}
