package server

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/AyhanMehrzad/Secure-Chanel/pkg/logger"
)

var (
	// ErrInvalidCredentials means the username/credential pair did not match.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUnauthorized means the session token is missing, invalid, or expired.
	ErrUnauthorized = errors.New("session invalid or expired")
	// ErrBlocked means the origin is under an active block. The HTTP layer
	// must surface it identically to ErrInvalidCredentials.
	ErrBlocked = errors.New("origin is blocked")
)

// Principal is a configured account allowed to sign in.
type Principal struct {
	Username    string
	DisplayName string
	hash        []byte
}

// Session is an authenticated principal holding a live token.
type Session struct {
	Token     string
	Username  string
	CreatedAt time.Time
	LastSeen  time.Time
}

// SessionManager owns the principal list and all active sessions. A
// principal holds at most one valid token: authenticating again
// invalidates the previous session.
type SessionManager struct {
	guard *Guard
	ttl   time.Duration

	mu         sync.Mutex
	principals map[string]*Principal
	sessions   map[string]*Session // token -> session
	byUser     map[string]string   // username -> current token

	// decoyHash is compared against for unknown usernames so response
	// timing does not reveal whether an account exists.
	decoyHash []byte

	metrics *Metrics

	// now is replaceable in tests
	now func() time.Time
}

// NewSessionManager builds the principal set from config entries. Plaintext
// passwords are hashed at load; a present password_hash wins over password.
func NewSessionManager(users []UserEntry, ttl time.Duration, guard *Guard) (*SessionManager, error) {
	principals := make(map[string]*Principal, len(users))
	for _, entry := range users {
		if entry.Username == "" {
			return nil, errors.New("auth user with empty username")
		}
		if _, exists := principals[entry.Username]; exists {
			return nil, fmt.Errorf("duplicate auth user %q", entry.Username)
		}

		var hash []byte
		switch {
		case entry.PasswordHash != "":
			hash = []byte(entry.PasswordHash)
		case entry.Password != "":
			h, err := bcrypt.GenerateFromPassword([]byte(entry.Password), bcrypt.DefaultCost)
			if err != nil {
				return nil, fmt.Errorf("failed to hash password for %q: %w", entry.Username, err)
			}
			hash = h
		default:
			return nil, fmt.Errorf("auth user %q has neither password nor password_hash", entry.Username)
		}

		displayName := entry.DisplayName
		if displayName == "" {
			displayName = entry.Username
		}

		principals[entry.Username] = &Principal{
			Username:    entry.Username,
			DisplayName: displayName,
			hash:        hash,
		}
	}

	decoy, err := bcrypt.GenerateFromPassword([]byte(uuid.NewString()), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to generate decoy hash: %w", err)
	}

	return &SessionManager{
		guard:      guard,
		ttl:        ttl,
		principals: principals,
		sessions:   make(map[string]*Session),
		byUser:     make(map[string]string),
		decoyHash:  decoy,
		now:        time.Now,
	}, nil
}

// SetMetrics attaches metrics to the session manager
func (sm *SessionManager) SetMetrics(metrics *Metrics) {
	sm.metrics = metrics
}

// Authenticate verifies a credential pair and mints a session token.
// The guard is consulted first: a blocked origin fails with ErrBlocked
// before the credential is even looked at. Every evaluated attempt is
// reported back to the guard with the calling origin.
func (sm *SessionManager) Authenticate(username, credential, origin string) (*Session, error) {
	if sm.guard != nil && sm.guard.IsBlocked(origin) {
		if sm.metrics != nil {
			sm.metrics.RecordAuthAttempt("blocked")
		}
		return nil, ErrBlocked
	}

	sm.mu.Lock()
	principal, ok := sm.principals[username]
	sm.mu.Unlock()

	if !ok {
		// Equalize timing for unknown usernames
		bcrypt.CompareHashAndPassword(sm.decoyHash, []byte(credential))
		sm.reportAttempt(origin, false)
		return nil, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword(principal.hash, []byte(credential)); err != nil {
		sm.reportAttempt(origin, false)
		return nil, ErrInvalidCredentials
	}

	sm.reportAttempt(origin, true)

	now := sm.now()
	sess := &Session{
		Token:     uuid.NewString(),
		Username:  username,
		CreatedAt: now,
		LastSeen:  now,
	}

	sm.mu.Lock()
	// One live session per principal: a new login kills the old token
	if prev, ok := sm.byUser[username]; ok {
		delete(sm.sessions, prev)
	}
	sm.sessions[sess.Token] = sess
	sm.byUser[username] = sess.Token
	count := len(sm.sessions)
	sm.mu.Unlock()

	logger.L().Info().Str("username", username).Str("origin", origin).Msg("session created")
	if sm.metrics != nil {
		sm.metrics.RecordAuthAttempt("success")
		sm.metrics.RecordActiveSessions(count)
	}

	return snapshotSession(sess), nil
}

// Validate resolves a token to its session, expiring it lazily against
// the TTL. Valid lookups refresh the last-seen time.
func (sm *SessionManager) Validate(token string) (*Session, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}

	now := sm.now()

	sm.mu.Lock()
	defer sm.mu.Unlock()

	sess, ok := sm.sessions[token]
	if !ok {
		return nil, ErrUnauthorized
	}

	if now.Sub(sess.LastSeen) > sm.ttl {
		delete(sm.sessions, token)
		if sm.byUser[sess.Username] == token {
			delete(sm.byUser, sess.Username)
		}
		return nil, ErrUnauthorized
	}

	sess.LastSeen = now
	return snapshotSession(sess), nil
}

// Invalidate removes a session by token. Unknown tokens are a no-op.
func (sm *SessionManager) Invalidate(token string) {
	sm.mu.Lock()
	sess, ok := sm.sessions[token]
	if ok {
		delete(sm.sessions, token)
		if sm.byUser[sess.Username] == token {
			delete(sm.byUser, sess.Username)
		}
	}
	count := len(sm.sessions)
	sm.mu.Unlock()

	if ok {
		logger.L().Info().Str("username", sess.Username).Msg("session invalidated")
		if sm.metrics != nil {
			sm.metrics.RecordActiveSessions(count)
		}
	}
}

// CountActive returns the number of sessions still within the TTL.
func (sm *SessionManager) CountActive() int {
	now := sm.now()

	sm.mu.Lock()
	defer sm.mu.Unlock()

	count := 0
	for _, sess := range sm.sessions {
		if now.Sub(sess.LastSeen) <= sm.ttl {
			count++
		}
	}
	return count
}

// DisplayName returns the configured display name for a username.
func (sm *SessionManager) DisplayName(username string) string {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if p, ok := sm.principals[username]; ok {
		return p.DisplayName
	}
	return username
}

// Compact removes sessions past the TTL. Expiry is lazy on Validate, so
// this only matters for tokens that stop being presented.
func (sm *SessionManager) Compact() {
	now := sm.now()

	sm.mu.Lock()
	defer sm.mu.Unlock()

	for token, sess := range sm.sessions {
		if now.Sub(sess.LastSeen) > sm.ttl {
			delete(sm.sessions, token)
			if sm.byUser[sess.Username] == token {
				delete(sm.byUser, sess.Username)
			}
		}
	}
}

func (sm *SessionManager) reportAttempt(origin string, success bool) {
	if sm.guard != nil {
		sm.guard.RecordAttempt(origin, success)
	}
	if !success && sm.metrics != nil {
		sm.metrics.RecordAuthAttempt("failure")
	}
}

func snapshotSession(sess *Session) *Session {
	copied := *sess
	return &copied
}
