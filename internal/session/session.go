// Package session keeps the evaluation keys each client registered.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/opaque/hevec/pkg/hevec"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
)

// Session binds a client's evaluation keys to an id.
type Session struct {
	ID           string
	Server       *hevec.Server
	CreatedAt    time.Time
	ExpiresAt    time.Time
	LastAccessAt time.Time
}

// Manager manages client sessions in memory.
type Manager struct {
	sessions map[string]*Session
	maxTTL   time.Duration
	mu       sync.RWMutex

	stop     chan struct{}
	stopOnce sync.Once
}

// NewManager creates a session manager and starts its expiry sweeper.
// Call Close to stop the sweeper.
func NewManager(maxTTL time.Duration) *Manager {
	return newManager(maxTTL, time.Minute)
}

func newManager(maxTTL, sweep time.Duration) *Manager {
	m := &Manager{
		sessions: make(map[string]*Session),
		maxTTL:   maxTTL,
		stop:     make(chan struct{}),
	}
	go m.cleanupLoop(sweep)
	return m
}

// Create opens a session for srv. A non-positive or oversized TTL is capped
// to the manager maximum.
func (m *Manager) Create(srv *hevec.Server, requestedTTL time.Duration) (*Session, error) {
	id, err := generateSessionID()
	if err != nil {
		return nil, err
	}

	ttl := requestedTTL
	if ttl > m.maxTTL || ttl <= 0 {
		ttl = m.maxTTL
	}

	now := time.Now()
	s := &Session{
		ID:           id,
		Server:       srv,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
		LastAccessAt: now,
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	return s, nil
}

// Get retrieves a live session by id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()

	if !ok {
		return nil, ErrSessionNotFound
	}

	now := time.Now()
	if now.After(s.ExpiresAt) {
		m.Delete(id)
		return nil, ErrSessionExpired
	}

	m.mu.Lock()
	s.LastAccessAt = now
	m.mu.Unlock()

	return s, nil
}

// Delete removes a session and reports whether it existed.
func (m *Manager) Delete(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	return ok
}

// Count returns the number of sessions, expired ones not yet swept included.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Close stops the expiry sweeper.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *Manager) cleanupLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cleanup(time.Now())
		case <-m.stop:
			return
		}
	}
}

// cleanup removes sessions expired at now.
func (m *Manager) cleanup(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, s := range m.sessions {
		if now.After(s.ExpiresAt) {
			delete(m.sessions, id)
		}
	}
}

// generateSessionID generates a cryptographically secure session ID.
func generateSessionID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
