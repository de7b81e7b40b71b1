package transport

import (
	"sync"
)

// Tokens is the bearer credential pair.
type Tokens struct {
	AccessToken  string
	RefreshToken string
}

// Empty reports whether no access token is held.
func (t Tokens) Empty() bool {
	return t.AccessToken == ""
}

// TokenStore is the process-wide credential store. The transport reads it on
// every request; only login, refresh and logout write it.
type TokenStore interface {
	Tokens() Tokens
	SetTokens(Tokens) error
	Clear() error
}

// MemoryTokens is an in-process TokenStore.
type MemoryTokens struct {
	mu sync.RWMutex
	t  Tokens
}

// NewMemoryTokens creates a store holding t.
func NewMemoryTokens(t Tokens) *MemoryTokens {
	return &MemoryTokens{t: t}
}

// Tokens returns the current pair.
func (m *MemoryTokens) Tokens() Tokens {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.t
}

// SetTokens replaces the pair.
func (m *MemoryTokens) SetTokens(t Tokens) error {
	m.mu.Lock()
	m.t = t
	m.mu.Unlock()
	return nil
}

// Clear forgets both tokens.
func (m *MemoryTokens) Clear() error {
	return m.SetTokens(Tokens{})
}
