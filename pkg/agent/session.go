package agent

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
	"sync"

	"github.com/kestrelbot/kestrel/pkg/providers"
)

const sessionKeyVersion = "v1"

// SessionIdentity names one conversation thread: a canonical author talking
// on one chat of one channel.
type SessionIdentity struct {
	Workspace string
	Channel   string
	ChatID    string
	Author    string
}

func (id SessionIdentity) Canonical() string {
	return strings.ToLower(strings.TrimSpace(id.Workspace)) + "|" +
		strings.ToLower(strings.TrimSpace(id.Channel)) + "|" +
		strings.TrimSpace(id.ChatID) + "|" +
		strings.ToLower(strings.TrimSpace(id.Author))
}

func (id SessionIdentity) Key() string {
	sum := sha1.Sum([]byte(id.Canonical()))
	return sessionKeyVersion + ":" + hex.EncodeToString(sum[:16])
}

// session holds one thread's in-process conversation state. Turns within a
// session are serialized; sessions run concurrently.
type session struct {
	mu      sync.Mutex
	history []providers.Message
	summary string
}

type sessionStore struct {
	mu       sync.Mutex
	sessions map[string]*session
}

func newSessionStore() *sessionStore {
	return &sessionStore{sessions: map[string]*session{}}
}

func (s *sessionStore) get(key string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		sess = &session{}
		s.sessions[key] = sess
	}
	return sess
}
