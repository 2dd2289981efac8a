package session

import (
	"sync"

	"github.com/mizuki/agentrelay/internal/observability"
	"github.com/rs/zerolog/log"
)

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is a single role-tagged conversation entry.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Transcript is the ordered conversation history for one (agent, session)
// pair. It carries no lock of its own: all mutation happens inside the
// single delivery queue worker.
type Transcript struct {
	turns []Turn
}

// Append adds a turn to the end of the transcript.
func (t *Transcript) Append(role, content string) {
	t.turns = append(t.turns, Turn{Role: role, Content: content})
}

// Turns returns a copy of the transcript suitable for serialization.
func (t *Transcript) Turns() []Turn {
	out := make([]Turn, len(t.turns))
	copy(out, t.turns)
	return out
}

// Len returns the number of turns.
func (t *Transcript) Len() int {
	return len(t.turns)
}

type sessionKey struct {
	agent     string
	sessionID string
}

// Store maps (agent, session id) to its transcript. Transcripts accumulate
// for the life of the process; there is no eviction. Capping or trimming
// long-lived sessions is a deliberate extension point.
type Store struct {
	mu       sync.RWMutex
	sessions map[sessionKey]*Transcript
}

// NewStore creates an empty session store.
func NewStore() *Store {
	observability.EnsureRegistered()
	return &Store{
		sessions: make(map[sessionKey]*Transcript),
	}
}

// History returns the live transcript for (agent, sessionID), creating it on
// first access. A new transcript is seeded with a single system turn holding
// systemPrompt, captured from the snapshot active at creation time. Later
// configuration reloads never rewrite an existing seed.
func (s *Store) History(agent, sessionID, systemPrompt string) *Transcript {
	key := sessionKey{agent: agent, sessionID: sessionID}

	s.mu.RLock()
	transcript, ok := s.sessions[key]
	s.mu.RUnlock()
	if ok {
		return transcript
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if transcript, ok := s.sessions[key]; ok {
		return transcript
	}

	transcript = &Transcript{}
	transcript.Append(RoleSystem, systemPrompt)
	s.sessions[key] = transcript

	observability.SetActiveSessions(len(s.sessions))
	log.Debug().
		Str("agent", agent).
		Str("session_id", sessionID).
		Msg("Session created")

	return transcript
}

// Has reports whether a transcript exists for (agent, sessionID).
func (s *Store) Has(agent, sessionID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sessions[sessionKey{agent: agent, sessionID: sessionID}]
	return ok
}

// Len returns the number of live transcripts.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
