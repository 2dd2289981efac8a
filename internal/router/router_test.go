package router

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/mizuki/agentrelay/internal/config"
	"github.com/mizuki/agentrelay/internal/delivery"
	"github.com/mizuki/agentrelay/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedInvoker returns queued replies in order, then repeats the last.
type scriptedInvoker struct {
	replies     []string
	err         error
	calls       int
	transcripts [][]session.Turn
}

func (s *scriptedInvoker) Invoke(_ context.Context, _ *config.Snapshot, _ *config.AgentDefinition, transcript []session.Turn) (string, error) {
	s.calls++
	s.transcripts = append(s.transcripts, transcript)
	if s.err != nil {
		return "", s.err
	}
	idx := s.calls - 1
	if idx >= len(s.replies) {
		idx = len(s.replies) - 1
	}
	return s.replies[idx], nil
}

func newTestStore(t *testing.T) *config.Store {
	t.Helper()

	dir := t.TempDir()
	promptsDir := filepath.Join(dir, "prompts")
	require.NoError(t, os.MkdirAll(promptsDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(promptsDir, "pm.system.md"), []byte("You are the PM."), 0644))

	content := `
agents:
  pm:
    endpoint: http://localhost:1234/v1/chat/completions
    system_prompt: prompts/pm.system.md
`
	configPath := filepath.Join(dir, "models.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))
	return config.NewStore(configPath)
}

func TestRouter_HappyPath(t *testing.T) {
	store := newTestStore(t)
	sessions := session.NewStore()
	invoker := &scriptedInvoker{replies: []string{"hi"}}
	relay := New(store, sessions, invoker)

	reply, err := relay.Route(context.Background(), "pm", "s1", "hello")

	require.NoError(t, err)
	assert.Equal(t, "hi", reply)
	assert.Equal(t, 1, invoker.calls)

	turns := sessions.History("pm", "s1", "ignored").Turns()
	require.Len(t, turns, 3)
	assert.Equal(t, session.Turn{Role: session.RoleSystem, Content: "You are the PM."}, turns[0])
	assert.Equal(t, session.Turn{Role: session.RoleUser, Content: "hello"}, turns[1])
	assert.Equal(t, session.Turn{Role: session.RoleAssistant, Content: "hi"}, turns[2])
}

func TestRouter_EmptyReplyTriggersOneCorrection(t *testing.T) {
	store := newTestStore(t)
	sessions := session.NewStore()
	invoker := &scriptedInvoker{replies: []string{"", "summary"}}
	relay := New(store, sessions, invoker)

	reply, err := relay.Route(context.Background(), "pm", "s1", "hello")

	require.NoError(t, err)
	assert.Equal(t, "summary", reply)
	assert.Equal(t, 2, invoker.calls)

	turns := sessions.History("pm", "s1", "ignored").Turns()
	require.Len(t, turns, 4)
	assert.Equal(t, session.RoleSystem, turns[0].Role)
	assert.Equal(t, session.RoleUser, turns[1].Role)
	assert.Equal(t, session.RoleSystem, turns[2].Role)
	assert.Equal(t, correctionPrompt, turns[2].Content)
	assert.Equal(t, session.Turn{Role: session.RoleAssistant, Content: "summary"}, turns[3])
}

func TestRouter_CorrectionIsNeverRecursive(t *testing.T) {
	store := newTestStore(t)
	sessions := session.NewStore()
	invoker := &scriptedInvoker{replies: []string{"", "   "}}
	relay := New(store, sessions, invoker)

	reply, err := relay.Route(context.Background(), "pm", "s1", "hello")

	require.NoError(t, err)
	assert.Equal(t, "   ", reply, "a second empty reply is returned as-is")
	assert.Equal(t, 2, invoker.calls)

	// Exactly one corrective system turn was inserted.
	corrections := 0
	for _, turn := range sessions.History("pm", "s1", "ignored").Turns() {
		if turn.Role == session.RoleSystem && turn.Content == correctionPrompt {
			corrections++
		}
	}
	assert.Equal(t, 1, corrections)
}

func TestRouter_UnknownAgent(t *testing.T) {
	store := newTestStore(t)
	sessions := session.NewStore()
	relay := New(store, sessions, &scriptedInvoker{replies: []string{"hi"}})

	_, err := relay.Route(context.Background(), "ghost", "s1", "hi")

	require.Error(t, err)
	var unknownErr *UnknownAgentError
	require.ErrorAs(t, err, &unknownErr)
	assert.Equal(t, "ghost", unknownErr.Target)
	assert.False(t, sessions.Has("ghost", "s1"), "no session entry for a rejected target")
}

func TestRouter_DeliveryFailurePropagatesDistinctly(t *testing.T) {
	store := newTestStore(t)
	sessions := session.NewStore()
	invoker := &scriptedInvoker{err: &delivery.Error{Agent: "pm", Attempts: 2, Err: errors.New("connection refused")}}
	relay := New(store, sessions, invoker)

	_, err := relay.Route(context.Background(), "pm", "s1", "hello")

	require.Error(t, err)
	var deliveryErr *delivery.Error
	assert.ErrorAs(t, err, &deliveryErr, "delivery failures must stay distinguishable from input errors")
	var unknownErr *UnknownAgentError
	assert.False(t, errors.As(err, &unknownErr))
}

func TestRouter_ConfigMissingPropagates(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "absent.yaml")
	relay := New(config.NewStore(missing), session.NewStore(), &scriptedInvoker{replies: []string{"hi"}})

	_, err := relay.Route(context.Background(), "pm", "s1", "hello")

	assert.ErrorIs(t, err, config.ErrConfigMissing)
}

func TestRouter_SessionSeedSurvivesReload(t *testing.T) {
	store := newTestStore(t)
	sessions := session.NewStore()
	invoker := &scriptedInvoker{replies: []string{"hi"}}
	relay := New(store, sessions, invoker)

	_, err := relay.Route(context.Background(), "pm", "s1", "hello")
	require.NoError(t, err)

	// Rewrite the prompt file and force a visible mtime bump on the config.
	require.NoError(t, store.EnsureLatest())
	snap := store.Snapshot()
	pm, _ := snap.Agent("pm")
	require.NoError(t, os.WriteFile(pm.PromptPath, []byte("Changed."), 0644))

	_, err = relay.Route(context.Background(), "pm", "s1", "again")
	require.NoError(t, err)

	turns := sessions.History("pm", "s1", "ignored").Turns()
	assert.Equal(t, "You are the PM.", turns[0].Content, "seeded prompt is immutable")
}

func TestRouter_TranscriptSentInFullEachTurn(t *testing.T) {
	store := newTestStore(t)
	sessions := session.NewStore()
	invoker := &scriptedInvoker{replies: []string{"one", "two"}}
	relay := New(store, sessions, invoker)

	_, err := relay.Route(context.Background(), "pm", "s1", "first")
	require.NoError(t, err)
	_, err = relay.Route(context.Background(), "pm", "s1", "second")
	require.NoError(t, err)

	require.Len(t, invoker.transcripts, 2)
	assert.Len(t, invoker.transcripts[0], 2) // system + user
	assert.Len(t, invoker.transcripts[1], 4) // + assistant + user
}
