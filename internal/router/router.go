package router

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mizuki/agentrelay/internal/config"
	"github.com/mizuki/agentrelay/internal/delivery"
	"github.com/mizuki/agentrelay/internal/observability"
	"github.com/mizuki/agentrelay/internal/session"
	"github.com/rs/zerolog/log"
)

// correctionPrompt is injected at most once per routed turn when the agent
// returns an empty reply.
const correctionPrompt = "The previous reply was empty or off-topic. Provide a concise self-summary of the intended answer."

// UnknownAgentError indicates the caller named a target absent from the
// current configuration snapshot.
type UnknownAgentError struct {
	Target string
}

func (e *UnknownAgentError) Error() string {
	return fmt.Sprintf("unknown agent target: %s", e.Target)
}

// Router resolves targets, maintains session transcripts, and relays turns
// through the delivery client. All calls are expected to arrive serialized
// through the delivery queue; the router itself holds no locks beyond what
// its collaborators carry.
type Router struct {
	store    *config.Store
	sessions *session.Store
	invoker  delivery.Invoker
}

// New creates a router over the given collaborators.
func New(store *config.Store, sessions *session.Store, invoker delivery.Invoker) *Router {
	observability.EnsureRegistered()
	return &Router{
		store:    store,
		sessions: sessions,
		invoker:  invoker,
	}
}

// Route relays one conversation turn to the target agent and returns its
// reply. Configuration errors, *UnknownAgentError and *delivery.Error are
// surfaced unmodified so callers can tell bad input from upstream failure.
func (r *Router) Route(ctx context.Context, target, sessionID, message string) (string, error) {
	start := time.Now()

	reply, err := r.route(ctx, target, sessionID, message)

	status := "ok"
	if err != nil {
		status = "error"
	}
	observability.RecordRoute(target, status, time.Since(start))

	return reply, err
}

func (r *Router) route(ctx context.Context, target, sessionID, message string) (string, error) {
	if err := r.store.EnsureLatest(); err != nil {
		return "", err
	}
	snap := r.store.Snapshot()

	agent, ok := snap.Agent(target)
	if !ok {
		return "", &UnknownAgentError{Target: target}
	}

	history := r.sessions.History(target, sessionID, agent.Prompt)
	history.Append(session.RoleUser, message)

	reply, err := r.invoker.Invoke(ctx, snap, agent, history.Turns())
	if err != nil {
		return "", err
	}

	if strings.TrimSpace(reply) == "" {
		// One-shot self-correction; a second empty reply is returned as-is.
		log.Warn().
			Str("target", target).
			Str("session_id", sessionID).
			Msg("Empty reply, requesting self-summary")
		history.Append(session.RoleSystem, correctionPrompt)
		reply, err = r.invoker.Invoke(ctx, snap, agent, history.Turns())
		if err != nil {
			return "", err
		}
	}

	history.Append(session.RoleAssistant, reply)
	return reply, nil
}
