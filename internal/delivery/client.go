package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/mizuki/agentrelay/internal/config"
	"github.com/mizuki/agentrelay/internal/observability"
	"github.com/mizuki/agentrelay/internal/session"
	"github.com/rs/zerolog/log"
)

// maxResponseBody bounds how much of an endpoint response is read.
const maxResponseBody = 10 * 1024 * 1024 // 10 MB

// Invoker sends a transcript to an agent endpoint and returns the reply
// text. The router depends on this interface; tests stub it.
type Invoker interface {
	Invoke(ctx context.Context, snap *config.Snapshot, agent *config.AgentDefinition, transcript []session.Turn) (string, error)
}

// chatRequest is the wire format sent to agent endpoints.
type chatRequest struct {
	Model    string         `json:"model"`
	Messages []session.Turn `json:"messages"`
}

// Client delivers transcripts over HTTP with retry and response-shape
// normalization. Safe for concurrent use, though in practice all calls
// arrive serialized through the delivery queue.
type Client struct {
	mu             sync.Mutex
	httpClient     *http.Client
	connectTimeout time.Duration

	// sleep is replaced in tests to observe backoff waits.
	sleep func(time.Duration)
}

// NewClient creates a delivery client.
func NewClient() *Client {
	observability.EnsureRegistered()
	return &Client{
		sleep: time.Sleep,
	}
}

// httpClientFor returns a pooled client whose dialer matches the active
// connect timeout, rebuilding the transport only when the timeout changes
// across a reload.
func (c *Client) httpClientFor(tp config.TimeoutPolicy) *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.httpClient != nil && c.connectTimeout == tp.Connect {
		return c.httpClient
	}

	c.connectTimeout = tp.Connect
	c.httpClient = &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   tp.Connect,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout: 10 * time.Second,
			MaxIdleConns:        20,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     120 * time.Second,
			ForceAttemptHTTP2:   true,
		},
	}
	return c.httpClient
}

// Invoke sends the transcript to the agent's endpoint, retrying transient
// failures per the snapshot's retry policy. The wait before attempt n
// (n >= 2) is BaseBackoff * 2^(n-2). After the final attempt fails, the last
// error is surfaced wrapped in *Error.
func (c *Client) Invoke(ctx context.Context, snap *config.Snapshot, agent *config.AgentDefinition, transcript []session.Turn) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:    agent.Model,
		Messages: transcript,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode request body: %w", err)
	}

	httpClient := c.httpClientFor(snap.Timeouts)
	maxAttempts := snap.Retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			wait := backoffFor(snap.Retry.BaseBackoff, attempt)
			log.Warn().
				Str("agent", agent.Name).
				Int("attempt", attempt).
				Dur("wait", wait).
				Err(lastErr).
				Msg("Retrying delivery")
			observability.RecordDeliveryRetry(agent.Name)
			c.sleep(wait)
		}

		observability.RecordDeliveryAttempt(agent.Name)

		reply, aerr := c.attempt(ctx, httpClient, snap.Timeouts.Request, agent, body)
		if aerr == nil {
			return reply, nil
		}
		lastErr = aerr.err
		if !aerr.retryable {
			break
		}
	}

	return "", &Error{
		Agent:    agent.Name,
		Endpoint: agent.Endpoint,
		Attempts: maxAttempts,
		Err:      lastErr,
	}
}

// attempt performs a single request/normalize cycle.
func (c *Client) attempt(ctx context.Context, httpClient *http.Client, requestTimeout time.Duration, agent *config.AgentDefinition, body []byte) (string, *attemptError) {
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	log.Debug().Str("agent", agent.Name).Str("endpoint", agent.Endpoint).Msg("Dispatching request")

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, agent.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", &attemptError{err: fmt.Errorf("failed to create request: %w", err), retryable: false}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := httpClient.Do(httpReq)
	if err != nil {
		return "", &attemptError{err: fmt.Errorf("request failed: %w", err), retryable: true}
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return "", &attemptError{err: fmt.Errorf("failed to read response: %w", err), retryable: true}
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return "", &attemptError{
			err:       &statusError{status: httpResp.StatusCode, body: truncate(respBody, 200)},
			retryable: true,
		}
	}

	text, shape, ok := normalizeResponse(respBody)
	if !ok {
		return "", &attemptError{
			err:       fmt.Errorf("%w from %s: %s", ErrUnrecognizedShape, agent.Endpoint, truncate(respBody, 200)),
			retryable: true,
		}
	}

	log.Debug().Str("agent", agent.Name).Str("shape", shape).Msg("Response normalized")
	return text, nil
}

// backoffFor computes the exponential wait before attempt n (n >= 2).
func backoffFor(base time.Duration, attempt int) time.Duration {
	return base * (1 << (attempt - 2))
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
