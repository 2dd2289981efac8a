package config

import (
	"time"
)

// Default policy values applied when the corresponding section is absent.
const (
	DefaultRequestTimeout = 120 * time.Second
	DefaultConnectTimeout = 10 * time.Second
	DefaultMaxAttempts    = 2
	DefaultBaseBackoff    = 2 * time.Second
	DefaultModel          = "local-model"
)

// AgentDefinition describes a single named agent. Instances are immutable
// once a snapshot is published; reloads replace them wholesale.
type AgentDefinition struct {
	Name       string
	Endpoint   string
	Model      string
	PromptPath string // absolute path to the system prompt file
	Prompt     string // prompt text, read eagerly at reload time
}

// TimeoutPolicy bounds outbound delivery requests.
type TimeoutPolicy struct {
	Request time.Duration
	Connect time.Duration
}

// RetryPolicy controls the delivery retry loop. The wait before attempt n
// (1-indexed, n >= 2) is BaseBackoff * 2^(n-2); the first attempt never waits.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
}

// SecurityPolicy is exposed to the auth layer; the core never acts on it.
type SecurityPolicy struct {
	Enabled  bool
	TokenEnv string
}

// BreakerPolicy configures the optional delivery circuit breaker.
type BreakerPolicy struct {
	Enabled     bool
	MaxFailures uint32
	Timeout     time.Duration
	Interval    time.Duration
}

// DeliverySettings groups delivery-side tunables beyond timeouts and retries.
type DeliverySettings struct {
	Breaker BreakerPolicy
}

// Snapshot is the atomic bundle of all configuration-derived state. A
// snapshot is never mutated after publication; readers holding one keep a
// consistent view across reloads.
type Snapshot struct {
	Agents   map[string]*AgentDefinition
	Timeouts TimeoutPolicy
	Retry    RetryPolicy
	Security SecurityPolicy
	Delivery DeliverySettings
	ModTime  time.Time
}

// Agent looks up an agent definition by name.
func (s *Snapshot) Agent(name string) (*AgentDefinition, bool) {
	def, ok := s.Agents[name]
	return def, ok
}

// AgentNames returns the configured agent names in unspecified order.
func (s *Snapshot) AgentNames() []string {
	names := make([]string, 0, len(s.Agents))
	for name := range s.Agents {
		names = append(names, name)
	}
	return names
}
