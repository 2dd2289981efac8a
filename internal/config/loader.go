package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// fileDocument mirrors the on-disk YAML layout. Agent names are map keys and
// case-sensitive, which is why the file is decoded with yaml.v3 directly.
type fileDocument struct {
	Agents   map[string]agentEntry `yaml:"agents"`
	Timeouts timeoutsEntry         `yaml:"timeouts"`
	Retries  retriesEntry          `yaml:"retries"`
	Security securityEntry         `yaml:"security"`
	Delivery deliveryEntry         `yaml:"delivery"`
}

type agentEntry struct {
	Endpoint     string `yaml:"endpoint"`
	SystemPrompt string `yaml:"system_prompt"`
	Model        string `yaml:"model"`
}

type timeoutsEntry struct {
	RequestSec float64 `yaml:"request_sec"`
	ConnectSec float64 `yaml:"connect_sec"`
}

type retriesEntry struct {
	MaxAttempts    int     `yaml:"max_attempts"`
	BaseBackoffSec float64 `yaml:"base_backoff_sec"`
}

type securityEntry struct {
	Enabled  bool   `yaml:"enabled"`
	TokenEnv string `yaml:"token_env"`
}

type deliveryEntry struct {
	Breaker breakerEntry `yaml:"breaker"`
}

type breakerEntry struct {
	Enabled     bool    `yaml:"enabled"`
	MaxFailures uint32  `yaml:"max_failures"`
	TimeoutSec  float64 `yaml:"timeout_sec"`
	IntervalSec float64 `yaml:"interval_sec"`
}

// loadSnapshot parses the configuration file and builds a complete snapshot
// off to the side. Nothing shared is touched; on any error the caller keeps
// its previous snapshot untouched.
func loadSnapshot(path string, modTime time.Time) (*Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigMissing, path)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var doc map[string]interface{}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := validateDocument(doc); err != nil {
		return nil, err
	}

	var fc fileDocument
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	baseDir := filepath.Dir(path)
	agents := make(map[string]*AgentDefinition, len(fc.Agents))
	for name, entry := range fc.Agents {
		def, err := buildAgent(name, entry, baseDir)
		if err != nil {
			return nil, err
		}
		agents[name] = def
	}

	return &Snapshot{
		Agents:   agents,
		Timeouts: buildTimeouts(fc.Timeouts),
		Retry:    buildRetry(fc.Retries),
		Security: SecurityPolicy{
			Enabled:  fc.Security.Enabled,
			TokenEnv: fc.Security.TokenEnv,
		},
		Delivery: buildDelivery(fc.Delivery),
		ModTime:  modTime,
	}, nil
}

func buildAgent(name string, entry agentEntry, baseDir string) (*AgentDefinition, error) {
	if _, err := url.ParseRequestURI(entry.Endpoint); err != nil {
		return nil, &InvalidConfigError{
			Reasons: []string{fmt.Sprintf("agents.%s.endpoint: %v", name, err)},
		}
	}

	promptPath := entry.SystemPrompt
	if !filepath.IsAbs(promptPath) {
		abs, err := filepath.Abs(filepath.Join(baseDir, promptPath))
		if err != nil {
			return nil, fmt.Errorf("failed to resolve prompt path for agent %s: %w", name, err)
		}
		promptPath = abs
	}

	// Read eagerly so a broken prompt reference fails the reload, not the
	// first conversation turn that needs it.
	prompt, err := os.ReadFile(promptPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &PromptNotFoundError{Agent: name, Path: promptPath}
		}
		return nil, fmt.Errorf("failed to read prompt for agent %s: %w", name, err)
	}

	model := entry.Model
	if model == "" {
		model = DefaultModel
	}

	return &AgentDefinition{
		Name:       name,
		Endpoint:   entry.Endpoint,
		Model:      model,
		PromptPath: promptPath,
		Prompt:     string(prompt),
	}, nil
}

func buildTimeouts(entry timeoutsEntry) TimeoutPolicy {
	tp := TimeoutPolicy{
		Request: DefaultRequestTimeout,
		Connect: DefaultConnectTimeout,
	}
	if entry.RequestSec > 0 {
		tp.Request = secondsToDuration(entry.RequestSec)
	}
	if entry.ConnectSec > 0 {
		tp.Connect = secondsToDuration(entry.ConnectSec)
	}
	return tp
}

func buildRetry(entry retriesEntry) RetryPolicy {
	rp := RetryPolicy{
		MaxAttempts: DefaultMaxAttempts,
		BaseBackoff: DefaultBaseBackoff,
	}
	if entry.MaxAttempts >= 1 {
		rp.MaxAttempts = entry.MaxAttempts
	}
	if entry.BaseBackoffSec > 0 {
		rp.BaseBackoff = secondsToDuration(entry.BaseBackoffSec)
	}
	return rp
}

func buildDelivery(entry deliveryEntry) DeliverySettings {
	return DeliverySettings{
		Breaker: BreakerPolicy{
			Enabled:     entry.Breaker.Enabled,
			MaxFailures: entry.Breaker.MaxFailures,
			Timeout:     secondsToDuration(entry.Breaker.TimeoutSec),
			Interval:    secondsToDuration(entry.Breaker.IntervalSec),
		},
	}
}

func secondsToDuration(sec float64) time.Duration {
	return time.Duration(sec * float64(time.Second))
}
