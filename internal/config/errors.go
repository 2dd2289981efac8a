package config

import (
	"errors"
	"fmt"
)

// ErrConfigMissing indicates the backing configuration file is absent.
// The previous snapshot, if any, stays active.
var ErrConfigMissing = errors.New("configuration file missing")

// PromptNotFoundError indicates a configured agent references a prompt file
// that does not exist. The reload that hit it is aborted as a whole.
type PromptNotFoundError struct {
	Agent string
	Path  string
}

func (e *PromptNotFoundError) Error() string {
	return fmt.Sprintf("prompt not found for agent %s: %s", e.Agent, e.Path)
}

// InvalidConfigError indicates the configuration file failed structural
// validation.
type InvalidConfigError struct {
	Reasons []string
}

func (e *InvalidConfigError) Error() string {
	if len(e.Reasons) == 1 {
		return fmt.Sprintf("invalid configuration: %s", e.Reasons[0])
	}
	return fmt.Sprintf("invalid configuration: %d violations, first: %s", len(e.Reasons), e.Reasons[0])
}
