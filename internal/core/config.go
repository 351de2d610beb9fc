package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ExecutionMode selects how eligible tasks are dispatched.
type ExecutionMode string

const (
	ModeSequential ExecutionMode = "sequential"
	ModeParallel   ExecutionMode = "parallel"
)

// ParseExecutionMode validates a textual mode.
func ParseExecutionMode(value string) (ExecutionMode, error) {
	switch ExecutionMode(strings.ToLower(strings.TrimSpace(value))) {
	case ModeSequential, "":
		return ModeSequential, nil
	case ModeParallel:
		return ModeParallel, nil
	default:
		return "", fmt.Errorf("unknown execution mode %q (want sequential or parallel)", value)
	}
}

// PoolSize is either unbounded or a positive worker count.
// The zero value is unbounded.
type PoolSize struct {
	bounded bool
	n       int
}

// Unbounded lets every eligible task run at once.
func Unbounded() PoolSize {
	return PoolSize{}
}

// Bounded caps concurrent tasks at n.
func Bounded(n int) (PoolSize, error) {
	if n < 1 {
		return PoolSize{}, fmt.Errorf("pool size must be positive, got %d", n)
	}
	return PoolSize{bounded: true, n: n}, nil
}

// ParsePoolSize maps the configuration value, where 0 means unbounded.
func ParsePoolSize(n int) (PoolSize, error) {
	if n == 0 {
		return Unbounded(), nil
	}
	return Bounded(n)
}

// Limit returns the worker count and whether the pool is bounded.
func (p PoolSize) Limit() (int, bool) {
	return p.n, p.bounded
}

func (p PoolSize) String() string {
	if !p.bounded {
		return "unbounded"
	}
	return fmt.Sprintf("%d", p.n)
}

// RemoteConfig describes a remote browser grid connection.
type RemoteConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Endpoint  string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Username  string `json:"username,omitempty" yaml:"username,omitempty"`
	AccessKey string `json:"-" yaml:"access_key,omitempty"`
	Provider  string `json:"provider,omitempty" yaml:"provider,omitempty"`
}

// Redacted returns a copy safe to log.
func (r RemoteConfig) Redacted() RemoteConfig {
	if r.AccessKey != "" {
		r.AccessKey = "********"
	}
	return r
}

// ExecutionConfig holds the settings shared by every task of a run.
// It is passed by value and never mutated after construction.
type ExecutionConfig struct {
	Mode      ExecutionMode
	TaskDelay time.Duration
	Pool      PoolSize
	Headless  bool
	Timeout   time.Duration
	MaxSteps  int
	Remote    RemoteConfig
}

// Validate checks the config for values the dispatcher cannot honour.
func (c ExecutionConfig) Validate() error {
	var errs []error
	if c.Mode != ModeSequential && c.Mode != ModeParallel {
		errs = append(errs, fmt.Errorf("unknown execution mode %q", c.Mode))
	}
	if c.TaskDelay < 0 {
		errs = append(errs, fmt.Errorf("task delay must be >= 0, got %s", c.TaskDelay))
	}
	if c.Timeout < 0 {
		errs = append(errs, fmt.Errorf("timeout must be >= 0, got %s", c.Timeout))
	}
	if c.Remote.Enabled && strings.TrimSpace(c.Remote.Endpoint) == "" {
		errs = append(errs, errors.New("remote execution enabled without an endpoint"))
	}
	return errors.Join(errs...)
}

// WithLocalFallback returns a copy that runs on a local browser.
func (c ExecutionConfig) WithLocalFallback() ExecutionConfig {
	c.Remote = RemoteConfig{}
	return c
}

// ExecutionTarget names where sessions for this config run.
func (c ExecutionConfig) ExecutionTarget() string {
	if c.Remote.Enabled {
		return "remote"
	}
	return "local"
}
