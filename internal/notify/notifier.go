// Package notify delivers run summaries to external channels.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"webagentaa/internal/config"
	"webagentaa/internal/core"
)

// Notifier defines the interface for sending notifications.
type Notifier interface {
	Send(ctx context.Context, title, body string) error
}

// MultiNotifier combines multiple notifiers.
type MultiNotifier struct {
	notifiers []Notifier
}

func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send delivers to every notifier and joins their errors.
func (m *MultiNotifier) Send(ctx context.Context, title, body string) error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Send(ctx, title, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NoOpNotifier does nothing.
type NoOpNotifier struct{}

func (n *NoOpNotifier) Send(ctx context.Context, title, body string) error {
	return nil
}

// FromConfig builds the notifier for the enabled channels.
func FromConfig(cfg config.NotificationConfig) (Notifier, error) {
	var notifiers []Notifier
	if cfg.Bark.Enabled {
		bark, err := NewBarkNotifier(cfg.Bark.URL)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, bark)
	}
	if len(notifiers) == 0 {
		return &NoOpNotifier{}, nil
	}
	return NewMultiNotifier(notifiers...), nil
}

const maxListedFailures = 5

// RunSummary renders the notification for a finished run.
func RunSummary(result core.RunResult, selection string) (string, string) {
	s := result.Summary
	verdict := "passed"
	switch {
	case !result.Complete:
		verdict = "incomplete"
	case !s.Passed():
		verdict = "failed"
	}
	title := fmt.Sprintf("WebAgentAA run %s: %d/%d passed", verdict, s.Succeeded, s.Total)

	var body strings.Builder
	if selection != "" {
		fmt.Fprintf(&body, "Selection: %s\n", selection)
	}
	fmt.Fprintf(&body, "Passed %d, failed %d, errored %d", s.Succeeded, s.Failed, s.Errored)
	if s.Missing > 0 {
		fmt.Fprintf(&body, ", missing %d", s.Missing)
	}
	fmt.Fprintf(&body, " (%.1f%%)", s.PassRate())
	failed := result.FailedOutcomes()
	for i, outcome := range failed {
		if i == maxListedFailures {
			fmt.Fprintf(&body, "\n... and %d more", len(failed)-maxListedFailures)
			break
		}
		fmt.Fprintf(&body, "\n- %s: %s", outcome.Task.Name, outcome.Error)
	}
	return title, body.String()
}
