package dispatch

import (
	"fmt"
	"sync"

	"webagentaa/internal/core"
)

// Aggregator collects outcomes by eligible-task index and restores source
// order regardless of completion order.
type Aggregator struct {
	mu       sync.Mutex
	outcomes []core.TaskOutcome
	recorded []bool
	count    int
}

// NewAggregator creates an aggregator expecting total outcomes.
func NewAggregator(total int) *Aggregator {
	if total < 0 {
		total = 0
	}
	return &Aggregator{
		outcomes: make([]core.TaskOutcome, total),
		recorded: make([]bool, total),
	}
}

// Record stores the outcome for index. Recording the same index twice is an
// integrity error.
func (a *Aggregator) Record(index int, outcome core.TaskOutcome) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if index < 0 || index >= len(a.outcomes) {
		return &IntegrityError{Index: index, Reason: fmt.Sprintf("out of range [0,%d)", len(a.outcomes))}
	}
	if a.recorded[index] {
		return &IntegrityError{Index: index, Reason: "recorded twice"}
	}
	outcome.Index = index
	a.outcomes[index] = outcome
	a.recorded[index] = true
	a.count++
	return nil
}

// Recorded returns how many outcomes have been stored.
func (a *Aggregator) Recorded() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// Finalize returns the complete ordered result. It fails when any index is
// still missing.
func (a *Aggregator) Finalize() (core.RunResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.count != len(a.outcomes) {
		return core.RunResult{}, &IntegrityError{
			Index:  -1,
			Reason: fmt.Sprintf("finalize with %d of %d outcomes recorded", a.count, len(a.outcomes)),
		}
	}
	outcomes := make([]core.TaskOutcome, len(a.outcomes))
	copy(outcomes, a.outcomes)
	return core.RunResult{
		Outcomes: outcomes,
		Summary:  core.Summarize(outcomes, len(outcomes)),
		Complete: true,
	}, nil
}

// FinalizePartial returns whatever has been recorded so far, in index order,
// flagged as incomplete.
func (a *Aggregator) FinalizePartial() core.RunResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	outcomes := make([]core.TaskOutcome, 0, a.count)
	for i, ok := range a.recorded {
		if ok {
			outcomes = append(outcomes, a.outcomes[i])
		}
	}
	return core.RunResult{
		Outcomes: outcomes,
		Summary:  core.Summarize(outcomes, len(a.outcomes)),
		Complete: false,
	}
}
