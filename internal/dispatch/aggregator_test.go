package dispatch

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"webagentaa/internal/core"
)

func outcomeFor(i int, status core.Status) core.TaskOutcome {
	return core.TaskOutcome{
		Task:   core.TaskSpec{Name: fmt.Sprintf("task-%d", i)},
		Status: status,
	}
}

func TestAggregatorRejectsDoubleRecord(t *testing.T) {
	agg := NewAggregator(2)
	require.NoError(t, agg.Record(0, outcomeFor(0, core.StatusSucceeded)))

	err := agg.Record(0, outcomeFor(0, core.StatusFailed))

	require.ErrorIs(t, err, ErrIntegrity)
	var integrityErr *IntegrityError
	require.ErrorAs(t, err, &integrityErr)
	assert.Equal(t, 0, integrityErr.Index)
	assert.Equal(t, 1, agg.Recorded())
}

func TestAggregatorRejectsOutOfRangeIndex(t *testing.T) {
	agg := NewAggregator(1)

	assert.ErrorIs(t, agg.Record(1, outcomeFor(1, core.StatusSucceeded)), ErrIntegrity)
	assert.ErrorIs(t, agg.Record(-1, outcomeFor(0, core.StatusSucceeded)), ErrIntegrity)
}

func TestAggregatorFinalizeRequiresEveryIndex(t *testing.T) {
	agg := NewAggregator(3)
	require.NoError(t, agg.Record(2, outcomeFor(2, core.StatusFailed)))

	_, err := agg.Finalize()

	require.ErrorIs(t, err, ErrIntegrity)
	assert.Contains(t, err.Error(), "1 of 3")
}

func TestAggregatorFinalizePartial(t *testing.T) {
	agg := NewAggregator(4)
	require.NoError(t, agg.Record(3, outcomeFor(3, core.StatusSucceeded)))
	require.NoError(t, agg.Record(1, outcomeFor(1, core.StatusErrored)))

	result := agg.FinalizePartial()

	assert.False(t, result.Complete)
	require.Len(t, result.Outcomes, 2)
	assert.Equal(t, "task-1", result.Outcomes[0].Task.Name)
	assert.Equal(t, "task-3", result.Outcomes[1].Task.Name)
	assert.Equal(t, core.Summary{Total: 4, Succeeded: 1, Errored: 1, Missing: 2}, result.Summary)
	assert.False(t, result.Summary.Passed())
}

func TestAggregatorFinalizeSummary(t *testing.T) {
	agg := NewAggregator(3)
	require.NoError(t, agg.Record(0, outcomeFor(0, core.StatusSucceeded)))
	require.NoError(t, agg.Record(1, outcomeFor(1, core.StatusFailed)))
	require.NoError(t, agg.Record(2, outcomeFor(2, core.StatusErrored)))

	result, err := agg.Finalize()

	require.NoError(t, err)
	assert.True(t, result.Complete)
	assert.Equal(t, core.Summary{Total: 3, Succeeded: 1, Failed: 1, Errored: 1}, result.Summary)
	assert.InDelta(t, 33.33, result.Summary.PassRate(), 0.01)
}

func TestAggregatorArrivalOrderDoesNotMatter(t *testing.T) {
	statuses := []core.Status{core.StatusSucceeded, core.StatusFailed, core.StatusErrored}
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 20).Draw(rt, "n")
		outcomes := make([]core.TaskOutcome, n)
		indexes := make([]int, n)
		for i := range outcomes {
			outcomes[i] = outcomeFor(i, rapid.SampledFrom(statuses).Draw(rt, fmt.Sprintf("status-%d", i)))
			indexes[i] = i
		}
		first := rapid.Permutation(indexes).Draw(rt, "first")
		second := rapid.Permutation(indexes).Draw(rt, "second")

		finalize := func(order []int) core.RunResult {
			agg := NewAggregator(n)
			for _, i := range order {
				require.NoError(rt, agg.Record(i, outcomes[i]))
			}
			result, err := agg.Finalize()
			require.NoError(rt, err)
			return result
		}

		a := finalize(first)
		b := finalize(second)
		assert.Equal(rt, a, b)
		for i, outcome := range a.Outcomes {
			assert.Equal(rt, i, outcome.Index)
			assert.Equal(rt, outcomes[i].Task.Name, outcome.Task.Name)
		}
	})
}

func TestAggregatorConcurrentRecords(t *testing.T) {
	const n = 64
	agg := NewAggregator(n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, agg.Record(i, outcomeFor(i, core.StatusSucceeded)))
		}(i)
	}
	wg.Wait()

	result, err := agg.Finalize()

	require.NoError(t, err)
	require.Len(t, result.Outcomes, n)
	assert.Equal(t, n, result.Summary.Succeeded)
}
