package async

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/segpulse/errors"
)

func TestTallyOutcomes(t *testing.T) {
	input := []string{"A", "B", "C", "D", "E"}
	outcomes := []Outcome{
		{ItemID: "E", Status: OutcomeExists},
		{ItemID: "A", Status: OutcomeCreated},
		{ItemID: "B", Status: OutcomeError, Detail: "rate limited"},
		{ItemID: "C", Status: OutcomeSkipped},
		{ItemID: "Z", Status: OutcomeCreated},
		{ItemID: "B", Status: OutcomeCreated},
	}

	tally := tallyOutcomes(input, outcomes)

	assert.Equal(t, []string{"A", "E"}, tally.Succeeded, "input order is kept")
	assert.Equal(t, []string{"C"}, tally.Skipped)
	assert.Equal(t, []string{"B", "D"}, tally.Failed)
	assert.Equal(t, []string{"D"}, tally.Missing)
	assert.Equal(t, []string{"Z"}, tally.Unrequested)
	assert.Equal(t, "rate limited", tally.Details["B"])
	assert.Equal(t, len(input), len(tally.Succeeded)+len(tally.Skipped)+len(tally.Failed))
}

func TestTallySummary(t *testing.T) {
	tally := attemptTally{
		Failed: []string{"A", "B", "C"},
		Details: map[string]string{
			"A": "invalid definition",
			"C": "server error",
		},
	}
	assert.Equal(t, "3 item(s) failed; A: invalid definition; C: server error", tally.summary(3))
	assert.Equal(t, "3 item(s) failed; A: invalid definition; ...", tally.summary(1))
	assert.Empty(t, attemptTally{}.summary(3))
}

func TestWholesaleTally(t *testing.T) {
	input := []string{"A", "B"}
	tally := wholesaleTally(input)
	assert.Equal(t, input, tally.Failed)
	assert.Empty(t, tally.Succeeded)

	tally.Failed[0] = "X"
	assert.Equal(t, "A", input[0])
}

func TestSafeExecuteRecoversPanic(t *testing.T) {
	exec := BatchExecutorFunc(func(context.Context, []string) ([]Outcome, error) {
		panic("nil map write")
	})

	outcomes, err := safeExecute(context.Background(), exec, []string{"A"})
	require.Error(t, err)
	assert.Nil(t, outcomes)
	assert.Contains(t, err.Error(), "executor panic: nil map write")
	assert.NotEmpty(t, errors.GetAllDetails(err), "stack trace kept as detail")
}

func TestOutcomeStatusIsSuccess(t *testing.T) {
	assert.True(t, OutcomeCreated.IsSuccess())
	assert.True(t, OutcomeExists.IsSuccess())
	assert.False(t, OutcomeError.IsSuccess())
	assert.False(t, OutcomeSkipped.IsSuccess())
}
