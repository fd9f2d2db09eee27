package async

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/teranos/segpulse/errors"
)

// OutcomeStatus is the per-item result reported by a BatchExecutor
type OutcomeStatus string

const (
	OutcomeCreated OutcomeStatus = "created"
	OutcomeExists  OutcomeStatus = "exists"
	OutcomeError   OutcomeStatus = "error"
	OutcomeSkipped OutcomeStatus = "skipped"
)

// IsSuccess reports whether the item needs no further work. An item that
// already exists counts as created.
func (s OutcomeStatus) IsSuccess() bool {
	return s == OutcomeCreated || s == OutcomeExists
}

// Outcome is the result for a single work item
type Outcome struct {
	ItemID string        `json:"item_id"`
	Status OutcomeStatus `json:"status"`
	Detail string        `json:"detail,omitempty"`
}

// BatchExecutor runs one attempt over a set of work items.
//
// A non-nil error means the call failed wholesale and every item is presumed
// failed. Items with no outcome are presumed failed; outcomes for items that
// were not requested are ignored. The core never inspects why an item failed.
type BatchExecutor interface {
	Execute(ctx context.Context, items []string) ([]Outcome, error)
}

// BatchExecutorFunc adapts a function to BatchExecutor
type BatchExecutorFunc func(ctx context.Context, items []string) ([]Outcome, error)

// Execute calls f
func (f BatchExecutorFunc) Execute(ctx context.Context, items []string) ([]Outcome, error) {
	return f(ctx, items)
}

// safeExecute runs the executor, converting a panic into a wholesale failure
func safeExecute(ctx context.Context, exec BatchExecutor, items []string) (outcomes []Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcomes = nil
			err = errors.WithDetail(
				errors.Newf("executor panic: %v", r),
				string(debug.Stack()),
			)
		}
	}()
	return exec.Execute(ctx, items)
}

// attemptTally splits an attempt's input into succeeded, skipped and failed
// items, preserving input order.
type attemptTally struct {
	Succeeded []string
	Skipped   []string
	Failed    []string

	// Unrequested lists outcome item IDs that were not part of the input
	Unrequested []string
	// Missing lists input items with no outcome (counted as failed)
	Missing []string
	// Details holds the executor's detail for failed items
	Details map[string]string
}

// tallyOutcomes classifies every input item. The first outcome reported for
// an item wins.
func tallyOutcomes(input []string, outcomes []Outcome) attemptTally {
	requested := make(map[string]struct{}, len(input))
	for _, item := range input {
		requested[item] = struct{}{}
	}

	byItem := make(map[string]Outcome, len(outcomes))
	var tally attemptTally
	tally.Details = make(map[string]string)
	for _, o := range outcomes {
		if _, ok := requested[o.ItemID]; !ok {
			tally.Unrequested = append(tally.Unrequested, o.ItemID)
			continue
		}
		if _, seen := byItem[o.ItemID]; seen {
			continue
		}
		byItem[o.ItemID] = o
	}

	for _, item := range input {
		o, ok := byItem[item]
		switch {
		case !ok:
			tally.Missing = append(tally.Missing, item)
			tally.Failed = append(tally.Failed, item)
		case o.Status.IsSuccess():
			tally.Succeeded = append(tally.Succeeded, item)
		case o.Status == OutcomeSkipped:
			tally.Skipped = append(tally.Skipped, item)
		default:
			// error and any status this version does not recognise
			tally.Failed = append(tally.Failed, item)
			if o.Detail != "" {
				tally.Details[item] = o.Detail
			}
		}
	}

	return tally
}

// wholesaleTally marks every input item failed
func wholesaleTally(input []string) attemptTally {
	return attemptTally{
		Failed:  append([]string(nil), input...),
		Details: map[string]string{},
	}
}

// summary renders the first few failure details for ErrorMessage
func (t attemptTally) summary(limit int) string {
	if len(t.Failed) == 0 {
		return ""
	}
	msg := fmt.Sprintf("%d item(s) failed", len(t.Failed))
	shown := 0
	for _, item := range t.Failed {
		detail, ok := t.Details[item]
		if !ok {
			continue
		}
		if shown == limit {
			msg += "; ..."
			break
		}
		msg += fmt.Sprintf("; %s: %s", item, detail)
		shown++
	}
	return msg
}
