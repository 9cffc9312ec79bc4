package services

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/CrowderSoup/kanban/metrics"
)

// Outcome is the result of one intent in a batch. Record holds the
// authoritative row returned by the store and is nil unless OK is true.
type Outcome[T any] struct {
	Intent Intent `json:"intent"`
	Record *T     `json:"record,omitempty"`
	OK     bool   `json:"ok"`
}

// BatchResult collects the outcomes of a batch in intent order
type BatchResult[T any] struct {
	Outcomes []Outcome[T] `json:"outcomes"`
}

// OK reports whether every intent succeeded
func (r BatchResult[T]) OK() bool {
	for _, o := range r.Outcomes {
		if !o.OK {
			return false
		}
	}
	return true
}

// Failed returns the intents the store did not accept
func (r BatchResult[T]) Failed() []Intent {
	var failed []Intent
	for _, o := range r.Outcomes {
		if !o.OK {
			failed = append(failed, o.Intent)
		}
	}
	return failed
}

// Batch is an in-flight set of updates. It cannot be cancelled once started.
type Batch[T any] struct {
	done   chan struct{}
	result BatchResult[T]
}

// Done is closed once every update has resolved
func (b *Batch[T]) Done() <-chan struct{} {
	return b.done
}

// Wait blocks until every update has resolved and returns their outcomes
func (b *Batch[T]) Wait() BatchResult[T] {
	<-b.done
	return b.result
}

// dispatch fans the intents out to apply, at most limit at a time (0 means no
// limit), and joins them in the returned Batch. A failing intent does not stop
// the others. The batch outlives cancellation of ctx.
func dispatch[T any](ctx context.Context, limit int, intents []Intent, apply func(context.Context, Intent) (T, bool)) *Batch[T] {
	b := &Batch[T]{
		done:   make(chan struct{}),
		result: BatchResult[T]{Outcomes: make([]Outcome[T], len(intents))},
	}
	if len(intents) == 0 {
		close(b.done)
		return b
	}

	metrics.ObserveBatch(len(intents))
	ctx = context.WithoutCancel(ctx)

	go func() {
		defer close(b.done)

		var g errgroup.Group
		if limit > 0 {
			g.SetLimit(limit)
		}
		for i, intent := range intents {
			g.Go(func() error {
				outcome := Outcome[T]{Intent: intent}
				if record, ok := apply(ctx, intent); ok {
					outcome.Record = &record
					outcome.OK = true
				} else {
					metrics.BatchFailure()
				}
				b.result.Outcomes[i] = outcome
				return nil
			})
		}
		g.Wait()
	}()

	return b
}
