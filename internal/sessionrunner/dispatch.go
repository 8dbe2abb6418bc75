package sessionrunner

import (
	"context"
	"fmt"
	"sync"
)

// dispatchResult pairs an item index with either its value or the error it
// failed with, so callers can tell "failed" apart from "zero value".
type dispatchResult[R any] struct {
	index int
	value R
	err   error
}

// dispatch runs fn over items with at most parallelism concurrent calls in
// flight, using a buffered channel as the semaphore. Results are returned
// in the same order as items regardless of completion order. A per-item
// error is captured rather than propagated: one submission failing never
// aborts its siblings.
//
// ctx cancellation is checked before every new call is dispatched: once
// observed, no further fn calls are started and every remaining item
// resolves to ctx.Err(). Calls already in flight are not forcibly
// interrupted here; fn itself must observe ctx if it wants to unwind early.
func dispatch[T, R any](ctx context.Context, items []T, parallelism int, fn func(item T) (R, error)) []dispatchResult[R] {
	if parallelism < 1 {
		parallelism = 1
	}
	results := make([]dispatchResult[R], len(items))
	sem := make(chan struct{}, parallelism)
	var wg sync.WaitGroup

	for i, item := range items {
		if cancelled(ctx) {
			results[i] = dispatchResult[R]{index: i, err: ctx.Err()}
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, item T) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				// A panicking plugin call is a failure of this one item,
				// never of its siblings; it must not unwind into the
				// goroutine's caller and crash the process.
				if rec := recover(); rec != nil {
					results[i] = dispatchResult[R]{index: i, err: fmt.Errorf("plugin panic: %v", rec)}
				}
			}()
			if cancelled(ctx) {
				results[i] = dispatchResult[R]{index: i, err: ctx.Err()}
				return
			}
			value, err := fn(item)
			results[i] = dispatchResult[R]{index: i, value: value, err: err}
		}(i, item)
	}
	wg.Wait()
	return results
}

// batchResults adapts a single batch-plugin call's output to the per-item
// result shape dispatch produces, so the stage drivers handle batch and
// singular plugins identically. A batch error, or a result count that does
// not match the input count, fails every item; still per-item non-fatal,
// never run-fatal.
func batchResults[R any](values []R, err error, n int) []dispatchResult[R] {
	if err == nil && len(values) != n {
		err = fmt.Errorf("batch returned %d results for %d submissions", len(values), n)
	}
	out := make([]dispatchResult[R], n)
	for i := range out {
		if err != nil {
			out[i] = dispatchResult[R]{index: i, err: err}
			continue
		}
		out[i] = dispatchResult[R]{index: i, value: values[i]}
	}
	return out
}
