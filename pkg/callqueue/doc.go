// Package callqueue runs tool calls on per-provider lanes with FIFO ordering,
// a per-lane concurrency limit, a global concurrency cap and a per-call timeout.
//
// Invariants:
// - Calls in the same lane start in FIFO order.
// - Calls in different lanes never wait on each other beyond the global cap.
// - A call that exceeds its timeout resolves with context.DeadlineExceeded.
//
// Usage:
//
//	q := callqueue.New(callqueue.Config{MaxConcurrency: 8, Timeout: time.Minute})
//	defer q.Close()
//	out, err := q.Submit(ctx, "weather", func(ctx context.Context) (any, error) {
//		return provider.call(ctx, "get_forecast", args)
//	})
package callqueue
