// Package utils contains the concurrency helpers shared by the point processing packages.
package utils

import (
	"context"
	"fmt"
	"image"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// ParallelFactor caps how many goroutines a single parallel loop uses. Tests may lower it.
var ParallelFactor = max(runtime.GOMAXPROCS(0), 1)

// cancelCheckInterval is how many items a span processes between context checks.
const cancelCheckInterval = 256

// Span is the half open index range [From, To).
type Span struct {
	From, To int
}

// Len is the number of indexes in the span.
func (s Span) Len() int {
	return s.To - s.From
}

// Spans splits [0, n) into at most ParallelFactor contiguous spans. The last span absorbs the
// remainder.
func Spans(n int) []Span {
	if n <= 0 {
		return nil
	}
	count := min(ParallelFactor, n)
	size := n / count
	spans := make([]Span, count)
	for i := range spans {
		spans[i] = Span{From: i * size, To: (i + 1) * size}
	}
	spans[count-1].To = n
	return spans
}

// ParallelForEachSpan runs f for every span of [0, n), each on its own goroutine. The first
// error, including a recovered panic, cancels the context the other spans see and is returned.
func ParallelForEachSpan(ctx context.Context, n int, f func(ctx context.Context, span Span) error) error {
	spans := Spans(n)
	if len(spans) == 0 {
		return ctx.Err()
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, span := range spans {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic in parallel work on [%d, %d): %v", span.From, span.To, r)
				}
			}()
			return f(gctx, span)
		})
	}
	return g.Wait()
}

// ParallelForEach calls f once for every index in [0, n). It stops early when ctx is done and
// returns the context's error.
func ParallelForEach(ctx context.Context, n int, f func(i int)) error {
	return ParallelForEachSpan(ctx, n, func(ctx context.Context, span Span) error {
		for i := span.From; i < span.To; i++ {
			if (i-span.From)%cancelCheckInterval == 0 && ctx.Err() != nil {
				return ctx.Err()
			}
			f(i)
		}
		return nil
	})
}

// ParallelForEachPixel calls f for every [x, y] of an image of the given size, splitting the
// rows into bands. A panic in f is raised again on the calling goroutine.
func ParallelForEachPixel(size image.Point, f func(x, y int)) {
	if size.X <= 0 {
		return
	}
	err := ParallelForEachSpan(context.Background(), size.Y, func(_ context.Context, rows Span) error {
		for y := rows.From; y < rows.To; y++ {
			for x := 0; x < size.X; x++ {
				f(x, y)
			}
		}
		return nil
	})
	if err != nil {
		panic(err)
	}
}
