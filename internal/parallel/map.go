package parallel

import (
	"context"
	"iter"

	"golang.org/x/sync/errgroup"
)

// Result couples an input element with its mapped value.
type Result[E, D any] struct {
	In  E
	Out D
	Err error
}

// Map runs fn for every element of in, at most limit at a time, and yields
// results in completion order. A failing fn does not stop the others; a
// canceled ctx stops launching new work.
//
//	for r := range parallel.Map(ctx, 4, slices.Values(images), scan) {}
func Map[E, D any](ctx context.Context, limit int, in iter.Seq[E], fn func(context.Context, E) (D, error)) iter.Seq[Result[E, D]] {
	if limit < 1 {
		limit = 1
	}
	return func(yield func(Result[E, D]) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		var g errgroup.Group
		g.SetLimit(limit)
		mapped := make(chan Result[E, D], limit)

		go func() {
			for e := range in {
				if ctx.Err() != nil {
					break
				}
				g.Go(func() error {
					d, err := fn(ctx, e)
					mapped <- Result[E, D]{In: e, Out: d, Err: err}
					return nil
				})
			}
			_ = g.Wait() // workers never return an error
			close(mapped)
		}()

		for r := range mapped {
			if !yield(r) {
				cancel()
				for range mapped {
				}
				return
			}
		}
	}
}
