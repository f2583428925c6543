package cache

import (
	"context"

	"golang.org/x/sync/singleflight"
)

// Group collapses concurrent computations for the same key into one.
//
// The computation keeps the leader's context values but not its
// cancellation; fn must bound itself with its own timeouts. Each caller stops
// waiting when its own ctx is done.
type Group[V any] struct {
	flight singleflight.Group
}

// Do runs fn once per in-flight key. shared reports whether the result was
// delivered to more than one caller.
func (g *Group[V]) Do(ctx context.Context, key Key, fn func(ctx context.Context) (V, error)) (v V, shared bool, err error) {
	detached := context.WithoutCancel(ctx)
	ch := g.flight.DoChan(key.Digest(), func() (interface{}, error) {
		return fn(detached)
	})

	select {
	case <-ctx.Done():
		var zero V
		return zero, false, ctx.Err()
	case res := <-ch:
		if res.Shared {
			sharedTotal.Inc()
		}
		if res.Err != nil {
			var zero V
			return zero, res.Shared, res.Err
		}
		return res.Val.(V), res.Shared, nil
	}
}
