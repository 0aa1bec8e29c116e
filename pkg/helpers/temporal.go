package helpers

import (
	"context"
	"time"
)

// GroupByTemporal batches values from in into groups spanning at most window, measured
// from the first value of each group. A window <= 0 emits every value as its own group.
// The output channel is closed when in is closed (after flushing the pending group) or
// when ctx is done.
func GroupByTemporal[T any](ctx context.Context, in <-chan T, window time.Duration) <-chan []T {
	out := make(chan []T)

	send := func(group []T) bool {
		select {
		case out <- group:
			return true
		case <-ctx.Done():
			return false
		}
	}

	go func() {
		defer close(out)

		if window <= 0 {
			for v := range in {
				if !send([]T{v}) {
					return
				}
			}
			return
		}

		var group []T
		var timer *time.Timer
		var fire <-chan time.Time
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()

		for {
			select {
			case v, ok := <-in:
				if !ok {
					if len(group) > 0 {
						send(group)
					}
					return
				}
				group = append(group, v)
				if fire == nil {
					timer = time.NewTimer(window)
					fire = timer.C
				}
			case <-fire:
				fire = nil
				if !send(group) {
					return
				}
				group = nil
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// Latest maps each group to its last element.
func Latest[T any](ctx context.Context, groups <-chan []T) <-chan T {
	out := make(chan T)
	go func() {
		defer close(out)
		for g := range groups {
			if len(g) == 0 {
				continue
			}
			select {
			case out <- g[len(g)-1]:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
