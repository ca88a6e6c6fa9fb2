package fixer

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// limited bounds how hard all watchers together may lean on a fixer.
type limited struct {
	next    Fixer
	sem     *semaphore.Weighted
	limiter *rate.Limiter
}

// Limit wraps f so at most maxConcurrent calls run at once and calls start at
// no more than perMinute per minute. Zero disables the respective bound.
// Both waits give up when ctx is done.
func Limit(f Fixer, maxConcurrent, perMinute int) Fixer {
	l := &limited{next: f}
	if maxConcurrent > 0 {
		l.sem = semaphore.NewWeighted(int64(maxConcurrent))
	}
	if perMinute > 0 {
		l.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
	}
	return l
}

func (l *limited) Fix(ctx context.Context, req Request) (*Patch, error) {
	if l.sem != nil {
		if err := l.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer l.sem.Release(1)
	}
	if l.limiter != nil {
		if err := l.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	return l.next.Fix(ctx, req)
}
