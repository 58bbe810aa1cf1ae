// Package ratelimit paces outbound requests for a single adapter.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Limiter admits at most Requests acquisitions in any window of length Per.
// Grants are evenly spaced (burst of one), so a window never holds more than
// the ceiling and every waiter is eventually admitted.
type Limiter struct {
	requests int
	per      time.Duration
	interval time.Duration
	lim      *rate.Limiter
}

// New builds a limiter for requests per interval. requests == 0 disables pacing.
func New(requests int, per time.Duration) (*Limiter, error) {
	if requests < 0 {
		return nil, fmt.Errorf("requests cannot be negative")
	}
	if requests == 0 {
		return &Limiter{lim: rate.NewLimiter(rate.Inf, 1)}, nil
	}
	if per <= 0 {
		return nil, fmt.Errorf("interval must be positive")
	}
	interval := spacing(requests, per)
	return &Limiter{
		requests: requests,
		per:      per,
		interval: interval,
		lim:      rate.NewLimiter(rate.Every(interval), 1),
	}, nil
}

// spacing is per/requests rounded up, plus 1ns to absorb the float
// truncation in x/time's token arithmetic. R consecutive gaps must add up to
// at least per.
func spacing(requests int, per time.Duration) time.Duration {
	r := time.Duration(requests)
	return (per+r-1)/r + time.Nanosecond
}

// Acquire blocks until the next request is permitted or ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := l.lim.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	return nil
}

// Reserve books the next slot as of now and returns how long the caller must
// wait before using it.
func (l *Limiter) Reserve(now time.Time) time.Duration {
	return l.lim.ReserveN(now, 1).DelayFrom(now)
}

// Interval is the minimum spacing between two grants.
func (l *Limiter) Interval() time.Duration {
	return l.interval
}

func (l *Limiter) String() string {
	if l.requests == 0 {
		return "unlimited"
	}
	return fmt.Sprintf("%d/%s", l.requests, l.per)
}
