// Package clock abstracts time so backoff loops can be driven by tests.
package clock

import (
	"context"
	"time"
)

// Clock is the subset of time used by retry and polling loops.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Real implements Clock on top of package time.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// After mirrors time.After.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Sleep waits for d on clk, returning early with ctx.Err() when ctx ends.
func Sleep(ctx context.Context, clk Clock, d time.Duration) error {
	if clk == nil {
		clk = Real{}
	}
	if err := ctx.Err(); err != nil || d <= 0 {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clk.After(d):
		return nil
	}
}

// Backoff yields exponentially growing delays capped at Max.
type Backoff struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64

	next time.Duration
}

// Next returns the delay to wait before the next attempt.
func (b *Backoff) Next() time.Duration {
	if b.next <= 0 {
		b.next = b.Base
	}
	d := b.next
	mult := b.Multiplier
	if mult < 1 {
		mult = 2
	}
	b.next = time.Duration(float64(b.next) * mult)
	if b.Max > 0 && b.next > b.Max {
		b.next = b.Max
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

// Reset restarts the sequence at Base.
func (b *Backoff) Reset() {
	b.next = 0
}
