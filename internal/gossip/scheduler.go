package gossip

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/Klingon-tech/klingnet-gossip/internal/telemetry"
)

// Scheduler emits one tick per period. A tick is delivered only to a
// receiver already waiting on Ticks; otherwise it is dropped and counted.
type Scheduler struct {
	period  time.Duration
	ticks   chan time.Time
	dropped atomic.Uint64
}

// NewScheduler creates a scheduler. It panics if period is not positive.
func NewScheduler(period time.Duration) *Scheduler {
	if period <= 0 {
		panic("gossip: scheduler period must be positive")
	}
	return &Scheduler{
		period: period,
		ticks:  make(chan time.Time),
	}
}

// Ticks returns the tick channel.
func (s *Scheduler) Ticks() <-chan time.Time {
	return s.ticks
}

// Period returns the tick interval.
func (s *Scheduler) Period() time.Duration {
	return s.period
}

// Dropped returns the number of ticks nobody was ready for.
func (s *Scheduler) Dropped() uint64 {
	return s.dropped.Load()
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			select {
			case s.ticks <- t:
			default:
				s.dropped.Add(1)
				telemetry.TicksDropped.Inc()
			}
		}
	}
}
