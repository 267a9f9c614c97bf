package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked once per interval with the tick's start time.
type TickFunc func(ctx context.Context, at time.Time) error

// Gate restricts ticks to open periods, such as exchange trading hours.
type Gate interface {
	IsOpen(t time.Time) bool
	NextOpen(t time.Time) time.Time
}

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
	Gate         Gate

	// Now and After replace the wall clock in tests.
	Now   func() time.Time
	After func(time.Duration) <-chan time.Time
}

// Scheduler runs a tick function on a fixed interval. Ticks never overlap:
// a tick that overruns its interval is followed by exactly one immediate
// tick, never a burst of missed ones.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
	mu     sync.Mutex
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.After == nil {
		opts.After = time.After
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
}

// RunOnce executes a single tick. Concurrent callers are serialized. The tick
// runs on a context detached from ctx's cancellation so that shutdown lands
// between ticks, never inside one.
func (s *Scheduler) RunOnce(ctx context.Context, at time.Time, tick TickFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	started := s.opts.Now()
	err := tick(context.WithoutCancel(ctx), at)
	elapsed := s.opts.Now().Sub(started)
	if err != nil {
		s.logger.Error().Err(err).Time("at", at).Dur("elapsed", elapsed).Msg("tick execution failed")
		return err
	}
	if elapsed > s.opts.Interval {
		s.logger.Warn().Time("at", at).Dur("elapsed", elapsed).Dur("interval", s.opts.Interval).Msg("tick overran interval")
	}
	return nil
}

// Run blocks, invoking tick every interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		if err := s.sleep(ctx, s.opts.StartupDelay); err != nil {
			return err
		}
	}

	next := s.firstTick(s.opts.Now())
	for {
		if delay := next.Sub(s.opts.Now()); delay > 0 {
			s.logger.Debug().Time("next_tick", next).Msg("waiting for next tick")
			if err := s.sleep(ctx, delay); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		now := s.opts.Now()
		if g := s.opts.Gate; g != nil && !g.IsOpen(now) {
			open := g.NextOpen(now)
			if !open.After(now) {
				open = now.Add(s.opts.Interval)
			}
			s.logger.Info().Time("opens_at", open).Msg("gate closed, sleeping until open")
			next = open
			continue
		}

		at := s.bucketStart(now)
		s.logger.Info().Time("at", at).Msg("executing scheduled tick")
		_ = s.RunOnce(ctx, at, tick)

		next = s.nextTick(now)
	}
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.opts.After(d):
		return nil
	}
}

func (s *Scheduler) firstTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now
	}
	return s.nextTick(now)
}

// nextTick is the due time of the tick following one started at start.
func (s *Scheduler) nextTick(start time.Time) time.Time {
	if !s.opts.AlignToStart {
		return start.Add(s.opts.Interval)
	}
	bucket := start.Truncate(s.opts.Interval)
	if !bucket.After(start) {
		bucket = bucket.Add(s.opts.Interval)
	}
	return bucket
}

func (s *Scheduler) bucketStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}
