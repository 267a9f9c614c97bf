package alerting

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// RetryPolicy bounds per-channel delivery attempts.
type RetryPolicy struct {
	Attempts   int           `mapstructure:"attempts"`
	Backoff    time.Duration `mapstructure:"backoff"`
	MaxBackoff time.Duration `mapstructure:"max_backoff"`
}

// DefaultRetryPolicy is three attempts starting at a two second backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Backoff: 2 * time.Second, MaxBackoff: 30 * time.Second}
}

// Result is the delivery bookkeeping for one event.
type Result struct {
	EventID   string
	Attempted []string
	Succeeded []string
	Failed    map[string]error
}

// Delivered reports whether at least one channel accepted the event.
func (r Result) Delivered() bool { return len(r.Succeeded) > 0 }

// Dispatcher fans events out to every configured channel.
type Dispatcher struct {
	channels    []Channel
	policy      RetryPolicy
	sendTimeout time.Duration
	logger      zerolog.Logger

	wait func(ctx context.Context, d time.Duration) error
}

// NewDispatcher builds a dispatcher. A dispatcher with no channels is valid
// and only logs events.
func NewDispatcher(channels []Channel, policy RetryPolicy, sendTimeout time.Duration, logger zerolog.Logger) *Dispatcher {
	if policy.Attempts <= 0 {
		policy.Attempts = 1
	}
	return &Dispatcher{
		channels:    channels,
		policy:      policy,
		sendTimeout: sendTimeout,
		logger:      logger.With().Str("component", "dispatcher").Logger(),
		wait:        sleepContext,
	}
}

// Channels lists the configured channel names.
func (d *Dispatcher) Channels() []string {
	names := make([]string, len(d.channels))
	for i, ch := range d.channels {
		names[i] = ch.Name()
	}
	return names
}

// Dispatch delivers ev to all channels concurrently. It never fails as a
// whole; per-channel failures are reported in the result.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) Result {
	res := Result{EventID: ev.ID, Failed: make(map[string]error)}
	msg := Render(ev)

	if len(d.channels) == 0 {
		d.logger.Warn().Str("event_id", ev.ID).Str("position", ev.PositionID).
			Str("kind", string(ev.Kind)).Str("reason", ev.Reason).
			Msg("no alert channels configured; event logged only")
		return res
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, ch := range d.channels {
		res.Attempted = append(res.Attempted, ch.Name())
		wg.Add(1)
		go func(ch Channel) {
			defer wg.Done()
			err := d.deliver(ctx, ch, msg)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed[ch.Name()] = err
				return
			}
			res.Succeeded = append(res.Succeeded, ch.Name())
		}(ch)
	}
	wg.Wait()
	sort.Strings(res.Succeeded)

	evt := d.logger.Info()
	if len(res.Failed) > 0 {
		evt = d.logger.Warn()
		for name, err := range res.Failed {
			evt = evt.AnErr(name, err)
		}
	}
	evt.Str("event_id", ev.ID).Str("position", ev.PositionID).
		Strs("attempted", res.Attempted).Strs("succeeded", res.Succeeded).
		Msg("alert dispatched")
	return res
}

func (d *Dispatcher) deliver(ctx context.Context, ch Channel, msg Message) error {
	backoff := d.policy.Backoff
	var err error
	attempt := 0
	for attempt < d.policy.Attempts {
		attempt++
		err = d.sendOnce(ctx, ch, msg)
		if err == nil {
			return nil
		}
		if IsPermanent(err) || attempt == d.policy.Attempts {
			break
		}
		d.logger.Debug().Err(err).Str("channel", ch.Name()).Int("attempt", attempt).
			Dur("backoff", backoff).Msg("channel send failed, retrying")
		if werr := d.wait(ctx, backoff); werr != nil {
			break
		}
		backoff *= 2
		if d.policy.MaxBackoff > 0 && backoff > d.policy.MaxBackoff {
			backoff = d.policy.MaxBackoff
		}
	}
	return &ChannelError{Channel: ch.Name(), Attempts: attempt, Err: err}
}

func (d *Dispatcher) sendOnce(ctx context.Context, ch Channel, msg Message) error {
	if d.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.sendTimeout)
		defer cancel()
	}
	return ch.Send(ctx, msg)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
