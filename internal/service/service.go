package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"position-exit-alerts/internal/alerting"
	"position-exit-alerts/internal/exit"
	"position-exit-alerts/internal/metrics"
	"position-exit-alerts/internal/position"
	"position-exit-alerts/internal/scheduler"
	"position-exit-alerts/internal/signal"
	"position-exit-alerts/internal/storage"
)

// ErrAllFailed marks a tick in which no position could be evaluated.
var ErrAllFailed = errors.New("every position evaluation failed")

// Notifier delivers events. *alerting.Dispatcher satisfies it.
type Notifier interface {
	Dispatch(ctx context.Context, ev alerting.Event) alerting.Result
	Channels() []string
}

// Deps are the collaborators of a Service. Store, Notifier, Scheduler and
// Metrics are optional.
type Deps struct {
	Registry  *position.Registry
	Engine    *exit.Engine
	Analyzer  Analyzer
	Notifier  Notifier
	Store     storage.Store
	Scheduler *scheduler.Scheduler
	Metrics   *metrics.Metrics
}

// Options tune a Service.
type Options struct {
	Workers         int
	AlertsEnabled   bool
	AdvisoryLockKey int64
	Retention       time.Duration
}

// Service orchestrates evaluation, persistence, and alerting.
type Service struct {
	Deps
	opts   Options
	locker storage.AdvisoryLocker
	logger zerolog.Logger
	now    func() time.Time
}

// New constructs the monitoring service.
func New(deps Deps, opts Options, logger zerolog.Logger) *Service {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	var locker storage.AdvisoryLocker
	if l, ok := deps.Store.(storage.AdvisoryLocker); ok {
		locker = l
	}
	return &Service{
		Deps:   deps,
		opts:   opts,
		locker: locker,
		logger: logger.With().Str("component", "service").Logger(),
		now:    time.Now,
	}
}

// Restore loads persisted peaks and exit states.
func (s *Service) Restore(ctx context.Context) error {
	if s.Store == nil {
		return nil
	}
	peaks, err := s.Store.LoadPeaks(ctx)
	if err != nil {
		return fmt.Errorf("load peaks: %w", err)
	}
	merged := s.Registry.MergePeaks(peaks)

	records, err := s.Store.LoadExitStates(ctx)
	if err != nil {
		return fmt.Errorf("load exit states: %w", err)
	}
	states := make(map[string]exit.State, len(records))
	for _, rec := range records {
		states[rec.PositionID] = stateFromRecord(rec)
	}
	s.Engine.Restore(states)

	s.logger.Info().Int("peaks", merged).Int("states", len(states)).Str("backend", s.Store.Backend()).
		Msg("restored monitor state")
	return nil
}

// Run begins the scheduled evaluation loop.
func (s *Service) Run(ctx context.Context) error {
	if s.Scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.Scheduler.Run(ctx, s.ProcessTick)
}

// ProcessTick adapts Tick to the scheduler.
func (s *Service) ProcessTick(ctx context.Context, at time.Time) error {
	_, err := s.Tick(ctx, at)
	return err
}

// Tick evaluates every enabled position once and dispatches new triggers.
// Per-position failures are reported in the result; the error is non-nil
// only when the tick could not run at all or every evaluation failed.
func (s *Service) Tick(ctx context.Context, at time.Time) (Report, error) {
	report := Report{At: at}

	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return report, err
	}
	if !proceed {
		s.logger.Debug().Time("tick", at).Msg("skip tick because advisory lock held elsewhere")
		report.Skipped = true
		return report, nil
	}
	if unlock != nil {
		defer unlock()
	}

	start := s.now()
	defer func() { s.Metrics.ObserveTick(s.now().Sub(start)) }()

	snapshot := s.Registry.List()
	keep := make(map[string]struct{}, len(snapshot))
	var active []position.Position
	for _, p := range snapshot {
		keep[p.ID] = struct{}{}
		if p.Enabled {
			active = append(active, p)
		}
	}
	s.closeRemoved(ctx, keep)

	rows := s.decide(ctx, active, at)
	s.dispatch(ctx, rows, at)
	s.persist(ctx, rows)

	report.Rows = make([]Row, len(rows))
	triggered := 0
	for i, r := range rows {
		report.Rows[i] = r.Row
		if r.Row.Status == exit.Triggered {
			triggered++
		}
	}
	s.Metrics.SetPositions(len(active), triggered)

	report.summarize()
	s.logger.Info().Time("tick", at).
		Int("evaluated", report.Evaluated).
		Int("failed", report.Failed).
		Int("sell_now", report.SellNow).
		Int("notified", report.Notified).
		Dur("elapsed", s.now().Sub(start)).
		Msg("tick complete")

	if report.Evaluated+report.Failed > 0 && report.Evaluated == 0 {
		return report, ErrAllFailed
	}
	return report, nil
}

type work struct {
	Row
	notify   bool
	escalate bool
	failures int
	peak     bool
}

// decide runs the pure decision step for every position with bounded
// parallelism. It never sends anything.
func (s *Service) decide(ctx context.Context, positions []position.Position, at time.Time) []*work {
	rows := make([]*work, len(positions))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)

	for i, pos := range positions {
		i, pos := i, pos // per-iteration copies; go.mod targets go1.21 loop semantics
		g.Go(func() error {
			rows[i] = s.evaluate(gctx, pos, at)
			return nil
		})
	}
	_ = g.Wait()
	return rows
}

func (s *Service) evaluate(ctx context.Context, pos position.Position, at time.Time) *work {
	w := &work{Row: Row{PositionID: pos.ID, Ticker: pos.Ticker, Type: pos.Type, Peak: pos.PreviousPeak}}
	log := s.logger.With().Str("position_id", pos.ID).Str("ticker", pos.Ticker).Logger()

	if st := s.Engine.State(pos.ID); st.Status == exit.Closed {
		w.Status = exit.Closed
		w.Action = exit.Hold
		w.Reason = st.TriggerReason
		w.Skipped = true
		return w
	}

	analysis, err := s.Analyzer.Analyze(ctx, pos.Ticker)
	if err != nil {
		st, escalate := s.Engine.RecordFailure(pos.ID)
		w.Err = err
		w.Status = st.Status
		w.Action = st.LastDecision
		w.failures = st.ConsecutiveFailures
		w.escalate = escalate
		s.Metrics.ObserveEvaluation("failed")
		log.Warn().Err(err).Int("consecutive_failures", st.ConsecutiveFailures).Msg("position evaluation failed")
		return w
	}

	out := s.Engine.Evaluate(pos, exit.Input{Price: analysis.Price, Signal: analysis.Signal, Now: at})
	w.Price = analysis.Price
	w.Signal = analysis.Signal
	w.Action = out.Action
	w.Status = out.State.Status
	w.Reason = out.Reason
	w.Detail = out.Detail
	w.Peak = out.Peak
	w.notify = out.Notify
	w.peak = out.PeakChanged
	s.Metrics.ObserveEvaluation("ok")
	s.Metrics.ObserveDecision(string(out.Action), out.Reason)

	if out.PeakChanged {
		if err := s.Registry.UpdatePeak(pos.ID, *out.Peak); err != nil && !errors.Is(err, position.ErrNotFound) {
			log.Error().Err(err).Msg("failed to record peak")
		}
	}
	if out.State.Status == exit.Closed {
		// An expired position leaves the registry; its CLOSED state stays.
		if err := s.Registry.Remove(pos.ID); err != nil && !errors.Is(err, position.ErrNotFound) {
			log.Error().Err(err).Msg("failed to remove expired position")
		}
		log.Info().Str("reason", out.Reason).Msg("position closed")
	}

	evt := log.Debug()
	if out.Action == exit.SellNow {
		evt = log.Info()
	}
	evt.Str("action", string(out.Action)).
		Str("status", string(out.State.Status)).
		Str("reason", out.Reason).
		Str("price", analysis.Price.String()).
		Str("signal", string(analysis.Signal.Class)).
		Float64("confidence", analysis.Signal.Confidence).
		Bool("notify", out.Notify).
		Msg("position evaluated")
	return w
}

// dispatch sends one event per new trigger and per escalation.
func (s *Service) dispatch(ctx context.Context, rows []*work, at time.Time) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)
	for _, w := range rows {
		if !w.notify && !w.escalate {
			continue
		}
		w := w // per-iteration copy; go.mod targets go1.21 loop semantics
		g.Go(func() error {
			ev := s.event(w, at)
			if !s.opts.AlertsEnabled || s.Notifier == nil {
				s.logger.Warn().Str("position_id", w.PositionID).Str("kind", string(ev.Kind)).
					Str("reason", ev.Reason).Msg("alerting disabled; event not sent")
				return nil
			}

			res := s.Notifier.Dispatch(gctx, ev)
			for _, name := range res.Succeeded {
				s.Metrics.ObserveDelivery(name, true)
			}
			for name := range res.Failed {
				s.Metrics.ObserveDelivery(name, false)
			}
			if ev.Kind == alerting.KindExit && (res.Delivered() || len(s.Notifier.Channels()) == 0) {
				s.Engine.MarkNotified(w.PositionID, s.now())
				w.Notified = true
				w.Channels = res.Succeeded
			}
			s.audit(gctx, ev, res)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Service) event(w *work, at time.Time) alerting.Event {
	kind := alerting.KindExit
	if !w.notify {
		kind = alerting.KindUnmonitorable
	}
	ev := alerting.NewEvent(kind, w.PositionID, w.Ticker, at)
	ev.PositionType = string(w.Type)
	ev.Price = w.Price
	ev.Peak = w.Peak
	if kind == alerting.KindExit {
		ev.Reason = w.Reason
		ev.Detail = w.Detail
		ev.Signal = string(w.Signal.Class)
		ev.Confidence = w.Signal.Confidence
		return ev
	}
	ev.Reason = "position unmonitorable"
	ev.Failures = w.failures
	if w.Err != nil {
		ev.LastError = w.Err.Error()
	}
	return ev
}

func (s *Service) audit(ctx context.Context, ev alerting.Event, res alerting.Result) {
	if s.Store == nil {
		return
	}
	rec := storage.NotificationRecord{
		EventID:    ev.ID,
		Kind:       string(ev.Kind),
		PositionID: ev.PositionID,
		Ticker:     ev.Ticker,
		Reason:     ev.Reason,
		Detail:     ev.Detail,
		DecidedAt:  ev.DecidedAt,
		Attempted:  res.Attempted,
		Succeeded:  res.Succeeded,
	}
	if !ev.Price.IsZero() {
		price := ev.Price
		rec.Price = &price
	}
	names := make([]string, 0, len(res.Failed))
	for name := range res.Failed {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		rec.Failed = append(rec.Failed, fmt.Sprintf("%s: %v", name, res.Failed[name]))
	}
	if _, err := s.Store.InsertNotification(ctx, rec); err != nil {
		s.logger.Error().Err(err).Str("event_id", ev.ID).Msg("failed to persist notification record")
	}
}

// persist writes peaks and exit states after the dispatch phase so that
// LastNotifiedAt is included.
func (s *Service) persist(ctx context.Context, rows []*work) {
	if s.Store == nil {
		return
	}
	now := s.now()
	for _, w := range rows {
		if w.Skipped {
			continue
		}
		if w.peak && w.Peak != nil {
			if err := s.Store.SavePeak(ctx, storage.PeakRecord{PositionID: w.PositionID, Ticker: w.Ticker, Peak: *w.Peak, UpdatedAt: now}); err != nil {
				s.logger.Error().Err(err).Str("position_id", w.PositionID).Msg("failed to persist peak")
			}
		}
		rec := stateRecord(w.PositionID, s.Engine.State(w.PositionID))
		rec.UpdatedAt = now
		if err := s.Store.SaveExitState(ctx, rec); err != nil {
			s.logger.Error().Err(err).Str("position_id", w.PositionID).Msg("failed to persist exit state")
		}
	}
	if s.opts.Retention > 0 {
		if n, err := s.Store.DeleteNotificationsBefore(ctx, now.Add(-s.opts.Retention)); err != nil {
			s.logger.Error().Err(err).Msg("failed to prune notifications")
		} else if n > 0 {
			s.logger.Debug().Int64("deleted", n).Msg("pruned notification audit")
		}
	}
}

// closeRemoved moves positions that left the registry to CLOSED, so a
// later re-add under the same id is not evaluated or alerted again.
func (s *Service) closeRemoved(ctx context.Context, keep map[string]struct{}) {
	closed := s.Engine.CloseAbsent(keep, exit.ReasonRemoved)
	for id, st := range closed {
		s.logger.Info().Str("position_id", id).Msg("position removed; exit state closed")
		if s.Store == nil {
			continue
		}
		rec := stateRecord(id, st)
		rec.UpdatedAt = s.now()
		if err := s.Store.SaveExitState(ctx, rec); err != nil {
			s.logger.Error().Err(err).Str("position_id", id).Msg("failed to persist exit state")
		}
	}
}

// Close marks a position removed and closes its exit state.
func (s *Service) Close(ctx context.Context, id string) error {
	if err := s.Registry.Remove(id); err != nil {
		return err
	}
	st := s.Engine.Close(id, exit.ReasonRemoved)
	if s.Store != nil {
		rec := stateRecord(id, st)
		rec.UpdatedAt = s.now()
		return s.Store.SaveExitState(ctx, rec)
	}
	return nil
}

// SimulateAlert dispatches a test event through every configured channel.
func (s *Service) SimulateAlert(ctx context.Context, ticker string, price decimal.Decimal) (alerting.Result, error) {
	if s.Notifier == nil {
		return alerting.Result{}, errors.New("alerting not configured")
	}
	ev := alerting.NewEvent(alerting.KindTest, "test-"+ticker, ticker, s.now())
	ev.Price = price
	ev.Reason = "simulated alert"
	ev.Signal = string(signal.Hold)
	res := s.Notifier.Dispatch(ctx, ev)
	s.audit(ctx, ev, res)
	if len(s.Notifier.Channels()) > 0 && !res.Delivered() {
		return res, errors.New("no channel accepted the test alert")
	}
	return res, nil
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.AdvisoryLockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.opts.AdvisoryLockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func stateRecord(id string, st exit.State) storage.ExitStateRecord {
	return storage.ExitStateRecord{
		PositionID:          id,
		Status:              string(st.Status),
		LastDecision:        string(st.LastDecision),
		TriggerReason:       st.TriggerReason,
		TriggeredAt:         st.TriggeredAt,
		LastNotifiedAt:      st.LastNotifiedAt,
		ConsecutiveFailures: st.ConsecutiveFailures,
		Unmonitorable:       st.Unmonitorable,
	}
}

func stateFromRecord(rec storage.ExitStateRecord) exit.State {
	st := exit.State{
		Status:              exit.Status(rec.Status),
		LastDecision:        exit.Action(rec.LastDecision),
		TriggerReason:       rec.TriggerReason,
		TriggeredAt:         rec.TriggeredAt,
		LastNotifiedAt:      rec.LastNotifiedAt,
		ConsecutiveFailures: rec.ConsecutiveFailures,
		Unmonitorable:       rec.Unmonitorable,
	}
	switch st.Status {
	case exit.Open, exit.Triggered, exit.Closed:
	default:
		st.Status = exit.Open
	}
	if st.LastDecision != exit.SellNow {
		st.LastDecision = exit.Hold
	}
	return st
}
