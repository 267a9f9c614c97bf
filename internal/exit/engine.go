package exit

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"position-exit-alerts/internal/position"
)

// Status is the lifecycle state of a monitored position.
type Status string

const (
	Open      Status = "OPEN"
	Triggered Status = "TRIGGERED"
	Closed    Status = "CLOSED"
)

// Action is the per-tick decision.
type Action string

const (
	Hold    Action = "HOLD"
	SellNow Action = "SELL_NOW"
)

// State is what the engine remembers about a position between ticks.
type State struct {
	Status              Status
	LastDecision        Action
	TriggerReason       string
	TriggeredAt         *time.Time
	LastNotifiedAt      *time.Time
	ConsecutiveFailures int
	Unmonitorable       bool
}

// NewState is the state of a freshly registered position.
func NewState() State {
	return State{Status: Open, LastDecision: Hold}
}

// Outcome is the result of evaluating one position for one tick.
type Outcome struct {
	State       State
	Action      Action
	Reason      string
	Detail      string
	Peak        *decimal.Decimal
	PeakChanged bool
	// Notify is set only on the OPEN to TRIGGERED transition.
	Notify bool
}

// Evaluate applies the exit rules to pos in state st. It never mutates its
// arguments.
func Evaluate(pos position.Position, st State, in Input, r Rules) Outcome {
	if st.Status == Closed {
		return Outcome{State: st, Action: Hold, Reason: st.TriggerReason, Peak: pos.PreviousPeak}
	}

	if dte, ok := pos.DaysToExpiry(in.Now, in.Location); ok && dte < 0 {
		st.Status = Closed
		st.LastDecision = Hold
		st.TriggerReason = ReasonExpired
		return Outcome{State: st, Action: Hold, Reason: ReasonExpired, Peak: pos.PreviousPeak}
	}

	out := Outcome{Peak: pos.PreviousPeak}
	if pos.Improves(in.Price) {
		peak := in.Price
		out.Peak = &peak
		out.PeakChanged = true
		pos.PreviousPeak = &peak
	}

	reason, detail := firstRule(pos, in, r)
	if reason == "" {
		if st.Status == Triggered {
			st.Status = Open
			st.TriggerReason = ""
			st.TriggeredAt = nil
		}
		st.LastDecision = Hold
		out.State = st
		out.Action = Hold
		return out
	}

	if st.Status == Open {
		at := in.Now
		st.Status = Triggered
		st.TriggerReason = reason
		st.TriggeredAt = &at
		out.Notify = true
	}
	st.LastDecision = SellNow
	out.State = st
	out.Action = SellNow
	out.Reason = reason
	out.Detail = detail
	return out
}

// Engine tracks exit state for every position. Each position is evaluated by
// at most one goroutine per tick; the mutex only guards the map.
type Engine struct {
	rules Rules
	loc   *time.Location

	mu     sync.Mutex
	states map[string]State
}

// NewEngine builds an engine; loc is the exchange time zone used for
// days-to-expiry.
func NewEngine(rules Rules, loc *time.Location) *Engine {
	if loc == nil {
		loc = time.UTC
	}
	return &Engine{rules: rules, loc: loc, states: make(map[string]State)}
}

// Rules returns the thresholds in use.
func (e *Engine) Rules() Rules {
	return e.rules
}

// State returns the current state of id.
func (e *Engine) State(id string) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stateLocked(id)
}

// States returns a copy of every tracked state.
func (e *Engine) States() map[string]State {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]State, len(e.states))
	for id, st := range e.states {
		out[id] = st
	}
	return out
}

// Restore seeds states, typically from persistent storage at startup.
func (e *Engine) Restore(states map[string]State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, st := range states {
		e.states[id] = st
	}
}

// Evaluate runs one tick for pos and records the resulting state.
func (e *Engine) Evaluate(pos position.Position, in Input) Outcome {
	if in.Location == nil {
		in.Location = e.loc
	}

	e.mu.Lock()
	st := e.stateLocked(pos.ID)
	e.mu.Unlock()

	st.ConsecutiveFailures = 0
	st.Unmonitorable = false
	out := Evaluate(pos, st, in, e.rules)

	e.mu.Lock()
	e.states[pos.ID] = out.State
	e.mu.Unlock()
	return out
}

// MarkNotified records that the trigger for id was delivered at t.
func (e *Engine) MarkNotified(id string, t time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.stateLocked(id)
	st.LastNotifiedAt = &t
	e.states[id] = st
}

// Close moves id to the terminal state.
func (e *Engine) Close(id, reason string) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.stateLocked(id)
	st.Status = Closed
	st.LastDecision = Hold
	st.TriggerReason = reason
	e.states[id] = st
	return st
}

// RecordFailure counts a failed evaluation. escalate is true exactly once per
// unbroken run of failures, when the count reaches the configured limit.
func (e *Engine) RecordFailure(id string) (st State, escalate bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st = e.stateLocked(id)
	st.ConsecutiveFailures++
	if e.rules.UnmonitorableAfter > 0 && !st.Unmonitorable && st.ConsecutiveFailures >= e.rules.UnmonitorableAfter {
		st.Unmonitorable = true
		escalate = true
	}
	e.states[id] = st
	return st, escalate
}

// CloseAbsent moves every tracked position not in keep to CLOSED with
// reason and returns the states it changed. Positions already closed are
// left alone.
func (e *Engine) CloseAbsent(keep map[string]struct{}, reason string) map[string]State {
	e.mu.Lock()
	defer e.mu.Unlock()
	closed := make(map[string]State)
	for id, st := range e.states {
		if _, ok := keep[id]; ok || st.Status == Closed {
			continue
		}
		st.Status = Closed
		st.LastDecision = Hold
		st.TriggerReason = reason
		e.states[id] = st
		closed[id] = st
	}
	return closed
}

func (e *Engine) stateLocked(id string) State {
	if st, ok := e.states[id]; ok {
		return st
	}
	return NewState()
}
