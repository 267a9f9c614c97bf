package exit

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"position-exit-alerts/internal/position"
	"position-exit-alerts/internal/signal"
)

var now = time.Date(2026, 10, 14, 15, 0, 0, 0, time.UTC)

func dec(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func decPtr(v float64) *decimal.Decimal {
	d := dec(v)
	return &d
}

func longPut(strike, entry float64, daysOut int) position.Position {
	exp := time.Date(now.Year(), now.Month(), now.Day()+daysOut, 0, 0, 0, 0, time.UTC)
	p := position.Position{Ticker: "QQQ", Type: position.LongPut, Strike: decPtr(strike),
		Expiry: &exp, EntryPrice: dec(entry), Quantity: 1, Enabled: true}
	p.ID = p.Key()
	return p
}

func share(entry float64) position.Position {
	p := position.Position{Ticker: "AAPL", Type: position.Share, EntryPrice: dec(entry), Quantity: 1, Enabled: true}
	p.ID = p.Key()
	return p
}

func hold() signal.Signal { return signal.Signal{Class: signal.Hold} }

func input(price float64, sig signal.Signal) Input {
	return Input{Price: dec(price), Signal: sig, Now: now, Location: time.UTC}
}

func TestTrailingStopFiresRegardlessOfSignal(t *testing.T) {
	rules := DefaultRules()
	rules.TrailingStopPct = 0.20
	pos := longPut(195, 16.05, 40)
	pos.PreviousPeak = decPtr(160)

	for _, sig := range []signal.Signal{hold(), {Class: signal.Buy, Confidence: 0.9}, {Class: signal.Sell, Confidence: 0.9}} {
		out := Evaluate(pos, NewState(), input(200, sig), rules)
		assert.Equal(t, SellNow, out.Action)
		assert.Equal(t, ReasonTrailingStop, out.Reason)
		assert.Equal(t, Triggered, out.State.Status)
		assert.True(t, out.Notify)
		assert.False(t, out.PeakChanged)
	}
}

func TestStopLoss(t *testing.T) {
	rules := Rules{StopLossPct: 0.10}

	out := Evaluate(share(100), NewState(), input(89, hold()), rules)
	assert.Equal(t, ReasonStopLoss, out.Reason)

	out = Evaluate(share(100), NewState(), input(91, hold()), rules)
	assert.Equal(t, Hold, out.Action)
	assert.Empty(t, out.Reason)

	short := share(100)
	short.Type = position.ShortShare
	out = Evaluate(short, NewState(), input(111, hold()), rules)
	assert.Equal(t, ReasonStopLoss, out.Reason)
}

func TestStopLossNeedsEntryUnderlyingForOptions(t *testing.T) {
	rules := Rules{StopLossPct: 0.10}
	pos := longPut(195, 16.05, 40)

	out := Evaluate(pos, NewState(), input(250, hold()), rules)
	assert.Equal(t, Hold, out.Action)

	pos.EntryUnderlying = decPtr(190)
	out = Evaluate(pos, NewState(), input(250, hold()), rules)
	assert.Equal(t, ReasonStopLoss, out.Reason)
}

func TestRuleOrderStopLossBeforeTrailingStop(t *testing.T) {
	rules := Rules{StopLossPct: 0.10, TrailingStopPct: 0.10}
	pos := share(100)
	pos.PreviousPeak = decPtr(150)

	out := Evaluate(pos, NewState(), input(80, hold()), rules)
	assert.Equal(t, ReasonStopLoss, out.Reason)

	out = Evaluate(pos, NewState(), input(120, hold()), rules)
	assert.Equal(t, ReasonTrailingStop, out.Reason)
}

func TestExpiryProximity(t *testing.T) {
	rules := Rules{ExpiryDays: 5, ExpiryProfitMargin: 2}
	exp := time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC)
	call := position.Position{ID: "call", Ticker: "MSFT", Type: position.LongCall, Strike: decPtr(100),
		Expiry: &exp, EntryPrice: dec(5), Quantity: 1}

	// Breakeven 105, so anything at or below 107 is not profitable enough.
	out := Evaluate(call, NewState(), input(104, hold()), rules)
	assert.Equal(t, ReasonExpiry, out.Reason)
	out = Evaluate(call, NewState(), input(107, hold()), rules)
	assert.Equal(t, ReasonExpiry, out.Reason)
	out = Evaluate(call, NewState(), input(110, hold()), rules)
	assert.Equal(t, Hold, out.Action)

	far := time.Date(2026, 12, 18, 0, 0, 0, 0, time.UTC)
	call.Expiry = &far
	out = Evaluate(call, NewState(), input(90, hold()), rules)
	assert.Equal(t, Hold, out.Action)
}

func TestExpiryDaysIsStrict(t *testing.T) {
	rules := Rules{ExpiryDays: 5}
	pos := longPut(195, 16.05, 5)
	out := Evaluate(pos, NewState(), input(200, hold()), rules)
	assert.Equal(t, Hold, out.Action)

	pos = longPut(195, 16.05, 4)
	out = Evaluate(pos, NewState(), input(200, hold()), rules)
	assert.Equal(t, ReasonExpiry, out.Reason)
}

func TestAdverseSignal(t *testing.T) {
	rules := Rules{AdverseMinConfidence: 0.6}
	pos := longPut(195, 16.05, 40)

	out := Evaluate(pos, NewState(), input(190, signal.Signal{Class: signal.Sell, Confidence: 0.7}), rules)
	assert.Equal(t, ReasonAdverse, out.Reason)

	out = Evaluate(pos, NewState(), input(190, signal.Signal{Class: signal.Sell, Confidence: 0.5}), rules)
	assert.Equal(t, Hold, out.Action)

	out = Evaluate(pos, NewState(), input(190, signal.Signal{Class: signal.Buy, Confidence: 0.9}), rules)
	assert.Equal(t, Hold, out.Action)

	short := share(100)
	short.Type = position.ShortShare
	out = Evaluate(short, NewState(), input(100, signal.Signal{Class: signal.Buy, Confidence: 0.6}), rules)
	assert.Equal(t, ReasonAdverse, out.Reason)
}

func TestPeakIsMonotone(t *testing.T) {
	rules := Rules{}
	put := longPut(195, 16.05, 40)
	var last *decimal.Decimal
	for _, price := range []float64{190, 185, 188, 180, 183} {
		out := Evaluate(put, NewState(), input(price, hold()), rules)
		require.NotNil(t, out.Peak)
		if last != nil {
			assert.False(t, out.Peak.GreaterThan(*last), "put peak rose from %s to %s", last, out.Peak)
		}
		last = out.Peak
		put.PreviousPeak = out.Peak
	}
	assert.True(t, last.Equal(dec(180)))

	long := share(100)
	last = nil
	for _, price := range []float64{100, 110, 105, 120, 90} {
		out := Evaluate(long, NewState(), input(price, hold()), rules)
		if last != nil {
			assert.False(t, out.Peak.LessThan(*last))
		}
		last = out.Peak
		long.PreviousPeak = out.Peak
	}
	assert.True(t, last.Equal(dec(120)))
}

func TestEvaluateIsIdempotent(t *testing.T) {
	rules := DefaultRules()
	pos := share(100)
	pos.PreviousPeak = decPtr(120)
	in := input(110, signal.Signal{Class: signal.Sell, Confidence: 0.8})

	first := Evaluate(pos, NewState(), in, rules)
	second := Evaluate(pos, first.State, in, rules)
	assert.Equal(t, first.State, second.State)
	assert.True(t, first.Notify)
	assert.False(t, second.Notify)
}

func TestEngineNotifiesOnce(t *testing.T) {
	engine := NewEngine(Rules{StopLossPct: 0.10}, time.UTC)
	pos := share(100)

	notifications := 0
	for i := 0; i < 5; i++ {
		out := engine.Evaluate(pos, input(80, hold()))
		assert.Equal(t, SellNow, out.Action)
		if out.Notify {
			notifications++
			engine.MarkNotified(pos.ID, now)
		}
	}
	assert.Equal(t, 1, notifications)

	st := engine.State(pos.ID)
	assert.Equal(t, Triggered, st.Status)
	require.NotNil(t, st.LastNotifiedAt)
	require.NotNil(t, st.TriggeredAt)
}

func TestEngineRearmsAfterRecovery(t *testing.T) {
	engine := NewEngine(Rules{StopLossPct: 0.10}, time.UTC)
	pos := share(100)

	assert.True(t, engine.Evaluate(pos, input(80, hold())).Notify)
	out := engine.Evaluate(pos, input(95, hold()))
	assert.Equal(t, Hold, out.Action)
	assert.Equal(t, Open, out.State.Status)
	assert.Nil(t, out.State.TriggeredAt)
	assert.True(t, engine.Evaluate(pos, input(85, hold())).Notify)
}

func TestExpiredPositionCloses(t *testing.T) {
	engine := NewEngine(DefaultRules(), time.UTC)
	pos := longPut(195, 16.05, -1)

	out := engine.Evaluate(pos, input(150, signal.Signal{Class: signal.Sell, Confidence: 1}))
	assert.Equal(t, Closed, out.State.Status)
	assert.Equal(t, ReasonExpired, out.Reason)
	assert.False(t, out.Notify)

	out = engine.Evaluate(pos, input(150, hold()))
	assert.Equal(t, Closed, out.State.Status)
	assert.Equal(t, Hold, out.Action)
}

func TestEngineCloseIsTerminal(t *testing.T) {
	engine := NewEngine(Rules{StopLossPct: 0.10}, time.UTC)
	pos := share(100)
	engine.Close(pos.ID, ReasonRemoved)

	out := engine.Evaluate(pos, input(50, hold()))
	assert.Equal(t, Closed, out.State.Status)
	assert.False(t, out.Notify)
}

func TestRecordFailureEscalatesOnce(t *testing.T) {
	engine := NewEngine(Rules{UnmonitorableAfter: 3}, time.UTC)
	pos := share(100)

	var escalations int
	for i := 0; i < 6; i++ {
		if _, escalate := engine.RecordFailure(pos.ID); escalate {
			escalations++
			assert.Equal(t, 2, i)
		}
	}
	assert.Equal(t, 1, escalations)
	assert.Equal(t, 6, engine.State(pos.ID).ConsecutiveFailures)

	engine.Evaluate(pos, input(100, hold()))
	st := engine.State(pos.ID)
	assert.Zero(t, st.ConsecutiveFailures)
	assert.False(t, st.Unmonitorable)

	for i := 0; i < 3; i++ {
		_, escalate := engine.RecordFailure(pos.ID)
		assert.Equal(t, i == 2, escalate)
	}
}

func TestEngineCloseAbsent(t *testing.T) {
	engine := NewEngine(DefaultRules(), nil)
	at := now
	engine.Restore(map[string]State{
		"A": {Status: Triggered, LastDecision: SellNow, TriggerReason: ReasonStopLoss, TriggeredAt: &at},
		"B": {Status: Closed, TriggerReason: ReasonExpired},
		"C": NewState(),
	})
	assert.Equal(t, Triggered, engine.State("A").Status)

	closed := engine.CloseAbsent(map[string]struct{}{"C": {}}, ReasonRemoved)
	require.Len(t, closed, 1)
	assert.Equal(t, Closed, closed["A"].Status)
	assert.Equal(t, ReasonRemoved, closed["A"].TriggerReason)

	assert.Equal(t, ReasonExpired, engine.State("B").TriggerReason, "already closed keeps its reason")
	assert.Equal(t, Open, engine.State("C").Status)
}

func TestRemovedPositionStaysClosedWhenReAdded(t *testing.T) {
	engine := NewEngine(DefaultRules(), nil)
	pos := share(100)

	out := engine.Evaluate(pos, input(50, hold()))
	require.True(t, out.Notify)
	require.Equal(t, Triggered, out.State.Status)

	engine.CloseAbsent(map[string]struct{}{}, ReasonRemoved)

	out = engine.Evaluate(pos, input(40, hold()))
	assert.False(t, out.Notify)
	assert.Equal(t, Closed, out.State.Status)
	assert.Equal(t, Hold, out.Action)
	assert.Equal(t, ReasonRemoved, out.Reason)
}

func TestHasStopLoss(t *testing.T) {
	rules := DefaultRules()
	put := longPut(195, 16.05, 40)
	assert.False(t, HasStopLoss(put, rules))

	put.EntryUnderlying = decPtr(201.4)
	assert.True(t, HasStopLoss(put, rules))
	assert.True(t, HasStopLoss(share(100), rules))

	rules.StopLossPct = 0
	assert.False(t, HasStopLoss(share(100), rules))
}

func TestRulesValidate(t *testing.T) {
	require.NoError(t, DefaultRules().Validate())
	assert.Error(t, Rules{StopLossPct: 1.5}.Validate())
	assert.Error(t, Rules{AdverseMinConfidence: -0.1}.Validate())
	assert.Error(t, Rules{ExpiryDays: -1}.Validate())
}
