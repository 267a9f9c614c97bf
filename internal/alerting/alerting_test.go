package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func exitEvent() Event {
	ev := NewEvent(KindExit, "QQQ-LONG_PUT-195-2026-11-20", "QQQ", time.Date(2026, 10, 14, 15, 0, 0, 0, time.UTC))
	ev.PositionType = "LONG_PUT"
	ev.Reason = "adverse signal"
	ev.Detail = "SELL signal at confidence 0.70"
	ev.Price = decimal.NewFromInt(190)
	ev.Signal = "SELL"
	ev.Confidence = 0.7
	return ev
}

func TestTelegramChannelSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bottoken/sendMessage", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	ch := NewTelegramChannel("token", "chat", srv.URL, time.Second, testLogger())
	require.NoError(t, ch.Send(context.Background(), Render(exitEvent())))
	assert.Equal(t, "chat", received["chat_id"])
	assert.Contains(t, received["text"], "adverse signal")
}

func TestTelegramChannelErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "description": "chat not found"})
	}))
	defer srv.Close()

	ch := NewTelegramChannel("token", "chat", srv.URL, time.Second, testLogger())
	err := ch.Send(context.Background(), Message{Text: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
	assert.False(t, IsPermanent(err))

	forbidden := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer forbidden.Close()
	ch = NewTelegramChannel("token", "chat", forbidden.URL, time.Second, testLogger())
	assert.True(t, IsPermanent(ch.Send(context.Background(), Message{Text: "hi"})))
}

func TestSlackChannel(t *testing.T) {
	var body map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ch := NewSlackChannel(srv.URL, time.Second, testLogger())
	require.NoError(t, ch.Send(context.Background(), Message{Text: "exit now"}))
	assert.Equal(t, "exit now", body["text"])

	limited := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer limited.Close()
	err := NewSlackChannel(limited.URL, time.Second, testLogger()).Send(context.Background(), Message{})
	require.Error(t, err)
	assert.False(t, IsPermanent(err), "rate limiting is retryable")
}

type fakeChannel struct {
	name     string
	failures int32 // fail this many times before succeeding; negative fails forever
	err      error
	calls    atomic.Int32
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Send(ctx context.Context, msg Message) error {
	n := f.calls.Add(1)
	if f.failures < 0 || n <= f.failures {
		if f.err != nil {
			return f.err
		}
		return errors.New("transient")
	}
	return nil
}

func newTestDispatcher(channels []Channel, attempts int) (*Dispatcher, *[]time.Duration) {
	d := NewDispatcher(channels, RetryPolicy{Attempts: attempts, Backoff: time.Second, MaxBackoff: 3 * time.Second}, time.Second, testLogger())
	var waits []time.Duration
	d.wait = func(ctx context.Context, dur time.Duration) error {
		waits = append(waits, dur)
		return nil
	}
	return d, &waits
}

func TestDispatchRetriesWithBackoff(t *testing.T) {
	flaky := &fakeChannel{name: "slack", failures: 3}
	d, waits := newTestDispatcher([]Channel{flaky}, 4)

	res := d.Dispatch(context.Background(), exitEvent())
	assert.True(t, res.Delivered())
	assert.Equal(t, []string{"slack"}, res.Succeeded)
	assert.Empty(t, res.Failed)
	assert.Equal(t, int32(4), flaky.calls.Load())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}, *waits)
}

func TestDispatchIsolatesChannelFailures(t *testing.T) {
	broken := &fakeChannel{name: "email", failures: -1}
	healthy := &fakeChannel{name: "telegram"}
	d, _ := newTestDispatcher([]Channel{broken, healthy}, 3)

	res := d.Dispatch(context.Background(), exitEvent())
	assert.Equal(t, []string{"email", "telegram"}, res.Attempted)
	assert.Equal(t, []string{"telegram"}, res.Succeeded)
	require.Contains(t, res.Failed, "email")

	var chErr *ChannelError
	require.ErrorAs(t, res.Failed["email"], &chErr)
	assert.Equal(t, 3, chErr.Attempts)
	assert.Equal(t, int32(3), broken.calls.Load())
}

func TestDispatchStopsOnPermanentError(t *testing.T) {
	rejected := &fakeChannel{name: "slack", failures: -1, err: Permanent(errors.New("invalid webhook"))}
	d, waits := newTestDispatcher([]Channel{rejected}, 5)

	res := d.Dispatch(context.Background(), exitEvent())
	assert.False(t, res.Delivered())
	assert.Equal(t, int32(1), rejected.calls.Load())
	assert.Empty(t, *waits)
}

func TestDispatchWithoutChannels(t *testing.T) {
	d := NewDispatcher(nil, DefaultRetryPolicy(), 0, testLogger())
	res := d.Dispatch(context.Background(), exitEvent())
	assert.Empty(t, res.Attempted)
	assert.False(t, res.Delivered())
	assert.Empty(t, d.Channels())
}

func TestRender(t *testing.T) {
	ev := exitEvent()
	peak := decimal.NewFromInt(185)
	ev.Peak = &peak
	msg := Render(ev)
	assert.Equal(t, "[Exit Alert] QQQ LONG_PUT", msg.Subject)
	for _, want := range []string{"Action: SELL_NOW", "Reason: adverse signal (SELL signal at confidence 0.70)",
		"Price: 190.00  Peak: 185.00", "Decided: 2026-10-14T15:00:00Z UTC", "Event: " + ev.ID} {
		assert.Contains(t, msg.Text, want)
	}

	un := NewEvent(KindUnmonitorable, "AAPL-SHARE", "AAPL", time.Now())
	un.Failures = 3
	un.LastError = "quote unavailable"
	msg = Render(un)
	assert.True(t, strings.HasPrefix(msg.Text, "[Unmonitorable] AAPL"))
	assert.Contains(t, msg.Text, "Failed evaluations: 3 in a row")
	assert.NotEqual(t, ev.ID, un.ID)
}

func TestBuildMail(t *testing.T) {
	raw := string(buildMail("bot@example.com", []string{"a@example.com", "b@example.com"},
		Message{Subject: "[Exit Alert] QQQ", Text: "line one\nline two"}, time.Unix(0, 0)))
	assert.Contains(t, raw, "To: a@example.com, b@example.com\r\n")
	assert.Contains(t, raw, "Subject: [Exit Alert] QQQ\r\n")
	assert.True(t, strings.HasSuffix(raw, "line one\r\nline two\r\n"))

	assert.False(t, EmailConfig{Host: "smtp.example.com"}.Configured())
	assert.True(t, EmailConfig{Host: "smtp.example.com", Username: "u", To: []string{"x@example.com"}}.Configured())
}
