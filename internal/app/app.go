package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"position-exit-alerts/internal/alerting"
	"position-exit-alerts/internal/config"
	"position-exit-alerts/internal/exit"
	"position-exit-alerts/internal/fetcher"
	"position-exit-alerts/internal/markethours"
	"position-exit-alerts/internal/metrics"
	"position-exit-alerts/internal/position"
	"position-exit-alerts/internal/scheduler"
	"position-exit-alerts/internal/service"
	"position-exit-alerts/internal/storage"
	"position-exit-alerts/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newProvider() (fetcher.Provider, error) {
	md := a.Config.MarketData
	var (
		provider fetcher.Provider
		err      error
	)
	switch strings.ToLower(md.Provider) {
	case "alpaca":
		provider, err = fetcher.NewAlpaca(fetcher.AlpacaOptions{
			APIKey:    md.Alpaca.APIKey,
			APISecret: md.Alpaca.APISecret,
			BaseURL:   md.Alpaca.BaseURL,
			Feed:      md.Alpaca.Feed,
		}, a.Logger)
		if err != nil {
			return nil, err
		}
	default:
		ua := md.Yahoo.UserAgent
		if ua == "" {
			ua = version.UserAgent()
		}
		provider = fetcher.NewYahoo(fetcher.YahooOptions{
			BaseURL:   md.Yahoo.BaseURL,
			UserAgent: ua,
			Timeout:   md.Yahoo.RequestTimeout,
		}, a.Logger)
	}
	return fetcher.NewCache(provider, md.CacheTTL), nil
}

func (a *App) newChannels() []alerting.Channel {
	cfg := a.Config.Alerting
	timeout := cfg.SendTimeout
	var channels []alerting.Channel
	if cfg.Telegram.BotToken != "" && cfg.Telegram.ChatID != "" {
		channels = append(channels, alerting.NewTelegramChannel(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.APIBase, timeout, a.Logger))
	}
	if cfg.Slack.WebhookURL != "" {
		channels = append(channels, alerting.NewSlackChannel(cfg.Slack.WebhookURL, timeout, a.Logger))
	}
	if cfg.Email.Configured() {
		channels = append(channels, alerting.NewEmailChannel(cfg.Email, timeout, a.Logger))
	}
	return channels
}

func (a *App) newDispatcher() *alerting.Dispatcher {
	channels := a.newChannels()
	if len(channels) == 0 {
		a.Logger.Warn().Msg("no alert channels configured; decisions are logged only")
	}
	return alerting.NewDispatcher(channels, a.Config.Alerting.Retry, a.Config.Alerting.SendTimeout, a.Logger)
}

func (a *App) openStore(ctx context.Context) (storage.Store, func(), error) {
	store, err := storage.Open(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		return nil, nil, nil
	}
	return store, store.Close, nil
}

func (a *App) loadRegistry() (*position.Registry, error) {
	reg, err := position.LoadRegistry(a.Config.Positions.Path)
	if err != nil {
		return nil, fmt.Errorf("load positions from %s: %w", a.Config.Positions.Path, err)
	}
	a.Logger.Info().Int("positions", reg.Len()).Str("path", a.Config.Positions.Path).Msg("positions loaded")
	a.warnNoStopLoss(reg.List())
	return reg, nil
}

func (a *App) warnNoStopLoss(positions []position.Position) {
	if a.Config.Exit.StopLossPct <= 0 {
		return
	}
	for _, p := range positions {
		if p.Enabled && !exit.HasStopLoss(p, a.Config.Exit) {
			a.Logger.Warn().Str("position_id", p.ID).Str("type", string(p.Type)).
				Msg("option position has no entry_underlying; stop-loss is disabled for it")
		}
	}
}

func (a *App) newEngine(cal *markethours.Calendar) *exit.Engine {
	return exit.NewEngine(a.Config.Exit, cal.Location())
}

// runtime is everything a monitoring command needs.
type runtime struct {
	svc      *service.Service
	registry *position.Registry
	calendar *markethours.Calendar
	store    storage.Store
	metrics  *metrics.Metrics
	close    func()
}

func (a *App) build(ctx context.Context, withScheduler bool) (*runtime, error) {
	cal, err := markethours.New(a.Config.MarketHours)
	if err != nil {
		return nil, err
	}
	if !withScheduler && cal.HolidaysExhausted(time.Now()) {
		warnHolidays(a.Logger)
	}
	reg, err := a.loadRegistry()
	if err != nil {
		return nil, err
	}
	provider, err := a.newProvider()
	if err != nil {
		return nil, err
	}
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
		closeStore = func() {}
	}

	m := metrics.New()
	deps := service.Deps{
		Registry: reg,
		Engine:   a.newEngine(cal),
		Analyzer: service.NewMarketAnalyzer(provider, a.Config.Indicators, a.Config.Signals,
			a.Config.MarketData.Lookback, a.Config.Scheduler.FetchTimeout, m),
		Notifier: a.newDispatcher(),
		Store:    store,
		Metrics:  m,
	}
	if withScheduler {
		deps.Scheduler = scheduler.New(scheduler.Options{
			Interval:     a.Config.Scheduler.Interval,
			AlignToStart: a.Config.Scheduler.AlignToStart,
			StartupDelay: a.Config.Scheduler.StartupDelay,
			Gate:         &meteredGate{cal: cal, metrics: m, logger: a.Logger},
		}, a.Logger)
	}

	svc := service.New(deps, service.Options{
		Workers:         a.Config.Scheduler.Workers,
		AlertsEnabled:   a.Config.Alerting.Enabled,
		AdvisoryLockKey: a.Config.Scheduler.AdvisoryLockKey,
		Retention:       a.Config.Database.NotificationRetention,
	}, a.Logger)
	if err := svc.Restore(ctx); err != nil {
		closeStore()
		return nil, err
	}
	return &runtime{svc: svc, registry: reg, calendar: cal, store: store, metrics: m, close: closeStore}, nil
}

// meteredGate reports gate transitions to the market_open gauge and warns
// once when the holiday list runs out.
type meteredGate struct {
	cal     *markethours.Calendar
	metrics *metrics.Metrics
	logger  zerolog.Logger
	warned  atomic.Bool
}

func (g *meteredGate) IsOpen(t time.Time) bool {
	if g.cal.HolidaysExhausted(t) && g.warned.CompareAndSwap(false, true) {
		warnHolidays(g.logger)
	}
	open := g.cal.IsOpen(t)
	g.metrics.SetMarketOpen(open)
	return open
}

func (g *meteredGate) NextOpen(t time.Time) time.Time { return g.cal.NextOpen(t) }

func warnHolidays(logger zerolog.Logger) {
	logger.Warn().Msg("market_hours.holidays has no dates left; exchange holidays are treated as trading days until the list is extended")
}

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := a.build(ctx, true)
	if err != nil {
		return err
	}
	defer rt.close()

	if addr := a.Config.Metrics.Listen; addr != "" {
		go func() {
			if err := rt.metrics.Serve(ctx, addr, a.Logger); err != nil {
				a.Logger.Error().Err(err).Msg("metrics endpoint failed")
			}
		}()
	}
	go a.watchReload(ctx, rt.registry)

	a.Logger.Info().
		Dur("interval", a.Config.Scheduler.Interval).
		Str("market", rt.calendar.Status(time.Now())).
		Msg("starting monitoring service")
	err = rt.svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

// watchReload re-reads the positions file on SIGHUP. The new set applies
// from the next tick; peaks already observed are kept.
func (a *App) watchReload(ctx context.Context, reg *position.Registry) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}
		positions, err := position.LoadFile(a.Config.Positions.Path)
		if err != nil {
			a.Logger.Error().Err(err).Msg("positions reload rejected; keeping current set")
			continue
		}
		peaks := make(map[string]decimal.Decimal, reg.Len())
		prior := reg.List()
		for _, p := range prior {
			if p.PreviousPeak != nil {
				peaks[p.ID] = *p.PreviousPeak
			}
		}
		if err := reg.Replace(positions); err != nil {
			a.Logger.Error().Err(err).Msg("positions reload rejected; keeping current set")
			continue
		}
		for _, p := range prior {
			if _, ok := reg.Get(p.ID); !ok {
				a.Logger.Info().Str("position_id", p.ID).Msg("position dropped from file; it closes on the next tick")
			}
		}
		reg.MergePeaks(peaks)
		a.Logger.Info().Int("positions", reg.Len()).Msg("positions reloaded")
		a.warnNoStopLoss(reg.List())
	}
}

// OnceOptions configure a single evaluation pass.
type OnceOptions struct {
	OutPath string
}

// ExportOptions configure the chart export.
type ExportOptions struct {
	Ticker    string
	PNGPath   string
	CSVPath   string
	Lookback  int
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// ReplayOptions configure an offline walk through history.
type ReplayOptions struct {
	PositionID string
	Lookback   int
	From       *time.Time
}
