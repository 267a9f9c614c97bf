package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/shopspring/decimal"

	"position-exit-alerts/internal/exit"
	"position-exit-alerts/internal/position"
	"position-exit-alerts/internal/service"
)

// SimulateAlert sends a test alert through every configured channel.
func (a *App) SimulateAlert(ctx context.Context, ticker string, price decimal.Decimal) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting is disabled")
	}

	dispatcher := a.newDispatcher()
	if len(dispatcher.Channels()) == 0 {
		return errors.New("no alert channels configured")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	svc := service.New(service.Deps{
		Registry: position.NewRegistry(),
		Engine:   exit.NewEngine(a.Config.Exit, nil),
		Notifier: dispatcher,
		Store:    store,
	}, service.Options{AlertsEnabled: true}, a.Logger)

	res, err := svc.SimulateAlert(ctx, ticker, price)
	fmt.Fprintf(os.Stdout, "event %s\n", res.EventID)
	for _, name := range res.Succeeded {
		fmt.Fprintf(os.Stdout, "  %-10s ok\n", name)
	}
	failed := make([]string, 0, len(res.Failed))
	for name := range res.Failed {
		failed = append(failed, name)
	}
	sort.Strings(failed)
	for _, name := range failed {
		fmt.Fprintf(os.Stdout, "  %-10s %v\n", name, res.Failed[name])
	}
	return err
}
