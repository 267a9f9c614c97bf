package app

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// ClosePosition stops monitoring a position for good. The CLOSED state is
// persisted, so the id stays closed even while it remains in the positions
// file.
func (a *App) ClosePosition(ctx context.Context, id string) error {
	rt, err := a.build(ctx, false)
	if err != nil {
		return err
	}
	defer rt.close()

	if rt.store == nil {
		return errors.New("database not configured; a closed position would reopen on the next run")
	}
	if err := rt.svc.Close(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "position %s closed\n", id)
	a.Logger.Info().Str("position_id", id).Msg("position closed by operator")
	return nil
}
