package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"guardwatch/internal/command"
	"guardwatch/internal/reconcile"
	"guardwatch/internal/service"
)

// Submit sends one command and optionally waits for on-chain confirmation.
func (a *App) Submit(ctx context.Context, opts SubmitOptions) error {
	kind, ok := reconcile.ParseIntentKind(opts.Kind)
	if !ok {
		return fmt.Errorf("%w: unknown kind %q", command.ErrInvalidValue, opts.Kind)
	}

	client, err := a.newChainClient()
	if err != nil {
		return err
	}
	defer client.Close()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	svc, err := a.buildService(client, store, nil, nil)
	if err != nil {
		return err
	}
	defer svc.Shutdown()

	return submitAndWait(ctx, svc, kind, opts, os.Stdout)
}

func submitAndWait(ctx context.Context, svc *service.Service, kind reconcile.IntentKind, opts SubmitOptions, out io.Writer) error {
	// a baseline read lets confirmation compare against current chain values
	if _, err := svc.Poller().PollOnce(ctx); err != nil {
		return fmt.Errorf("initial poll: %w", err)
	}

	intent, err := svc.Pipeline().Submit(ctx, kind, opts.Value)
	if err != nil {
		return err
	}
	if !opts.Wait {
		return printIntent(out, intent)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := svc.Poller().Start(waitCtx, svc.PollInterval()); err != nil {
		return err
	}
	final, err := svc.Pipeline().Await(waitCtx, intent.ID)
	if printErr := printIntent(out, final); printErr != nil {
		return printErr
	}
	if err != nil {
		return fmt.Errorf("waiting for intent %s: %w", intent.ID, err)
	}
	if final.State == reconcile.IntentFailed {
		return fmt.Errorf("intent %s failed: %s", final.ID, final.Error)
	}
	return nil
}

func printIntent(out io.Writer, intent reconcile.CommandIntent) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(intent)
}
