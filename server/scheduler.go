package server

import (
	"context"
	"time"
)

// StartJanitor runs periodic cleanup of expired pending flows until stop
// is closed.
func (a *App) StartJanitor(stop <-chan struct{}) {
	interval := a.Config.SweepInterval()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				removed, err := a.Flows.Sweep(ctx, time.Now())
				cancel()
				if err != nil {
					a.Logger.Error("pending flow sweep failed", "error", err)
				} else if removed > 0 {
					a.Logger.Info("expired flows removed", "count", removed)
				}
			}
		}
	}()
}

// StartRefreshLoop proactively refreshes connected credentials that are
// close to expiry, until stop is closed. Terminal refresh failures are
// handled inside the manager; everything else is retried on the next
// tick.
func (a *App) StartRefreshLoop(stop <-chan struct{}) {
	interval := a.Config.RefreshInterval()
	skew := a.Config.RefreshSkew()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				a.refreshDueCredentials(skew)
			}
		}
	}()
}

func (a *App) refreshDueCredentials(skew time.Duration) {
	now := time.Now()
	for _, name := range a.Manager.Providers() {
		ctx, cancel := context.WithTimeout(context.Background(), a.Config.ProviderTimeout()+time.Second)
		cred, found, err := a.Creds.Get(ctx, name)
		if err != nil {
			cancel()
			a.Logger.Error("credential read failed", "provider", name, "error", err)
			continue
		}
		if !found || !cred.Refreshable() || cred.ExpiresAt.IsZero() || cred.ExpiresAt.After(now.Add(skew)) {
			cancel()
			continue
		}
		if err := a.Manager.Refresh(ctx, name, now); err != nil {
			a.Logger.Warn("scheduled refresh failed", "provider", name, "error", err)
		}
		cancel()
	}
}
