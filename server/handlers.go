package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config  Config
	Logger  *slog.Logger
	Flows   PendingFlowStore
	Creds   CredentialStore
	Manager *ConnectionManager

	sqlite *SQLiteStore
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	app := &App{Config: cfg, Logger: logger}

	switch cfg.Store.Backend {
	case "sqlite":
		store, err := OpenSQLiteStore(ctx, cfg.Store.Path, cfg.FlowTTL())
		if err != nil {
			return nil, err
		}
		app.sqlite = store
		app.Flows = store
		app.Creds = store.Credentials()
	default:
		app.Flows = NewMemoryPendingStore(cfg.FlowTTL())
		app.Creds = NewMemoryCredentialStore()
	}

	providers, err := BuildProviders(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	app.Manager = NewConnectionManager(providers, app.Flows, app.Creds, cfg.RefreshSkew(), logger)
	return app, nil
}

// Close releases owned resources.
func (a *App) Close() error {
	if a.sqlite != nil {
		return a.sqlite.Close()
	}
	return nil
}

func (a *App) handleConnect(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	redirect, err := a.Manager.Start(r.Context(), provider, time.Now())
	if err != nil {
		if errors.Is(err, ErrUnknownProvider) {
			writeJSONError(w, http.StatusNotFound, ErrorKindUnknownProvider)
			return
		}
		a.Logger.Error("start flow failed", "provider", provider, "error", err)
		writeJSONError(w, http.StatusInternalServerError, ErrorKindInternal)
		return
	}

	http.Redirect(w, r, redirect, http.StatusFound)
}

func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	q := r.URL.Query()

	// The provider reports user denial and its own errors via an error
	// query parameter instead of a code.
	if errCode := q.Get("error"); errCode != "" {
		a.Logger.Warn("authorization denied", "provider", provider, "error", errCode)
		a.redirectLanding(w, r, ConnectResult{Provider: provider, ErrorKind: ErrorKindAccessDenied})
		return
	}

	result := a.Manager.HandleCallback(r.Context(), provider, q.Get("state"), q.Get("code"), time.Now())
	a.redirectLanding(w, r, result)
}

func (a *App) handleRefresh(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	err := a.Manager.Refresh(r.Context(), provider, time.Now())
	switch {
	case err == nil:
		writeJSON(w, map[string]any{"success": true})
	case errors.Is(err, ErrUnknownProvider):
		writeJSONError(w, http.StatusNotFound, ErrorKindUnknownProvider)
	case errors.Is(err, ErrNotConnected):
		writeJSONError(w, http.StatusConflict, ErrorKindNotConnected)
	default:
		a.Logger.Warn("refresh failed", "provider", provider, "error", err)
		writeJSONError(w, http.StatusBadGateway, ErrorKindRefreshFailed)
	}
}

func (a *App) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	err := a.Manager.Disconnect(r.Context(), provider, time.Now())
	switch {
	case err == nil:
		writeJSON(w, map[string]any{"success": true})
	case errors.Is(err, ErrUnknownProvider):
		writeJSONError(w, http.StatusNotFound, ErrorKindUnknownProvider)
	default:
		a.Logger.Error("disconnect failed", "provider", provider, "error", err)
		writeJSONError(w, http.StatusInternalServerError, ErrorKindInternal)
	}
}

func (a *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	cred, found, err := a.Manager.Status(r.Context(), provider)
	if err != nil {
		if errors.Is(err, ErrUnknownProvider) {
			writeJSONError(w, http.StatusNotFound, ErrorKindUnknownProvider)
			return
		}
		a.Logger.Error("status lookup failed", "provider", provider, "error", err)
		writeJSONError(w, http.StatusInternalServerError, ErrorKindInternal)
		return
	}

	resp := map[string]any{
		"provider":  provider,
		"connected": found && cred.Connected,
		"usable":    found && cred.Usable(time.Now()),
	}
	if found && cred.Connected && !cred.ExpiresAt.IsZero() {
		resp["expires_at"] = cred.ExpiresAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, resp)
}

// redirectLanding sends the browser back to the application-defined
// landing location with a machine-readable outcome.
func (a *App) redirectLanding(w http.ResponseWriter, r *http.Request, result ConnectResult) {
	landing, err := url.Parse(a.Config.Landing())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, ErrorKindInternal)
		return
	}

	q := landing.Query()
	q.Set("platform", result.Provider)
	if result.OK {
		q.Set("success", "true")
	} else {
		q.Set("success", "false")
		q.Set("error", result.ErrorKind)
	}
	landing.RawQuery = q.Encode()

	http.Redirect(w, r, landing.String(), http.StatusFound)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, kind string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": kind})
}
