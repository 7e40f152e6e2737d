package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router with all connection endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(CORSMiddleware(a.Config.Server.CORS))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware())
	}

	r.Get("/connect/{provider}", a.handleConnect)
	r.Get("/connect/{provider}/callback", a.handleCallback)
	r.Get("/connect/{provider}/status", a.handleStatus)
	r.Post("/connect/{provider}/refresh", a.handleRefresh)
	r.Post("/connect/{provider}/disconnect", a.handleDisconnect)

	return r
}
