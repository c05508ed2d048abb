// Package api serves the admin HTTP API: transport status and settings,
// the setup wizard, options, the mail log and diagnostics.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/shineum/mail-relay/internal/config"
	"github.com/shineum/mail-relay/internal/delivery"
	"github.com/shineum/mail-relay/internal/diagnostics"
	"github.com/shineum/mail-relay/internal/email"
	"github.com/shineum/mail-relay/internal/observability"
	"github.com/shineum/mail-relay/internal/transport"
)

// OptionsStore is the read and write side of config.Store.
type OptionsStore interface {
	Get() config.Options
	Save(opts config.Options) error
}

// Sender sends a message through the relay's send path.
type Sender interface {
	Deliver(ctx context.Context, msg *email.Email) error
}

// Deps are the collaborators the handlers need.
type Deps struct {
	Registry    *transport.Registry
	Options     OptionsStore
	Sender      Sender
	MailLog     *delivery.MailLog
	Diagnostics *diagnostics.Collector
	Metrics     *observability.Metrics

	// AdminUsername and AdminPassword protect /api with basic auth when
	// both are set.
	AdminUsername string
	AdminPassword string
}

// Handlers holds the admin API handlers.
type Handlers struct {
	registry    *transport.Registry
	options     OptionsStore
	sender      Sender
	mailLog     *delivery.MailLog
	diagnostics *diagnostics.Collector
}

// NewRouter wires every admin route.
func NewRouter(deps Deps) *chi.Mux {
	h := &Handlers{
		registry:    deps.Registry,
		options:     deps.Options,
		sender:      deps.Sender,
		mailLog:     deps.MailLog,
		diagnostics: deps.Diagnostics,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(deps.Metrics.HTTPMiddleware)

	r.Get("/health/live", h.Live)
	r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		if deps.AdminUsername != "" && deps.AdminPassword != "" {
			r.Use(middleware.BasicAuth("mail-relay", map[string]string{
				deps.AdminUsername: deps.AdminPassword,
			}))
		}

		r.Get("/diagnostics", h.Diagnostics)

		r.Get("/transports", h.ListTransports)
		r.Get("/transports/{slug}/settings", h.TransportSettings)
		r.Post("/transports/{slug}/validate", h.ValidateTransport)

		r.Post("/wizard/bids", h.WizardBids)
		r.Get("/wizard/oauth", h.WizardOAuth)

		r.Get("/options", h.GetOptions)
		r.Put("/options", h.PutOptions)
		r.Get("/options/export", h.ExportOptions)

		r.Get("/log", h.MailLogEntries)
		r.Post("/test-message", h.TestMessage)
	})

	return r
}
