package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/shineum/mail-relay/internal/config"
	"github.com/shineum/mail-relay/internal/delivery"
	"github.com/shineum/mail-relay/internal/email"
	"github.com/shineum/mail-relay/internal/scribe"
	"github.com/shineum/mail-relay/internal/transport"
)

const maxBodyBytes = 1 << 20

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("failed to write response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func (h *Handlers) Live(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Diagnostics returns the plain-text report wrapped in the envelope the
// support form expects.
func (h *Handlers) Diagnostics(w http.ResponseWriter, r *http.Request) {
	report := h.diagnostics.Collect(r.Context())
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data":    map[string]string{"message": report.String()},
	})
}

type transportView struct {
	Slug     string   `json:"slug"`
	Name     string   `json:"name"`
	URI      string   `json:"uri"`
	Details  string   `json:"details"`
	Ready    bool     `json:"ready"`
	Selected bool     `json:"selected"`
	Active   bool     `json:"active"`
	Messages []string `json:"messages,omitempty"`
}

func (h *Handlers) ListTransports(w http.ResponseWriter, r *http.Request) {
	selected := h.options.Get().TransportType
	active, err := h.registry.Active()
	if err != nil {
		slog.Debug("no active transport", "error", err)
	}

	transports := h.registry.Transports()
	views := make([]transportView, 0, len(transports))
	for _, t := range transports {
		views = append(views, transportView{
			Slug:     t.Slug(),
			Name:     t.Name(),
			URI:      h.registry.PublicTransportURI(t),
			Details:  transport.DeliveryDetails(t),
			Ready:    t.IsConfiguredAndReady(),
			Selected: t.Slug() == selected,
			Active:   active != nil && t.Slug() == active.Slug(),
		})
	}
	respondJSON(w, http.StatusOK, views)
}

func (h *Handlers) lookup(w http.ResponseWriter, r *http.Request) (transport.Transport, bool) {
	slug := chi.URLParam(r, "slug")
	t, ok := h.registry.Lookup(slug)
	if !ok {
		respondError(w, http.StatusNotFound, fmt.Sprintf("unknown transport %q", slug))
	}
	return t, ok
}

// TransportSettings returns the settings section of one transport with the
// problems its current configuration has.
func (h *Handlers) TransportSettings(w http.ResponseWriter, r *http.Request) {
	t, ok := h.lookup(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"settings": t.Settings(),
		"messages": nonNil(t.Validate()),
		"ready":    t.IsConfiguredAndReady(),
	})
}

func (h *Handlers) ValidateTransport(w http.ResponseWriter, r *http.Request) {
	t, ok := h.lookup(w, r)
	if !ok {
		return
	}
	messages := t.Validate()
	respondJSON(w, http.StatusOK, transportView{
		Slug:     t.Slug(),
		Name:     t.Name(),
		URI:      h.registry.PublicTransportURI(t),
		Details:  transport.DeliveryDetails(t),
		Ready:    t.IsConfiguredAndReady(),
		Messages: nonNil(messages),
	})
}

type bidRequest struct {
	Hostname string `json:"hostname"`
	Port     int    `json:"port"`
	Auth     string `json:"auth"`
}

// WizardBids asks every transport how well it suits a discovered host.
func (h *Handlers) WizardBids(w http.ResponseWriter, r *http.Request) {
	var req bidRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Port < 0 || req.Port > 65535 {
		respondError(w, http.StatusBadRequest, "port out of range")
		return
	}
	host := strings.TrimSpace(req.Hostname)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"hostname": host,
		"port":     req.Port,
		"bids":     h.registry.CollectBids(host, req.Port, req.Auth),
	})
}

func (h *Handlers) WizardOAuth(w http.ResponseWriter, r *http.Request) {
	host := strings.TrimSpace(r.URL.Query().Get("hostname"))
	if host == "" {
		respondError(w, http.StatusBadRequest, "hostname is required")
		return
	}
	help, err := scribe.For(host, h.options.Get().AdminURL).Help()
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, scribe.ErrNoAdminURL) {
			status = http.StatusConflict
		}
		respondError(w, status, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, help)
}

func (h *Handlers) GetOptions(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.options.Get().Masked())
}

// ExportOptions returns the options for an export file. Unlike GetOptions
// it carries the Mailgun API key.
func (h *Handlers) ExportOptions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Disposition", `attachment; filename="mail-relay-options.json"`)
	respondJSON(w, http.StatusOK, h.options.Get().ForExport())
}

// PutOptions replaces the options. Fields missing from the body keep their
// current value, and a secret sent back in its masked form is left as is.
// The selected transport is revalidated against the saved options.
func (h *Handlers) PutOptions(w http.ResponseWriter, r *http.Request) {
	current := h.options.Get()
	next := current
	if err := decodeJSON(w, r, &next); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	restoreMaskedSecrets(&next, current)

	if err := h.options.Save(next); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	slog.Info("options saved", "transport", next.TransportType, "run_mode", next.RunMode)

	var messages []string
	if t := h.registry.Selected(); t != nil {
		messages = t.Validate()
		if len(messages) > 0 {
			slog.Warn("selected transport has configuration problems",
				"transport", t.Slug(), "problems", messages)
		}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"options":  h.options.Get().Masked(),
		"messages": nonNil(messages),
	})
}

func restoreMaskedSecrets(next *config.Options, current config.Options) {
	keep := func(dst *string, cur string) {
		if cur != "" && *dst == config.Obfuscate(cur) {
			*dst = cur
		}
	}
	keep(&next.SMTP.Password, current.SMTP.Password)
	keep(&next.Mailgun.APIKey, current.Mailgun.APIKey)
	keep(&next.SES.SecretAccessKey, current.SES.SecretAccessKey)
	keep(&next.Graph.ClientSecret, current.Graph.ClientSecret)
}

func (h *Handlers) MailLogEntries(w http.ResponseWriter, r *http.Request) {
	entries := h.mailLog.Entries()
	if entries == nil {
		entries = []delivery.Entry{}
	}
	respondJSON(w, http.StatusOK, entries)
}

type testMessageRequest struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// TestMessage sends a message through the full send path, using the
// configured sender as the default recipient.
func (h *Handlers) TestMessage(w http.ResponseWriter, r *http.Request) {
	var req testMessageRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	opts := h.options.Get()
	to := strings.TrimSpace(req.To)
	if to == "" {
		to = opts.Sender.Email
	}
	if to == "" {
		respondError(w, http.StatusBadRequest, "recipient is required")
		return
	}
	subject := req.Subject
	if subject == "" {
		subject = "mail-relay test message"
	}
	body := req.Body
	if body == "" {
		body = "This is a test message sent by mail-relay."
	}

	msg := &email.Email{
		From:     opts.Sender.Email,
		FromName: opts.Sender.Name,
		To:       []string{to},
		Subject:  subject,
		TextBody: body,
	}

	err := h.sender.Deliver(r.Context(), msg)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, map[string]interface{}{"success": true, "message_id": msg.MessageID})
	case delivery.IsConfigurationError(err):
		var cfgErr *transport.ConfigurationError
		errors.As(err, &cfgErr)
		respondJSON(w, http.StatusConflict, map[string]interface{}{
			"success":  false,
			"error":    err.Error(),
			"messages": nonNil(cfgErr.Messages),
		})
	default:
		status := http.StatusBadGateway
		if errors.Is(err, transport.ErrNoActiveTransport) {
			status = http.StatusConflict
		}
		respondJSON(w, status, map[string]interface{}{
			"success":   false,
			"error":     err.Error(),
			"transient": transport.IsTransient(err),
		})
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
