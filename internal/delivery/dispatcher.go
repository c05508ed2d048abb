// Package delivery routes accepted messages to the active transport and
// records the outcome.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/mail-relay/internal/config"
	"github.com/shineum/mail-relay/internal/email"
	"github.com/shineum/mail-relay/internal/observability"
	"github.com/shineum/mail-relay/internal/state"
	"github.com/shineum/mail-relay/internal/transport"
)

// noTransport labels outcomes that never reached a transport.
const noTransport = "none"

// Pipeline stages.
const (
	StagePreSend  = "pre_send"
	StagePostSend = "post_send"
)

// PreSendFunc may modify msg before it reaches the transport. An error
// aborts the delivery.
type PreSendFunc func(ctx context.Context, opts config.Options, msg *email.Email) error

// PostSendFunc observes the outcome of a delivery.
type PostSendFunc func(ctx context.Context, opts config.Options, r Result)

// Result is what post_send handlers see.
type Result struct {
	ID        string
	Time      time.Time
	Transport string
	Message   *email.Email
	Status    string
	Err       error
	// Attempted is true when the transport was called.
	Attempted bool
	Duration  time.Duration
}

type preSend struct {
	name string
	fn   PreSendFunc
}

type postSend struct {
	name string
	fn   PostSendFunc
}

// Dispatcher implements the relay's send path. It is safe for concurrent use.
type Dispatcher struct {
	registry *transport.Registry
	options  transport.OptionsSource
	counters state.Counters
	metrics  *observability.Metrics
	log      *MailLog
	now      func() time.Time

	mu       sync.RWMutex
	preSend  []preSend
	postSend []postSend
}

// New creates a Dispatcher with the standard pipeline: sender override,
// Message-ID and X-Mailer before sending; mail log and metrics after.
func New(registry *transport.Registry, options transport.OptionsSource, counters state.Counters, metrics *observability.Metrics) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		options:  options,
		counters: counters,
		metrics:  metrics,
		log:      NewMailLog(),
		now:      time.Now,
	}
	d.UsePreSend("sender_override", SenderOverride)
	d.UsePreSend("message_id", MessageID)
	d.UsePreSend("x_mailer", XMailer)
	d.UsePostSend("mail_log", RecordMailLog(d.log))
	d.UsePostSend("metrics", RecordMetrics(metrics))
	return d
}

func (d *Dispatcher) UsePreSend(name string, fn PreSendFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.preSend = append(d.preSend, preSend{name: name, fn: fn})
}

func (d *Dispatcher) UsePostSend(name string, fn PostSendFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.postSend = append(d.postSend, postSend{name: name, fn: fn})
}

// HandlerNames lists the handlers registered for a stage, in order.
func (d *Dispatcher) HandlerNames(stage string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var names []string
	switch stage {
	case StagePreSend:
		for _, h := range d.preSend {
			names = append(names, h.name)
		}
	case StagePostSend:
		for _, h := range d.postSend {
			names = append(names, h.name)
		}
	}
	return names
}

func (d *Dispatcher) MailLog() *MailLog { return d.log }

func (d *Dispatcher) Counters() state.Counters { return d.counters }

// Deliver runs msg through the pipeline and the active transport. Only
// real transport calls move the delivery counters.
func (d *Dispatcher) Deliver(ctx context.Context, msg *email.Email) error {
	opts := d.options.Get()
	r := Result{ID: uuid.NewString(), Time: d.now(), Message: msg}

	switch opts.RunMode {
	case config.RunModeIgnore:
		slog.Debug("message ignored", "id", r.ID, "run_mode", opts.RunMode)
		d.metrics.IncDelivery(noTransport, observability.OutcomeIgnored)
		return nil
	case config.RunModeLogOnly:
		if err := d.runPreSend(ctx, opts, msg); err != nil {
			return err
		}
		r.Status = StatusLogged
		slog.Info("message logged without delivery", "id", r.ID, "to", redactAll(msg.Recipients()))
		d.runPostSend(ctx, opts, r)
		return nil
	}

	t, err := d.registry.Active()
	if err != nil {
		return err
	}
	r.Transport = t.Slug()

	if !t.IsConfiguredAndReady() {
		if problems := t.Validate(); len(problems) > 0 || !t.IsConfiguredAndReady() {
			cfgErr := &transport.ConfigurationError{Slug: t.Slug(), Messages: problems}
			slog.Warn("active transport is not ready", "transport", t.Slug(), "problems", problems)
			r.Status, r.Err = StatusFailed, cfgErr
			d.runPostSend(ctx, opts, r)
			return cfgErr
		}
	}

	if err := d.runPreSend(ctx, opts, msg); err != nil {
		r.Status, r.Err = StatusFailed, err
		d.runPostSend(ctx, opts, r)
		return err
	}

	start := time.Now()
	err = t.Deliver(ctx, msg)
	r.Attempted = true
	r.Duration = time.Since(start)

	if err != nil {
		r.Status, r.Err = StatusFailed, err
		if cerr := d.counters.IncFailed(ctx); cerr != nil {
			slog.Warn("failed to update delivery counters", "error", cerr)
		}
		slog.Error("delivery failed",
			"id", r.ID,
			"transport", r.Transport,
			"to", redactAll(msg.Recipients()),
			"transient", transport.IsTransient(err),
			"error", err,
		)
	} else {
		r.Status = StatusSent
		if cerr := d.counters.IncSuccess(ctx); cerr != nil {
			slog.Warn("failed to update delivery counters", "error", cerr)
		}
		slog.Info("message delivered",
			"id", r.ID,
			"transport", r.Transport,
			"to", redactAll(msg.Recipients()),
			"duration", r.Duration,
		)
	}

	d.runPostSend(ctx, opts, r)
	return err
}

func (d *Dispatcher) runPreSend(ctx context.Context, opts config.Options, msg *email.Email) error {
	d.mu.RLock()
	handlers := d.preSend
	d.mu.RUnlock()

	for _, h := range handlers {
		if err := h.fn(ctx, opts, msg); err != nil {
			return fmt.Errorf("%s handler %s: %w", StagePreSend, h.name, err)
		}
	}
	return nil
}

// runPostSend calls every handler; a panicking handler is logged and
// skipped.
func (d *Dispatcher) runPostSend(ctx context.Context, opts config.Options, r Result) {
	d.mu.RLock()
	handlers := d.postSend
	d.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if p := recover(); p != nil {
					slog.Error("post_send handler panicked", "handler", h.name, "panic", p)
				}
			}()
			h.fn(ctx, opts, r)
		}()
	}
}

// IsConfigurationError reports whether err came from a transport that is
// not ready.
func IsConfigurationError(err error) bool {
	var cfgErr *transport.ConfigurationError
	return errors.As(err, &cfgErr)
}
