// Package diagnostics assembles the plain-text report an administrator
// attaches to a support request.
package diagnostics

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/shineum/mail-relay/internal/config"
	"github.com/shineum/mail-relay/internal/email"
	"github.com/shineum/mail-relay/internal/probe"
	"github.com/shineum/mail-relay/internal/state"
	"github.com/shineum/mail-relay/internal/transport"
)

// ProbeTimeout bounds each connectivity test.
const ProbeTimeout = 2 * time.Second

// Connectivity answers.
const (
	Yes           = "Yes"
	No            = "No"
	NotApplicable = "n/a"
)

const defaultLogLevel = "info"

// Row is one "Label: value" line.
type Row struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Report is the ordered list of rows. Rows never have empty values.
type Report struct {
	Rows []Row `json:"rows"`
}

func (r Report) String() string {
	lines := make([]string, len(r.Rows))
	for i, row := range r.Rows {
		lines[i] = row.Label + ": " + row.Value
	}
	return strings.Join(lines, "\n")
}

// Value returns the value of the row labelled label.
func (r Report) Value(label string) (string, bool) {
	for _, row := range r.Rows {
		if row.Label == label {
			return row.Value, true
		}
	}
	return "", false
}

// Collector gathers diagnostics from its collaborators. It holds no state
// of its own.
type Collector struct {
	registry *transport.Registry
	options  transport.OptionsSource
	counters state.Counters
	env      Environment
	prober   probe.Prober
	logLevel string
}

func NewCollector(registry *transport.Registry, options transport.OptionsSource, counters state.Counters,
	env Environment, prober probe.Prober, logLevel string) *Collector {
	if prober == nil {
		prober = probe.TCP{}
	}
	return &Collector{
		registry: registry,
		options:  options,
		counters: counters,
		env:      env,
		prober:   prober,
		logLevel: logLevel,
	}
}

// resolver produces the value of one row. An empty value omits the row.
type resolver func(ctx context.Context) (string, error)

// Collect builds the report. A resolver that fails or panics drops only
// its own row.
func (c *Collector) Collect(ctx context.Context) Report {
	var opts config.Options
	optsErr := guard("options", func() error {
		opts = c.options.Get()
		return nil
	})
	if optsErr != nil {
		slog.Debug("diagnostics options unavailable", "error", optsErr)
	}
	haveOpts := optsErr == nil

	var rep Report

	add := func(label string, fn resolver) {
		value, err := c.resolve(ctx, label, fn)
		if err != nil {
			slog.Debug("diagnostics row skipped", "label", label, "error", err)
			return
		}
		if value != "" {
			rep.Rows = append(rep.Rows, Row{Label: label, Value: value})
		}
	}
	text := func(fn func() string) resolver {
		return func(context.Context) (string, error) { return fn(), nil }
	}

	add("HostName", func(context.Context) (string, error) { return c.env.ServerName() })
	add("OS", text(c.env.OS))
	add("Go Runtime", text(c.env.Runtime))
	add("TLS Library", text(c.env.TLSLibrary))
	add("Dependencies", text(c.env.Dependencies))
	add("Plugins", text(c.env.Plugins))
	add("Pipeline pre_send Handler(s)", text(func() string {
		return strings.Join(c.env.PipelineHandlers("pre_send"), ", ")
	}))
	add("Pipeline post_send Handler(s)", text(func() string {
		return strings.Join(c.env.PipelineHandlers("post_send"), ", ")
	}))
	add("Relay Version", text(c.env.RelayVersion))

	if haveOpts && (opts.Sender.EnvelopeSender != "" || opts.Sender.Email != "") {
		add("Sender Domain (Envelope|Message)", text(func() string {
			return email.Domain(opts.Sender.EnvelopeSender) + " | " + email.Domain(opts.Sender.Email)
		}))
	}
	if haveOpts {
		add("Prevent Message Sender Override (Email|Name)", text(func() string {
			return yesNo(opts.Sender.PreventEmailOverride) + " | " + yesNo(opts.Sender.PreventNameOverride)
		}))
	}

	var active, selected transport.Transport
	activeErr := guard("Active Transport", func() (err error) {
		active, err = c.registry.Active()
		return err
	})
	if activeErr == nil {
		add("Active Transport", text(func() string { return c.describe(active) }))
		add("Active Transport Status (Ready|Connected)", func(ctx context.Context) (string, error) {
			return c.status(ctx, active), nil
		})
	} else {
		slog.Debug("no active transport for diagnostics", "error", activeErr)
	}

	selectedErr := guard("Selected Transport", func() error {
		selected = c.registry.Selected()
		return nil
	})
	if selectedErr != nil {
		slog.Debug("no selected transport for diagnostics", "error", selectedErr)
	}
	if selected != nil && (activeErr != nil || selected != active) {
		add("Selected Transport", text(func() string { return c.describe(selected) }))
		add("Selected Transport Status (Ready|Connected)", func(ctx context.Context) (string, error) {
			return c.status(ctx, selected), nil
		})
	}

	add("Registered Transports", text(func() string {
		var names []string
		for _, t := range c.registry.Transports() {
			names = append(names, t.Name())
		}
		return strings.Join(names, " : ")
	}))
	add("Deliveries (Success|Fail)", func(ctx context.Context) (string, error) {
		snap, err := c.counters.Snapshot(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d | %d", snap.Success, snap.Failed), nil
	})

	if haveOpts && (opts.ConnectionTimeout != config.DefaultConnectionTimeout || opts.ReadTimeout != config.DefaultReadTimeout) {
		add("TCP Timeout (Connection|Read)", text(func() string {
			return seconds(opts.ConnectionTimeout) + " | " + seconds(opts.ReadTimeout)
		}))
	}
	ml := opts.MailLog
	if haveOpts && (ml.Enabled != config.DefaultMailLogEnabled || ml.MaxEntries != config.DefaultMailLogEntries ||
		ml.TranscriptSize != config.DefaultTranscriptSize) {
		add("Email Log (Enabled|Limit|Transcript Size)", text(func() string {
			return fmt.Sprintf("%s | %d | %d", yesNo(ml.Enabled), ml.MaxEntries, ml.TranscriptSize)
		}))
	}
	if haveOpts && opts.RunMode != config.RunModeProduction {
		add("Run Mode", text(func() string { return opts.RunMode }))
	}
	if level := strings.ToLower(c.logLevel); level != "" && level != defaultLogLevel {
		add("Log Level", text(func() string { return level }))
	}
	if haveOpts && opts.StealthMode {
		add("Stealth Mode", text(func() string { return Yes }))
	}
	if haveOpts && !config.TempDirWritable(opts.TempDir) {
		add("File Locking (Enabled|Temp Dir)", text(func() string { return No + " | " + opts.TempDir }))
	}

	return rep
}

func (c *Collector) resolve(ctx context.Context, label string, fn resolver) (value string, err error) {
	err = guard(label, func() (err error) {
		value, err = fn(ctx)
		return err
	})
	return value, err
}

// guard runs fn and turns a panic into an error naming label.
func guard(label string, fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%q panicked: %v", label, p)
		}
	}()
	return fn()
}

func (c *Collector) describe(t transport.Transport) string {
	return fmt.Sprintf("%s (%s)", t.Name(), c.registry.PublicTransportURI(t))
}

func (c *Collector) status(ctx context.Context, t transport.Transport) string {
	return yesNo(t.IsConfiguredAndReady()) + " | " + c.TestConnectivity(ctx, t)
}

// TestConnectivity probes the transport's endpoint once. Transports
// without an endpoint answer n/a.
func (c *Collector) TestConnectivity(ctx context.Context, t transport.Transport) string {
	host, port := t.Hostname(), t.Port()
	if host == "" || port <= 0 {
		return NotApplicable
	}
	outcome, err := c.prober.Probe(ctx, host, port, ProbeTimeout)
	if err != nil {
		slog.Debug("connectivity probe rejected", "host", host, "port", port, "error", err)
		return NotApplicable
	}
	if outcome == probe.Reachable {
		return Yes
	}
	return No
}

func yesNo(b bool) string {
	if b {
		return Yes
	}
	return No
}

func seconds(d time.Duration) string {
	return strconv.FormatInt(int64(d/time.Second), 10)
}
