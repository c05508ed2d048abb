// Package probe checks whether a TCP endpoint accepts connections.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

// Outcome is the result of a single probe.
type Outcome int

const (
	// Unreachable means the connection was refused, timed out or could not
	// be resolved.
	Unreachable Outcome = iota
	// Reachable means a TCP connection was established.
	Reachable
)

func (o Outcome) String() string {
	if o == Reachable {
		return "reachable"
	}
	return "unreachable"
}

// Argument errors. Network failures are never errors; they are Unreachable.
var (
	ErrEmptyHost   = errors.New("probe: host is empty")
	ErrInvalidPort = errors.New("probe: port out of range")
	ErrBadTimeout  = errors.New("probe: timeout must be positive")
)

// Prober performs connectivity probes.
type Prober interface {
	Probe(ctx context.Context, host string, port int, timeout time.Duration) (Outcome, error)
}

// TCP probes with a single net.Dialer connect attempt.
type TCP struct{}

// Probe dials host:port once, bounded by timeout, and closes the connection
// immediately on success.
func (TCP) Probe(ctx context.Context, host string, port int, timeout time.Duration) (Outcome, error) {
	if host == "" {
		return Unreachable, ErrEmptyHost
	}
	if port <= 0 || port > 65535 {
		return Unreachable, fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}
	if timeout <= 0 {
		return Unreachable, ErrBadTimeout
	}

	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return Unreachable, nil
	}
	conn.Close()
	return Reachable, nil
}

// ObserverFunc is called with the outcome of every successful probe call.
type ObserverFunc func(Outcome)

type observed struct {
	next    Prober
	observe ObserverFunc
}

// WithObserver wraps p so that every outcome is reported to fn.
func WithObserver(p Prober, fn ObserverFunc) Prober {
	if fn == nil {
		return p
	}
	return &observed{next: p, observe: fn}
}

func (o *observed) Probe(ctx context.Context, host string, port int, timeout time.Duration) (Outcome, error) {
	out, err := o.next.Probe(ctx, host, port, timeout)
	if err == nil {
		o.observe(out)
	}
	return out, err
}
