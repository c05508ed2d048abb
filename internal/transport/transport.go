// Package transport defines the contract every delivery backend implements
// and the registry that resolves which backend is in use.
package transport

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/shineum/mail-relay/internal/config"
	"github.com/shineum/mail-relay/internal/email"
)

// Transport is a delivery backend. Variants read their settings from the
// live options on every call, so an admin save takes effect immediately.
type Transport interface {
	// Slug is the stable identifier stored in the options.
	Slug() string
	// Name is the human-readable name.
	Name() string
	// Protocol is the URI scheme used in the public transport URI.
	Protocol() string
	// Hostname returns "" when the transport has no network endpoint.
	Hostname() string
	// Port returns 0 when the transport has no network endpoint.
	Port() int

	// IsConfiguredAndReady is false whenever a required credential is
	// empty or the last Validate call reported problems.
	IsConfiguredAndReady() bool
	// Validate returns every configuration problem found.
	Validate() []string

	// Deliver sends msg with exactly one provider call. It returns nil when
	// the message was accepted and a *DeliveryError otherwise.
	Deliver(ctx context.Context, msg *email.Email) error

	// ConfigurationBid scores how well this transport suits a host and
	// port discovered by the setup wizard.
	ConfigurationBid(host string, port int, authOverride string) Bid

	// Settings describes the admin settings section for this transport.
	Settings() SettingsSection
}

// OptionsSource is the read side of config.Store.
type OptionsSource interface {
	Get() config.Options
}

// Readiness carries the result of the last validation. Variants embed it
// and combine it with their own credential checks.
type Readiness struct {
	invalid atomic.Bool
}

// Record stores the outcome of a validation run and returns problems
// unchanged. Any problem marks the transport not ready; a clean run
// clears the mark.
func (r *Readiness) Record(problems []string) []string {
	r.invalid.Store(len(problems) > 0)
	return problems
}

// Ready reports whether credentials are present and the last validation
// was clean.
func (r *Readiness) Ready(credentialsPresent bool) bool {
	return credentialsPresent && !r.invalid.Load()
}

// DeliveryDetails is the one-line description of where mail goes.
func DeliveryDetails(t Transport) string {
	return fmt.Sprintf("Deliveries will be sent via the %s.", t.Name())
}

// Bid is a transport's answer to the setup wizard for one candidate host.
type Bid struct {
	Slug      string     `json:"transport"`
	Label     string     `json:"label"`
	Hostname  string     `json:"hostname,omitempty"`
	Priority  int        `json:"priority"`
	Message   string     `json:"message,omitempty"`
	AuthItems []AuthItem `json:"auth_items,omitempty"`
}

// AuthItem is one entry of the wizard's authentication override menu.
type AuthItem struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Selected bool   `json:"selected"`
}

// AuthAPIKey is the only authentication offered by HTTP API transports.
const AuthAPIKey = "api_key"

// APIKeyAuthItems is the override menu of an HTTP API transport.
func APIKeyAuthItems() []AuthItem {
	return []AuthItem{{Name: "API Key", Value: AuthAPIKey, Selected: true}}
}

// SettingsSection is an admin settings section with its fields.
type SettingsSection struct {
	ID     string  `json:"id"`
	Title  string  `json:"title"`
	Help   string  `json:"help,omitempty"`
	Fields []Field `json:"fields"`
}

// Field types.
const (
	FieldText     = "text"
	FieldPassword = "password"
	FieldCheckbox = "checkbox"
	FieldSelect   = "select"
)

// Field is a single settings input. Secret values are always obfuscated.
type Field struct {
	ID       string   `json:"id"`
	Label    string   `json:"label"`
	Type     string   `json:"type"`
	Value    string   `json:"value"`
	Required bool     `json:"required,omitempty"`
	Reveal   bool     `json:"reveal,omitempty"`
	Choices  []string `json:"choices,omitempty"`
}
