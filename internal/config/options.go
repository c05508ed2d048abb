package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for the tunable options. Diagnostics only reports values that
// differ from these.
const (
	DefaultConnectionTimeout = 10 * time.Second
	DefaultReadTimeout       = 60 * time.Second
	DefaultMailLogEnabled    = true
	DefaultMailLogEntries    = 250
	DefaultTranscriptSize    = 128
)

// Run modes.
const (
	RunModeProduction = "production"
	RunModeLogOnly    = "log_only"
	RunModeIgnore     = "ignore"
)

// SMTP upstream security modes.
const (
	SecurityNone     = "none"
	SecuritySTARTTLS = "starttls"
	SecuritySMTPS    = "smtps"
)

// SMTP upstream authentication types.
const (
	AuthNone   = "none"
	AuthPlain  = "plain"
	AuthLogin  = "login"
	AuthOAuth2 = "oauth2"
)

// Options is the admin-editable configuration shared by every transport.
// It holds no reference types, so a value copy is a full snapshot.
type Options struct {
	TransportType string         `yaml:"transport_type" json:"transport_type"`
	Sender        SenderOptions  `yaml:"sender" json:"sender"`
	SMTP          SMTPOptions    `yaml:"smtp" json:"smtp"`
	Mailgun       MailgunOptions `yaml:"mailgun" json:"mailgun"`
	SES           SESOptions     `yaml:"ses" json:"ses"`
	Graph         GraphOptions   `yaml:"graph" json:"graph"`
	MailLog       MailLogOptions `yaml:"mail_log" json:"mail_log"`

	ConnectionTimeout time.Duration `yaml:"connection_timeout" json:"connection_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout" json:"read_timeout"`

	RunMode     string `yaml:"run_mode" json:"run_mode"`
	StealthMode bool   `yaml:"stealth_mode" json:"stealth_mode"`
	TempDir     string `yaml:"temp_dir" json:"temp_dir"`

	// AdminURL is the public base URL of the admin API, used to build
	// OAuth callback URLs.
	AdminURL string `yaml:"admin_url" json:"admin_url"`
}

// SenderOptions describes who outgoing mail is from.
type SenderOptions struct {
	EnvelopeSender       string `yaml:"envelope_sender" json:"envelope_sender"`
	Email                string `yaml:"email" json:"email"`
	Name                 string `yaml:"name" json:"name"`
	PreventEmailOverride bool   `yaml:"prevent_email_override" json:"prevent_email_override"`
	PreventNameOverride  bool   `yaml:"prevent_name_override" json:"prevent_name_override"`
}

// SMTPOptions configures the SMTP upstream transport.
type SMTPOptions struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Security string `yaml:"security" json:"security"`
	Auth     string `yaml:"auth" json:"auth"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// MailgunOptions configures the Mailgun API transport.
type MailgunOptions struct {
	APIKey   string `yaml:"api_key" json:"api_key"`
	Domain   string `yaml:"domain" json:"domain"`
	EURegion bool   `yaml:"eu_region" json:"eu_region"`
}

// SESOptions configures the Amazon SES API transport.
type SESOptions struct {
	Region          string `yaml:"region" json:"region"`
	AccessKeyID     string `yaml:"access_key_id" json:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" json:"secret_access_key"`
}

// GraphOptions configures the Microsoft 365 Graph API transport.
type GraphOptions struct {
	TenantID     string `yaml:"tenant_id" json:"tenant_id"`
	ClientID     string `yaml:"client_id" json:"client_id"`
	ClientSecret string `yaml:"client_secret" json:"client_secret"`
}

// MailLogOptions configures the in-memory delivery log.
type MailLogOptions struct {
	Enabled        bool `yaml:"enabled" json:"enabled"`
	MaxEntries     int  `yaml:"max_entries" json:"max_entries"`
	TranscriptSize int  `yaml:"transcript_size" json:"transcript_size"`
}

// DefaultOptions returns the options a fresh installation starts with.
func DefaultOptions() Options {
	return Options{
		TransportType: "stdout",
		SMTP: SMTPOptions{
			Port:     587,
			Security: SecuritySTARTTLS,
			Auth:     AuthPlain,
		},
		MailLog: MailLogOptions{
			Enabled:        DefaultMailLogEnabled,
			MaxEntries:     DefaultMailLogEntries,
			TranscriptSize: DefaultTranscriptSize,
		},
		ConnectionTimeout: DefaultConnectionTimeout,
		ReadTimeout:       DefaultReadTimeout,
		RunMode:           RunModeProduction,
		TempDir:           os.TempDir(),
	}
}

// Validate checks enumerated and numeric fields. Missing credentials are not
// an error here; transports report those as validation messages.
func (o Options) Validate() error {
	var errs []error

	switch o.RunMode {
	case RunModeProduction, RunModeLogOnly, RunModeIgnore:
	default:
		errs = append(errs, fmt.Errorf("run_mode must be one of production, log_only, ignore (got %q)", o.RunMode))
	}
	switch o.SMTP.Security {
	case SecurityNone, SecuritySTARTTLS, SecuritySMTPS:
	default:
		errs = append(errs, fmt.Errorf("smtp.security must be one of none, starttls, smtps (got %q)", o.SMTP.Security))
	}
	switch o.SMTP.Auth {
	case AuthNone, AuthPlain, AuthLogin, AuthOAuth2:
	default:
		errs = append(errs, fmt.Errorf("smtp.auth must be one of none, plain, login, oauth2 (got %q)", o.SMTP.Auth))
	}
	if o.SMTP.Port < 0 || o.SMTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("smtp.port out of range: %d", o.SMTP.Port))
	}
	if o.ConnectionTimeout <= 0 {
		errs = append(errs, errors.New("connection_timeout must be positive"))
	}
	if o.ReadTimeout <= 0 {
		errs = append(errs, errors.New("read_timeout must be positive"))
	}
	if o.MailLog.MaxEntries < 0 || o.MailLog.TranscriptSize < 0 {
		errs = append(errs, errors.New("mail_log limits must not be negative"))
	}

	return errors.Join(errs...)
}

// Masked returns a copy with every secret replaced by asterisks of the same
// length, for display.
func (o Options) Masked() Options {
	o.SMTP.Password = Obfuscate(o.SMTP.Password)
	o.Mailgun.APIKey = Obfuscate(o.Mailgun.APIKey)
	o.SES.SecretAccessKey = Obfuscate(o.SES.SecretAccessKey)
	o.Graph.ClientSecret = Obfuscate(o.Graph.ClientSecret)
	return o
}

// ForExport returns the masked options with the Mailgun API key restored,
// matching what an options export carries.
func (o Options) ForExport() Options {
	key := o.Mailgun.APIKey
	o = o.Masked()
	o.Mailgun.APIKey = key
	return o
}

// Obfuscate hides a secret while keeping its length visible.
func Obfuscate(secret string) string {
	return strings.Repeat("*", len(secret))
}

// SenderConfigured reports whether a message sender address is set.
func (o Options) SenderConfigured() bool {
	return strings.TrimSpace(o.Sender.Email) != ""
}

func loadOptionsFile(path string, opts *Options) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read options file: %w", err)
	}
	if err := yaml.Unmarshal(data, opts); err != nil {
		return fmt.Errorf("failed to parse options file: %w", err)
	}
	return nil
}

// Store holds the live Options. Reads are lock-free; Save swaps in a new
// snapshot, so concurrent saves resolve as last writer wins.
type Store struct {
	current atomic.Pointer[Options]
	path    string

	// mu serializes saves so the file and the live snapshot always hold
	// the same winner.
	mu sync.Mutex
}

// NewStore creates a Store seeded with opts. When path is non-empty every
// Save is persisted there as YAML.
func NewStore(opts Options, path string) *Store {
	s := &Store{path: path}
	s.current.Store(&opts)
	return s
}

// Get returns a snapshot of the current options.
func (s *Store) Get() Options {
	return *s.current.Load()
}

// Save validates and installs opts, persisting them first when the store
// is file backed.
func (s *Store) Save(opts Options) error {
	if err := opts.Validate(); err != nil {
		return fmt.Errorf("invalid options: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path != "" {
		if err := s.persist(opts); err != nil {
			return err
		}
	}

	s.current.Store(&opts)
	return nil
}

// persist must be called with mu held.
func (s *Store) persist(opts Options) error {
	data, err := yaml.Marshal(opts)
	if err != nil {
		return fmt.Errorf("failed to encode options: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".options-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create options file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write options file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write options file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace options file: %w", err)
	}
	return nil
}

// TempDirWritable reports whether files can be created in dir.
func TempDirWritable(dir string) bool {
	if dir == "" {
		return false
	}
	f, err := os.CreateTemp(dir, ".relay-lock-*")
	if err != nil {
		return false
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return true
}
