package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// envVar binds one environment variable to a field. Unset or empty
// variables leave the field alone.
type envVar struct {
	name  string
	parse func(string) error
}

func (c *Config) envVars() []envVar {
	o := &c.Options
	return []envVar{
		{"SMTP_LISTEN", text(&c.SMTP.Listen)},
		{"SMTP_HOSTNAME", text(&c.SMTP.Hostname)},
		{"SMTP_USERNAME", text(&c.SMTP.Username)},
		{"SMTP_PASSWORD", text(&c.SMTP.Password)},
		{"SMTP_MAX_MESSAGE_SIZE", bytesize(&c.SMTP.MaxMessageSize)},
		{"HTTP_LISTEN", text(&c.HTTP.Listen)},
		{"ADMIN_USERNAME", text(&c.HTTP.AdminUsername)},
		{"ADMIN_PASSWORD", text(&c.HTTP.AdminPassword)},
		{"TLS_CERT_FILE", text(&c.TLS.CertFile)},
		{"TLS_KEY_FILE", text(&c.TLS.KeyFile)},
		{"LOG_LEVEL", lower(&c.Logging.Level)},
		{"REDIS_URL", text(&c.Redis.URL)},
		{"OPTIONS_FILE", text(&c.OptionsFile)},

		{"TRANSPORT", text(&o.TransportType)},
		{"SENDER_EMAIL", text(&o.Sender.Email)},
		{"SENDER_NAME", text(&o.Sender.Name)},
		{"ENVELOPE_SENDER", text(&o.Sender.EnvelopeSender)},
		{"UPSTREAM_SMTP_HOST", text(&o.SMTP.Host)},
		{"UPSTREAM_SMTP_PORT", integer(&o.SMTP.Port)},
		{"UPSTREAM_SMTP_SECURITY", lower(&o.SMTP.Security)},
		{"UPSTREAM_SMTP_AUTH", lower(&o.SMTP.Auth)},
		{"UPSTREAM_SMTP_USERNAME", text(&o.SMTP.Username)},
		{"UPSTREAM_SMTP_PASSWORD", text(&o.SMTP.Password)},
		{"MAILGUN_API_KEY", text(&o.Mailgun.APIKey)},
		{"MAILGUN_DOMAIN", text(&o.Mailgun.Domain)},
		{"MAILGUN_EU_REGION", boolean(&o.Mailgun.EURegion)},
		{"SES_REGION", text(&o.SES.Region)},
		{"SES_ACCESS_KEY_ID", text(&o.SES.AccessKeyID)},
		{"SES_SECRET_ACCESS_KEY", text(&o.SES.SecretAccessKey)},
		{"GRAPH_TENANT_ID", text(&o.Graph.TenantID)},
		{"GRAPH_CLIENT_ID", text(&o.Graph.ClientID)},
		{"GRAPH_CLIENT_SECRET", text(&o.Graph.ClientSecret)},
		{"CONNECTION_TIMEOUT", duration(&o.ConnectionTimeout)},
		{"READ_TIMEOUT", duration(&o.ReadTimeout)},
		{"RUN_MODE", lower(&o.RunMode)},
		{"STEALTH_MODE", boolean(&o.StealthMode)},
		{"TEMP_DIR", text(&o.TempDir)},
		{"ADMIN_URL", text(&o.AdminURL)},
	}
}

// applyEnv applies every set variable and reports all malformed ones
// together.
func applyEnv(vars []envVar) error {
	var errs []error
	for _, v := range vars {
		raw := os.Getenv(v.name)
		if raw == "" {
			continue
		}
		if err := v.parse(raw); err != nil {
			errs = append(errs, fmt.Errorf("invalid %s %q: %w", v.name, raw, err))
		}
	}
	return errors.Join(errs...)
}

func text(dst *string) func(string) error {
	return func(v string) error { *dst = v; return nil }
}

func lower(dst *string) func(string) error {
	return func(v string) error { *dst = strings.ToLower(v); return nil }
}

func integer(dst *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err == nil {
			*dst = n
		}
		return err
	}
}

func bytesize(dst *int64) func(string) error {
	return func(v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		if n <= 0 {
			return errors.New("must be positive")
		}
		*dst = n
		return nil
	}
}

func boolean(dst *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err == nil {
			*dst = b
		}
		return err
	}
}

// duration accepts whole seconds ("30") or Go syntax ("30s").
func duration(dst *time.Duration) func(string) error {
	return func(v string) error {
		if secs, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(secs) * time.Second
			return nil
		}
		d, err := time.ParseDuration(v)
		if err == nil {
			*dst = d
		}
		return err
	}
}
