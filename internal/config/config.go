// Package config loads orgboot settings from defaults, an optional YAML
// file, ORGBOOT_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable: dns.url is ORGBOOT_DNS_URL.
const EnvPrefix = "ORGBOOT"

type Config struct {
	DB string `mapstructure:"db"`
	// Sandbox replaces the DNS and email gateways with in-memory fakes.
	Sandbox bool    `mapstructure:"sandbox"`
	DNS     DNS     `mapstructure:"dns"`
	Email   Email   `mapstructure:"email"`
	Breaker Breaker `mapstructure:"breaker"`
	Saga    Saga    `mapstructure:"saga"`
	Sweeper Sweeper `mapstructure:"sweeper"`
}

type DNS struct {
	URL     string        `mapstructure:"url"`
	Token   string        `mapstructure:"token"`
	Target  string        `mapstructure:"target"`
	Zone    string        `mapstructure:"zone"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type Email struct {
	URL      string        `mapstructure:"url"`
	Token    string        `mapstructure:"token"`
	Template string        `mapstructure:"template"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type Breaker struct {
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`
}

type Saga struct {
	StepTimeout      time.Duration `mapstructure:"step_timeout"`
	DNSTimeout       time.Duration `mapstructure:"dns_timeout"`
	InvitationTTL    time.Duration `mapstructure:"invitation_ttl"`
	EmailConcurrency int           `mapstructure:"email_concurrency"`
}

type Sweeper struct {
	Interval   time.Duration `mapstructure:"interval"`
	BatchSize  uint64        `mapstructure:"batch_size"`
	MaxRetries int           `mapstructure:"max_retries"`
}

var defaults = map[string]any{
	"db":      "orgboot.db",
	"sandbox": false,

	"dns.url":     "",
	"dns.token":   "",
	"dns.target":  "tenants.orgboot.dev",
	"dns.zone":    "orgboot.dev",
	"dns.timeout": "15s",

	"email.url":      "",
	"email.token":    "",
	"email.template": "organization-invitation",
	"email.timeout":  "15s",

	"breaker.failure_threshold": 3,
	"breaker.open_timeout":      "5m",

	"saga.step_timeout":      "10m",
	"saga.dns_timeout":       "20m",
	"saga.invitation_ttl":    "168h",
	"saga.email_concurrency": 4,

	"sweeper.interval":    "30s",
	"sweeper.batch_size":  100,
	"sweeper.max_retries": 5,
}

// NewViper returns a viper instance carrying the defaults and reading the
// environment. Callers bind flags to it before Load.
func NewViper() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads file (if not empty) into v and returns the validated config.
func Load(v *viper.Viper, file string) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate reports every problem found, joined.
func (c Config) Validate() error {
	var errs []error
	if c.DB == "" {
		errs = append(errs, errors.New("db is required"))
	}
	if !c.Sandbox {
		if err := checkURL("dns.url", c.DNS.URL); err != nil {
			errs = append(errs, err)
		}
		if err := checkURL("email.url", c.Email.URL); err != nil {
			errs = append(errs, err)
		}
	}
	if c.DNS.Target == "" {
		errs = append(errs, errors.New("dns.target is required"))
	}
	if c.Breaker.FailureThreshold < 1 {
		errs = append(errs, errors.New("breaker.failure_threshold must be at least 1"))
	}
	if c.Saga.EmailConcurrency < 1 {
		errs = append(errs, errors.New("saga.email_concurrency must be at least 1"))
	}
	for name, d := range map[string]time.Duration{
		"dns.timeout":          c.DNS.Timeout,
		"email.timeout":        c.Email.Timeout,
		"breaker.open_timeout": c.Breaker.OpenTimeout,
		"saga.step_timeout":    c.Saga.StepTimeout,
		"saga.dns_timeout":     c.Saga.DNSTimeout,
		"saga.invitation_ttl":  c.Saga.InvitationTTL,
		"sweeper.interval":     c.Sweeper.Interval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	return errors.Join(errs...)
}

func checkURL(key, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required unless sandbox is set", key)
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s must be an http(s) URL, got %q", key, raw)
	}
	return nil
}
