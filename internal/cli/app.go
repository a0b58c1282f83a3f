package cli

import (
	"log/slog"
	"net/http"

	"github.com/roach88/orgboot/internal/config"
	"github.com/roach88/orgboot/internal/gateway"
	"github.com/roach88/orgboot/internal/gateway/gatewaytest"
	"github.com/roach88/orgboot/internal/projection"
	"github.com/roach88/orgboot/internal/resilience"
	"github.com/roach88/orgboot/internal/saga"
	"github.com/roach88/orgboot/internal/schema"
	"github.com/roach88/orgboot/internal/store"
)

// app is the wiring shared by every command: one store, the projection
// router, and (for commands that need them) the gateways and orchestrator.
type app struct {
	cfg    config.Config
	store  *store.Store
	reader *projection.Reader
	logger *slog.Logger
}

func openApp(opts *RootOptions) (*app, error) {
	cfg, err := opts.Config()
	if err != nil {
		return nil, err
	}
	registry, err := schema.Load()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load event schemas", err)
	}
	logger := opts.Logger()

	st, err := store.Open(cfg.DB,
		store.WithRouter(projection.NewRouter()),
		store.WithValidator(registry),
		store.WithLogger(logger),
	)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return &app{cfg: cfg, store: st, reader: projection.NewReader(st.DB()), logger: logger}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

// gateways returns HTTP clients, or in-memory fakes in sandbox mode.
func (a *app) gateways() (gateway.DNS, gateway.Email) {
	if a.cfg.Sandbox {
		return gatewaytest.NewDNS(a.cfg.DNS.Zone), gatewaytest.NewEmail()
	}
	dns := gateway.NewHTTPDNS(a.cfg.DNS.URL, a.cfg.DNS.Token, &http.Client{Timeout: a.cfg.DNS.Timeout})
	email := gateway.NewHTTPEmail(a.cfg.Email.URL, a.cfg.Email.Token, &http.Client{Timeout: a.cfg.Email.Timeout})
	return dns, email
}

func (a *app) orchestrator() *saga.Orchestrator {
	dns, email := a.gateways()
	breaker := func(name string) *resilience.Breaker {
		return resilience.NewBreaker(resilience.BreakerSettings{
			Name:             name,
			FailureThreshold: a.cfg.Breaker.FailureThreshold,
			OpenTimeout:      a.cfg.Breaker.OpenTimeout,
			Logger:           a.logger,
		})
	}
	return saga.New(a.store, dns, email,
		saga.WithBreakers(breaker("dns"), breaker("email")),
		saga.WithLogger(a.logger),
		saga.WithSettings(saga.Settings{
			DNSTarget:          a.cfg.DNS.Target,
			InvitationTTL:      a.cfg.Saga.InvitationTTL,
			InvitationTemplate: a.cfg.Email.Template,
			EmailConcurrency:   a.cfg.Saga.EmailConcurrency,
			StepTimeout:        a.cfg.Saga.StepTimeout,
			DNSTimeout:         a.cfg.Saga.DNSTimeout,
		}),
	)
}
