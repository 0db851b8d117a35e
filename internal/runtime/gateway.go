// Package runtime provides the core Gateway struct and lifecycle management
// for the call gateway.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/polyglot-call-gateway/internal/adapters/events/direct"
	"github.com/tjfontaine/polyglot-call-gateway/internal/adapters/policy/basic"
	"github.com/tjfontaine/polyglot-call-gateway/internal/api/controlplane"
	"github.com/tjfontaine/polyglot-call-gateway/internal/core/ports"
	"github.com/tjfontaine/polyglot-call-gateway/internal/guidance"
	"github.com/tjfontaine/polyglot-call-gateway/internal/payments"
	"github.com/tjfontaine/polyglot-call-gateway/internal/pkg/config"
	"github.com/tjfontaine/polyglot-call-gateway/internal/pkg/safehttp"
	"github.com/tjfontaine/polyglot-call-gateway/internal/server"
	"github.com/tjfontaine/polyglot-call-gateway/internal/session"
	"github.com/tjfontaine/polyglot-call-gateway/internal/speech"
	"github.com/tjfontaine/polyglot-call-gateway/internal/telemetry"
	"github.com/tjfontaine/polyglot-call-gateway/internal/telephony"
	"github.com/tjfontaine/polyglot-call-gateway/internal/tokens"
	"github.com/tjfontaine/polyglot-call-gateway/internal/tools"
	"github.com/tjfontaine/polyglot-call-gateway/internal/transcript"
)

// Gateway is the main entry point for running the call gateway.
// It manages configuration, storage, live call sessions, and HTTP server
// lifecycle. Gateway can be embedded in larger applications or run standalone.
type Gateway struct {
	// Dependencies (injected via options)
	config      ports.ConfigProvider
	auth        ports.AuthProvider
	storage     ports.StorageProvider
	events      ports.EventPublisher
	policy      ports.OptionsPolicy
	speech      ports.SpeechConnector
	callControl ports.CallControl
	advisor     ports.GuidanceAdvisor
	collector   ports.PaymentCollector
	httpClient  *http.Client

	// Internal state
	current        atomic.Pointer[config.Config]
	manager        *session.Manager
	server         *server.Server
	shutdownTracer func(context.Context) error
	logger         *slog.Logger

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.RWMutex
}

// New creates a new Gateway with the given options.
func New(opts ...Option) (*Gateway, error) {
	gw := &Gateway{
		logger: slog.Default(),
	}

	// Apply options
	for _, opt := range opts {
		if err := opt(gw); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	// Validate required dependencies
	if gw.config == nil {
		return nil, fmt.Errorf("config provider required (use WithFileConfig or WithConfigProvider)")
	}
	if gw.storage == nil {
		return nil, fmt.Errorf("storage provider required (use WithConfiguredStorage, WithSQLite or WithPostgres)")
	}

	// Set defaults for optional dependencies
	if gw.auth == nil {
		gw.logger.Info("no auth provider specified, admin API is unauthenticated")
	}
	if gw.events == nil {
		publisher, err := direct.NewPublisher(gw.storage)
		if err != nil {
			return nil, fmt.Errorf("create default event publisher: %w", err)
		}
		gw.events = publisher
	}
	if gw.policy == nil {
		gw.policy = basic.NewPolicy()
	}
	if gw.httpClient == nil {
		gw.httpClient = safehttp.NewClient(0)
	}

	return gw, nil
}

// Start initializes the call pipeline and starts serving.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.ctx, g.cancel = context.WithCancel(ctx)

	// Load initial config
	cfg, err := g.config.Load(g.ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	g.current.Store(cfg)

	shutdownTracer, err := telemetry.InitTracer(cfg.Telemetry, nil, g.logger)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	g.shutdownTracer = shutdownTracer

	if err := g.initCollaborators(cfg); err != nil {
		return fmt.Errorf("init collaborators: %w", err)
	}

	if err := g.initSessions(cfg); err != nil {
		return fmt.Errorf("init sessions: %w", err)
	}

	g.startServer(cfg)

	// Watch for config changes. Providers run their own watch goroutine.
	g.watchConfig()

	g.logger.Info("gateway started",
		slog.Int("port", cfg.Server.Port),
		slog.String("storage", cfg.Storage.Driver),
		slog.Int("organizations", len(cfg.Organizations)),
		slog.Bool("outbound", g.callControl != nil))

	return nil
}

// Shutdown stops accepting calls, finalizes live sessions, and releases
// resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.logger.Info("shutting down gateway")

	var errs []error

	// Stop HTTP server
	if g.server != nil {
		if err := g.server.Shutdown(ctx); err != nil {
			g.logger.Error("failed to shutdown server", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	// Finalize live calls while storage is still open
	if g.manager != nil {
		if err := g.manager.Shutdown(ctx); err != nil {
			g.logger.Error("failed to finalize call sessions", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	if g.cancel != nil {
		g.cancel()
	}

	// Close resources
	if g.events != nil {
		if err := g.events.Close(); err != nil {
			g.logger.Error("failed to close events", slog.String("error", err.Error()))
		}
	}

	if g.storage != nil {
		if err := g.storage.Close(); err != nil {
			g.logger.Error("failed to close storage", slog.String("error", err.Error()))
		}
	}

	if g.config != nil {
		if err := g.config.Close(); err != nil {
			g.logger.Error("failed to close config", slog.String("error", err.Error()))
		}
	}

	if g.shutdownTracer != nil {
		if err := g.shutdownTracer(ctx); err != nil {
			g.logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}

	g.logger.Info("gateway shutdown complete")
	return errors.Join(errs...)
}

// Handler returns the HTTP handler serving webhooks, media streams and the
// admin API. It is nil until Start.
func (g *Gateway) Handler() http.Handler {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.server == nil {
		return nil
	}
	return g.server.Router
}

// Sessions returns the live session manager. It is nil until Start.
func (g *Gateway) Sessions() *session.Manager {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.manager
}

// watchConfig watches for config changes and reloads.
func (g *Gateway) watchConfig() {
	onChange := func(newCfg *config.Config) {
		g.logger.Info("config changed, reloading")
		if err := g.reload(newCfg); err != nil {
			g.logger.Error("failed to reload", slog.String("error", err.Error()))
		}
	}

	if err := g.config.Watch(g.ctx, onChange); err != nil {
		if !errors.Is(err, context.Canceled) {
			g.logger.Error("config watch failed", slog.String("error", err.Error()))
		}
	}
}

// reload swaps in new configuration. Policy and organizations apply to calls
// that start after the reload; live calls keep what they started with.
func (g *Gateway) reload(cfg *config.Config) error {
	g.current.Store(cfg)

	// Update auth provider with reloaded organizations if it supports reload
	if g.auth != nil {
		if reloader, ok := g.auth.(interface{ ReloadFromConfig(*config.Config) error }); ok {
			if err := reloader.ReloadFromConfig(cfg); err != nil {
				return fmt.Errorf("reload auth provider: %w", err)
			}
		}
	}

	g.logger.Info("reload complete", slog.Int("organizations", len(cfg.Organizations)))
	return nil
}

func (g *Gateway) policyFor(orgID string) config.PolicyConfig {
	return g.current.Load().PolicyFor(orgID)
}

func (g *Gateway) organizationForNumber(number string) string {
	return g.current.Load().OrganizationForNumber(number)
}

// initCollaborators builds the external clients not injected via options.
func (g *Gateway) initCollaborators(cfg *config.Config) error {
	if g.speech == nil {
		connector, err := speech.NewConnector(speech.ConfigFrom(cfg.Speech), g.logger)
		if err != nil {
			return fmt.Errorf("create speech connector: %w", err)
		}
		g.speech = connector
	}

	if g.callControl == nil && cfg.Twilio.AccountSID != "" {
		control, err := telephony.NewCallControl(cfg.Twilio, cfg.Server.PublicHost,
			telephony.WithCallControlLogger(g.logger))
		if err != nil {
			return fmt.Errorf("create twilio call control: %w", err)
		}
		g.callControl = control
	}
	if g.callControl == nil {
		g.logger.Warn("twilio credentials not configured, hangup and transfer only close the media stream")
	}

	if g.advisor == nil {
		advisor, err := guidance.NewAdvisor(g.ctx, cfg.Guidance, g.httpClient, g.logger)
		if err != nil {
			return fmt.Errorf("create guidance advisor: %w", err)
		}
		g.advisor = advisor
	}

	if g.collector == nil {
		collector, err := payments.NewCollector(cfg.Payments, g.httpClient)
		if err != nil {
			return fmt.Errorf("create payment collector: %w", err)
		}
		g.collector = collector
	}
	return nil
}

// initSessions builds the tool registry and the session manager.
func (g *Gateway) initSessions(cfg *config.Config) error {
	registry, err := tools.NewBuiltinRegistry(tools.Deps{
		Customers:    g.storage,
		Arrangements: g.storage,
		Policy:       g.policy,
		Advisor:      g.advisor,
		Collector:    g.collector,
		Currency:     cfg.Policy.Currency,
	})
	if err != nil {
		return fmt.Errorf("create tool registry: %w", err)
	}

	var counter transcript.TokenCounter
	if c, err := tokens.NewCounter(cfg.Transcript.TokenEncoding); err != nil {
		g.logger.Warn("tokenizer unavailable, estimating token counts",
			slog.String("encoding", cfg.Transcript.TokenEncoding),
			slog.String("error", err.Error()))
		counter = tokens.NewEstimator()
	} else {
		counter = c
	}

	g.manager, err = session.NewManager(session.ConfigFrom(cfg), session.Deps{
		Repository:   g.storage,
		Publisher:    g.events,
		Speech:       g.speech,
		CallControl:  g.callControl,
		Registry:     registry,
		PolicyFor:    g.policyFor,
		TokenCounter: counter,
		Tracer:       telemetry.Tracer(),
	},
		session.WithLogger(g.logger),
		session.WithOrganizationResolver(g.organizationForNumber),
	)
	if err != nil {
		return fmt.Errorf("create session manager: %w", err)
	}
	return nil
}

// startServer mounts every route and starts the HTTP server.
func (g *Gateway) startServer(cfg *config.Config) {
	g.server = server.New(cfg.Server.Port, g.logger, cfg.Server.RequestTimeout)
	r := g.server.Router

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	webhooks := telephony.NewWebhooks(telephony.WebhookConfig{
		PublicHost:         cfg.Server.PublicHost,
		AuthToken:          cfg.Twilio.AuthToken,
		ValidateSignatures: cfg.Twilio.ValidateSignatures,
	}, g.storage, g.storage, g.organizationForNumber, g.logger)

	manager := g.manager
	stream := telephony.NewStreamHandler(func(leg *telephony.MediaStream) {
		manager.Accept(leg)
	}, g.logger)

	r.Route("/twilio", func(r chi.Router) {
		webhooks.Register(r)
		r.Handle("/stream", stream)
	})
	g.logger.Info("registered twilio routes",
		slog.String("voice", telephony.VoicePath),
		slog.String("status", telephony.StatusPath),
		slog.String("stream", telephony.StreamPath))

	// Without organizations there are no keys to check; the admin API is
	// open and unscoped.
	authProvider := g.auth
	if len(cfg.Organizations) == 0 && authProvider != nil {
		g.logger.Warn("no organizations configured, admin API is unauthenticated")
		authProvider = nil
	}
	r.Mount("/admin", controlplane.NewServer(controlplane.Deps{
		Store:       g.storage,
		Calls:       g.manager,
		Auth:        authProvider,
		DefaultFrom: cfg.Twilio.FromNumber,
		Logger:      g.logger,
	}))
	g.logger.Info("registered control plane", slog.String("path", "/admin"))

	srv := g.server
	go func() {
		if err := srv.Start(); err != nil {
			g.logger.Error("server error", slog.String("error", err.Error()))
		}
	}()
}
