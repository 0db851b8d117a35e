package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/tjfontaine/polyglot-call-gateway/internal/adapters/auth/apikey"
	"github.com/tjfontaine/polyglot-call-gateway/internal/adapters/config/file"
	"github.com/tjfontaine/polyglot-call-gateway/internal/adapters/events/direct"
	"github.com/tjfontaine/polyglot-call-gateway/internal/adapters/policy/basic"
	"github.com/tjfontaine/polyglot-call-gateway/internal/adapters/storage"
	"github.com/tjfontaine/polyglot-call-gateway/internal/core/ports"
	"github.com/tjfontaine/polyglot-call-gateway/internal/pkg/config"
)

// Option is a functional option for configuring a Gateway.
type Option func(*Gateway) error

// WithFileConfig uses file-based configuration with hot-reload (default).
// The path should point to a config.yaml file that will be watched for changes.
func WithFileConfig(path string) Option {
	return func(g *Gateway) error {
		provider, err := file.NewProvider(path)
		if err != nil {
			return fmt.Errorf("create file config provider: %w", err)
		}
		g.config = provider.WithLogger(g.logger)
		return nil
	}
}

// WithAPIKeyAuth protects the admin API with organization API keys (default).
func WithAPIKeyAuth() Option {
	return func(g *Gateway) error {
		if g.config == nil {
			return fmt.Errorf("config provider must be set before auth provider")
		}
		provider, err := apikey.NewProvider(g.config)
		if err != nil {
			return fmt.Errorf("create apikey auth provider: %w", err)
		}
		g.auth = provider
		return nil
	}
}

// WithConfiguredStorage opens the storage backend named in the config's
// storage section.
func WithConfiguredStorage() Option {
	return func(g *Gateway) error {
		if g.config == nil {
			return fmt.Errorf("config provider must be set before storage provider")
		}
		cfg, err := g.config.Load(context.Background())
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		return g.openStorage(cfg.Storage)
	}
}

// WithSQLite uses SQLite storage (default for single-instance deployments).
func WithSQLite(path string) Option {
	return func(g *Gateway) error {
		return g.openStorage(config.StorageConfig{Driver: "sqlite", DSN: path})
	}
}

// WithPostgres uses PostgreSQL storage.
// Recommended for distributed deployments.
func WithPostgres(dsn string) Option {
	return func(g *Gateway) error {
		return g.openStorage(config.StorageConfig{Driver: "postgres", DSN: dsn})
	}
}

// WithMemoryStorage keeps everything in process memory.
func WithMemoryStorage() Option {
	return func(g *Gateway) error {
		return g.openStorage(config.StorageConfig{Driver: "memory"})
	}
}

func (g *Gateway) openStorage(cfg config.StorageConfig) error {
	store, err := storage.NewProvider(cfg)
	if err != nil {
		return fmt.Errorf("create %s storage: %w", cfg.Driver, err)
	}
	g.storage = store
	return nil
}

// WithDirectEvents writes transcript entries directly to storage (default).
func WithDirectEvents() Option {
	return func(g *Gateway) error {
		if g.storage == nil {
			return fmt.Errorf("storage provider must be set before event publisher")
		}
		publisher, err := direct.NewPublisher(g.storage)
		if err != nil {
			return fmt.Errorf("create direct event publisher: %w", err)
		}
		g.events = publisher
		return nil
	}
}

// WithBasicPolicy uses threshold settlement plus even installments (default).
func WithBasicPolicy() Option {
	return func(g *Gateway) error {
		g.policy = basic.NewPolicy()
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) error {
		g.logger = logger
		return nil
	}
}

// WithHTTPClient sets the client used for the guidance model and the payment
// processor. The default refuses private and loopback addresses.
func WithHTTPClient(client *http.Client) Option {
	return func(g *Gateway) error {
		g.httpClient = client
		return nil
	}
}

// WithConfigProvider sets a custom config provider.
// For advanced use cases where you need full control over config loading.
func WithConfigProvider(provider ports.ConfigProvider) Option {
	return func(g *Gateway) error {
		g.config = provider
		return nil
	}
}

// WithAuthProvider sets a custom auth provider.
func WithAuthProvider(provider ports.AuthProvider) Option {
	return func(g *Gateway) error {
		g.auth = provider
		return nil
	}
}

// WithStorageProvider sets a custom storage provider.
func WithStorageProvider(provider ports.StorageProvider) Option {
	return func(g *Gateway) error {
		g.storage = provider
		return nil
	}
}

// WithEventPublisher sets a custom event publisher.
func WithEventPublisher(publisher ports.EventPublisher) Option {
	return func(g *Gateway) error {
		g.events = publisher
		return nil
	}
}

// WithOptionsPolicy sets a custom payment options policy.
func WithOptionsPolicy(policy ports.OptionsPolicy) Option {
	return func(g *Gateway) error {
		g.policy = policy
		return nil
	}
}

// WithSpeechConnector replaces the WebSocket speech client.
func WithSpeechConnector(connector ports.SpeechConnector) Option {
	return func(g *Gateway) error {
		g.speech = connector
		return nil
	}
}

// WithCallControl replaces the Twilio REST client.
func WithCallControl(control ports.CallControl) Option {
	return func(g *Gateway) error {
		g.callControl = control
		return nil
	}
}

// WithGuidanceAdvisor replaces the configured negotiation advisor.
func WithGuidanceAdvisor(advisor ports.GuidanceAdvisor) Option {
	return func(g *Gateway) error {
		g.advisor = advisor
		return nil
	}
}

// WithPaymentCollector replaces the configured payment processor.
func WithPaymentCollector(collector ports.PaymentCollector) Option {
	return func(g *Gateway) error {
		g.collector = collector
		return nil
	}
}
