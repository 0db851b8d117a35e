package ports

import (
	"context"

	"github.com/tjfontaine/polyglot-call-gateway/internal/core/domain"
	"github.com/tjfontaine/polyglot-call-gateway/internal/pkg/config"
)

// ConfigProvider loads and manages configuration.
// Implementations: file-based (default), static (tests).
type ConfigProvider interface {
	Load(ctx context.Context) (*config.Config, error)
	Watch(ctx context.Context, onChange func(*config.Config)) error
	Close() error
}

// AuthProvider authenticates admin API callers.
// Implementations: API key (default).
type AuthProvider interface {
	Authenticate(ctx context.Context, token string) (*AuthContext, error)
	GetOrganization(ctx context.Context, orgID string) (*Organization, error)
}

// AuthContext contains authenticated request context.
type AuthContext struct {
	OrganizationID string
	Scopes         []string
	Metadata       map[string]string
}

// Organization is a collections agency operating calls through the gateway.
type Organization struct {
	ID           string
	Name         string
	PhoneNumbers []string
	Policy       config.PolicyConfig
}

// EventPublisher delivers sequenced transcript entries to durable storage.
// Implementations: direct storage (default).
type EventPublisher interface {
	Publish(ctx context.Context, entry *domain.TranscriptEntry) error
	Close() error
}

// OptionsPolicy quotes the payment options offered to a verified customer.
// Implementations: basic (threshold settlement + even installments).
type OptionsPolicy interface {
	Options(customer domain.CustomerSnapshot, policy config.PolicyConfig) []domain.PaymentOption
}
