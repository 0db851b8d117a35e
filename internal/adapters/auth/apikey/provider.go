// Package apikey provides API key-based authentication.
package apikey

import (
	"context"
	"crypto/subtle"
	"fmt"
	"sync"

	"github.com/tjfontaine/polyglot-call-gateway/internal/auth"
	"github.com/tjfontaine/polyglot-call-gateway/internal/core/ports"
	"github.com/tjfontaine/polyglot-call-gateway/internal/pkg/config"
)

// ScopeAdmin grants full access to an organization's calls.
const ScopeAdmin = "admin"

// Provider implements ports.AuthProvider using API key authentication.
type Provider struct {
	mu         sync.RWMutex
	orgs       map[string]*ports.Organization // orgID -> organization
	keyHashMap map[string]string              // keyHash -> orgID
}

// NewProvider creates a new API key auth provider.
func NewProvider(configProvider ports.ConfigProvider) (*Provider, error) {
	if configProvider == nil {
		return nil, fmt.Errorf("config provider required")
	}

	cfg, err := configProvider.Load(context.Background())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	p := &Provider{}
	if err := p.ReloadFromConfig(cfg); err != nil {
		return nil, fmt.Errorf("load organizations: %w", err)
	}
	return p, nil
}

// Authenticate validates an API key and returns the organization context.
func (p *Provider) Authenticate(ctx context.Context, token string) (*ports.AuthContext, error) {
	if token == "" {
		return nil, fmt.Errorf("invalid API key")
	}
	keyHash := auth.HashAPIKey(token)

	p.mu.RLock()
	defer p.mu.RUnlock()

	var orgID string
	for hash, id := range p.keyHashMap {
		if subtle.ConstantTimeCompare([]byte(keyHash), []byte(hash)) == 1 {
			orgID = id
		}
	}
	if orgID == "" {
		return nil, fmt.Errorf("invalid API key")
	}

	org, ok := p.orgs[orgID]
	if !ok {
		return nil, fmt.Errorf("organization not found")
	}

	return &ports.AuthContext{
		OrganizationID: org.ID,
		Scopes:         []string{ScopeAdmin},
		Metadata: map[string]string{
			"organization_name": org.Name,
		},
	}, nil
}

// GetOrganization returns an organization by ID.
func (p *Provider) GetOrganization(ctx context.Context, orgID string) (*ports.Organization, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	org, ok := p.orgs[orgID]
	if !ok {
		return nil, fmt.Errorf("organization not found: %s", orgID)
	}
	return org, nil
}

// ReloadFromConfig replaces the organizations and key mappings.
// This is called by the gateway when config changes.
func (p *Provider) ReloadFromConfig(cfg *config.Config) error {
	orgs := make(map[string]*ports.Organization, len(cfg.Organizations))
	keys := make(map[string]string)

	for _, orgCfg := range cfg.Organizations {
		org := &ports.Organization{
			ID:           orgCfg.ID,
			Name:         orgCfg.Name,
			PhoneNumbers: append([]string(nil), orgCfg.PhoneNumbers...),
			Policy:       cfg.PolicyFor(orgCfg.ID),
		}
		orgs[org.ID] = org

		for _, apiKey := range orgCfg.APIKeys {
			if apiKey.KeyHash == "" {
				continue
			}
			if other, dup := keys[apiKey.KeyHash]; dup && other != org.ID {
				return fmt.Errorf("api key %q is shared by %s and %s", apiKey.Description, other, org.ID)
			}
			keys[apiKey.KeyHash] = org.ID
		}
	}

	p.mu.Lock()
	p.orgs = orgs
	p.keyHashMap = keys
	p.mu.Unlock()
	return nil
}
