// Package static provides an in-memory configuration source for embedding and tests.
package static

import (
	"context"
	"fmt"
	"sync"

	"github.com/tjfontaine/polyglot-call-gateway/internal/pkg/config"
)

// Provider implements ports.ConfigProvider over a config value held in memory.
// Update pushes a new value to the active watcher.
type Provider struct {
	mu       sync.RWMutex
	cfg      *config.Config
	onChange func(*config.Config)
}

// NewProvider validates cfg and wraps it.
func NewProvider(cfg *config.Config) (*Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &Provider{cfg: cfg}, nil
}

func (p *Provider) Load(ctx context.Context) (*config.Config, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg, nil
}

func (p *Provider) Watch(ctx context.Context, onChange func(*config.Config)) error {
	p.mu.Lock()
	p.onChange = onChange
	p.mu.Unlock()
	return nil
}

// Update replaces the configuration and notifies the watcher.
func (p *Provider) Update(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	p.mu.Lock()
	p.cfg = cfg
	cb := p.onChange
	p.mu.Unlock()

	if cb != nil {
		cb(cfg)
	}
	return nil
}

func (p *Provider) Close() error {
	return nil
}
