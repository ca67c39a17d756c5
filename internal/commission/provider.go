// internal/commission/provider.go
package commission

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/javajoker/imi-commission/internal/cache"
	"github.com/javajoker/imi-commission/internal/models"
)

const (
	rateKeyPrefix = "rates:"
	activeRateKey = rateKeyPrefix + "@active"
)

// RateStore is the authoritative source of versioned rate tables.
type RateStore interface {
	GetRates(ctx context.Context, version string) ([]models.RateEntry, error)
	ActiveVersion(ctx context.Context) (string, error)
}

// Provider loads validated rate tables through the rate cache.
type Provider struct {
	store   RateStore
	cache   *cache.Cache[*RateTable]
	ttl     time.Duration
	pinned  string
	timeout time.Duration
	logger  logrus.FieldLogger
}

type ProviderOption func(*Provider)

func WithRateTTL(ttl time.Duration) ProviderOption {
	return func(p *Provider) { p.ttl = ttl }
}

// WithPinnedVersion always serves the given version instead of the store's active one.
func WithPinnedVersion(version string) ProviderOption {
	return func(p *Provider) { p.pinned = version }
}

func WithProviderLogger(l logrus.FieldLogger) ProviderOption {
	return func(p *Provider) { p.logger = l }
}

func NewProvider(store RateStore, c *cache.Cache[*RateTable], opts ...ProviderOption) *Provider {
	p := &Provider{
		store:   store,
		cache:   c,
		ttl:     10 * time.Minute,
		timeout: 2 * time.Second,
		logger:  logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Current returns the table callbacks should be computed with.
func (p *Provider) Current(ctx context.Context) (*RateTable, error) {
	if p.pinned != "" {
		return p.Version(ctx, p.pinned)
	}
	if t, ok := p.get(activeRateKey); ok {
		return t, nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, p.timeout)
	version, err := p.store.ActiveVersion(lookupCtx)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("active rate version: %w", err)
	}

	t, err := p.Version(ctx, version)
	if err != nil {
		return nil, err
	}
	p.put(activeRateKey, t)
	return t, nil
}

// Version returns a specific table version.
func (p *Provider) Version(ctx context.Context, version string) (*RateTable, error) {
	key := rateKeyPrefix + version
	if t, ok := p.get(key); ok {
		return t, nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	entries, err := p.store.GetRates(lookupCtx, version)
	if err != nil {
		return nil, fmt.Errorf("get rates %s: %w", version, err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrRateVersionNotFound, version)
	}

	t, err := NewRateTable(version, entries)
	if err != nil {
		p.logger.WithError(err).WithField("version", version).Error("Rejected invalid rate table")
		return nil, err
	}
	p.put(key, t)
	return t, nil
}

// Invalidate drops every cached table and returns how many were dropped.
func (p *Provider) Invalidate() int {
	if p.cache == nil {
		return 0
	}
	return p.cache.InvalidatePrefix(rateKeyPrefix)
}

func (p *Provider) get(key string) (*RateTable, bool) {
	if p.cache == nil {
		return nil, false
	}
	return p.cache.Get(key)
}

func (p *Provider) put(key string, t *RateTable) {
	if p.cache != nil {
		p.cache.Put(key, t, p.ttl)
	}
}
