// Package credentials implements the read-through registry of appliance
// identities: base URL, username, and password, backed by a persistent
// store and fronted by a short-lived cache so a fan-out across many
// appliances does not hit storage once per appliance per operation.
package credentials

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sahilghewari/prosbc-core/internal/cache"
	"github.com/sahilghewari/prosbc-core/internal/core"
	"github.com/sahilghewari/prosbc-core/internal/obslog"
)

// Store is the persistence boundary for appliance identities.
type Store interface {
	Get(ctx context.Context, applianceID string) (core.Appliance, bool, error)
	ListActive(ctx context.Context) ([]core.Appliance, error)
}

const defaultTTL = 10 * time.Minute

// Registry is a read-through CredentialRegistry over a persistent Store.
type Registry struct {
	store  Store
	cache  cache.Cache
	ttl    time.Duration
	logger *slog.Logger
}

// New builds a Registry. cacheImpl may be any cache.Cache; passing a nil
// interface disables caching and every lookup reads through to the store.
func New(store Store, cacheImpl cache.Cache, ttl time.Duration, logger *slog.Logger) *Registry {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: store, cache: cacheImpl, ttl: ttl, logger: logger}
}

func cacheKey(applianceID string) string {
	return "appliance:" + applianceID
}

// Lookup resolves one appliance identity, consulting the cache first.
func (r *Registry) Lookup(ctx context.Context, applianceID string) (core.Appliance, error) {
	if r.cache != nil {
		var cached core.Appliance
		found, err := r.cache.Get(ctx, cacheKey(applianceID), &cached)
		if err != nil {
			r.logger.Warn("credential cache read failed", "appliance_id", applianceID, "error", err)
		} else if found {
			return cached, nil
		}
	}

	appliance, ok, err := r.store.Get(ctx, applianceID)
	if err != nil {
		return core.Appliance{}, core.NewFault(core.KindUpstreamUnavailable, applianceID, fmt.Errorf("credential store lookup: %w", err))
	}
	if !ok {
		return core.Appliance{}, core.NewFault(core.KindNotFound, applianceID, fmt.Errorf("no appliance registered with id %q", applianceID))
	}

	r.logger.Debug("resolved appliance credential",
		"appliance_id", appliance.ID,
		"base_url", appliance.BaseURL,
		"username", appliance.Username,
		"password", obslog.Redacted(appliance.Password),
	)

	if r.cache != nil {
		if err := r.cache.Set(ctx, cacheKey(applianceID), appliance, r.ttl); err != nil {
			r.logger.Warn("credential cache write failed", "appliance_id", applianceID, "error", err)
		}
	}

	return appliance, nil
}

// ListActive returns every appliance identity the store currently knows
// about, uncached: fan-out call sites need a fresh, complete list rather
// than a possibly-stale cached subset.
func (r *Registry) ListActive(ctx context.Context) ([]core.Appliance, error) {
	appliances, err := r.store.ListActive(ctx)
	if err != nil {
		return nil, core.NewFault(core.KindUpstreamUnavailable, "", fmt.Errorf("list active appliances: %w", err))
	}
	return appliances, nil
}

var _ core.CredentialRegistry = (*Registry)(nil)
