package ratelimit

import (
	"fmt"
	"time"

	"github.com/binlift/binlift/pkg/config"
	"github.com/binlift/binlift/pkg/log"
	"github.com/binlift/binlift/pkg/storage"
	"github.com/binlift/binlift/pkg/types"
)

// llmIdentifierPrefix separates LLM usage counters from HTTP request
// counters for the same identifier.
const llmIdentifierPrefix = "llm:"

// Limiter enforces sliding-window request quotas on top of the store's
// transactional check-and-consume. HTTP traffic is limited per API key by
// tier and globally; LLM call volume gets its own counters.
type Limiter struct {
	store storage.Store
	cfg   *config.Config
}

// NewLimiter creates a limiter using the tier quotas in cfg.
func NewLimiter(store storage.Store, cfg *config.Config) *Limiter {
	return &Limiter{store: store, cfg: cfg}
}

// AllowRequest checks and consumes one HTTP request for the key's tier and
// the global budget. Both must pass; the returned TierLimit describes the
// limit that applied (for Retry-After hints).
func (l *Limiter) AllowRequest(key *types.APIKey) (config.TierLimit, error) {
	logger := log.WithComponent("ratelimit")
	limit := l.cfg.TierLimitFor(key.Tier)

	ok, err := l.store.CheckAndConsume(types.ScopeAPIKey, key.KeyID,
		time.Duration(limit.WindowSeconds)*time.Second, limit.MaxRequests)
	if err != nil {
		return limit, fmt.Errorf("failed to check rate limit: %w", err)
	}
	if !ok {
		logger.Debug().
			Str("key_id", key.KeyID).
			Str("tier", string(key.Tier)).
			Msg("API key over its request quota")
		return limit, fmt.Errorf("%w: tier %s quota exhausted", types.ErrRateLimited, key.Tier)
	}

	global := l.cfg.GlobalLimit
	ok, err = l.store.CheckAndConsume(types.ScopeGlobal, "all",
		time.Duration(global.WindowSeconds)*time.Second, global.MaxRequests)
	if err != nil {
		return limit, fmt.Errorf("failed to check global rate limit: %w", err)
	}
	if !ok {
		logger.Warn().Msg("Global request quota exhausted")
		return global, fmt.Errorf("%w: global quota exhausted", types.ErrRateLimited)
	}
	return limit, nil
}

// AllowLLMCall checks and consumes one LLM call for the submitter. LLM
// counters are tracked apart from HTTP counters so a chatty binary cannot
// starve the submitter's API access. The identifier is the submitting
// user, carried on the job along with their tier.
func (l *Limiter) AllowLLMCall(tier types.APIKeyTier, identifier string) error {
	limit := l.cfg.TierLimitFor(tier)

	ok, err := l.store.CheckAndConsume(types.ScopeAPIKey, llmIdentifierPrefix+identifier,
		time.Duration(limit.WindowSeconds)*time.Second, limit.MaxRequests)
	if err != nil {
		return fmt.Errorf("failed to check LLM rate limit: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: tier %s LLM quota exhausted", types.ErrRateLimited, tier)
	}
	return nil
}
