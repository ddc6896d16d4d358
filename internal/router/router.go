// Package router is the L4 Analyst Router: it routes a FeaturePack to one
// or more pluggable Analysts, enforces per-analyst circuit breakers and
// rate limits, caches verdicts to avoid re-paying for duplicate asks within
// a tick, and selects among the configured routing policies (accuracy
// first, cost aware, latency aware, consensus).
package router

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/atlas-quant/orchestrator-core/pkg/types"
	"github.com/patrickmn/go-cache"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Analyst is anything that can turn a FeaturePack into an AnalystVerdict:
// an LLM-backed HTTP service, an MCP tool server, or a rules-based
// technical-only fallback.
type Analyst interface {
	ID() string
	Analyze(ctx context.Context, req types.AnalysisRequest) (types.AnalystVerdict, error)
}

// ErrNoAnalystAvailable is returned when no registered analyst meets the
// minimum success rate; circuit-open and rate-limited analysts are reported
// through their own per-analyst results instead.
var ErrNoAnalystAvailable = errors.New("router: no analyst available")

type member struct {
	analyst Analyst
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	profile types.AnalystProfile
}

// Router selects among a pool of Analysts per-request, per the configured
// RouterPolicy.
type Router struct {
	logger *zap.Logger
	config types.RouterConfig

	mu      sync.RWMutex
	members map[string]*member
	verdictCache *cache.Cache
}

// NewRouter constructs an empty Router; analysts are registered with
// Register.
func NewRouter(logger *zap.Logger, config types.RouterConfig) *Router {
	return &Router{
		logger:       logger,
		config:       config,
		members:      make(map[string]*member),
		verdictCache: cache.New(config.CacheTTL, 2*config.CacheTTL),
	}
}

// Register adds an analyst to the pool, wiring a dedicated circuit breaker
// and rate limiter per spec §4.4's "isolate one failing analyst from the
// rest of the pool" requirement.
func (r *Router) Register(a Analyst, profile types.AnalystProfile) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := gobreaker.Settings{
		Name:        a.ID(),
		MaxRequests: 1,
		Interval:    r.config.Circuit.Window,
		Timeout:     r.config.Circuit.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(r.config.Circuit.Failures)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("analyst circuit state change", zap.String("analyst", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}
	r.members[a.ID()] = &member{
		analyst: a,
		breaker: gobreaker.NewCircuitBreaker(st),
		limiter: rate.NewLimiter(rate.Limit(r.config.RateLimitPerSec), 1),
		profile: profile,
	}
}

// Route selects and queries analysts for req per r.config.Policy. The
// verdict cache is keyed on (feature hash, analyst_id) so identical
// FeaturePacks within CacheTTL never re-pay an analyst.
func (r *Router) Route(ctx context.Context, req types.AnalysisRequest) ([]AnstVerdictResult, error) {
	return r.route(ctx, req)
}

// AnstVerdictResult pairs a verdict with the analyst that produced it,
// named to avoid colliding with types.AnalystVerdict in the return slice.
type AnstVerdictResult struct {
	Verdict types.AnalystVerdict
	Err     error
}

func (r *Router) route(ctx context.Context, req types.AnalysisRequest) ([]AnstVerdictResult, error) {
	r.mu.RLock()
	candidates := r.eligibleMembers()
	r.mu.RUnlock()

	if len(candidates) == 0 {
		return nil, ErrNoAnalystAvailable
	}

	switch r.config.Policy {
	case types.PolicyConsensus:
		n := r.config.ConsensusSize
		if n > len(candidates) {
			n = len(candidates)
		}
		return r.queryMany(ctx, req, candidates[:n]), nil
	default:
		chosen := r.pickOne(candidates)
		return r.queryMany(ctx, req, []*member{chosen}), nil
	}
}

func (r *Router) eligibleMembers() []*member {
	out := make([]*member, 0, len(r.members))
	for _, m := range r.members {
		if m.profile.SuccessRate < r.config.MinSuccessRate {
			continue
		}
		out = append(out, m)
	}
	return out
}

func (r *Router) pickOne(candidates []*member) *member {
	sorted := append([]*member(nil), candidates...)
	switch r.config.Policy {
	case types.PolicyAccuracyFirst:
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].profile.SuccessRate > sorted[j].profile.SuccessRate })
	case types.PolicyCostAware:
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].profile.CostPerToken < sorted[j].profile.CostPerToken })
	case types.PolicyLatencyAware:
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].profile.P95Latency < sorted[j].profile.P95Latency })
	default:
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].profile.SuccessRate > sorted[j].profile.SuccessRate })
	}
	return sorted[0]
}

func (r *Router) queryMany(ctx context.Context, req types.AnalysisRequest, members []*member) []AnstVerdictResult {
	results := make([]AnstVerdictResult, len(members))
	var wg sync.WaitGroup
	for i, m := range members {
		wg.Add(1)
		go func(i int, m *member) {
			defer wg.Done()
			results[i] = r.queryOne(ctx, req, m)
		}(i, m)
	}
	wg.Wait()
	return results
}

func (r *Router) queryOne(ctx context.Context, req types.AnalysisRequest, m *member) AnstVerdictResult {
	key := cacheKey(req, m.analyst.ID())
	if cached, ok := r.verdictCache.Get(key); ok {
		v := cached.(types.AnalystVerdict)
		v.Cached = true
		return AnstVerdictResult{Verdict: v}
	}

	if !m.limiter.Allow() {
		return AnstVerdictResult{Err: fmt.Errorf("analyst %s: rate limited", m.analyst.ID())}
	}

	slaCtx, cancel := context.WithTimeout(ctx, r.config.SLAP95)
	defer cancel()

	result, err := m.breaker.Execute(func() (interface{}, error) {
		return m.analyst.Analyze(slaCtx, req)
	})
	if err != nil {
		return AnstVerdictResult{Err: fmt.Errorf("analyst %s: %w", m.analyst.ID(), err)}
	}
	verdict := result.(types.AnalystVerdict)
	r.verdictCache.Set(key, verdict, cache.DefaultExpiration)
	return AnstVerdictResult{Verdict: verdict}
}

func cacheKey(req types.AnalysisRequest, analystID string) string {
	h := sha256.New()
	enc := json.NewEncoder(h)
	_ = enc.Encode(req.Features)
	return analystID + ":" + hex.EncodeToString(h.Sum(nil))
}

// Successes pulls out only the non-errored verdicts from a Route result,
// the shape the Confluence Scorer consumes.
func Successes(results []AnstVerdictResult) []types.AnalystVerdict {
	out := make([]types.AnalystVerdict, 0, len(results))
	for _, r := range results {
		if r.Err == nil {
			out = append(out, r.Verdict)
		}
	}
	return out
}

// UpdateProfile refreshes an analyst's measured success rate/latency after
// a batch of outcomes resolves — called by the Learning Memory.
func (r *Router) UpdateProfile(analystID string, profile types.AnalystProfile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.members[analystID]; ok {
		m.profile = profile
	}
}
