package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"
)

// providerBudget pairs a request limiter with a token limiter
type providerBudget struct {
	requests *rate.Limiter
	tokens   *rate.Limiter
}

// Service tracks caller-enforced per-provider budgets. The request queue
// does not throttle; the orchestrator consults these limits ahead of
// dispatch.
type Service struct {
	mu      sync.RWMutex
	budgets map[string]*providerBudget
	logger  arbor.ILogger
}

func NewService(logger arbor.ILogger) *Service {
	return &Service{
		budgets: make(map[string]*providerBudget),
		logger:  logger,
	}
}

// Configure sets the per-minute request and token budgets for a provider.
// A zero or negative value leaves that dimension unlimited.
func (s *Service) Configure(provider string, requestsPerMinute, tokensPerMinute int) {
	budget := &providerBudget{}
	if requestsPerMinute > 0 {
		budget.requests = rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60), requestsPerMinute)
	}
	if tokensPerMinute > 0 {
		budget.tokens = rate.NewLimiter(rate.Limit(float64(tokensPerMinute)/60), tokensPerMinute)
	}

	s.mu.Lock()
	s.budgets[provider] = budget
	s.mu.Unlock()

	s.logger.Debug().
		Str("provider", provider).
		Int("requests_per_minute", requestsPerMinute).
		Int("tokens_per_minute", tokensPerMinute).
		Msg("Configured provider budget")
}

func (s *Service) budgetFor(provider string) *providerBudget {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.budgets[provider]
}

// AllowRequest reports whether one request fits the provider's budget now
func (s *Service) AllowRequest(provider string) bool {
	budget := s.budgetFor(provider)
	if budget == nil || budget.requests == nil {
		return true
	}
	return budget.requests.Allow()
}

// WaitRequest blocks until the provider's request budget admits one request
// or the context is cancelled.
func (s *Service) WaitRequest(ctx context.Context, provider string) error {
	budget := s.budgetFor(provider)
	if budget == nil || budget.requests == nil {
		return nil
	}
	return budget.requests.Wait(ctx)
}

// AllowTokens reports whether n tokens fit the provider's budget now.
// Requests larger than the burst are admitted; the budget cannot represent
// them and refusing forever would wedge the caller.
func (s *Service) AllowTokens(provider string, n int) bool {
	budget := s.budgetFor(provider)
	if budget == nil || budget.tokens == nil {
		return true
	}
	if n > budget.tokens.Burst() {
		return true
	}
	return budget.tokens.AllowN(timeNow(), n)
}

// timeNow indirection for tests
var timeNow = time.Now
