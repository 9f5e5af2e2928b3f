package classifier

import (
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/conductor/internal/common"
)

const (
	historyCap  = 1000
	historyTrim = 500
)

// Context describes where a failure happened. Attached to enriched errors
// and error records for windowed statistics.
type Context struct {
	Provider  string
	Operation string
	Attempt   int
	Metadata  map[string]interface{}
}

// EnrichedError is an immutable classification wrapper around the original
// failure. The cause is never mutated; callers unwrap to reach it.
type EnrichedError struct {
	Cause           error
	Category        Category
	UserMessage     string
	Retryable       bool
	Recommendations []string
	Context         *Context
}

func (e *EnrichedError) Error() string {
	if e.Context != nil && e.Context.Provider != "" {
		return fmt.Sprintf("%s [%s/%s]: %v", e.Category, e.Context.Provider, e.Context.Operation, e.Cause)
	}
	return fmt.Sprintf("%s: %v", e.Category, e.Cause)
}

func (e *EnrichedError) Unwrap() error {
	return e.Cause
}

// Record is one classified failure retained for windowed statistics
type Record struct {
	ID        string
	Timestamp time.Time
	Category  Category
	Provider  string
	Operation string
	Resolved  bool
	Cause     string
}

// Stats summarizes classified failures over a window
type Stats struct {
	Total          int
	ByCategory     map[Category]int
	ByProvider     map[string]int
	ResolutionRate float64
}

// Service classifies failures, enriches them with user messaging and
// recommendations, and keeps a bounded history for diagnostics.
type Service struct {
	mu      sync.Mutex
	records []Record
	logger  arbor.ILogger
}

func NewService(logger arbor.ILogger) *Service {
	return &Service{logger: logger}
}

var userMessages = map[Category]string{
	CategoryAuthentication: "Authentication failed. Check your API key configuration.",
	CategoryRateLimit:      "The provider is rate limiting requests. Please retry shortly.",
	CategoryBilling:        "The provider account has a billing issue. Check your plan and credits.",
	CategoryServerError:    "The provider reported an internal error. Please retry.",
	CategoryNetwork:        "A network problem interrupted the request. Check connectivity and retry.",
	CategoryValidation:     "The request was rejected as invalid. Review the prompt and parameters.",
	CategoryUnknown:        "An unexpected error occurred.",
}

var recommendations = map[Category][]string{
	CategoryAuthentication: {
		"Verify the API key is present and has not expired",
		"Confirm the key has access to the requested model",
	},
	CategoryRateLimit: {
		"Reduce request frequency or batch smaller prompts",
		"Raise the provider quota or spread load across providers",
	},
	CategoryBilling: {
		"Check the provider billing dashboard for outstanding issues",
		"Verify spending limits have not been reached",
	},
	CategoryServerError: {
		"Retry with backoff; provider-side errors are usually transient",
	},
	CategoryNetwork: {
		"Check network connectivity and proxy configuration",
		"Retry the request once connectivity is restored",
	},
	CategoryValidation: {
		"Review prompt length and generation parameters against model limits",
	},
	CategoryUnknown: {
		"Inspect the underlying error and debug log for details",
	},
}

// Enrich classifies a failure and returns a new enriched error value
// wrapping the original cause. The failure is also recorded for Stats.
func (s *Service) Enrich(err error, ectx *Context) *EnrichedError {
	if err == nil {
		return nil
	}
	if ectx == nil {
		ectx = &Context{}
	}

	category := Classify(err)

	recs := make([]string, 0, len(recommendations[category])+1)
	recs = append(recs, recommendations[category]...)
	if ectx.Attempt > 2 {
		recs = append(recs, "Consider a fallback provider for this request")
	}

	enriched := &EnrichedError{
		Cause:           err,
		Category:        category,
		UserMessage:     userMessages[category],
		Retryable:       IsRetryable(category),
		Recommendations: recs,
		Context:         ectx,
	}

	s.record(enriched)

	s.logger.Debug().
		Str("category", string(category)).
		Str("provider", ectx.Provider).
		Str("operation", ectx.Operation).
		Int("attempt", ectx.Attempt).
		Err(err).
		Msg("Classified provider failure")

	return enriched
}

func (s *Service) record(e *EnrichedError) string {
	rec := Record{
		ID:        common.NewErrorID(),
		Timestamp: time.Now(),
		Category:  e.Category,
		Provider:  e.Context.Provider,
		Operation: e.Context.Operation,
		Cause:     e.Cause.Error(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	if len(s.records) > historyCap {
		s.records = append([]Record(nil), s.records[len(s.records)-historyTrim:]...)
	}
	return rec.ID
}

// Resolve marks the most recent unresolved record for the given provider
// and operation as resolved. Used when a later attempt succeeds.
func (s *Service) Resolve(provider, operation string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.records) - 1; i >= 0; i-- {
		r := &s.records[i]
		if !r.Resolved && r.Provider == provider && r.Operation == operation {
			r.Resolved = true
			return true
		}
	}
	return false
}

// Stats returns failure counts and the resolution rate over the window.
// A zero window covers the whole retained history.
func (s *Service) Stats(window time.Duration) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Time{}
	if window > 0 {
		cutoff = time.Now().Add(-window)
	}

	stats := Stats{
		ByCategory: map[Category]int{},
		ByProvider: map[string]int{},
	}
	resolved := 0
	for _, r := range s.records {
		if !cutoff.IsZero() && r.Timestamp.Before(cutoff) {
			continue
		}
		stats.Total++
		stats.ByCategory[r.Category]++
		if r.Provider != "" {
			stats.ByProvider[r.Provider]++
		}
		if r.Resolved {
			resolved++
		}
	}
	if stats.Total > 0 {
		stats.ResolutionRate = float64(resolved) / float64(stats.Total)
	}
	return stats
}
