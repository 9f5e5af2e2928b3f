// Package orchestrator composes the request queue, retry loop, connection
// pool, token accounting, cost optimization, performance monitoring, error
// classification, and debug capture around pluggable AI providers.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/conductor/internal/common"
	"github.com/ternarybob/conductor/internal/interfaces"
	"github.com/ternarybob/conductor/internal/pool"
	"github.com/ternarybob/conductor/internal/queue"
	"github.com/ternarybob/conductor/internal/retry"
	"github.com/ternarybob/conductor/internal/services/classifier"
	"github.com/ternarybob/conductor/internal/services/contextwin"
	"github.com/ternarybob/conductor/internal/services/debugger"
	"github.com/ternarybob/conductor/internal/services/metrics"
	"github.com/ternarybob/conductor/internal/services/optimizer"
	"github.com/ternarybob/conductor/internal/services/ratelimit"
	"github.com/ternarybob/conductor/internal/services/tokens"
)

// Usage is the outward-facing diagnostics snapshot
type Usage struct {
	AverageMetrics metrics.Averages
	Trend          metrics.Trend
	PoolStats      map[string]pool.ProviderStats
	QueueStatus    queue.Status
	ErrorStats     classifier.Stats
}

// Service is the public-facing orchestration layer. It wraps provider
// capabilities with queuing, retry, pooling, measurement, and error
// enrichment. Providers are registered by name at construction.
type Service struct {
	config    *common.Config
	logger    arbor.ILogger
	providers map[string]interfaces.AIProvider

	queue      *queue.RequestQueue
	pool       *pool.Pool
	retryOpts  *retry.Options
	tokens     *tokens.Service
	optimizer  *optimizer.Service
	metrics    *metrics.Service
	classifier *classifier.Service
	debugger   *debugger.Service
	budgets    *ratelimit.Service
	contextMgr interfaces.ContextManager

	mu             sync.Mutex // guards the active provider/model selection
	activeProvider string
	activeModel    string
}

// NewService wires the orchestration layer from configuration. At least one
// provider is required; the active provider defaults to the configured
// default when registered, otherwise to the first provider given.
func NewService(config *common.Config, logger arbor.ILogger, providers ...interfaces.AIProvider) (*Service, error) {
	if config == nil {
		config = common.DefaultConfig()
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("orchestrator: at least one provider is required")
	}

	registry := make(map[string]interfaces.AIProvider, len(providers))
	for _, p := range providers {
		registry[p.Name()] = p
	}

	active := config.LLM.DefaultProvider
	if _, ok := registry[active]; !ok {
		active = providers[0].Name()
	}

	tokenService := tokens.NewService(logger)

	s := &Service{
		config:    config,
		logger:    logger,
		providers: registry,
		queue:     queue.New(config.Queue.Concurrency, logger),
		pool: pool.New(pool.Config{
			MaxConnectionsPerProvider: config.Pool.MaxConnectionsPerProvider,
			IdleTimeout:               common.ParseDurationOr(config.Pool.IdleTimeout, 0),
			HealthCheckInterval:       common.ParseDurationOr(config.Pool.HealthCheckInterval, 0),
			AcquireTimeout:            common.ParseDurationOr(config.Pool.AcquireTimeout, 0),
		}, logger),
		retryOpts:      retryOptions(config),
		tokens:         tokenService,
		optimizer:      optimizer.NewService(tokenService, logger),
		metrics:        metrics.NewService(logger),
		classifier:     classifier.NewService(logger),
		debugger:       debugger.NewService(logger),
		budgets:        ratelimit.NewService(logger),
		contextMgr:     contextwin.NewService(tokenService, logger),
		activeProvider: active,
		activeModel:    config.LLM.DefaultModel,
	}

	for provider, limits := range config.RateLimits {
		s.budgets.Configure(provider, limits.RequestsPerMinute, limits.TokensPerMinute)
	}
	if config.Debug.Enabled {
		s.debugger.Enable(&debugger.Options{Types: config.Debug.Filters})
	}

	logger.Info().
		Str("provider", active).
		Str("model", config.LLM.DefaultModel).
		Int("concurrency", config.Queue.Concurrency).
		Msg("Orchestrator initialized")

	return s, nil
}

func retryOptions(config *common.Config) *retry.Options {
	opts := retry.DefaultOptions()
	if config.Retry.MaxRetries > 0 {
		opts.MaxRetries = config.Retry.MaxRetries
	}
	switch config.Retry.Backoff {
	case "linear":
		opts.Strategy = retry.StrategyLinear
	case "fixed":
		opts.Strategy = retry.StrategyFixed
	}
	opts.InitialDelay = common.ParseDurationOr(config.Retry.InitialDelay, opts.InitialDelay)
	opts.MaxDelay = common.ParseDurationOr(config.Retry.MaxDelay, opts.MaxDelay)
	opts.Jitter = config.Retry.Jitter
	return opts
}

// GenerateText produces a completion for the prompt. The call is admitted
// through the request queue at normal priority, measured, retried on
// transient failure, and executed over a pooled connection. Failures are
// returned as classifier-enriched errors.
func (s *Service) GenerateText(ctx context.Context, prompt string, opts *interfaces.GenerateOptions) (string, error) {
	providerName, model := s.resolve(opts)
	estimated := s.tokens.Count(prompt, model)

	s.debugger.Log("request", "generate_text submitted", map[string]interface{}{
		"provider":         providerName,
		"model":            model,
		"estimated_tokens": estimated,
	}, nil)

	results, err := s.queue.Submit(func(qctx context.Context) (interface{}, error) {
		if err := qctx.Err(); err != nil {
			return nil, err
		}
		return s.execute(ctx, providerName, model, "generate_text", prompt, opts)
	}, queue.PriorityNormal, &queue.Metadata{
		Provider:        providerName,
		Capability:      "generate_text",
		EstimatedTokens: estimated,
	})
	if err != nil {
		return "", err
	}

	select {
	case res := <-results:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Value.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// execute runs one measured, retried, pooled provider call. The returned
// error is already classifier-enriched.
func (s *Service) execute(ctx context.Context, providerName, model, operation, prompt string, opts *interfaces.GenerateOptions) (string, error) {
	provider, err := s.lookup(providerName)
	if err != nil {
		return "", err
	}

	if err := s.budgets.WaitRequest(ctx, providerName); err != nil {
		return "", err
	}
	if !s.budgets.AllowTokens(providerName, s.tokens.Count(prompt, model)) {
		s.logger.Warn().
			Str("provider", providerName).
			Msg("Token budget exceeded, dispatching anyway")
	}

	operationID := common.NewOperationID()
	meta := map[string]interface{}{
		"operation": operation,
		"provider":  providerName,
		"model":     model,
	}
	s.metrics.Start(operationID, meta)
	defer s.metrics.End(operationID)

	attempts := 1
	callOpts := withModel(opts, model)

	value, err := retry.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		conn, err := s.pool.Acquire(ctx, providerName)
		if err != nil {
			return nil, err
		}
		text, err := provider.GenerateText(ctx, prompt, callOpts)
		s.pool.Release(conn.ID, err != nil)
		return text, err
	}, s.retryOptionsFor(&attempts, providerName, operation), s.logger)

	if err != nil {
		enriched := s.classifier.Enrich(err, &classifier.Context{
			Provider:  providerName,
			Operation: operation,
			Attempt:   attempts,
		})
		s.debugger.Log("error", "provider call failed", map[string]interface{}{
			"provider": providerName,
			"category": string(enriched.Category),
			"attempts": attempts,
		}, nil)
		return "", enriched
	}

	// Transient failures recorded along the way are resolved now that a
	// later attempt succeeded.
	for i := 1; i < attempts; i++ {
		s.classifier.Resolve(providerName, operation)
	}

	text := value.(string)
	meta["tokens"] = s.tokens.Count(text, model)

	s.debugger.Log("response", "provider call completed", map[string]interface{}{
		"provider": providerName,
		"model":    model,
		"attempts": attempts,
	}, nil)

	return text, nil
}

// retryOptionsFor copies the configured retry options with an OnRetry hook
// that counts attempts and records each transient failure for later
// resolution, and a predicate that surfaces structural failures (pool
// exhaustion, cancellation) immediately.
func (s *Service) retryOptionsFor(attempts *int, providerName, operation string) *retry.Options {
	opts := *s.retryOpts
	opts.OnRetry = func(attempt int, err error, delay time.Duration) {
		*attempts = attempt + 1
		s.classifier.Enrich(err, &classifier.Context{
			Provider:  providerName,
			Operation: operation,
			Attempt:   attempt,
		})
	}
	opts.RetryIf = func(err error, attempt int) bool {
		if errors.Is(err, pool.ErrConnectionTimeout) ||
			errors.Is(err, pool.ErrPoolClosed) ||
			errors.Is(err, context.Canceled) ||
			errors.Is(err, context.DeadlineExceeded) {
			return false
		}
		return retry.DefaultRetryIf(err, attempt)
	}
	return &opts
}

// GenerateStream produces a streamed completion. Streaming calls are
// measured and enriched but never retried: once partial output has been
// delivered, restarting would duplicate or corrupt it. They also bypass
// the queue so a long-lived stream cannot starve a dispatch slot.
func (s *Service) GenerateStream(ctx context.Context, prompt string, opts *interfaces.GenerateOptions) (<-chan interfaces.StreamChunk, error) {
	providerName, model := s.resolve(opts)
	provider, err := s.lookup(providerName)
	if err != nil {
		return nil, err
	}

	if err := s.budgets.WaitRequest(ctx, providerName); err != nil {
		return nil, err
	}

	operationID := common.NewOperationID()
	meta := map[string]interface{}{
		"operation": "generate_stream",
		"provider":  providerName,
		"model":     model,
	}
	s.metrics.Start(operationID, meta)

	upstream, err := provider.GenerateStream(ctx, prompt, withModel(opts, model))
	if err != nil {
		s.metrics.End(operationID)
		return nil, s.classifier.Enrich(err, &classifier.Context{
			Provider:  providerName,
			Operation: "generate_stream",
			Attempt:   1,
		})
	}

	out := make(chan interfaces.StreamChunk)
	common.SafeGo(s.logger, "stream-relay", func() {
		defer close(out)

		var produced strings.Builder
		defer func() {
			meta["tokens"] = s.tokens.Count(produced.String(), model)
			s.metrics.End(operationID)
		}()

		for chunk := range upstream {
			if chunk.Err != nil {
				chunk.Err = s.classifier.Enrich(chunk.Err, &classifier.Context{
					Provider:  providerName,
					Operation: "generate_stream",
					Attempt:   1,
				})
			} else {
				produced.WriteString(chunk.Text)
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				// Consumer is gone; drain upstream so the provider can
				// finish and close its channel.
				for range upstream {
				}
				return
			}
		}
	})

	return out, nil
}

// Summarize generates a concise summary of the given text
func (s *Service) Summarize(ctx context.Context, text string, opts *interfaces.GenerateOptions) (string, error) {
	prompt := "Summarize the following text concisely, preserving the key facts:\n\n" + text
	return s.GenerateText(ctx, prompt, opts)
}

// ExtractKeyPoints generates a bullet-point extraction of the text and
// returns the parsed points.
func (s *Service) ExtractKeyPoints(ctx context.Context, text string, opts *interfaces.GenerateOptions) ([]string, error) {
	prompt := "Extract the key points from the following text. " +
		"Return one point per line, each starting with \"- \":\n\n" + text
	raw, err := s.GenerateText(ctx, prompt, opts)
	if err != nil {
		return nil, err
	}
	return parsePoints(raw), nil
}

func parsePoints(raw string) []string {
	var points []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimPrefix(line, "- ")
		line = strings.TrimPrefix(line, "* ")
		line = strings.TrimPrefix(line, "• ")
		if line != "" {
			points = append(points, line)
		}
	}
	return points
}

// OptimizeRequest asks the cost optimizer for the best provider/model for
// the task, temporarily makes it the active configuration, performs the
// generation, and restores the prior configuration on every exit path.
func (s *Service) OptimizeRequest(ctx context.Context, taskText string, req *optimizer.Requirements) (string, *optimizer.Option, error) {
	option, err := s.optimizer.SelectOptimalProvider(taskText, req)
	if err != nil {
		return "", nil, err
	}

	s.mu.Lock()
	prevProvider, prevModel := s.activeProvider, s.activeModel
	if _, ok := s.providers[option.Provider]; ok {
		s.activeProvider = option.Provider
	}
	s.activeModel = option.Model
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.activeProvider, s.activeModel = prevProvider, prevModel
		s.mu.Unlock()
	}()

	s.logger.Info().
		Str("provider", option.Provider).
		Str("model", option.Model).
		Float64("estimated_cost", option.EstimatedCost).
		Msg("Optimized provider selection")

	text, err := s.GenerateText(ctx, taskText, nil)
	if err != nil {
		return "", option, err
	}
	return text, option, nil
}

// ManageContext bounds a conversation to the model's token budget
func (s *Service) ManageContext(ctx context.Context, messages []interfaces.Message, model string) ([]interfaces.Message, error) {
	if model == "" {
		_, model = s.resolve(nil)
	}
	return s.contextMgr.Manage(ctx, messages, model)
}

// Usage returns the diagnostics snapshot consumed by outward surfaces
func (s *Service) Usage() Usage {
	return Usage{
		AverageMetrics: s.metrics.AverageMetrics(""),
		Trend:          s.metrics.AnalyzeTrend(0),
		PoolStats:      s.pool.Stats(),
		QueueStatus:    s.queue.Status(),
		ErrorStats:     s.classifier.Stats(0),
	}
}

// DebugExport returns the captured debug events as a JSON array
func (s *Service) DebugExport() ([]byte, error) {
	return s.debugger.Export()
}

// Debugger exposes the debug recorder for enable/disable control
func (s *Service) Debugger() *debugger.Service {
	return s.debugger
}

// Close shuts down the queue and the pool sweep. Pending queued work is
// rejected with a cancellation error.
func (s *Service) Close() {
	s.queue.Close()
	s.pool.Close()
	s.logger.Info().Msg("Orchestrator shut down")
}

// Active returns the currently active provider and model
func (s *Service) Active() (provider, model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeProvider, s.activeModel
}

// resolve picks the provider and model for a call, preferring explicit
// per-call options over the active configuration.
func (s *Service) resolve(opts *interfaces.GenerateOptions) (provider, model string) {
	s.mu.Lock()
	provider, model = s.activeProvider, s.activeModel
	s.mu.Unlock()
	if opts != nil && opts.Model != "" {
		model = opts.Model
	}
	return provider, model
}

func (s *Service) lookup(name string) (interfaces.AIProvider, error) {
	if p, ok := s.providers[name]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("orchestrator: no provider registered as %q", name)
}

// withModel copies opts with the resolved model filled in
func withModel(opts *interfaces.GenerateOptions, model string) *interfaces.GenerateOptions {
	out := interfaces.GenerateOptions{}
	if opts != nil {
		out = *opts
	}
	out.Model = model
	return &out
}
