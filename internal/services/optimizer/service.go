package optimizer

import (
	"errors"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/conductor/internal/services/tokens"
)

// ErrNoEligibleProvider is returned when every candidate is disqualified by
// the stated hard ceilings.
var ErrNoEligibleProvider = errors.New("no eligible provider for the stated requirements")

// Complexity is the coarse task-size classification derived from text length
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
)

// Feature tags a capability a provider/model may support
const (
	FeatureChat        = "chat"
	FeatureCode        = "code"
	FeatureReasoning   = "reasoning"
	FeatureLongContext = "long-context"
	FeatureMultimodal  = "multimodal"
)

// Requirements are the caller's constraints for provider selection. Zero
// values mean "no ceiling".
type Requirements struct {
	MaxCost            float64
	MinQuality         float64
	MaxLatency         time.Duration
	PreferredProviders []string
}

// Option is a scored provider/model candidate, constructed fresh per
// scoring call from the static profile table.
type Option struct {
	Provider         string
	Model            string
	EstimatedCost    float64
	EstimatedLatency time.Duration
	QualityScore     float64
	Features         []string
	Score            float64
	Disqualified     bool
}

// profile is one row of the static provider/model table
type profile struct {
	provider string
	model    string
	latency  time.Duration
	quality  float64
	features []string
}

var defaultProfiles = []profile{
	{"claude", "claude-3-opus", 8 * time.Second, 0.97,
		[]string{FeatureChat, FeatureCode, FeatureReasoning, FeatureLongContext, FeatureMultimodal}},
	{"claude", "claude-sonnet-4", 4 * time.Second, 0.92,
		[]string{FeatureChat, FeatureCode, FeatureReasoning, FeatureLongContext, FeatureMultimodal}},
	{"claude", "claude-3-5-haiku", 1500 * time.Millisecond, 0.78,
		[]string{FeatureChat, FeatureCode, FeatureLongContext}},
	{"gemini", "gemini-2.5-pro", 5 * time.Second, 0.9,
		[]string{FeatureChat, FeatureCode, FeatureReasoning, FeatureLongContext, FeatureMultimodal}},
	{"gemini", "gemini-2.5-flash", 1200 * time.Millisecond, 0.75,
		[]string{FeatureChat, FeatureCode, FeatureLongContext}},
	{"openai", "gpt-4o", 4 * time.Second, 0.9,
		[]string{FeatureChat, FeatureCode, FeatureReasoning, FeatureMultimodal}},
	{"openai", "gpt-4o-mini", 1200 * time.Millisecond, 0.72,
		[]string{FeatureChat, FeatureCode}},
}

// Service scores provider/model candidates against task requirements under
// a token budget.
type Service struct {
	tokens   *tokens.Service
	profiles []profile
	logger   arbor.ILogger
}

func NewService(tokenService *tokens.Service, logger arbor.ILogger) *Service {
	return &Service{
		tokens:   tokenService,
		profiles: defaultProfiles,
		logger:   logger,
	}
}

// ClassifyComplexity buckets a task by text length
func ClassifyComplexity(taskText string) Complexity {
	switch {
	case len(taskText) < 500:
		return ComplexitySimple
	case len(taskText) < 1000:
		return ComplexityModerate
	default:
		return ComplexityComplex
	}
}

// DetectFeatures derives required capabilities from keyword heuristics
func DetectFeatures(taskText string) []string {
	text := strings.ToLower(taskText)
	features := []string{}

	if strings.Contains(text, "code") || strings.Contains(text, "function") {
		features = append(features, FeatureCode)
	}
	if strings.Contains(text, "analyze") || strings.Contains(text, "reason") {
		features = append(features, FeatureReasoning)
	}
	if len(taskText) > 4000 {
		features = append(features, FeatureLongContext)
	}
	return features
}

// SelectOptimalProvider returns the highest-scoring qualified candidate for
// the task, or ErrNoEligibleProvider when every candidate is disqualified.
func (s *Service) SelectOptimalProvider(taskText string, req *Requirements) (*Option, error) {
	if req == nil {
		req = &Requirements{}
	}

	complexity := ClassifyComplexity(taskText)
	required := DetectFeatures(taskText)

	// Complexity implies a quality floor when the caller states none
	minQuality := req.MinQuality
	if minQuality == 0 {
		switch complexity {
		case ComplexityModerate:
			minQuality = 0.5
		case ComplexityComplex:
			minQuality = 0.7
		}
	}

	options := s.enumerate(taskText, required)
	if len(options) == 0 {
		s.logger.Debug().
			Strs("required_features", required).
			Msg("No candidate supports the required features")
		return nil, ErrNoEligibleProvider
	}

	var best *Option
	for i := range options {
		opt := &options[i]
		s.score(opt, req, minQuality)
		if opt.Disqualified {
			continue
		}
		if best == nil || opt.Score > best.Score {
			best = opt
		}
	}

	if best == nil {
		return nil, ErrNoEligibleProvider
	}

	s.logger.Debug().
		Str("provider", best.Provider).
		Str("model", best.Model).
		Float64("score", best.Score).
		Float64("estimated_cost", best.EstimatedCost).
		Str("complexity", string(complexity)).
		Msg("Selected optimal provider")

	return best, nil
}

// enumerate builds options for every profile whose feature set is a
// superset of the required features.
func (s *Service) enumerate(taskText string, required []string) []Option {
	var options []Option
	for _, p := range s.profiles {
		if !supportsAll(p.features, required) {
			continue
		}

		inputTokens := s.tokens.Count(taskText, p.model)
		// Output estimated at parity with input
		cost := s.tokens.EstimateCost(inputTokens, p.model, tokens.DirectionInput) +
			s.tokens.EstimateCost(inputTokens, p.model, tokens.DirectionOutput)

		options = append(options, Option{
			Provider:         p.provider,
			Model:            p.model,
			EstimatedCost:    cost,
			EstimatedLatency: p.latency,
			QualityScore:     p.quality,
			Features:         append([]string(nil), p.features...),
		})
	}
	return options
}

func supportsAll(features, required []string) bool {
	for _, r := range required {
		found := false
		for _, f := range features {
			if f == r {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// score fills in Score, or marks the option disqualified when it exceeds a
// stated hard ceiling. Weights: cost 40, quality 40, latency 20, preferred
// provider bonus 10.
func (s *Service) score(opt *Option, req *Requirements, minQuality float64) {
	if req.MaxCost > 0 && opt.EstimatedCost > req.MaxCost {
		opt.Disqualified = true
		return
	}
	if minQuality > 0 && opt.QualityScore < minQuality {
		opt.Disqualified = true
		return
	}
	if req.MaxLatency > 0 && opt.EstimatedLatency > req.MaxLatency {
		opt.Disqualified = true
		return
	}

	var costScore float64
	if req.MaxCost > 0 {
		costScore = 40 * (1 - opt.EstimatedCost/req.MaxCost)
	} else {
		// Penalty curve: cheap candidates approach the full 40
		costScore = 40 / (1 + opt.EstimatedCost*100)
	}

	qualityScore := 40 * opt.QualityScore

	var latencyScore float64
	if req.MaxLatency > 0 {
		latencyScore = 20 * (1 - float64(opt.EstimatedLatency)/float64(req.MaxLatency))
	} else {
		latencyScore = 20 / (1 + opt.EstimatedLatency.Seconds())
	}

	score := costScore + qualityScore + latencyScore
	for _, preferred := range req.PreferredProviders {
		if strings.EqualFold(preferred, opt.Provider) {
			score += 10
			break
		}
	}
	opt.Score = score
}
