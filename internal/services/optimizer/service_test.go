package optimizer

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/conductor/internal/services/tokens"
)

func newTestService() *Service {
	logger := arbor.NewLogger()
	return NewService(tokens.NewService(logger), logger)
}

func TestClassifyComplexity(t *testing.T) {
	tests := []struct {
		name string
		text string
		want Complexity
	}{
		{"short", "hello", ComplexitySimple},
		{"just under moderate", strings.Repeat("a", 499), ComplexitySimple},
		{"moderate", strings.Repeat("a", 500), ComplexityModerate},
		{"just under complex", strings.Repeat("a", 999), ComplexityModerate},
		{"complex", strings.Repeat("a", 1000), ComplexityComplex},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyComplexity(tt.text))
		})
	}
}

func TestDetectFeatures(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{"code keyword", "write code to sort a list", []string{FeatureCode}},
		{"function keyword", "implement a function", []string{FeatureCode}},
		{"reasoning keyword", "analyze this dataset", []string{FeatureReasoning}},
		{"both", "analyze this function", []string{FeatureCode, FeatureReasoning}},
		{"long context", strings.Repeat("a", 4001), []string{FeatureLongContext}},
		{"none", "hello there", []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ElementsMatch(t, tt.want, DetectFeatures(tt.text))
		})
	}
}

func TestSelectPrefersCheaperCodeCapableModel(t *testing.T) {
	s := newTestService()

	opt, err := s.SelectOptimalProvider("write code to sort a list", &Requirements{MaxCost: 0.05})
	require.NoError(t, err)

	assert.Contains(t, opt.Features, FeatureCode)
	assert.LessOrEqual(t, opt.EstimatedCost, 0.05)
	// Short task with a cost ceiling lands on a fast low-cost model, not a
	// premium one.
	assert.NotEqual(t, "claude-3-opus", opt.Model)
}

func TestSelectDisqualifiesOnCostCeiling(t *testing.T) {
	s := newTestService()

	// A ceiling below every candidate's estimated cost must report no
	// eligible provider rather than returning a zero-scored candidate.
	longTask := strings.Repeat("analyze this text carefully ", 500)
	_, err := s.SelectOptimalProvider(longTask, &Requirements{MaxCost: 0.0000001})
	assert.ErrorIs(t, err, ErrNoEligibleProvider)
}

func TestSelectRespectsLatencyCeiling(t *testing.T) {
	s := newTestService()

	opt, err := s.SelectOptimalProvider("quick chat message", &Requirements{MaxLatency: 2 * time.Second})
	require.NoError(t, err)
	assert.LessOrEqual(t, opt.EstimatedLatency, 2*time.Second)
}

func TestSelectPreferredProviderBonus(t *testing.T) {
	s := newTestService()

	neutral, err := s.SelectOptimalProvider("hello", nil)
	require.NoError(t, err)

	// Prefer a provider that did not win neutrally; the +10 bonus should
	// be able to flip the outcome between closely ranked candidates.
	other := "gemini"
	if neutral.Provider == "gemini" {
		other = "openai"
	}
	preferred, err := s.SelectOptimalProvider("hello", &Requirements{PreferredProviders: []string{other}})
	require.NoError(t, err)
	assert.Equal(t, other, preferred.Provider)
}

func TestSelectQualityFloorForComplexTasks(t *testing.T) {
	s := newTestService()

	complexTask := strings.Repeat("reason about this problem ", 50) // >1000 chars
	opt, err := s.SelectOptimalProvider(complexTask, nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, opt.QualityScore, 0.7)
}

func TestSelectRequiresFeatureSuperset(t *testing.T) {
	s := newTestService()

	opt, err := s.SelectOptimalProvider("analyze and reason about this code function", nil)
	require.NoError(t, err)
	assert.Contains(t, opt.Features, FeatureCode)
	assert.Contains(t, opt.Features, FeatureReasoning)
}
