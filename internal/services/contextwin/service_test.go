package contextwin

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/conductor/internal/interfaces"
	"github.com/ternarybob/conductor/internal/services/tokens"
)

func newTestService() (*Service, *tokens.Service) {
	logger := arbor.NewLogger()
	tok := tokens.NewService(logger)
	return NewService(tok, logger), tok
}

func TestBudgetFor(t *testing.T) {
	assert.Equal(t, 180000, BudgetFor("claude-sonnet-4"))
	assert.Equal(t, 900000, BudgetFor("gemini-2.5-flash"))
	assert.Equal(t, 120000, BudgetFor("gpt-4o-mini"))
	assert.Equal(t, 7000, BudgetFor("gpt-4"))
	assert.Equal(t, 8000, BudgetFor("mystery-model"))
}

func TestManageKeepsShortConversation(t *testing.T) {
	s, _ := newTestService()

	messages := []interfaces.Message{
		{Role: "system", Content: "be helpful"},
		{Role: "user", Content: "hello"},
	}
	out, err := s.Manage(context.Background(), messages, "claude-sonnet-4")
	require.NoError(t, err)
	assert.Equal(t, messages, out)
}

func TestManageDropsOldestTurnsFirst(t *testing.T) {
	s, tok := newTestService()

	// gpt-4 budget is 7000 tokens; each turn is ~3125 so trimming is forced.
	big := strings.Repeat("word ", 2500)
	messages := []interfaces.Message{
		{Role: "system", Content: "instructions"},
		{Role: "user", Content: "oldest " + big},
		{Role: "assistant", Content: "middle " + big},
		{Role: "user", Content: "latest " + big},
	}

	out, err := s.Manage(context.Background(), messages, "gpt-4")
	require.NoError(t, err)

	// System message survives, oldest turns dropped first
	assert.Equal(t, "system", out[0].Role)
	last := out[len(out)-1]
	assert.Equal(t, "user", last.Role)
	assert.True(t, strings.HasPrefix(last.Content, "latest"))
	for _, m := range out {
		assert.NotContains(t, m.Content, "oldest")
	}

	total := 0
	for _, m := range out {
		total += tok.Count(m.Content, "gpt-4")
	}
	assert.LessOrEqual(t, total, BudgetFor("gpt-4"))
}

func TestManageTruncatesOversizeLatestTurn(t *testing.T) {
	s, tok := newTestService()

	huge := strings.Repeat("x", 40000) // ~10000 tokens, alone over gpt-4 budget
	messages := []interfaces.Message{
		{Role: "user", Content: huge},
	}

	out, err := s.Manage(context.Background(), messages, "gpt-4")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.LessOrEqual(t, tok.Count(out[0].Content, "gpt-4"), BudgetFor("gpt-4"))
}

func TestManageEmpty(t *testing.T) {
	s, _ := newTestService()
	out, err := s.Manage(context.Background(), nil, "claude-sonnet-4")
	require.NoError(t, err)
	assert.Empty(t, out)
}
