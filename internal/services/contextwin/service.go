package contextwin

import (
	"context"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/conductor/internal/interfaces"
	"github.com/ternarybob/conductor/internal/services/tokens"
)

// windowBudgets is the usable token budget per model family, already
// reserving headroom for the generated response.
var windowBudgets = map[string]int{
	"claude": 180000,
	"gemini": 900000,
	"gpt-4o": 120000,
	"gpt-4":  7000,
}

// defaultBudget applies when the model matches no known family
const defaultBudget = 8000

// Service bounds conversations to a per-model token budget, trimming the
// oldest conversational turns first. System messages are preserved.
type Service struct {
	tokens *tokens.Service
	logger arbor.ILogger
}

var _ interfaces.ContextManager = (*Service)(nil)

func NewService(tokenService *tokens.Service, logger arbor.ILogger) *Service {
	return &Service{
		tokens: tokenService,
		logger: logger,
	}
}

// BudgetFor returns the usable token budget for a model
func BudgetFor(model string) int {
	name := strings.ToLower(model)
	best := 0
	budget := defaultBudget
	for prefix, b := range windowBudgets {
		if strings.HasPrefix(name, prefix) && len(prefix) > best {
			best = len(prefix)
			budget = b
		}
	}
	return budget
}

// Manage trims messages until the conversation fits the model's budget.
// Oldest non-system turns are dropped first; when even the remaining
// system-plus-latest exceeds the budget, the latest message content is
// truncated instead.
func (s *Service) Manage(ctx context.Context, messages []interfaces.Message, model string) ([]interfaces.Message, error) {
	if len(messages) == 0 {
		return messages, nil
	}

	budget := BudgetFor(model)
	out := append([]interfaces.Message(nil), messages...)

	for s.total(out, model) > budget {
		dropped := false
		for i, m := range out {
			if m.Role == "system" {
				continue
			}
			// Never drop the latest turn; truncate it below instead
			if i == len(out)-1 {
				break
			}
			out = append(out[:i], out[i+1:]...)
			dropped = true
			break
		}
		if !dropped {
			break
		}
	}

	if s.total(out, model) > budget {
		last := &out[len(out)-1]
		overhead := s.total(out, model) - s.tokens.Count(last.Content, model)
		remaining := budget - overhead
		if remaining < 0 {
			remaining = 0
		}
		last.Content = s.tokens.Truncate(last.Content, model, remaining)
	}

	if trimmed := len(messages) - len(out); trimmed > 0 {
		s.logger.Debug().
			Int("dropped_turns", trimmed).
			Str("model", model).
			Int("budget", budget).
			Msg("Trimmed conversation to fit context window")
	}

	return out, nil
}

func (s *Service) total(messages []interfaces.Message, model string) int {
	total := 0
	for _, m := range messages {
		total += s.tokens.Count(m.Content, model)
	}
	return total
}
