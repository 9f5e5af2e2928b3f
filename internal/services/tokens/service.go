package tokens

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	"github.com/ternarybob/arbor"
)

// Direction selects which side of a model's price table applies
type Direction string

const (
	DirectionInput  Direction = "input"
	DirectionOutput Direction = "output"
)

// ModelPricing is USD per 1K tokens
type ModelPricing struct {
	Input  float64
	Output float64
}

// pricing is the static per-model price table. Unknown models cost zero
// rather than failing.
var pricing = map[string]ModelPricing{
	"claude-3-opus":    {Input: 0.015, Output: 0.075},
	"claude-sonnet-4":  {Input: 0.003, Output: 0.015},
	"claude-3-5-haiku": {Input: 0.0008, Output: 0.004},
	"gemini-2.5-pro":   {Input: 0.00125, Output: 0.01},
	"gemini-2.5-flash": {Input: 0.0003, Output: 0.0025},
	"gpt-4o":           {Input: 0.0025, Output: 0.01},
	"gpt-4o-mini":      {Input: 0.00015, Output: 0.0006},
	"gpt-4":            {Input: 0.03, Output: 0.06},
	"gpt-3.5-turbo":    {Input: 0.0005, Output: 0.0015},
}

// Service counts, truncates, chunks, and prices text per model. Token
// counting uses a model-family-specific encoding selected by name-prefix
// lookup; models without an encoder fall back to a chars/4 approximation.
type Service struct {
	mu       sync.Mutex
	encoders map[string]*tiktoken.Tiktoken
	logger   arbor.ILogger
}

func NewService(logger arbor.ILogger) *Service {
	return &Service{
		encoders: make(map[string]*tiktoken.Tiktoken),
		logger:   logger,
	}
}

// encoderFor returns the BPE encoder for the model family, or nil when the
// family has no local encoding (claude, gemini) or loading failed.
func (s *Service) encoderFor(model string) *tiktoken.Tiktoken {
	name := strings.ToLower(model)
	if !strings.Contains(name, "gpt") {
		return nil
	}

	const encoding = "cl100k_base"

	s.mu.Lock()
	defer s.mu.Unlock()

	if enc, ok := s.encoders[encoding]; ok {
		return enc
	}

	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		s.logger.Warn().Str("encoding", encoding).Err(err).Msg("Failed to load token encoding, using approximation")
		s.encoders[encoding] = nil
		return nil
	}
	s.encoders[encoding] = enc
	return enc
}

// Count returns the token count of text for the model
func (s *Service) Count(text, model string) int {
	if text == "" {
		return 0
	}
	if enc := s.encoderFor(model); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return approxTokens(text)
}

// approxTokens is ceil(len/4), the standard chars-per-token approximation
func approxTokens(text string) int {
	return (len(text) + 3) / 4
}

// Truncate returns text shortened so its token count does not exceed
// maxTokens. Operates on encoded token sequences when an encoder is
// available, character-proportional slicing otherwise.
func (s *Service) Truncate(text, model string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}

	if enc := s.encoderFor(model); enc != nil {
		encoded := enc.Encode(text, nil, nil)
		if len(encoded) <= maxTokens {
			return text
		}
		return enc.Decode(encoded[:maxTokens])
	}

	if approxTokens(text) <= maxTokens {
		return text
	}
	cut := maxTokens * 4
	if cut > len(text) {
		cut = len(text)
	}
	// Back off to a rune boundary so a multibyte character is never split
	for cut > 0 && cut < len(text) && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

// Split chunks text into pieces of at most chunkSize tokens each
func (s *Service) Split(text, model string, chunkSize int) []string {
	if text == "" || chunkSize <= 0 {
		return nil
	}

	if enc := s.encoderFor(model); enc != nil {
		encoded := enc.Encode(text, nil, nil)
		chunks := make([]string, 0, (len(encoded)+chunkSize-1)/chunkSize)
		for start := 0; start < len(encoded); start += chunkSize {
			end := start + chunkSize
			if end > len(encoded) {
				end = len(encoded)
			}
			chunks = append(chunks, enc.Decode(encoded[start:end]))
		}
		return chunks
	}

	charSize := chunkSize * 4
	chunks := make([]string, 0, (len(text)+charSize-1)/charSize)
	for start := 0; start < len(text); start += charSize {
		end := start + charSize
		if end > len(text) {
			end = len(text)
		}
		chunks = append(chunks, text[start:end])
	}
	return chunks
}

// EstimateCost multiplies token count (in thousands) by the model's static
// input/output price. Unknown models yield zero.
func (s *Service) EstimateCost(tokenCount int, model string, direction Direction) float64 {
	if tokenCount <= 0 {
		return 0
	}

	price, ok := lookupPricing(model)
	if !ok {
		return 0
	}

	perThousand := price.Input
	if direction == DirectionOutput {
		perThousand = price.Output
	}
	return float64(tokenCount) / 1000 * perThousand
}

// lookupPricing matches the model exactly, then by longest table-key prefix
func lookupPricing(model string) (ModelPricing, bool) {
	name := strings.ToLower(model)
	if p, ok := pricing[name]; ok {
		return p, true
	}

	bestLen := 0
	var best ModelPricing
	for key, p := range pricing {
		if strings.HasPrefix(name, key) && len(key) > bestLen {
			bestLen = len(key)
			best = p
		}
	}
	return best, bestLen > 0
}
