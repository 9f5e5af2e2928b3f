package classifier

import (
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"google.golang.org/genai"
)

// Category buckets raw provider failures into an actionable taxonomy
type Category string

const (
	CategoryAuthentication Category = "authentication"
	CategoryRateLimit      Category = "rate-limit"
	CategoryBilling        Category = "billing"
	CategoryServerError    Category = "server-error"
	CategoryNetwork        Category = "network"
	CategoryValidation     Category = "validation"
	CategoryUnknown        Category = "unknown"
)

// StatusCoder is implemented by provider adapter errors that can surface a
// structured HTTP status. Structured codes are always preferred over
// message matching.
type StatusCoder interface {
	StatusCode() int
}

// StatusCode extracts a structured HTTP status from an error chain. It
// understands the Anthropic and Gemini SDK error types directly, plus any
// adapter error implementing StatusCoder.
func StatusCode(err error) (int, bool) {
	if err == nil {
		return 0, false
	}

	var anthropicErr *anthropic.Error
	if errors.As(err, &anthropicErr) {
		return anthropicErr.StatusCode, true
	}

	var genaiErrPtr *genai.APIError
	if errors.As(err, &genaiErrPtr) {
		return genaiErrPtr.Code, true
	}
	var genaiErr genai.APIError
	if errors.As(err, &genaiErr) {
		return genaiErr.Code, true
	}

	var coder StatusCoder
	if errors.As(err, &coder) {
		return coder.StatusCode(), true
	}

	return 0, false
}

// Classify maps a raw failure to a category. Structured status codes win;
// message substrings are the fallback heuristic for adapters that only
// surface strings.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}

	if code, ok := StatusCode(err); ok {
		switch {
		case code == 401 || code == 403:
			return CategoryAuthentication
		case code == 429:
			return CategoryRateLimit
		case code == 402:
			return CategoryBilling
		case code >= 500:
			return CategoryServerError
		case code == 408:
			return CategoryNetwork
		case code == 400 || code == 422:
			return CategoryValidation
		}
	}

	return classifyMessage(err.Error())
}

func classifyMessage(message string) Category {
	msg := strings.ToLower(message)

	switch {
	case containsAny(msg, "unauthorized", "authentication", "invalid api key", "expired api key", "api key"):
		return CategoryAuthentication
	case containsAny(msg, "rate limit", "too many requests", "quota", "resource_exhausted"):
		return CategoryRateLimit
	case containsAny(msg, "billing", "payment", "insufficient credit", "subscription"):
		return CategoryBilling
	case containsAny(msg, "internal server", "server error", "overloaded", "service unavailable", "bad gateway"):
		return CategoryServerError
	case containsAny(msg, "network", "timeout", "timed out", "connection reset", "connection refused", "econnreset", "etimedout", "socket"):
		return CategoryNetwork
	case containsAny(msg, "invalid", "validation", "bad request", "malformed"):
		return CategoryValidation
	default:
		return CategoryUnknown
	}
}

func containsAny(s string, substrings ...string) bool {
	for _, sub := range substrings {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// IsRetryable reports whether failures in the category are worth retrying.
// Only transient categories qualify.
func IsRetryable(category Category) bool {
	switch category {
	case CategoryRateLimit, CategoryServerError, CategoryNetwork:
		return true
	default:
		return false
	}
}
