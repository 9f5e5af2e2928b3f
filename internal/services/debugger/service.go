package debugger

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
)

const (
	historyCap  = 1000
	historyTrim = 500

	// maxValueLength truncates long message bodies before storage
	maxValueLength = 500
)

// sensitiveKeys are redacted from event payloads before storage
var sensitiveKeys = []string{"api_key", "apikey", "authorization", "token", "secret", "password", "credential"}

// Event is one recorded debug entry
type Event struct {
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Options configures recording behavior
type Options struct {
	// Types restricts recording to the listed event types. Empty records
	// every type.
	Types []string
}

// Filter narrows Events results
type Filter struct {
	Type  string
	Since time.Time
}

// Service is a structured, filterable debug event recorder with payload
// sanitization and a bounded ring history. Logging is a no-op while
// disabled.
type Service struct {
	mu      sync.Mutex
	enabled bool
	types   map[string]bool
	events  []Event
	logger  arbor.ILogger
}

func NewService(logger arbor.ILogger) *Service {
	return &Service{logger: logger}
}

// Enable turns on recording with the given options
func (s *Service) Enable(opts *Options) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.enabled = true
	s.types = nil
	if opts != nil && len(opts.Types) > 0 {
		s.types = make(map[string]bool, len(opts.Types))
		for _, t := range opts.Types {
			s.types[t] = true
		}
	}
}

// Disable turns recording off; history is retained
func (s *Service) Disable() {
	s.mu.Lock()
	s.enabled = false
	s.mu.Unlock()
}

// Enabled reports whether recording is active
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// Log records an event when enabled and the type passes the filter set.
// Sensitive fields are redacted and long values truncated before storage.
func (s *Service) Log(eventType, message string, data, metadata map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.enabled {
		return
	}
	if s.types != nil && !s.types[eventType] {
		return
	}

	s.events = append(s.events, Event{
		Timestamp: time.Now(),
		Type:      eventType,
		Message:   truncateValue(message),
		Data:      sanitize(data),
		Metadata:  sanitize(metadata),
	})
	if len(s.events) > historyCap {
		s.events = append([]Event(nil), s.events[len(s.events)-historyTrim:]...)
	}
}

// Events returns recorded entries matching the filter, oldest first
func (s *Service) Events(filter *Filter) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Event, 0, len(s.events))
	for _, e := range s.events {
		if filter != nil {
			if filter.Type != "" && e.Type != filter.Type {
				continue
			}
			if !filter.Since.IsZero() && e.Timestamp.Before(filter.Since) {
				continue
			}
		}
		out = append(out, e)
	}
	return out
}

// Export serializes the full event history as a JSON array
func (s *Service) Export() ([]byte, error) {
	s.mu.Lock()
	events := append([]Event(nil), s.events...)
	s.mu.Unlock()

	return json.Marshal(events)
}

// Len reports the retained event count
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func sanitize(payload map[string]interface{}) map[string]interface{} {
	if payload == nil {
		return nil
	}

	out := make(map[string]interface{}, len(payload))
	for key, value := range payload {
		if isSensitiveKey(key) {
			out[key] = "[REDACTED]"
			continue
		}
		switch v := value.(type) {
		case string:
			out[key] = truncateValue(v)
		case map[string]interface{}:
			out[key] = sanitize(v)
		default:
			out[key] = v
		}
	}
	return out
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, sensitive := range sensitiveKeys {
		if strings.Contains(lower, sensitive) {
			return true
		}
	}
	return false
}

func truncateValue(value string) string {
	if len(value) <= maxValueLength {
		return value
	}
	return value[:maxValueLength] + "...[truncated]"
}
