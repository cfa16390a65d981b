package alerts

import (
	"fmt"
	"strings"

	"github.com/akmatori/issuebridge/internal/database"
)

// NormalizedEvent is the common event format all adapters produce
type NormalizedEvent struct {
	SourceEventID string
	SourceIssueID string
	EventType     database.EventType
	Attributes    database.EventAttributes
	RawPayload    map[string]interface{}
}

// EventAdapter defines the interface for source-specific webhook parsing
type EventAdapter interface {
	// GetSourceType returns the source type name (e.g., "sentry")
	GetSourceType() string

	// ParsePayload parses the raw request body into normalized events.
	// mappings override the adapter's default field paths.
	ParsePayload(body []byte, mappings database.JSONB) ([]NormalizedEvent, error)

	// GetDefaultMappings returns the default field mappings for this source type
	GetDefaultMappings() database.JSONB
}

// BaseAdapter provides common functionality for all adapters
type BaseAdapter struct {
	SourceType string
}

// GetSourceType returns the source type name
func (b *BaseAdapter) GetSourceType() string {
	return b.SourceType
}

// Registry looks adapters up by source type
type Registry struct {
	adapters map[string]EventAdapter
}

// NewRegistry creates a registry holding the given adapters
func NewRegistry(adapters ...EventAdapter) *Registry {
	r := &Registry{adapters: make(map[string]EventAdapter, len(adapters))}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces an adapter
func (r *Registry) Register(a EventAdapter) {
	r.adapters[strings.ToLower(a.GetSourceType())] = a
}

// Get returns the adapter for a source type
func (r *Registry) Get(sourceType string) (EventAdapter, error) {
	a, ok := r.adapters[strings.ToLower(sourceType)]
	if !ok {
		return nil, fmt.Errorf("unknown event source %q", sourceType)
	}
	return a, nil
}

// ExtractNestedValue extracts a value using dot notation (e.g., "data.issue.id")
func ExtractNestedValue(data map[string]interface{}, path string) interface{} {
	if path == "" {
		return nil
	}

	parts := strings.Split(path, ".")
	current := interface{}(data)

	for _, part := range parts {
		switch v := current.(type) {
		case map[string]interface{}:
			current = v[part]
		case map[string]string:
			current = v[part]
		default:
			return nil
		}
		if current == nil {
			return nil
		}
	}

	return current
}

// ExtractString extracts a string value using dot notation. Numbers are formatted, since
// several sources send ids as JSON numbers.
func ExtractString(data map[string]interface{}, path string) string {
	val := ExtractNestedValue(data, path)
	switch v := val.(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	case nil:
		return ""
	default:
		return ""
	}
}

// MergeMappings merges overrides over defaults
func MergeMappings(defaults, overrides database.JSONB) database.JSONB {
	result := make(database.JSONB)
	for k, v := range defaults {
		result[k] = v
	}
	for k, v := range overrides {
		result[k] = v
	}
	return result
}

// GetMapping safely extracts a mapping value
func GetMapping(mappings database.JSONB, key string) string {
	if v, ok := mappings[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// NormalizeEventType maps source action names to bridge event types
func NormalizeEventType(action string) database.EventType {
	switch strings.ToLower(strings.TrimSpace(action)) {
	case "created", "new", "first_seen":
		return database.EventTypeCreated
	case "resolved", "ok", "recovery":
		return database.EventTypeResolved
	case "regressed", "regression", "reopened":
		return database.EventTypeRegressed
	case "unresolved":
		return database.EventTypeUnresolved
	case "assigned":
		return database.EventTypeAssigned
	case "ignored", "archived", "muted":
		return database.EventTypeIgnored
	default:
		return database.EventTypeEvent
	}
}

// NormalizeLevel normalizes log level strings to fatal, error, warning, info or debug
func NormalizeLevel(level string) string {
	level = strings.ToLower(level)
	for normalized, aliases := range DefaultLevelMapping {
		for _, alias := range aliases {
			if alias == level {
				return normalized
			}
		}
	}
	return "error"
}

// DefaultLevelMapping provides default mapping for common level values
var DefaultLevelMapping = map[string][]string{
	"fatal":   {"fatal", "critical", "emergency", "p1"},
	"error":   {"error", "err", "high", "p2"},
	"warning": {"warning", "warn", "p3"},
	"info":    {"info", "informational", "notice", "p4"},
	"debug":   {"debug", "trace"},
}
