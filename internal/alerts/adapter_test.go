package alerts

import (
	"testing"

	"github.com/akmatori/issuebridge/internal/database"
)

func TestExtractString(t *testing.T) {
	data := map[string]interface{}{
		"data": map[string]interface{}{
			"issue": map[string]interface{}{
				"id":    "4211",
				"count": float64(17),
			},
		},
		"labels": map[string]string{"job": "api"},
	}

	tests := []struct {
		path     string
		expected string
	}{
		{"data.issue.id", "4211"},
		{"data.issue.count", "17"},
		{"labels.job", "api"},
		{"data.issue.missing", ""},
		{"data.issue.id.deeper", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ExtractString(data, tt.path); got != tt.expected {
			t.Errorf("ExtractString(%q) = %q, want %q", tt.path, got, tt.expected)
		}
	}
}

func TestMergeMappings(t *testing.T) {
	merged := MergeMappings(
		database.JSONB{"a": "x", "b": "y"},
		database.JSONB{"b": "z"},
	)
	if GetMapping(merged, "a") != "x" || GetMapping(merged, "b") != "z" {
		t.Errorf("Unexpected merge result: %v", merged)
	}
	if GetMapping(MergeMappings(database.JSONB{"a": "x"}, nil), "a") != "x" {
		t.Error("Expected nil overrides to keep defaults")
	}
	if GetMapping(database.JSONB{"n": 1}, "n") != "" {
		t.Error("Expected non-string mapping to be ignored")
	}
}

func TestNormalizeEventType(t *testing.T) {
	tests := map[string]database.EventType{
		"created":    database.EventTypeCreated,
		"Resolved":   database.EventTypeResolved,
		"regression": database.EventTypeRegressed,
		"unresolved": database.EventTypeUnresolved,
		"assigned":   database.EventTypeAssigned,
		"archived":   database.EventTypeIgnored,
		"triggered":  database.EventTypeEvent,
		"":           database.EventTypeEvent,
	}
	for in, want := range tests {
		if got := NormalizeEventType(in); got != want {
			t.Errorf("NormalizeEventType(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeLevel(t *testing.T) {
	tests := map[string]string{
		"critical": "fatal",
		"ERROR":    "error",
		"warn":     "warning",
		"notice":   "info",
		"trace":    "debug",
		"weird":    "error",
	}
	for in, want := range tests {
		if got := NormalizeLevel(in); got != want {
			t.Errorf("NormalizeLevel(%q) = %q, want %q", in, got, want)
		}
	}
}

type stubAdapter struct {
	BaseAdapter
}

func (s *stubAdapter) ParsePayload(body []byte, mappings database.JSONB) ([]NormalizedEvent, error) {
	return nil, nil
}

func (s *stubAdapter) GetDefaultMappings() database.JSONB {
	return database.JSONB{}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(&stubAdapter{BaseAdapter{SourceType: "Sentry"}})

	a, err := r.Get("sentry")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if a.GetSourceType() != "Sentry" {
		t.Errorf("Unexpected adapter %q", a.GetSourceType())
	}
	if _, err := r.Get("datadog"); err == nil {
		t.Error("Expected error for unknown source")
	}
}
