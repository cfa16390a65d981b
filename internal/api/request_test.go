package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func postBody(body string) *http.Request {
	return httptest.NewRequest(http.MethodPost, "/api/tenants/acme/rules", strings.NewReader(body))
}

func TestDecodeJSON(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		status  int
		message string
	}{
		{"empty", "", http.StatusBadRequest, "request body is empty"},
		{"syntax", `{"name": }`, http.StatusBadRequest, "malformed JSON"},
		{"wrong type", `{"name": 5}`, http.StatusBadRequest, `invalid value for field "name"`},
		{"unknown field", `{"nmae": "db"}`, http.StatusBadRequest, `unknown field "nmae"`},
		{"truncated", `{"name": "db"`, http.StatusBadRequest, "truncated"},
		{"two objects", `{"name": "a"} {"name": "b"}`, http.StatusBadRequest, "single JSON object"},
		{"too large", `{"name": "` + strings.Repeat("x", MaxBodySize) + `"}`, http.StatusRequestEntityTooLarge, "exceeds"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req RoutingRuleRequest
			rerr := DecodeJSON(httptest.NewRecorder(), postBody(tt.body), &req)
			if rerr == nil {
				t.Fatal("expected an error")
			}
			if rerr.Status != tt.status {
				t.Errorf("status = %d, want %d", rerr.Status, tt.status)
			}
			if !strings.Contains(rerr.Message, tt.message) {
				t.Errorf("message = %q, want it to contain %q", rerr.Message, tt.message)
			}
		})
	}
}

func TestDecodeJSON_Valid(t *testing.T) {
	var req RoutingRuleRequest
	body := `{"name": "db timeouts", "priority": 10, "target": {"project": "acme/db"}}`
	if rerr := DecodeJSON(httptest.NewRecorder(), postBody(body), &req); rerr != nil {
		t.Fatalf("unexpected error: %v", rerr)
	}
	if req.Name != "db timeouts" || req.Priority != 10 || req.Target.Project != "acme/db" {
		t.Errorf("unexpected decode: %+v", req)
	}
}

func TestBind(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		w := httptest.NewRecorder()
		var req TriageResolveRequest
		if !Bind(w, postBody(`{"action": "reject"}`), &req) {
			t.Fatalf("expected bind to succeed, got %d %s", w.Code, w.Body.String())
		}
		if req.Action != "reject" {
			t.Errorf("action = %q", req.Action)
		}
	})

	t.Run("invalid JSON", func(t *testing.T) {
		w := httptest.NewRecorder()
		var req TriageResolveRequest
		if Bind(w, postBody(`not json`), &req) {
			t.Fatal("expected bind to fail")
		}
		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
	})

	t.Run("validation", func(t *testing.T) {
		w := httptest.NewRecorder()
		var req TriageResolveRequest
		if Bind(w, postBody(`{"action": "escalate"}`), &req) {
			t.Fatal("expected bind to fail")
		}
		if w.Code != http.StatusUnprocessableEntity {
			t.Errorf("status = %d, want 422", w.Code)
		}
		var resp ErrorResponse
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.Code != CodeValidation || resp.Details["action"] != "must be one of: approve reject" {
			t.Errorf("unexpected body: %+v", resp)
		}
	})
}
