// Package testhelpers provides reusable testing utilities for the issue bridge.
//
// This package contains:
// - HTTP test helpers (creating requests, asserting responses)
// - An in-memory database for service tests
// - Fake ticket and notification collaborators
// - A controllable clock
//
// It must not import the services package so that service tests can use it.
package testhelpers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/akmatori/issuebridge/internal/database"
	"github.com/akmatori/issuebridge/internal/notify"
	"github.com/akmatori/issuebridge/internal/ticket"
)

// ========================================
// Database
// ========================================

// NewTestDB opens a migrated in-memory sqlite database private to the test
func NewTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	// a named shared-cache memory db keeps every pooled connection on the same data
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := database.Open("sqlite", dsn, logger.Silent)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

// ========================================
// HTTP Test Helpers
// ========================================

// HTTPTestContext holds components for HTTP handler testing
type HTTPTestContext struct {
	T        *testing.T
	Recorder *httptest.ResponseRecorder
	Request  *http.Request
}

// NewHTTPTestContext creates a new HTTP test context
func NewHTTPTestContext(t *testing.T, method, path string, body io.Reader) *HTTPTestContext {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	return &HTTPTestContext{
		T:        t,
		Recorder: httptest.NewRecorder(),
		Request:  req,
	}
}

// WithHeader adds a header to the request
func (ctx *HTTPTestContext) WithHeader(key, value string) *HTTPTestContext {
	ctx.Request.Header.Set(key, value)
	return ctx
}

// WithJSONBody sets JSON body on the request
func (ctx *HTTPTestContext) WithJSONBody(v interface{}) *HTTPTestContext {
	ctx.T.Helper()
	body, err := json.Marshal(v)
	if err != nil {
		ctx.T.Fatalf("failed to marshal JSON body: %v", err)
	}
	header := ctx.Request.Header.Clone()
	ctx.Request = httptest.NewRequest(ctx.Request.Method, ctx.Request.URL.String(), bytes.NewReader(body))
	ctx.Request.Header = header
	ctx.Request.Header.Set("Content-Type", "application/json")
	return ctx
}

// WithBearerToken adds Authorization Bearer header
func (ctx *HTTPTestContext) WithBearerToken(token string) *HTTPTestContext {
	return ctx.WithHeader("Authorization", "Bearer "+token)
}

// Execute runs the handler and returns the response
func (ctx *HTTPTestContext) Execute(handler http.Handler) *HTTPTestContext {
	handler.ServeHTTP(ctx.Recorder, ctx.Request)
	return ctx
}

// AssertStatus checks the response status code
func (ctx *HTTPTestContext) AssertStatus(expected int) *HTTPTestContext {
	ctx.T.Helper()
	if ctx.Recorder.Code != expected {
		ctx.T.Errorf("expected status %d, got %d. Body: %s", expected, ctx.Recorder.Code, ctx.Recorder.Body.String())
	}
	return ctx
}

// AssertBodyContains checks if response body contains substring
func (ctx *HTTPTestContext) AssertBodyContains(substr string) *HTTPTestContext {
	ctx.T.Helper()
	body := ctx.Recorder.Body.String()
	if !strings.Contains(body, substr) {
		ctx.T.Errorf("expected body to contain %q, got: %s", substr, body)
	}
	return ctx
}

// DecodeJSON decodes response body as JSON
func (ctx *HTTPTestContext) DecodeJSON(v interface{}) *HTTPTestContext {
	ctx.T.Helper()
	if err := json.NewDecoder(ctx.Recorder.Body).Decode(v); err != nil {
		ctx.T.Fatalf("failed to decode JSON response: %v", err)
	}
	return ctx
}

// ========================================
// Fake Ticket Client
// ========================================

// TicketCall is one recorded CreateOrUpdateTicket invocation
type TicketCall struct {
	Payload  ticket.Payload
	TicketID string
	Err      error
}

// FakeTicketClient implements ticket.Client in memory. Created tickets are numbered per project.
type FakeTicketClient struct {
	mu     sync.Mutex
	calls  []TicketCall
	errs   []error
	next   map[string]int
	Delay  time.Duration
	Always error
}

// NewFakeTicketClient creates an empty fake
func NewFakeTicketClient() *FakeTicketClient {
	return &FakeTicketClient{next: map[string]int{}}
}

// FailNext queues errors returned by the next calls, in order
func (f *FakeTicketClient) FailNext(errs ...error) *FakeTicketClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, errs...)
	return f
}

// CreateOrUpdateTicket implements ticket.Client
func (f *FakeTicketClient) CreateOrUpdateTicket(ctx context.Context, p ticket.Payload) (string, error) {
	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	err := f.Always
	if err == nil && len(f.errs) > 0 {
		err = f.errs[0]
		f.errs = f.errs[1:]
	}
	if err != nil {
		f.calls = append(f.calls, TicketCall{Payload: p, Err: err})
		return "", err
	}

	id := p.TicketID
	if id == "" {
		f.next[p.Project]++
		id = ticket.Ref{Provider: "fake", Project: p.Project, Number: f.next[p.Project]}.String()
	}
	f.calls = append(f.calls, TicketCall{Payload: p, TicketID: id})
	return id, nil
}

// Calls returns a copy of all recorded calls
func (f *FakeTicketClient) Calls() []TicketCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]TicketCall, len(f.calls))
	copy(out, f.calls)
	return out
}

// Created returns the payloads of successful ticket creations
func (f *FakeTicketClient) Created() []ticket.Payload {
	return f.filter(func(c TicketCall) bool { return c.Err == nil && c.Payload.TicketID == "" })
}

// Updated returns the payloads of successful ticket updates
func (f *FakeTicketClient) Updated() []ticket.Payload {
	return f.filter(func(c TicketCall) bool { return c.Err == nil && c.Payload.TicketID != "" })
}

func (f *FakeTicketClient) filter(keep func(TicketCall) bool) []ticket.Payload {
	var out []ticket.Payload
	for _, c := range f.Calls() {
		if keep(c) {
			out = append(out, c.Payload)
		}
	}
	return out
}

// ========================================
// Fake Notifier
// ========================================

// Notification is one recorded notification
type Notification struct {
	TenantID string
	Severity notify.Severity
	Message  string
}

// FakeNotifier records notifications
type FakeNotifier struct {
	mu   sync.Mutex
	sent []Notification
	Err  error
}

// Notify implements notify.Notifier
func (n *FakeNotifier) Notify(ctx context.Context, tenantID string, severity notify.Severity, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, Notification{TenantID: tenantID, Severity: severity, Message: message})
	return n.Err
}

// Sent returns a copy of the recorded notifications
func (n *FakeNotifier) Sent() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Notification, len(n.sent))
	copy(out, n.sent)
	return out
}

// ========================================
// Clock
// ========================================

// Clock is a manually advanced time source
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at start, converted to UTC
func NewClock(start time.Time) *Clock {
	return &Clock{now: start.UTC()}
}

// Now returns the current fake time
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to t
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC()
}
