package adapters

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/akmatori/issuebridge/internal/alerts"
	"github.com/akmatori/issuebridge/internal/database"
)

// SentryAdapter handles Sentry integration webhooks: issue webhooks (created, resolved,
// assigned, ignored, unresolved) and event alert webhooks (one per occurrence).
type SentryAdapter struct {
	alerts.BaseAdapter
}

// NewSentryAdapter creates a new Sentry adapter
func NewSentryAdapter() *SentryAdapter {
	return &SentryAdapter{
		BaseAdapter: alerts.BaseAdapter{SourceType: "sentry"},
	}
}

// SentryPayload is the envelope every Sentry integration webhook shares
type SentryPayload struct {
	Action string     `json:"action"`
	Data   SentryData `json:"data"`
}

// SentryData carries either an issue or an event
type SentryData struct {
	Issue         *SentryIssue `json:"issue"`
	Event         *SentryEvent `json:"event"`
	TriggeredRule string       `json:"triggered_rule"`
}

// SentryIssue is the issue object of an issue webhook
type SentryIssue struct {
	ID        string `json:"id"`
	ShortID   string `json:"shortId"`
	Title     string `json:"title"`
	Culprit   string `json:"culprit"`
	Level     string `json:"level"`
	Status    string `json:"status"`
	Permalink string `json:"permalink"`
	LastSeen  string `json:"lastSeen"`
	Metadata  struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	} `json:"metadata"`
	Project struct {
		ID   string `json:"id"`
		Slug string `json:"slug"`
	} `json:"project"`
}

// SentryEvent is the event object of an event alert webhook
type SentryEvent struct {
	EventID     string           `json:"event_id"`
	IssueID     json.Number      `json:"issue_id"`
	Title       string           `json:"title"`
	Message     string           `json:"message"`
	Culprit     string           `json:"culprit"`
	Level       string           `json:"level"`
	Environment string           `json:"environment"`
	Release     string           `json:"release"`
	WebURL      string           `json:"web_url"`
	Project     json.Number      `json:"project"`
	ProjectSlug string           `json:"project_slug"`
	Tags        [][]string       `json:"tags"`
	Exception   *SentryException `json:"exception"`
}

// SentryException is the exception interface of an event
type SentryException struct {
	Values []struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	} `json:"values"`
}

// ParsePayload parses a Sentry webhook into a single normalized event
func (a *SentryAdapter) ParsePayload(body []byte, mappings database.JSONB) ([]alerts.NormalizedEvent, error) {
	var payload SentryPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse sentry payload: %w", err)
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse sentry payload: %w", err)
	}

	var event alerts.NormalizedEvent
	switch {
	case payload.Data.Event != nil:
		event = a.parseEvent(payload.Data.Event)
	case payload.Data.Issue != nil:
		event = a.parseIssue(payload.Action, payload.Data.Issue)
	default:
		return nil, fmt.Errorf("sentry payload has neither an issue nor an event")
	}
	if event.SourceIssueID == "" || event.SourceEventID == "" {
		return nil, fmt.Errorf("sentry payload is missing issue or event id")
	}

	// explicit mappings win over the typed fields
	merged := alerts.MergeMappings(a.GetDefaultMappings(), mappings)
	if v := alerts.ExtractString(raw, alerts.GetMapping(merged, "source_project")); v != "" {
		event.Attributes.SourceProject = v
	}
	if v := alerts.ExtractString(raw, alerts.GetMapping(merged, "environment")); v != "" {
		event.Attributes.Environment = v
	}
	event.RawPayload = raw
	return []alerts.NormalizedEvent{event}, nil
}

func (a *SentryAdapter) parseEvent(e *SentryEvent) alerts.NormalizedEvent {
	attrs := database.EventAttributes{
		SourceProject: e.ProjectSlug,
		Message:       e.Message,
		Culprit:       e.Culprit,
		Environment:   e.Environment,
		Release:       e.Release,
		Level:         alerts.NormalizeLevel(e.Level),
		URL:           e.WebURL,
		Tags:          make(map[string]string, len(e.Tags)),
	}
	if attrs.SourceProject == "" {
		attrs.SourceProject = e.Project.String()
	}
	if e.Exception != nil && len(e.Exception.Values) > 0 {
		// the last value is the outermost exception
		exc := e.Exception.Values[len(e.Exception.Values)-1]
		attrs.ErrorType = exc.Type
		if attrs.Message == "" {
			attrs.Message = exc.Value
		}
	}
	if attrs.ErrorType == "" || attrs.Message == "" {
		errType, msg := splitTitle(e.Title)
		if attrs.ErrorType == "" {
			attrs.ErrorType = errType
		}
		if attrs.Message == "" {
			attrs.Message = msg
		}
	}
	for _, tag := range e.Tags {
		if len(tag) == 2 {
			attrs.Tags[tag[0]] = tag[1]
		}
	}
	if attrs.Environment == "" {
		attrs.Environment = attrs.Tags["environment"]
	}
	if attrs.Release == "" {
		attrs.Release = attrs.Tags["release"]
	}

	return alerts.NormalizedEvent{
		SourceEventID: e.EventID,
		SourceIssueID: e.IssueID.String(),
		EventType:     database.EventTypeEvent,
		Attributes:    attrs,
	}
}

func (a *SentryAdapter) parseIssue(action string, issue *SentryIssue) alerts.NormalizedEvent {
	errType, msg := issue.Metadata.Type, issue.Metadata.Value
	if errType == "" && msg == "" {
		errType, msg = splitTitle(issue.Title)
	}
	attrs := database.EventAttributes{
		SourceProject: issue.Project.Slug,
		ErrorType:     errType,
		Message:       msg,
		Culprit:       issue.Culprit,
		Level:         alerts.NormalizeLevel(issue.Level),
		URL:           issue.Permalink,
		Tags:          map[string]string{},
	}
	// issue webhooks carry no event id; one delivery per (issue, action, last seen) is unique
	eventID := fmt.Sprintf("issue:%s:%s:%s", issue.ID, action, issue.LastSeen)
	return alerts.NormalizedEvent{
		SourceEventID: eventID,
		SourceIssueID: issue.ID,
		EventType:     alerts.NormalizeEventType(action),
		Attributes:    attrs,
	}
}

// splitTitle splits a Sentry title of the form "Type: message"
func splitTitle(title string) (string, string) {
	errType, msg, ok := strings.Cut(title, ": ")
	if !ok {
		return "", title
	}
	return strings.TrimSpace(errType), strings.TrimSpace(msg)
}

// GetDefaultMappings returns the default field mappings for Sentry
func (a *SentryAdapter) GetDefaultMappings() database.JSONB {
	return database.JSONB{
		"source_project": "data.event.project_slug",
		"environment":    "data.event.environment",
	}
}
