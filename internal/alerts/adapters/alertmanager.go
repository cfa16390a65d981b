package adapters

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/akmatori/issuebridge/internal/alerts"
	"github.com/akmatori/issuebridge/internal/database"
)

// AlertmanagerAdapter handles Prometheus Alertmanager webhooks
type AlertmanagerAdapter struct {
	alerts.BaseAdapter
}

// NewAlertmanagerAdapter creates a new Alertmanager adapter
func NewAlertmanagerAdapter() *AlertmanagerAdapter {
	return &AlertmanagerAdapter{
		BaseAdapter: alerts.BaseAdapter{SourceType: "alertmanager"},
	}
}

// AlertmanagerPayload represents the webhook payload from Alertmanager
type AlertmanagerPayload struct {
	Alerts            []AlertmanagerAlert `json:"alerts"`
	Status            string              `json:"status"`
	GroupLabels       map[string]string   `json:"groupLabels"`
	CommonLabels      map[string]string   `json:"commonLabels"`
	CommonAnnotations map[string]string   `json:"commonAnnotations"`
	ExternalURL       string              `json:"externalURL"`
	Version           string              `json:"version"`
	GroupKey          string              `json:"groupKey"`
}

// AlertmanagerAlert represents a single alert in the payload
type AlertmanagerAlert struct {
	Status       string            `json:"status"`
	Labels       map[string]string `json:"labels"`
	Annotations  map[string]string `json:"annotations"`
	StartsAt     time.Time         `json:"startsAt"`
	EndsAt       time.Time         `json:"endsAt"`
	GeneratorURL string            `json:"generatorURL"`
	Fingerprint  string            `json:"fingerprint"`
}

// ParsePayload parses an Alertmanager group notification into one event per alert.
// The alert fingerprint identifies the issue; a firing or resolved transition is one event.
func (a *AlertmanagerAdapter) ParsePayload(body []byte, mappings database.JSONB) ([]alerts.NormalizedEvent, error) {
	var payload AlertmanagerPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse alertmanager payload: %w", err)
	}

	merged := alerts.MergeMappings(a.GetDefaultMappings(), mappings)

	var normalized []alerts.NormalizedEvent
	for _, alert := range payload.Alerts {
		if alert.Fingerprint == "" {
			continue
		}
		normalized = append(normalized, a.parseAlert(alert, merged))
	}
	if len(normalized) == 0 {
		return nil, fmt.Errorf("alertmanager payload contains no fingerprinted alerts")
	}
	return normalized, nil
}

func (a *AlertmanagerAdapter) parseAlert(alert AlertmanagerAlert, mappings database.JSONB) alerts.NormalizedEvent {
	// Convert alert to map for field extraction
	alertMap := map[string]interface{}{
		"status":       alert.Status,
		"labels":       alert.Labels,
		"annotations":  alert.Annotations,
		"startsAt":     alert.StartsAt.Format(time.RFC3339),
		"endsAt":       alert.EndsAt.Format(time.RFC3339),
		"generatorURL": alert.GeneratorURL,
		"fingerprint":  alert.Fingerprint,
	}

	extract := func(key string) string {
		return alerts.ExtractString(alertMap, alerts.GetMapping(mappings, key))
	}

	message := extract("message")
	if message == "" {
		message = alert.Annotations["description"]
	}

	tags := make(map[string]string, len(alert.Labels))
	for k, v := range alert.Labels {
		tags[k] = v
	}

	eventType := database.EventTypeEvent
	at := alert.StartsAt
	if alert.Status == "resolved" {
		eventType = database.EventTypeResolved
		at = alert.EndsAt
	}

	return alerts.NormalizedEvent{
		SourceEventID: fmt.Sprintf("%s:%s:%d", alert.Fingerprint, alert.Status, at.Unix()),
		SourceIssueID: alert.Fingerprint,
		EventType:     eventType,
		Attributes: database.EventAttributes{
			SourceProject: extract("source_project"),
			ErrorType:     extract("error_type"),
			Message:       message,
			Culprit:       extract("culprit"),
			Environment:   extract("environment"),
			Release:       extract("release"),
			Level:         alerts.NormalizeLevel(extract("level")),
			URL:           alert.GeneratorURL,
			Tags:          tags,
		},
		RawPayload: alertMap,
	}
}

// GetDefaultMappings returns the default field mappings for Alertmanager
func (a *AlertmanagerAdapter) GetDefaultMappings() database.JSONB {
	return database.JSONB{
		"source_project": "labels.job",
		"error_type":     "labels.alertname",
		"message":        "annotations.summary",
		"culprit":        "labels.instance",
		"environment":    "labels.env",
		"release":        "labels.version",
		"level":          "labels.severity",
	}
}
