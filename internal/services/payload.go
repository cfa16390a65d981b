package services

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/akmatori/issuebridge/internal/database"
	"github.com/akmatori/issuebridge/internal/ticket"
	"github.com/akmatori/issuebridge/internal/utils"
)

const (
	maxTitleLength = 255
	spikeLabel     = "spike"
)

var (
	hexIDPattern  = regexp.MustCompile(`(?i)\b(0x)?[0-9a-f]{8,}\b`)
	numberPattern = regexp.MustCompile(`\d+`)
)

// Fingerprint hashes the stable parts of an error so recurring occurrences with different
// ids or counters in their message produce the same value
func Fingerprint(attrs database.EventAttributes) string {
	msg := strings.ToLower(strings.TrimSpace(attrs.Message))
	msg = hexIDPattern.ReplaceAllString(msg, "<id>")
	msg = numberPattern.ReplaceAllString(msg, "<n>")

	h := sha256.New()
	fmt.Fprintf(h, "%s\n%s\n%s", strings.ToLower(attrs.ErrorType), attrs.Culprit, msg)
	return hex.EncodeToString(h.Sum(nil))
}

func ticketTitle(attrs database.EventAttributes) string {
	title := attrs.ErrorType
	if attrs.Message != "" {
		if title != "" {
			title += ": "
		}
		title += attrs.Message
	}
	if title == "" {
		title = "Unnamed error"
	}
	if attrs.SourceProject != "" {
		title = fmt.Sprintf("[%s] %s", attrs.SourceProject, title)
	}
	return utils.TruncateText(title, maxTitleLength)
}

// ticketDescription renders the event as markdown. Only allow-listed tags are included.
func ticketDescription(attrs database.EventAttributes, cfg *database.BridgeConfig) string {
	var b strings.Builder
	if attrs.Message != "" {
		b.WriteString(attrs.Message)
		b.WriteString("\n\n")
	}
	fields := []struct{ name, value string }{
		{"Error type", attrs.ErrorType},
		{"Culprit", attrs.Culprit},
		{"Project", attrs.SourceProject},
		{"Environment", attrs.Environment},
		{"Release", attrs.Release},
		{"Level", attrs.Level},
	}
	for _, f := range fields {
		if f.value != "" {
			fmt.Fprintf(&b, "- **%s:** %s\n", f.name, f.value)
		}
	}

	var keys []string
	for k := range attrs.Tags {
		if cfg.TagAllowed(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if len(keys) > 0 {
		b.WriteString("\n**Tags**\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, attrs.Tags[k])
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func ticketState(t database.EventType) string {
	if t == database.EventTypeResolved {
		return ticket.StateClosed
	}
	return ticket.StateOpen
}

// buildPayload prepares the ticket content for an event routed by decision. mapping is nil for
// issues that have no ticket yet.
func buildPayload(event *database.WebhookEvent, decision RoutingDecision, mapping *database.IssueMapping, cfg *database.BridgeConfig, spike bool) database.TicketPayload {
	attrs := event.Attributes.Data()
	p := database.TicketPayload{
		TenantID:      event.TenantID,
		SourceIssueID: event.SourceIssueID,
		EventType:     event.EventType,
		Project:       decision.Project,
		Owner:         decision.Owner,
		Priority:      decision.Priority,
		Title:         ticketTitle(attrs),
		Description:   ticketDescription(attrs, cfg),
		State:         ticketState(event.EventType),
		Fingerprint:   Fingerprint(attrs),
		URL:           attrs.URL,
		EventCount:    1,
	}
	if mapping != nil {
		p.TicketID = mapping.TicketID
		p.EventCount = mapping.EventCount
		if event.EventType.IsOccurrence() {
			p.EventCount++
		}
	}
	if attrs.Environment != "" {
		p.Labels = append(p.Labels, "env::"+strings.ToLower(attrs.Environment))
	}
	if spike {
		p.Priority = "critical"
		p.Labels = append(p.Labels, spikeLabel)
	}
	return p
}
