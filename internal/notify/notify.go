// Package notify delivers operator notifications. Delivery is best effort.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/slack-go/slack"
)

// Severity of a notification
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Notifier sends a message about a tenant to operators
type Notifier interface {
	Notify(ctx context.Context, tenantID string, severity Severity, message string) error
}

// SlackPoster is the slack-go method used to post messages
type SlackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackNotifier posts notifications to a Slack channel
type SlackNotifier struct {
	client         SlackPoster
	defaultChannel string
	channelFor     func(ctx context.Context, tenantID string) string
}

// NewSlackNotifier creates a notifier posting with a bot token to defaultChannel
func NewSlackNotifier(botToken, defaultChannel string) *SlackNotifier {
	return NewSlackNotifierWithClient(slack.New(botToken), defaultChannel)
}

// NewSlackNotifierWithClient creates a notifier around an existing Slack client
func NewSlackNotifierWithClient(client SlackPoster, defaultChannel string) *SlackNotifier {
	return &SlackNotifier{client: client, defaultChannel: defaultChannel}
}

// SetChannelResolver installs a per-tenant channel lookup. An empty result falls back to the default channel.
func (n *SlackNotifier) SetChannelResolver(fn func(ctx context.Context, tenantID string) string) {
	n.channelFor = fn
}

// Notify implements Notifier
func (n *SlackNotifier) Notify(ctx context.Context, tenantID string, severity Severity, message string) error {
	channel := n.defaultChannel
	if n.channelFor != nil {
		if c := n.channelFor(ctx, tenantID); c != "" {
			channel = c
		}
	}
	if channel == "" {
		return fmt.Errorf("no slack channel configured for tenant %s", tenantID)
	}

	text := fmt.Sprintf("%s *[%s]* tenant `%s`: %s", severityIcon(severity), severity, tenantID, message)
	if _, _, err := n.client.PostMessageContext(ctx, channel, slack.MsgOptionText(text, false)); err != nil {
		return fmt.Errorf("failed to post slack notification: %w", err)
	}
	return nil
}

func severityIcon(s Severity) string {
	switch s {
	case SeverityCritical:
		return "🚨"
	case SeverityWarning:
		return "⚠️"
	default:
		return "ℹ️"
	}
}

// LogNotifier writes notifications to the structured log
type LogNotifier struct{}

// Notify implements Notifier
func (LogNotifier) Notify(ctx context.Context, tenantID string, severity Severity, message string) error {
	slog.WarnContext(ctx, "notification", "tenant", tenantID, "severity", severity, "message", message)
	return nil
}
