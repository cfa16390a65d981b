package ticket

import (
	"context"
	"log/slog"
	"sync/atomic"
)

const providerLog = "log"

// LogClient only logs payloads. It hands out sequential ticket numbers and is meant for
// dry runs and local development.
type LogClient struct {
	seq atomic.Int64
}

// NewLogClient creates a log-only client
func NewLogClient() *LogClient {
	return &LogClient{}
}

// CreateOrUpdateTicket implements Client
func (c *LogClient) CreateOrUpdateTicket(ctx context.Context, p Payload) (string, error) {
	if p.TicketID != "" {
		slog.InfoContext(ctx, "ticket update", "ticket", p.TicketID, "state", p.State, "events", p.EventCount)
		return p.TicketID, nil
	}
	ref := Ref{Provider: providerLog, Project: p.Project, Number: int(c.seq.Add(1))}
	slog.InfoContext(ctx, "ticket create", "ticket", ref.String(), "title", p.Title,
		"owner", p.Owner, "priority", p.Priority)
	return ref.String(), nil
}
