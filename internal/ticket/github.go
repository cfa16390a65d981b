package ticket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/go-github/v62/github"
)

const providerGitHub = "github"

// GitHubClient files bridged alerts as GitHub issues. Projects are "owner/repo".
type GitHubClient struct {
	issues *github.IssuesService
}

// NewGitHubClient creates a client authenticated with a token. baseURL may be empty for github.com.
func NewGitHubClient(baseURL, token string) (*GitHubClient, error) {
	client := github.NewClient(nil).WithAuthToken(token)
	if baseURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to configure github enterprise url: %w", err)
		}
	}
	return &GitHubClient{issues: client.Issues}, nil
}

// CreateOrUpdateTicket implements Client
func (c *GitHubClient) CreateOrUpdateTicket(ctx context.Context, p Payload) (string, error) {
	if p.TicketID == "" {
		return c.create(ctx, p)
	}
	return c.update(ctx, p)
}

func (c *GitHubClient) create(ctx context.Context, p Payload) (string, error) {
	owner, repo, err := splitRepo(p.Project)
	if err != nil {
		return "", err
	}
	labels := Labels(p)
	req := &github.IssueRequest{
		Title:  github.String(p.Title),
		Body:   github.String(Body(p)),
		Labels: &labels,
	}
	if p.Owner != "" {
		req.Assignees = &[]string{p.Owner}
	}
	issue, _, err := c.issues.Create(ctx, owner, repo, req)
	if err != nil {
		return "", githubError("create issue", err)
	}
	ref := Ref{Provider: providerGitHub, Project: p.Project, Number: issue.GetNumber()}
	slog.Info("created github issue", "ticket", ref.String(), "issue", p.SourceIssueID)
	return ref.String(), nil
}

func (c *GitHubClient) update(ctx context.Context, p Payload) (string, error) {
	ref, err := ParseRef(p.TicketID)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrPermanent, err)
	}
	if ref.Provider != providerGitHub {
		return "", fmt.Errorf("%w: ticket %s belongs to %s", ErrPermanent, p.TicketID, ref.Provider)
	}
	owner, repo, err := splitRepo(ref.Project)
	if err != nil {
		return "", err
	}

	if p.State == StateClosed || p.State == StateOpen {
		state := p.State
		if _, _, err := c.issues.Edit(ctx, owner, repo, ref.Number, &github.IssueRequest{State: github.String(state)}); err != nil {
			return "", githubError("edit issue", err)
		}
	}
	if _, _, err := c.issues.CreateComment(ctx, owner, repo, ref.Number, &github.IssueComment{
		Body: github.String(UpdateNote(p)),
	}); err != nil {
		slog.Warn("could not add github issue comment", "ticket", p.TicketID, "err", err)
	}
	return ref.String(), nil
}

func splitRepo(project string) (string, string, error) {
	owner, repo, ok := strings.Cut(project, "/")
	if !ok || owner == "" || repo == "" {
		return "", "", fmt.Errorf("%w: github project must be owner/repo, got %q", ErrPermanent, project)
	}
	return owner, repo, nil
}

func githubError(op string, err error) error {
	var errResp *github.ErrorResponse
	if errors.As(err, &errResp) && errResp.Response != nil {
		return classifyStatus(errResp.Response.StatusCode, fmt.Errorf("github %s: %w", op, err))
	}
	return fmt.Errorf("github %s: %w", op, err)
}
