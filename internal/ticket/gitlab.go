package ticket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	gitlab "gitlab.com/gitlab-org/api/client-go"
)

const providerGitLab = "gitlab"

// GitLabIssues is the subset of the GitLab API the client uses
type GitLabIssues interface {
	CreateIssue(ctx context.Context, project string, opt *gitlab.CreateIssueOptions) (*gitlab.Issue, error)
	UpdateIssue(ctx context.Context, project string, iid int, opt *gitlab.UpdateIssueOptions) (*gitlab.Issue, error)
	CreateIssueNote(ctx context.Context, project string, iid int, opt *gitlab.CreateIssueNoteOptions) error
}

// GitLabClient files bridged alerts as GitLab issues. Projects are "group/project" paths.
type GitLabClient struct {
	api GitLabIssues
}

// NewGitLabClient creates a client against the GitLab instance at baseURL
func NewGitLabClient(baseURL, token string) (*GitLabClient, error) {
	git, err := gitlab.NewClient(token, gitlab.WithBaseURL(baseURL))
	if err != nil {
		return nil, fmt.Errorf("failed to create gitlab client: %w", err)
	}
	return &GitLabClient{api: gitlabAPI{client: git}}, nil
}

// NewGitLabClientWithAPI wraps an existing issues API, used by tests
func NewGitLabClientWithAPI(api GitLabIssues) *GitLabClient {
	return &GitLabClient{api: api}
}

// CreateOrUpdateTicket implements Client
func (c *GitLabClient) CreateOrUpdateTicket(ctx context.Context, p Payload) (string, error) {
	if p.TicketID == "" {
		return c.create(ctx, p)
	}
	return c.update(ctx, p)
}

func (c *GitLabClient) create(ctx context.Context, p Payload) (string, error) {
	description := Body(p)
	if p.Owner != "" {
		// quick action assigns on creation without a user id lookup
		description += "\n\n/assign @" + p.Owner
	}
	issue, err := c.api.CreateIssue(ctx, p.Project, &gitlab.CreateIssueOptions{
		Title:       gitlab.Ptr(p.Title),
		Description: gitlab.Ptr(description),
		Labels:      gitlab.Ptr(gitlab.LabelOptions(Labels(p))),
	})
	if err != nil {
		return "", gitlabError("create issue", err)
	}
	ref := Ref{Provider: providerGitLab, Project: p.Project, Number: issue.IID}
	slog.Info("created gitlab issue", "ticket", ref.String(), "issue", p.SourceIssueID)
	return ref.String(), nil
}

func (c *GitLabClient) update(ctx context.Context, p Payload) (string, error) {
	ref, err := ParseRef(p.TicketID)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrPermanent, err)
	}
	if ref.Provider != providerGitLab {
		return "", fmt.Errorf("%w: ticket %s belongs to %s", ErrPermanent, p.TicketID, ref.Provider)
	}

	opt := &gitlab.UpdateIssueOptions{
		AddLabels: gitlab.Ptr(gitlab.LabelOptions(Labels(p))),
	}
	switch p.State {
	case StateClosed:
		opt.StateEvent = gitlab.Ptr("close")
	case StateOpen:
		opt.StateEvent = gitlab.Ptr("reopen")
	}
	if _, err := c.api.UpdateIssue(ctx, ref.Project, ref.Number, opt); err != nil {
		return "", gitlabError("update issue", err)
	}
	if err := c.api.CreateIssueNote(ctx, ref.Project, ref.Number, &gitlab.CreateIssueNoteOptions{
		Body: gitlab.Ptr(UpdateNote(p)),
	}); err != nil {
		// the state change already landed; a missing note is not worth a retry
		slog.Warn("could not add gitlab issue note", "ticket", p.TicketID, "err", err)
	}
	return ref.String(), nil
}

func gitlabError(op string, err error) error {
	var errResp *gitlab.ErrorResponse
	if errors.As(err, &errResp) && errResp.Response != nil {
		return classifyStatus(errResp.Response.StatusCode, fmt.Errorf("gitlab %s: %w", op, err))
	}
	return fmt.Errorf("gitlab %s: %w", op, err)
}

// gitlabAPI adapts *gitlab.Client to GitLabIssues
type gitlabAPI struct {
	client *gitlab.Client
}

func (g gitlabAPI) CreateIssue(ctx context.Context, project string, opt *gitlab.CreateIssueOptions) (*gitlab.Issue, error) {
	issue, _, err := g.client.Issues.CreateIssue(project, opt, gitlab.WithContext(ctx))
	return issue, err
}

func (g gitlabAPI) UpdateIssue(ctx context.Context, project string, iid int, opt *gitlab.UpdateIssueOptions) (*gitlab.Issue, error) {
	issue, _, err := g.client.Issues.UpdateIssue(project, iid, opt, gitlab.WithContext(ctx))
	return issue, err
}

func (g gitlabAPI) CreateIssueNote(ctx context.Context, project string, iid int, opt *gitlab.CreateIssueNoteOptions) error {
	_, _, err := g.client.Notes.CreateIssueNote(project, iid, opt, gitlab.WithContext(ctx))
	return err
}
