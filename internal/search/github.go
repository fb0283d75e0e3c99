package search

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/fyrsmithlabs/forgeloop/internal/config"
	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// GitHubIssues searches closed GitHub issues, most reacted first.
type GitHubIssues struct {
	client  *github.Client
	limiter *rate.Limiter
}

// GitHubOption configures GitHubIssues.
type GitHubOption func(*GitHubIssues) error

// WithGitHubBaseURL points the client at another API root, such as a GitHub
// Enterprise server or a test server.
func WithGitHubBaseURL(raw string) GitHubOption {
	return func(g *GitHubIssues) error {
		if !strings.HasSuffix(raw, "/") {
			raw += "/"
		}
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("parse github base url: %w", err)
		}
		g.client.BaseURL = u
		return nil
	}
}

// WithGitHubRate limits requests per minute.
func WithGitHubRate(perMinute int) GitHubOption {
	return func(g *GitHubIssues) error {
		g.limiter = newLimiter(perMinute)
		return nil
	}
}

// NewGitHubIssues creates the collaborator. Requests are authenticated when
// token is set; anonymous search works with a lower rate limit.
func NewGitHubIssues(ctx context.Context, token config.Secret, opts ...GitHubOption) (*GitHubIssues, error) {
	var client *github.Client
	if token.IsSet() {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token.Value()})
		client = github.NewClient(oauth2.NewClient(ctx, ts))
	} else {
		client = github.NewClient(nil)
	}

	g := &GitHubIssues{client: client, limiter: newLimiter(0)}
	for _, opt := range opts {
		if err := opt(g); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// Name implements Collaborator.
func (g *GitHubIssues) Name() string { return "github" }

// Search implements Collaborator.
func (g *GitHubIssues) Search(ctx context.Context, q Query) ([]RawResult, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	text := q.Text
	if q.Engine == EngineUnreal {
		text += " UnrealEngine"
	}
	perPage := q.MaxResults
	if perPage <= 0 {
		perPage = defaultMaxResults
	}

	res, _, err := g.client.Search.Issues(ctx, text+" is:issue is:closed", &github.SearchOptions{
		Sort:        "reactions",
		Order:       "desc",
		ListOptions: github.ListOptions{PerPage: perPage},
	})
	if err != nil {
		return nil, fmt.Errorf("github issue search: %w", err)
	}

	out := make([]RawResult, 0, len(res.Issues))
	for _, is := range res.Issues {
		if len(out) == perPage {
			break
		}
		reactions := is.GetReactions().GetTotalCount()
		out = append(out, RawResult{
			Title:  is.GetTitle(),
			URL:    is.GetHTMLURL(),
			Signal: float64(reactions + is.GetComments()),
			Extra: map[string]any{
				"number":    is.GetNumber(),
				"state":     is.GetState(),
				"comments":  is.GetComments(),
				"reactions": reactions,
			},
		})
	}
	return out, nil
}
