// Package githost talks to the source-control host's REST API.
package githost

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/go-github/v68/github"
)

type PullRequest struct {
	Number int
	URL    string
}

type NewPullRequest struct {
	Base  string
	Head  string
	Title string
	Body  string
}

// GitHub is safe for concurrent use. Each call authenticates with the
// token passed to it.
type GitHub struct {
	httpClient *http.Client
	baseURL    *url.URL
}

// NewGitHub returns a client for api.github.com, or for apiURL (GitHub
// Enterprise, tests) when it is not empty.
func NewGitHub(apiURL string) (*GitHub, error) {
	g := &GitHub{httpClient: &http.Client{}}
	if apiURL != "" {
		if !strings.HasSuffix(apiURL, "/") {
			apiURL += "/"
		}
		u, err := url.Parse(apiURL)
		if err != nil {
			return nil, fmt.Errorf("invalid GitHub API URL: %w", err)
		}
		g.baseURL = u
	}
	return g, nil
}

func (g *GitHub) client(token string) *github.Client {
	c := github.NewClient(g.httpClient)
	if token != "" {
		c = c.WithAuthToken(token)
	}
	if g.baseURL != nil {
		c.BaseURL = g.baseURL
	}
	return c
}

func (g *GitHub) DefaultBranch(ctx context.Context, token, owner, repo string) (string, error) {
	r, _, err := g.client(token).Repositories.Get(ctx, owner, repo)
	if err != nil {
		return "", fmt.Errorf("failed to get repository %s/%s: %w", owner, repo, err)
	}
	if r.GetDefaultBranch() == "" {
		return "", fmt.Errorf("repository %s/%s has no default branch", owner, repo)
	}
	return r.GetDefaultBranch(), nil
}

func (g *GitHub) CreatePullRequest(ctx context.Context, token, owner, repo string, pr NewPullRequest) (*PullRequest, error) {
	created, _, err := g.client(token).PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
		Title: github.Ptr(pr.Title),
		Head:  github.Ptr(pr.Head),
		Base:  github.Ptr(pr.Base),
		Body:  github.Ptr(pr.Body),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create pull request: %w", err)
	}
	return &PullRequest{Number: created.GetNumber(), URL: created.GetHTMLURL()}, nil
}

// ErrForeignHead is returned for pull requests opened from a fork; their
// head branch cannot be pushed to with the repository's token.
var ErrForeignHead = errors.New("pull request head is in another repository")

// PullRequestHead returns the head branch of pull request number.
func (g *GitHub) PullRequestHead(ctx context.Context, token, owner, repo string, number int) (string, error) {
	pr, _, err := g.client(token).PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		return "", fmt.Errorf("failed to get pull request #%d: %w", number, err)
	}
	head := pr.GetHead()
	if full := head.GetRepo().GetFullName(); full != "" && !strings.EqualFold(full, owner+"/"+repo) {
		return "", fmt.Errorf("%w: %s", ErrForeignHead, full)
	}
	return head.GetRef(), nil
}

// ClosePullRequest closes number without merging. It undoes a pull
// request opened by a task.
func (g *GitHub) ClosePullRequest(ctx context.Context, token, owner, repo string, number int) error {
	_, _, err := g.client(token).PullRequests.Edit(ctx, owner, repo, number, &github.PullRequest{State: github.Ptr("closed")})
	if err != nil {
		return fmt.Errorf("failed to close pull request #%d: %w", number, err)
	}
	return nil
}
