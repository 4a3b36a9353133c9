// Package provenance looks up the GitHub Actions run that produced a
// deployment so a recorded deployment can carry its commit, branch and actor.
package provenance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"rollbox/internal/security"
)

// ErrRunNotFound is returned when GitHub has no run with the given id.
var ErrRunNotFound = errors.New("workflow run not found")

// Run is the subset of a workflow run a deployment record needs.
type Run struct {
	ID         int64
	Repository string
	HeadSHA    string
	HeadBranch string
	Actor      string
	Conclusion string
	StartedAt  time.Time
}

// Succeeded reports whether the run finished with a success conclusion.
func (r *Run) Succeeded() bool {
	return r.Conclusion == "success"
}

// Resolver queries the GitHub Actions API.
type Resolver struct {
	client *github.Client
}

// Option configures a Resolver.
type Option func(*github.Client) error

// WithBaseURL points the resolver at another API root, such as a GitHub
// Enterprise instance or a test server.
func WithBaseURL(raw string) Option {
	return func(c *github.Client) error {
		if !strings.HasSuffix(raw, "/") {
			raw += "/"
		}
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("invalid base URL: %w", err)
		}
		c.BaseURL = u
		return nil
	}
}

// NewResolver creates a resolver. An empty token uses unauthenticated
// requests, which GitHub only allows for public repositories.
func NewResolver(token string, opts ...Option) (*Resolver, error) {
	var httpClient *http.Client
	if token != "" {
		ts := oauth2.StaticTokenSource(
			&oauth2.Token{AccessToken: token},
		)
		httpClient = oauth2.NewClient(context.Background(), ts)
	}

	client := github.NewClient(httpClient)
	for _, opt := range opts {
		if err := opt(client); err != nil {
			return nil, err
		}
	}
	return &Resolver{client: client}, nil
}

// Resolve fetches run runID of repository ("owner/repo").
func (r *Resolver) Resolve(ctx context.Context, repository string, runID int64) (*Run, error) {
	if err := security.ValidateRepository(repository); err != nil {
		return nil, err
	}
	if runID <= 0 {
		return nil, fmt.Errorf("invalid run id %d", runID)
	}
	owner, repo, _ := strings.Cut(repository, "/")

	run, resp, err := r.client.Actions.GetWorkflowRunByID(ctx, owner, repo, runID)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s run %d", ErrRunNotFound, repository, runID)
		}
		return nil, fmt.Errorf("fetching workflow run %d: %w", runID, err)
	}

	sha := strings.ToLower(run.GetHeadSHA())
	if err := security.ValidateFullCommitHash(sha); err != nil {
		return nil, fmt.Errorf("workflow run %d has an unusable head sha: %w", runID, err)
	}

	result := &Run{
		ID:         run.GetID(),
		Repository: run.GetRepository().GetFullName(),
		HeadSHA:    sha,
		HeadBranch: run.GetHeadBranch(),
		Actor:      run.GetActor().GetLogin(),
		Conclusion: run.GetConclusion(),
	}
	if result.Repository == "" {
		result.Repository = repository
	}
	if run.RunStartedAt != nil {
		result.StartedAt = run.RunStartedAt.UTC()
	}
	return result, nil
}
