package install

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/CliForge/envforge/pkg/fetch"
	"github.com/CliForge/envforge/pkg/logger"
	"github.com/google/go-github/v74/github"
	"github.com/sethvargo/go-retry"
	"golang.org/x/oauth2"
)

// GitHubLocation is a directory inside a GitHub repository at a ref.
type GitHubLocation struct {
	Owner string
	Repo  string
	Ref   string
	// Dir is slash separated with a trailing slash, or empty for the root.
	Dir string
}

// ParseGitHubRaw parses a raw.githubusercontent.com directory URL.
func ParseGitHubRaw(raw string) (GitHubLocation, bool) {
	u, err := url.Parse(raw)
	if err != nil || !strings.EqualFold(u.Hostname(), "raw.githubusercontent.com") {
		return GitHubLocation{}, false
	}
	var segs []string
	for _, s := range strings.Split(u.Path, "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	if len(segs) < 3 {
		return GitHubLocation{}, false
	}

	loc := GitHubLocation{Owner: segs[0], Repo: segs[1], Ref: segs[2]}
	rest := segs[3:]
	if segs[2] == "refs" && len(segs) >= 5 && (segs[3] == "heads" || segs[3] == "tags") {
		loc.Ref = segs[4]
		rest = segs[5:]
	}
	if len(rest) > 0 {
		loc.Dir = strings.Join(rest, "/") + "/"
	}
	return loc, true
}

// TreeLister lists every file path in a repository tree.
type TreeLister interface {
	ListTree(ctx context.Context, loc GitHubLocation) ([]string, error)
}

// GitHubLister lists trees through the GitHub API. Like resource fetches,
// a listing goes out anonymously first and only uses the token after a
// 401, 403 or 404. Rate limits penalize the shared throttle and are
// retried with backoff.
type GitHubLister struct {
	anon     *github.Client
	authed   *github.Client
	throttle *fetch.Throttle
	attempts int
	delay    time.Duration
}

// ListerOption configures a GitHubLister.
type ListerOption func(*GitHubLister)

// WithListerThrottle shares a batch throttle with the lister.
func WithListerThrottle(t *fetch.Throttle) ListerOption {
	return func(l *GitHubLister) {
		l.throttle = t
	}
}

// WithListerRetry sets the total attempts and the first backoff delay.
func WithListerRetry(attempts int, delay time.Duration) ListerOption {
	return func(l *GitHubLister) {
		if attempts > 0 {
			l.attempts = attempts
		}
		if delay > 0 {
			l.delay = delay
		}
	}
}

// WithAuthenticatedClient sets the client used after an escalation.
func WithAuthenticatedClient(client *github.Client) ListerOption {
	return func(l *GitHubLister) {
		l.authed = client
	}
}

// NewGitHubLister creates a lister. An empty token lists anonymously.
func NewGitHubLister(ctx context.Context, token string, opts ...ListerOption) *GitHubLister {
	var authed *github.Client
	if token = strings.TrimSpace(token); token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		authed = github.NewClient(oauth2.NewClient(ctx, ts))
	}
	return newLister(github.NewClient(nil), authed, opts)
}

// NewGitHubListerWithClient wraps an existing anonymous client.
func NewGitHubListerWithClient(client *github.Client, opts ...ListerOption) *GitHubLister {
	return newLister(client, nil, opts)
}

func newLister(anon, authed *github.Client, opts []ListerOption) *GitHubLister {
	l := &GitHubLister{anon: anon, authed: authed, attempts: 4, delay: 500 * time.Millisecond}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ListTree returns the blob paths of the tree at loc.Ref.
func (l *GitHubLister) ListTree(ctx context.Context, loc GitHubLocation) ([]string, error) {
	var tree *github.Tree
	b := retry.WithMaxRetries(uint64(l.attempts-1), retry.WithCappedDuration(maxListDelay, retry.NewExponential(l.delay)))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		if err := l.throttle.Wait(ctx); err != nil {
			return err
		}
		t, err := l.getTree(ctx, loc)
		if err == nil {
			l.throttle.Relax()
			tree = t
			return nil
		}
		if hint, limited := listRateLimit(err); limited {
			window := l.throttle.Penalize(hint)
			logger.FromContext(ctx).Debug("tree listing rate limited", "repo", loc.Owner+"/"+loc.Repo, "window", window)
			return retry.RetryableError(err)
		}
		if listTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get tree %s/%s@%s: %w", loc.Owner, loc.Repo, loc.Ref, err)
	}
	if tree.GetTruncated() {
		return nil, fmt.Errorf("tree %s/%s@%s is too large to list", loc.Owner, loc.Repo, loc.Ref)
	}

	var paths []string
	for _, entry := range tree.Entries {
		if entry.GetType() != "blob" {
			continue
		}
		if loc.Dir == "" || strings.HasPrefix(entry.GetPath(), loc.Dir) {
			paths = append(paths, entry.GetPath())
		}
	}
	return paths, nil
}

const maxListDelay = time.Minute

func (l *GitHubLister) getTree(ctx context.Context, loc GitHubLocation) (*github.Tree, error) {
	tree, resp, err := l.anon.Git.GetTree(ctx, loc.Owner, loc.Repo, loc.Ref, true)
	if err == nil || l.authed == nil || resp == nil {
		return tree, err
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		tree, _, err = l.authed.Git.GetTree(ctx, loc.Owner, loc.Repo, loc.Ref, true)
	}
	return tree, err
}

// listRateLimit reports whether err is a rate limit and the server's hint.
func listRateLimit(err error) (time.Duration, bool) {
	var rle *github.RateLimitError
	if errors.As(err, &rle) {
		return capHint(time.Until(rle.Rate.Reset.Time)), true
	}
	var abuse *github.AbuseRateLimitError
	if errors.As(err, &abuse) {
		return capHint(abuse.GetRetryAfter()), true
	}
	var er *github.ErrorResponse
	if errors.As(err, &er) && er.Response != nil && er.Response.StatusCode == http.StatusTooManyRequests {
		secs, _ := strconv.Atoi(strings.TrimSpace(er.Response.Header.Get("Retry-After")))
		return capHint(time.Duration(secs) * time.Second), true
	}
	return 0, false
}

func listTransient(err error) bool {
	var er *github.ErrorResponse
	if !errors.As(err, &er) || er.Response == nil {
		return false
	}
	switch er.Response.StatusCode {
	case http.StatusRequestTimeout, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func capHint(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if d > maxListDelay {
		return maxListDelay
	}
	return d
}
