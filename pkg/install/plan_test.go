package install

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CliForge/envforge/pkg/config"
	"github.com/CliForge/envforge/pkg/fetch"
	"github.com/CliForge/envforge/pkg/source"
	"github.com/google/go-github/v74/github"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticLister struct {
	paths []string
	err   error
	got   GitHubLocation
}

func (s *staticLister) ListTree(_ context.Context, loc GitHubLocation) ([]string, error) {
	s.got = loc
	return s.paths, s.err
}

func TestPlanner_Plan(t *testing.T) {
	fs := afero.NewMemMapFs()
	for _, f := range []string{"/skills/writer/SKILL.md", "/skills/writer/ref/style.md", "/skills/writer/ref/logo.png"} {
		require.NoError(t, afero.WriteFile(fs, f, []byte("x"), 0o644))
	}

	cfg := &config.EnvironmentConfig{
		Agents:        []string{"https://example.com/a/reviewer.md", "https://example.com/a/reviewer.md"},
		SlashCommands: []string{"https://example.com/commands/test.md?ref=main"},
		OutputStyles:  []string{"/styles/terse.md"},
		Hooks:         config.Hooks{Files: []string{"https://example.com/hooks/fmt.py"}},
		StatusLine:    &config.StatusLine{File: "https://example.com/hooks/status.sh"},
		CommandDefaults: &config.CommandDefaults{
			SystemPrompt: "https://example.com/prompts/system.md",
		},
		Skills: []config.Skill{{Name: "writer", BaseURL: "/skills/writer", Files: []string{"SKILL.md", "**/*.md"}}},
	}

	plan, err := NewPlanner(NewSkillExpander(fs, nil)).Plan(context.Background(), cfg)
	require.NoError(t, err)

	var dests []string
	required := map[string]bool{}
	for _, it := range plan.Items {
		dests = append(dests, it.Dest)
		required[it.Dest] = it.Required
	}
	assert.Equal(t, []string{
		"agents/reviewer.md",
		"commands/test.md",
		"output-styles/terse.md",
		"hooks/fmt.py",
		"hooks/status.sh",
		"prompts/system.md",
		"skills/writer/SKILL.md",
		"skills/writer/ref/style.md",
	}, dests)
	assert.True(t, required["hooks/fmt.py"])
	assert.True(t, required["prompts/system.md"])
	assert.False(t, required["agents/reviewer.md"])

	assert.True(t, plan.Items[2].Descriptor.IsLocal())
	assert.Equal(t, source.ProviderGeneric, plan.Items[0].Descriptor.Provider)

	reqs := plan.Requests()
	require.Len(t, reqs, len(plan.Items))
	assert.Equal(t, "skill:skills/writer/ref/style.md", reqs[7].Label)
}

func TestPlanner_DestinationCollision(t *testing.T) {
	cfg := &config.EnvironmentConfig{
		Agents: []string{"https://example.com/a/reviewer.md", "https://example.com/b/reviewer.md"},
	}

	_, err := NewPlanner(NewSkillExpander(afero.NewMemMapFs(), nil)).Plan(context.Background(), cfg)

	var verrs config.ValidationErrors
	require.True(t, errors.As(err, &verrs))
	require.Len(t, verrs, 1)
	assert.Contains(t, verrs[0].Message, "agents/reviewer.md")
}

func TestPlanner_SkillListingFailureIsRecorded(t *testing.T) {
	cfg := &config.EnvironmentConfig{
		Agents: []string{"https://example.com/agents/reviewer.md"},
		Skills: []config.Skill{{
			Name:    "docs",
			BaseURL: "https://raw.githubusercontent.com/acme/skills/main/docs/",
			Files:   []string{"**/*.md"},
		}},
	}
	lister := &staticLister{err: errors.New("unexpected tree listing")}

	plan, err := NewPlanner(NewSkillExpander(afero.NewMemMapFs(), lister)).Plan(context.Background(), cfg)

	require.NoError(t, err)
	require.Len(t, plan.Items, 1)
	require.Len(t, plan.Failures, 1)
	f := plan.Failures[0]
	assert.Equal(t, KindSkill, f.Kind)
	assert.Equal(t, "skill:skills/docs", f.Label)
	assert.False(t, f.Required)
	assert.ErrorContains(t, f.Err, "unexpected tree listing")
}

func TestSkillExpander_GitHub(t *testing.T) {
	lister := &staticLister{paths: []string{
		"skills/writer/SKILL.md",
		"skills/writer/docs/a b.md",
		"skills/writer/run.py",
		"skills/other/SKILL.md",
	}}
	skill := config.Skill{
		Name:    "writer",
		BaseURL: "https://raw.githubusercontent.com/acme/envs/main/skills/writer/",
		Files:   []string{"**/*.md"},
	}

	files, err := NewSkillExpander(afero.NewMemMapFs(), lister).Expand(context.Background(), skill)
	require.NoError(t, err)

	assert.Equal(t, GitHubLocation{Owner: "acme", Repo: "envs", Ref: "main", Dir: "skills/writer/"}, lister.got)
	assert.Equal(t, []SkillFile{
		{Location: "https://raw.githubusercontent.com/acme/envs/main/skills/writer/SKILL.md", Rel: "SKILL.md"},
		{Location: "https://raw.githubusercontent.com/acme/envs/main/skills/writer/docs/a%20b.md", Rel: "docs/a b.md"},
	}, files)
}

func TestSkillExpander_Errors(t *testing.T) {
	ex := NewSkillExpander(afero.NewMemMapFs(), &staticLister{err: errors.New("rate limited")})

	_, err := ex.Expand(context.Background(), config.Skill{Name: "x", BaseURL: "https://example.com/s/", Files: []string{"*.md"}})
	assert.ErrorIs(t, err, ErrGlobUnsupported)

	_, err = ex.Expand(context.Background(), config.Skill{Name: "x", BaseURL: "/s", Files: []string{"../etc/passwd"}})
	assert.Error(t, err)

	_, err = ex.Expand(context.Background(), config.Skill{Name: "x", BaseURL: "https://raw.githubusercontent.com/a/b/main/", Files: []string{"*.md"}})
	assert.ErrorContains(t, err, "rate limited")

	files, err := ex.Expand(context.Background(), config.Skill{Name: "x", BaseURL: "https://example.com/s/", Files: []string{"SKILL.md"}})
	require.NoError(t, err)
	assert.Equal(t, []SkillFile{{Location: "https://example.com/s/SKILL.md", Rel: "SKILL.md"}}, files)
}

func TestParseGitHubRaw(t *testing.T) {
	tests := []struct {
		raw  string
		want GitHubLocation
		ok   bool
	}{
		{"https://raw.githubusercontent.com/o/r/main/", GitHubLocation{Owner: "o", Repo: "r", Ref: "main"}, true},
		{"https://raw.githubusercontent.com/o/r/v1/a/b/", GitHubLocation{Owner: "o", Repo: "r", Ref: "v1", Dir: "a/b/"}, true},
		{"https://raw.githubusercontent.com/o/r/refs/heads/dev/x/", GitHubLocation{Owner: "o", Repo: "r", Ref: "dev", Dir: "x/"}, true},
		{"https://raw.githubusercontent.com/o/r", GitHubLocation{}, false},
		{"https://example.com/o/r/main/", GitHubLocation{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, ok := ParseGitHubRaw(tt.raw)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGitHubLister_RetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"message":"slow down"}`))
			return
		}
		_, _ = w.Write([]byte(`{"sha":"abc","tree":[{"path":"docs/a.md","type":"blob"}]}`))
	}))
	defer srv.Close()

	client := github.NewClient(nil)
	client.BaseURL, _ = url.Parse(srv.URL + "/")
	throttle := fetch.NewThrottle(fetch.WithPenaltyWindow(time.Millisecond, 5*time.Millisecond))

	lister := NewGitHubListerWithClient(client, WithListerThrottle(throttle), WithListerRetry(3, time.Millisecond))
	paths, err := lister.ListTree(context.Background(), GitHubLocation{Owner: "acme", Repo: "skills", Ref: "main"})

	require.NoError(t, err)
	assert.Equal(t, []string{"docs/a.md"}, paths)
	assert.Equal(t, int32(2), calls.Load())
	assert.False(t, throttle.BlockedUntil().IsZero())
	assert.Equal(t, 0, throttle.Penalties())
}

func TestGitHubLister_EscalatesToToken(t *testing.T) {
	var auths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auths = append(auths, r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		if r.Header.Get("Authorization") == "" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"Not Found"}`))
			return
		}
		_, _ = w.Write([]byte(`{"sha":"abc","tree":[{"path":"SKILL.md","type":"blob"}]}`))
	}))
	defer srv.Close()

	base, _ := url.Parse(srv.URL + "/")
	anon := github.NewClient(nil)
	anon.BaseURL = base
	authed := github.NewClient(nil).WithAuthToken("secret")
	authed.BaseURL = base

	lister := NewGitHubListerWithClient(anon, WithAuthenticatedClient(authed), WithListerRetry(1, time.Millisecond))
	paths, err := lister.ListTree(context.Background(), GitHubLocation{Owner: "acme", Repo: "private", Ref: "main"})

	require.NoError(t, err)
	assert.Equal(t, []string{"SKILL.md"}, paths)
	assert.Equal(t, []string{"", "Bearer secret"}, auths)
}

func TestGitHubLister_GivesUpOnClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"bad ref"}`))
	}))
	defer srv.Close()

	client := github.NewClient(nil)
	client.BaseURL, _ = url.Parse(srv.URL + "/")

	_, err := NewGitHubListerWithClient(client, WithListerRetry(4, time.Millisecond)).
		ListTree(context.Background(), GitHubLocation{Owner: "acme", Repo: "skills", Ref: "nope"})

	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGitHubLister(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/acme/envs/git/trees/main", r.URL.Path)
		assert.Equal(t, "1", r.URL.Query().Get("recursive"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sha":"abc","truncated":false,"tree":[
			{"path":"skills/writer","type":"tree"},
			{"path":"skills/writer/SKILL.md","type":"blob"},
			{"path":"README.md","type":"blob"}
		]}`))
	}))
	defer srv.Close()

	client := github.NewClient(nil)
	client.BaseURL, _ = url.Parse(srv.URL + "/")

	paths, err := NewGitHubListerWithClient(client).ListTree(context.Background(),
		GitHubLocation{Owner: "acme", Repo: "envs", Ref: "main", Dir: "skills/"})
	require.NoError(t, err)
	assert.Equal(t, []string{"skills/writer/SKILL.md"}, paths)
}
