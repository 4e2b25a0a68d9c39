package auth

import (
	"context"
	"testing"

	"github.com/CliForge/envforge/pkg/auth/storage"
	"github.com/CliForge/envforge/pkg/auth/types"
	"github.com/CliForge/envforge/pkg/source"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestResolver_FlagTakesPrecedence(t *testing.T) {
	mem := storage.NewMemoryStorage()
	_ = mem.SaveToken(context.Background(), "github", &types.Token{AccessToken: "storage-token"})

	r := NewResolver(
		WithFlagToken(source.ProviderGitHub, "flag-token"),
		WithStorage(mem),
		WithGetenv(envMap(map[string]string{"GITHUB_TOKEN": "env-token"})),
	)

	creds, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if creds.GitHub.Token != "flag-token" {
		t.Errorf("GitHub token = %v, want flag-token", creds.GitHub.Token)
	}
	if creds.GitHub.Source != SourceFlag {
		t.Errorf("GitHub source = %v, want %v", creds.GitHub.Source, SourceFlag)
	}
}

func TestResolver_EnvBeforeStorage(t *testing.T) {
	mem := storage.NewMemoryStorage()
	_ = mem.SaveToken(context.Background(), "gitlab", &types.Token{AccessToken: "stored-gl"})
	_ = mem.SaveToken(context.Background(), "github", &types.Token{AccessToken: "stored-gh"})

	r := NewResolver(
		WithStorage(mem),
		WithGetenv(envMap(map[string]string{"GH_TOKEN": "gh-env"})),
	)

	creds, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if creds.GitHub.Token != "gh-env" || creds.GitHub.Origin() != "env:GH_TOKEN" {
		t.Errorf("GitHub = %+v, want env:GH_TOKEN", creds.GitHub)
	}
	if creds.GitLab.Token != "stored-gl" || creds.GitLab.Source != SourceStorage {
		t.Errorf("GitLab = %+v, want stored-gl from storage", creds.GitLab)
	}
	if creds.Generic.Present() {
		t.Errorf("Generic should be absent, got %+v", creds.Generic)
	}
}

func TestResolver_GitHubTokenOrder(t *testing.T) {
	r := NewResolver(WithGetenv(envMap(map[string]string{
		"GITHUB_TOKEN": "primary",
		"GH_TOKEN":     "secondary",
	})))

	creds, _ := r.Resolve(context.Background())
	if creds.GitHub.Token != "primary" {
		t.Errorf("GitHub token = %v, want primary", creds.GitHub.Token)
	}
}

func TestResolver_ExpiredStoredTokenIgnored(t *testing.T) {
	mem := storage.NewMemoryStorage()
	_ = mem.SaveToken(context.Background(), "github", &types.Token{AccessToken: "old", ExpiresAt: past()})

	r := NewResolver(WithStorage(mem), WithGetenv(envMap(nil)))
	creds, _ := r.Resolve(context.Background())
	if creds.GitHub.Present() {
		t.Errorf("expired token should not be used, got %+v", creds.GitHub)
	}
}

func TestResolver_Override(t *testing.T) {
	tests := []struct {
		name    string
		flag    string
		env     map[string]string
		want    Header
		wantErr bool
	}{
		{
			name: "from env",
			env:  map[string]string{"ENVFORGE_AUTH": "X-Api-Key: secret"},
			want: Header{Name: "X-Api-Key", Value: "secret"},
		},
		{
			name: "flag beats env",
			flag: "Authorization:Token abc",
			env:  map[string]string{"ENVFORGE_AUTH": "X-Api-Key:secret"},
			want: Header{Name: "Authorization", Value: "Token abc"},
		},
		{
			name:    "malformed",
			flag:    "no-colon-here",
			wantErr: true,
		},
		{
			name: "absent",
			env:  map[string]string{},
			want: Header{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResolver(WithFlagHeader(tt.flag), WithGetenv(envMap(tt.env)))
			creds, err := r.Resolve(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("Resolve() error = %v, wantErr %v", err, tt.wantErr)
			}
			if creds.Override != tt.want {
				t.Errorf("Override = %+v, want %+v", creds.Override, tt.want)
			}
		})
	}
}

func TestResolver_NothingFound(t *testing.T) {
	r := NewResolver(WithGetenv(envMap(nil)))
	creds, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !creds.Empty() {
		t.Errorf("credentials should be empty, got %+v", creds)
	}
	if creds.GitHub.Origin() != "none" {
		t.Errorf("Origin() = %v, want none", creds.GitHub.Origin())
	}
}

func TestParseProvider(t *testing.T) {
	for in, want := range map[string]source.Provider{
		"github":  source.ProviderGitHub,
		"GH":      source.ProviderGitHub,
		"gitlab":  source.ProviderGitLab,
		"generic": source.ProviderGeneric,
	} {
		got, err := ParseProvider(in)
		if err != nil || got != want {
			t.Errorf("ParseProvider(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseProvider("bitbucket"); err == nil {
		t.Error("ParseProvider(bitbucket) should fail")
	}
}
