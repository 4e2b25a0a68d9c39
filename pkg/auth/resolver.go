package auth

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/CliForge/envforge/pkg/auth/storage"
	"github.com/CliForge/envforge/pkg/source"
)

// Default environment variable names, in lookup order per provider.
var (
	DefaultOverrideEnv = "ENVFORGE_AUTH"
	DefaultGitHubEnv   = []string{"GITHUB_TOKEN", "GH_TOKEN"}
	DefaultGitLabEnv   = []string{"GITLAB_TOKEN"}
	DefaultGenericEnv  = []string{"REPO_TOKEN"}
)

// Resolver finds credentials following the precedence
// flag → environment → storage → none.
type Resolver struct {
	flagHeader  string
	flagTokens  map[source.Provider]string
	overrideEnv string
	envVars     map[source.Provider][]string
	storage     storage.TokenStorage
	getenv      func(string) string
}

// ResolverOption configures the resolver
type ResolverOption func(*Resolver)

// NewResolver creates a resolver with the specified options
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		flagTokens:  map[source.Provider]string{},
		overrideEnv: DefaultOverrideEnv,
		envVars: map[source.Provider][]string{
			source.ProviderGitHub:  DefaultGitHubEnv,
			source.ProviderGitLab:  DefaultGitLabEnv,
			source.ProviderGeneric: DefaultGenericEnv,
		},
		getenv: os.Getenv,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// WithFlagHeader sets the override from the --auth flag.
func WithFlagHeader(raw string) ResolverOption {
	return func(r *Resolver) {
		r.flagHeader = raw
	}
}

// WithFlagToken sets a provider token given on the command line.
func WithFlagToken(provider source.Provider, token string) ResolverOption {
	return func(r *Resolver) {
		if token != "" {
			r.flagTokens[provider] = token
		}
	}
}

// WithEnvVars replaces the environment variable names for a provider.
func WithEnvVars(provider source.Provider, names ...string) ResolverOption {
	return func(r *Resolver) {
		if len(names) > 0 {
			r.envVars[provider] = names
		}
	}
}

// WithStorage sets the token storage for persisted lookups
func WithStorage(s storage.TokenStorage) ResolverOption {
	return func(r *Resolver) {
		r.storage = s
	}
}

// WithGetenv replaces the environment lookup, mainly for tests.
func WithGetenv(fn func(string) string) ResolverOption {
	return func(r *Resolver) {
		if fn != nil {
			r.getenv = fn
		}
	}
}

// Resolve builds the credential set. Only a malformed override header is an
// error; missing credentials are not.
func (r *Resolver) Resolve(ctx context.Context) (Credentials, error) {
	var creds Credentials

	rawOverride := r.flagHeader
	if strings.TrimSpace(rawOverride) == "" {
		rawOverride = r.getenv(r.overrideEnv)
	}
	override, err := ParseHeader(rawOverride)
	if err != nil {
		return Credentials{}, err
	}
	creds.Override = override

	creds.GitHub = r.resolveProvider(ctx, source.ProviderGitHub)
	creds.GitLab = r.resolveProvider(ctx, source.ProviderGitLab)
	creds.Generic = r.resolveProvider(ctx, source.ProviderGeneric)

	return creds, nil
}

func (r *Resolver) resolveProvider(ctx context.Context, provider source.Provider) Credential {
	// 1. Flag
	if token := r.flagTokens[provider]; token != "" {
		return Credential{Token: token, Source: SourceFlag}
	}

	// 2. Environment, first non-empty variable wins
	for _, name := range r.envVars[provider] {
		if token := strings.TrimSpace(r.getenv(name)); token != "" {
			return Credential{Token: token, Source: SourceEnv, Detail: name}
		}
	}

	// 3. Persisted storage; errors fall through to none
	if r.storage != nil {
		token, err := r.storage.LoadToken(ctx, StorageKey(provider))
		if err == nil && token != nil && token.IsValid() {
			return Credential{Token: token.AccessToken, Source: SourceStorage, Detail: StorageKey(provider)}
		}
	}

	return Credential{Source: SourceNone}
}

// StorageKey is the key a provider's token is persisted under.
func StorageKey(provider source.Provider) string {
	return string(provider)
}

// ParseProvider maps a user-supplied provider name onto a Provider.
func ParseProvider(name string) (source.Provider, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "github", "gh":
		return source.ProviderGitHub, nil
	case "gitlab", "gl":
		return source.ProviderGitLab, nil
	case "generic", "repo":
		return source.ProviderGeneric, nil
	default:
		return "", fmt.Errorf("unknown provider %q (want github, gitlab or generic)", name)
	}
}
