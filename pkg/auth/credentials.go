// Package auth resolves repository credentials and maps them onto the
// request header each provider expects.
package auth

import (
	"fmt"
	"strings"

	"github.com/CliForge/envforge/pkg/source"
)

// Header is a single HTTP header carrying a credential.
type Header struct {
	Name  string
	Value string
}

// IsZero reports whether h carries nothing.
func (h Header) IsZero() bool {
	return h.Name == "" && h.Value == ""
}

// ParseHeader parses an override of the form "Header-Name:value". Only the
// first colon separates name from value.
func ParseHeader(raw string) (Header, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Header{}, nil
	}
	name, value, ok := strings.Cut(raw, ":")
	if !ok {
		return Header{}, fmt.Errorf("invalid auth header %q: expected Header-Name:value", maskHeader(raw))
	}
	name = strings.TrimSpace(name)
	value = strings.TrimSpace(value)
	if name == "" || strings.ContainsAny(name, " \t") {
		return Header{}, fmt.Errorf("invalid auth header name %q", name)
	}
	if value == "" {
		return Header{}, fmt.Errorf("auth header %s has an empty value", name)
	}
	return Header{Name: name, Value: value}, nil
}

// Source records where a credential was found.
type Source string

const (
	SourceFlag    Source = "flag"
	SourceEnv     Source = "env"
	SourceStorage Source = "storage"
	SourceNone    Source = "none"
)

// Credential is a token together with its origin.
type Credential struct {
	Token  string
	Source Source
	// Detail names the environment variable or storage key.
	Detail string
}

// Present reports whether the credential carries a token.
func (c Credential) Present() bool {
	return c.Token != ""
}

// Origin renders the source for status output, e.g. "env:GITHUB_TOKEN".
func (c Credential) Origin() string {
	if !c.Present() {
		return string(SourceNone)
	}
	if c.Detail == "" {
		return string(c.Source)
	}
	return string(c.Source) + ":" + c.Detail
}

// Credentials is the full set of credentials available to a run. It is
// resolved once and read concurrently by the fetch workers.
type Credentials struct {
	Override Header
	GitHub   Credential
	GitLab   Credential
	Generic  Credential
}

// Empty reports whether no credential of any kind is available.
func (c Credentials) Empty() bool {
	return c.Override.IsZero() && !c.GitHub.Present() && !c.GitLab.Present() && !c.Generic.Present()
}

// HasOverride reports whether an explicit header override was given.
func (c Credentials) HasOverride() bool {
	return !c.Override.IsZero()
}

// HeaderFor selects the header to attach for a provider. Precedence is the
// explicit override, then the provider's own token, then the generic token.
func HeaderFor(provider source.Provider, creds Credentials) (Header, bool) {
	if creds.HasOverride() {
		return creds.Override, true
	}

	switch provider {
	case source.ProviderGitHub:
		if creds.GitHub.Present() {
			return Header{Name: "Authorization", Value: "Bearer " + creds.GitHub.Token}, true
		}
	case source.ProviderGitLab:
		if creds.GitLab.Present() {
			return Header{Name: "PRIVATE-TOKEN", Value: creds.GitLab.Token}, true
		}
	case source.ProviderNone:
		return Header{}, false
	}

	if creds.Generic.Present() {
		return Header{Name: "Authorization", Value: "Bearer " + creds.Generic.Token}, true
	}
	return Header{}, false
}

func maskHeader(raw string) string {
	if len(raw) <= 8 {
		return "****"
	}
	return raw[:4] + "****"
}
