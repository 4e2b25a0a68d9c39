package source

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// DefaultBase is the canonical location of the built-in asset repository.
const DefaultBase = "https://raw.githubusercontent.com/CliForge/envforge/main/"

// LibraryPath is where named environments live below the default base.
const LibraryPath = "environments/library/"

// AuthHint tells the fetcher how to treat credentials for a descriptor.
type AuthHint string

const (
	// AuthAuto tries anonymously first and escalates on 401/403.
	AuthAuto AuthHint = "auto"
	// AuthNever never attaches credentials (local files).
	AuthNever AuthHint = "never"
)

// Descriptor is a fetchable resource location.
type Descriptor struct {
	Location string   `json:"location"`
	Provider Provider `json:"provider"`
	AuthHint AuthHint `json:"auth_hint"`
}

// IsLocal reports whether the descriptor points at the local filesystem.
func (d Descriptor) IsLocal() bool {
	return d.Provider == ProviderNone
}

// DescriptorFor builds a descriptor from an absolute URL or a local path.
func DescriptorFor(location string) Descriptor {
	if IsURL(location) {
		normalized := Normalize(location)
		return Descriptor{
			Location: normalized,
			Provider: DetectProvider(normalized),
			AuthHint: AuthAuto,
		}
	}
	return Descriptor{
		Location: expandHome(location),
		Provider: ProviderNone,
		AuthHint: AuthNever,
	}
}

// BaseChain holds the candidate bases for resolving a relative reference,
// in precedence order.
type BaseChain struct {
	// Explicit is the document's own base-url override.
	Explicit string
	// Origin is the base of the root document's location.
	Origin string
	// Default is the canonical asset location.
	Default string
}

// Resolve turns a reference into an absolute URL or absolute local path.
// Absolute references are kept; relative ones are joined to the first
// non-empty base of the chain.
func Resolve(ref string, chain BaseChain) string {
	ref = strings.TrimSpace(ref)
	switch {
	case ref == "":
		return ""
	case IsURL(ref):
		return Normalize(ref)
	case strings.HasPrefix(ref, "~"):
		return expandHome(ref)
	case filepath.IsAbs(ref) || drivePattern.MatchString(ref):
		return filepath.Clean(ref)
	}

	for _, base := range []string{chain.Explicit, chain.Origin, chain.Default} {
		if strings.TrimSpace(base) != "" {
			return Join(base, ref)
		}
	}
	return ref
}

// Join appends a relative reference to a base URL or directory.
func Join(base, ref string) string {
	ref = strings.TrimPrefix(strings.TrimSpace(ref), "./")
	if !IsURL(base) {
		return filepath.Join(expandHome(base), filepath.FromSlash(ref))
	}

	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	b, err := url.Parse(base)
	if err != nil {
		return Normalize(base + ref)
	}
	r, err := url.Parse(ref)
	if err != nil {
		return Normalize(base + ref)
	}
	return Normalize(b.ResolveReference(r).String())
}

// Locator turns classified sources into descriptors.
type Locator struct {
	// DefaultBase overrides the canonical asset location.
	DefaultBase string
}

// Base returns the effective default base, always with a trailing slash.
func (l Locator) Base() string {
	base := l.DefaultBase
	if base == "" {
		base = DefaultBase
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base
}

// NamedURL returns the canonical location of a named environment.
func (l Locator) NamedURL(key string) string {
	return Join(l.Base(), LibraryPath+key)
}

// Descriptor returns the descriptor for a classified source.
func (l Locator) Descriptor(src Source) Descriptor {
	switch src.Kind {
	case KindRemote:
		return DescriptorFor(src.URL)
	case KindLocal:
		return DescriptorFor(src.Path)
	default:
		return DescriptorFor(l.NamedURL(src.Key))
	}
}

// ForReference resolves a document reference against chain and returns its
// descriptor. An empty chain.Default falls back to the locator's base.
func (l Locator) ForReference(ref string, chain BaseChain) Descriptor {
	if chain.Default == "" {
		chain.Default = l.Base()
	}
	return DescriptorFor(Resolve(ref, chain))
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") || strings.HasPrefix(p, `~\`) {
		home, err := os.UserHomeDir()
		if err != nil {
			return p
		}
		return filepath.Join(home, p[1:])
	}
	return p
}
