// Package source classifies configuration inputs and resource references and
// turns them into fetchable descriptors.
//
// Everything in this package is pure string manipulation: no file is opened
// and no request is sent. That keeps classification and URL normalization
// exhaustively testable and lets the fetcher stay provider-agnostic.
//
// # Classification
//
// A raw input (positional argument or ENVFORGE_CONFIG) is classified in
// priority order:
//
//   - anything with a URL scheme is Remote (file:// is treated as Local)
//   - anything containing a path separator, starting with "." or "~", or
//     starting with a drive letter is Local
//   - everything else is Named and resolves to the built-in library, with
//     ".yaml" appended when no YAML extension is present
//
// # Normalization
//
// Human-facing repository URLs are rewritten to raw-content or content-API
// URLs:
//
//	https://github.com/org/repo/blob/main/envs/dev.yaml
//	  -> https://raw.githubusercontent.com/org/repo/main/envs/dev.yaml
//
//	https://gitlab.example.com/group/proj/-/blob/main/envs/dev.yaml
//	  -> https://gitlab.example.com/api/v4/projects/group%2Fproj/repository/files/envs%2Fdev.yaml/raw?ref=main
//
// Normalize is idempotent.
package source

import (
	"regexp"
	"strings"
)

// Kind identifies which variant of a Source is active.
type Kind string

const (
	// KindLocal is a path on the local filesystem.
	KindLocal Kind = "local"
	// KindRemote is an absolute URL.
	KindRemote Kind = "remote"
	// KindNamed is a key in the built-in environment library.
	KindNamed Kind = "named"
)

// DefaultExtension is appended to named sources that carry no YAML extension.
const DefaultExtension = ".yaml"

// Source is the classified form of a configuration input. Exactly one of
// Path, URL or Key is set, matching Kind.
type Source struct {
	Kind Kind   `json:"kind"`
	Path string `json:"path,omitempty"`
	URL  string `json:"url,omitempty"`
	Key  string `json:"key,omitempty"`
}

// String returns the payload of the active variant.
func (s Source) String() string {
	switch s.Kind {
	case KindLocal:
		return s.Path
	case KindRemote:
		return s.URL
	default:
		return s.Key
	}
}

var (
	schemePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9+.-]*://`)
	drivePattern  = regexp.MustCompile(`^[A-Za-z]:`)
)

// Classify maps any input string onto exactly one Source variant.
func Classify(input string) Source {
	trimmed := strings.TrimSpace(input)

	if schemePattern.MatchString(trimmed) {
		if strings.HasPrefix(strings.ToLower(trimmed), "file://") {
			return Source{Kind: KindLocal, Path: trimmed[len("file://"):]}
		}
		return Source{Kind: KindRemote, URL: trimmed}
	}

	if isPathLike(trimmed) {
		return Source{Kind: KindLocal, Path: trimmed}
	}

	return Source{Kind: KindNamed, Key: withExtension(trimmed)}
}

// IsURL reports whether s carries a URL scheme.
func IsURL(s string) bool {
	return schemePattern.MatchString(strings.TrimSpace(s))
}

func isPathLike(s string) bool {
	if strings.ContainsAny(s, `/\`) {
		return true
	}
	if strings.HasPrefix(s, ".") || strings.HasPrefix(s, "~") {
		return true
	}
	return drivePattern.MatchString(s)
}

func withExtension(key string) string {
	lower := strings.ToLower(key)
	if strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml") {
		return key
	}
	return key + DefaultExtension
}
