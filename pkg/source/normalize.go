package source

import (
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
)

// Provider is the remote-repository family a URL belongs to. It is inferred
// from URL shape only.
type Provider string

const (
	// ProviderNone marks local paths and non-HTTP inputs.
	ProviderNone Provider = "none"
	// ProviderGitHub covers github.com and its raw/API hosts.
	ProviderGitHub Provider = "github"
	// ProviderGitLab covers gitlab.com and self-hosted GitLab instances.
	ProviderGitLab Provider = "gitlab"
	// ProviderGeneric is any other HTTP(S) location.
	ProviderGeneric Provider = "generic"
)

var githubHosts = map[string]bool{
	"github.com":                    true,
	"www.github.com":                true,
	"raw.githubusercontent.com":     true,
	"api.github.com":                true,
	"gist.githubusercontent.com":    true,
	"objects.githubusercontent.com": true,
}

const (
	gitlabWebMarker = "/-/"
	gitlabAPIMarker = "/api/v4/projects/"
)

// DetectProvider infers the provider from the URL shape.
func DetectProvider(raw string) Provider {
	if !IsURL(raw) {
		return ProviderNone
	}
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ProviderNone
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return ProviderNone
	}

	host := strings.ToLower(u.Hostname())
	if githubHosts[host] {
		return ProviderGitHub
	}

	escaped := u.EscapedPath()
	if strings.Contains(host, "gitlab") ||
		strings.Contains(escaped, gitlabWebMarker) ||
		strings.Contains(escaped, gitlabAPIMarker) {
		return ProviderGitLab
	}

	return ProviderGeneric
}

// Normalize rewrites web URLs into fetchable raw-content or API URLs and
// strips suffixes that would corrupt a derived filename. Inputs that are not
// URLs are returned unchanged.
func Normalize(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if !IsURL(trimmed) {
		return raw
	}
	u, err := url.Parse(trimmed)
	if err != nil || u.Host == "" {
		return trimmed
	}

	switch DetectProvider(trimmed) {
	case ProviderGitHub:
		return normalizeGitHub(u)
	case ProviderGitLab:
		return normalizeGitLab(u, trimmed)
	default:
		return stripFragment(trimmed)
	}
}

func normalizeGitHub(u *url.URL) string {
	host := strings.ToLower(u.Hostname())
	segments := splitPath(u.EscapedPath())

	switch host {
	case "github.com", "www.github.com":
		// /<owner>/<repo>/(blob|raw)/<ref>/<path...>
		if len(segments) >= 5 && (segments[2] == "blob" || segments[2] == "raw") {
			rest := append([]string{segments[0], segments[1]}, segments[3:]...)
			return "https://raw.githubusercontent.com/" + strings.Join(rest, "/")
		}
		return stripFragment(u.String())
	case "raw.githubusercontent.com":
		return "https://raw.githubusercontent.com/" + strings.Join(segments, "/")
	default:
		return stripFragment(u.String())
	}
}

func normalizeGitLab(u *url.URL, raw string) string {
	escaped := u.EscapedPath()
	idx := strings.Index(escaped, gitlabWebMarker)
	if idx < 0 || strings.Contains(escaped, gitlabAPIMarker) {
		return stripFragment(raw)
	}

	project := strings.Trim(escaped[:idx], "/")
	segments := splitPath(escaped[idx+len(gitlabWebMarker):])
	// (blob|raw)/<ref>/<path...>
	if len(segments) < 3 || (segments[0] != "blob" && segments[0] != "raw") {
		return stripFragment(raw)
	}

	ref := unescape(segments[1])
	filePath := unescape(strings.Join(segments[2:], "/"))
	projectPath := unescape(project)

	return fmt.Sprintf("%s://%s%s%s/repository/files/%s/raw?ref=%s",
		strings.ToLower(u.Scheme),
		u.Host,
		gitlabAPIMarker,
		url.PathEscape(projectPath),
		url.PathEscape(filePath),
		url.QueryEscape(ref),
	)
}

// DerivedFilename returns the local filename a resource should be saved
// under: the basename of the referenced file without any query string.
func DerivedFilename(location string) string {
	trimmed := strings.TrimSpace(location)
	if !IsURL(trimmed) {
		return filepath.Base(trimmed)
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		base := path.Base(stripQuery(trimmed))
		return base
	}

	escaped := u.EscapedPath()
	if i := strings.Index(escaped, "/repository/files/"); i >= 0 && strings.Contains(escaped, gitlabAPIMarker) {
		rest := escaped[i+len("/repository/files/"):]
		rest = strings.TrimSuffix(rest, "/raw")
		return path.Base(unescape(rest))
	}

	return path.Base(u.Path)
}

// BaseOf returns the directory-like base of a location, used to resolve
// references relative to the document loaded from it. GitLab API URLs are
// converted back into their web raw form so relative joins stay readable
// and Normalize turns them into API URLs again.
func BaseOf(location string) string {
	trimmed := strings.TrimSpace(location)
	if !IsURL(trimmed) {
		abs, err := filepath.Abs(expandHome(trimmed))
		if err != nil {
			return filepath.Dir(trimmed)
		}
		return filepath.Dir(abs)
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return trimmed
	}

	escaped := u.EscapedPath()
	if i := strings.Index(escaped, gitlabAPIMarker); i >= 0 {
		rest := escaped[i+len(gitlabAPIMarker):]
		parts := strings.SplitN(rest, "/repository/files/", 2)
		if len(parts) == 2 {
			project := unescape(parts[0])
			filePath := unescape(strings.TrimSuffix(parts[1], "/raw"))
			ref := u.Query().Get("ref")
			if ref == "" {
				ref = "HEAD"
			}
			dir := path.Dir(filePath)
			base := fmt.Sprintf("%s://%s/%s/-/raw/%s/", u.Scheme, u.Host, project, ref)
			if dir != "." {
				base += dir + "/"
			}
			return base
		}
	}

	u.RawQuery = ""
	u.Fragment = ""
	dir := path.Dir(u.Path)
	if !strings.HasSuffix(dir, "/") {
		dir += "/"
	}
	u.Path = dir
	u.RawPath = ""
	return u.String()
}

func splitPath(p string) []string {
	var out []string
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func unescape(s string) string {
	if v, err := url.PathUnescape(s); err == nil {
		return v
	}
	return s
}

func stripFragment(s string) string {
	if i := strings.Index(s, "#"); i >= 0 {
		return s[:i]
	}
	return s
}

func stripQuery(s string) string {
	s = stripFragment(s)
	if i := strings.Index(s, "?"); i >= 0 {
		return s[:i]
	}
	return s
}
