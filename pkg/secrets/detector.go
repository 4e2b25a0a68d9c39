package secrets

import (
	"regexp"
	"sort"
	"strings"
	"sync"
)

// ValuePattern is a named regular expression matching secret values.
type ValuePattern struct {
	Name    string
	Pattern string
}

// DefaultValuePatterns match the token formats envforge handles.
func DefaultValuePatterns() []ValuePattern {
	return []ValuePattern{
		{Name: "GitHub token", Pattern: `\b(?:gh[pousr]_[A-Za-z0-9]{20,}|github_pat_[A-Za-z0-9_]{20,})`},
		{Name: "GitLab token", Pattern: `\bglpat-[A-Za-z0-9_\-]{16,}`},
		{Name: "Bearer token", Pattern: `Bearer\s+[A-Za-z0-9\-._~+/]+=*`},
		{Name: "Basic auth", Pattern: `Basic\s+[A-Za-z0-9+/]+=*`},
		{Name: "Private token header", Pattern: `(?i)private-token:\s*\S+`},
		{Name: "Token query parameter", Pattern: `(?i)[?&](?:access_)?token=[^&\s]+`},
	}
}

// DefaultHeaders are HTTP headers whose values are always masked.
func DefaultHeaders() []string {
	return []string{
		"Authorization",
		"Proxy-Authorization",
		"Private-Token",
		"Job-Token",
		"X-Api-Key",
		"X-Auth-Token",
		"X-GitHub-Token",
		"X-GitLab-Token",
		"Cookie",
		"Set-Cookie",
	}
}

var secretFieldWords = []string{"token", "secret", "password", "passwd", "apikey", "api_key", "api-key", "credential", "auth"}

// Detector finds and masks secrets in text and headers.
type Detector struct {
	mu      sync.RWMutex
	masking Masking
	values  []*regexp.Regexp
	headers map[string]bool
	known   []string
}

// NewDetector creates a detector with the default patterns.
func NewDetector() *Detector {
	d := &Detector{masking: DefaultMasking, headers: map[string]bool{}}
	for _, vp := range DefaultValuePatterns() {
		d.values = append(d.values, regexp.MustCompile(vp.Pattern))
	}
	for _, h := range DefaultHeaders() {
		d.headers[strings.ToLower(h)] = true
	}
	return d
}

// AddKnown registers literal secrets, such as resolved tokens, that must be
// masked wherever they appear.
func (d *Detector) AddKnown(values ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, v := range values {
		if len(v) >= 4 {
			d.known = append(d.known, v)
		}
	}
	// Longest first so a token is never partially replaced by its prefix.
	sort.Slice(d.known, func(i, j int) bool { return len(d.known[i]) > len(d.known[j]) })
}

// IsSecretHeader reports whether a header's value must be masked.
func (d *Detector) IsSecretHeader(name string) bool {
	return d.headers[strings.ToLower(name)]
}

// IsSecretField reports whether a key such as an environment variable name
// suggests a secret value.
func (d *Detector) IsSecretField(name string) bool {
	lower := strings.ToLower(name)
	for _, w := range secretFieldWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

// MaskString masks known secrets and pattern matches in text.
func (d *Detector) MaskString(text string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	result := text
	for _, k := range d.known {
		result = strings.ReplaceAll(result, k, MaskValue(k, d.masking))
	}
	for _, re := range d.values {
		result = re.ReplaceAllStringFunc(result, func(match string) string {
			return MaskValue(match, d.masking)
		})
	}
	return result
}

// MaskHeaders returns a copy of headers with secret values masked.
func (d *Detector) MaskHeaders(headers map[string][]string) map[string][]string {
	result := make(map[string][]string, len(headers))
	for key, values := range headers {
		if !d.IsSecretHeader(key) {
			result[key] = values
			continue
		}
		masked := make([]string, len(values))
		for i, v := range values {
			masked[i] = MaskValue(v, d.masking)
		}
		result[key] = masked
	}
	return result
}

// MaskMap returns a copy of m with values of secret-looking keys masked.
func (d *Detector) MaskMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		if d.IsSecretField(k) || d.IsSecretHeader(k) {
			out[k] = MaskValue(v, d.masking)
		} else {
			out[k] = d.MaskString(v)
		}
	}
	return out
}
