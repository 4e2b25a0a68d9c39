// Package settings assembles the assistant's settings document. Only the
// subsections envforge owns are rewritten; every other byte of the existing
// document is preserved.
package settings

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/CliForge/envforge/pkg/config"
	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
	"github.com/tidwall/sjson"
)

// Section keys written by Apply.
const (
	KeyModel       = "model"
	KeyEnv         = "env"
	KeyPermissions = "permissions"
	KeyHooks       = "hooks"
	KeyStatusLine  = "statusLine"
	KeyOutputStyle = "outputStyle"
)

// IntegrationPrefix prefixes integration names in permission rules.
const IntegrationPrefix = "mcp__"

// ErrInvalidDocument is returned when the existing document is not JSON.
var ErrInvalidDocument = errors.New("settings document is not valid JSON")

// HookCommand is one command bound to a matcher.
type HookCommand struct {
	Type    string `json:"type"`
	Command string `json:"command"`
	Timeout int    `json:"timeout,omitempty"`
}

// HookMatcher groups the commands run for one matcher.
type HookMatcher struct {
	Matcher string        `json:"matcher,omitempty"`
	Hooks   []HookCommand `json:"hooks"`
}

// StatusLine is the statusLine subsection.
type StatusLine struct {
	Type    string `json:"type"`
	Command string `json:"command"`
	Padding int    `json:"padding,omitempty"`
}

// Sections is the desired content of every owned subsection. Zero values
// leave the subsection untouched.
type Sections struct {
	Model       string
	Env         map[string]string
	Permissions *config.Permissions
	Hooks       map[string][]HookMatcher
	StatusLine  *StatusLine
	OutputStyle string
	// Extra sets arbitrary top-level keys.
	Extra map[string]any
	// AllowIntegrations are integration names to allow.
	AllowIntegrations []string
}

// Change reports what happened to one subsection.
type Change struct {
	Key     string `json:"key"`
	Updated bool   `json:"updated"`
}

// Apply writes the desired sections into existing and returns the new
// document. A section whose current value already matches is left byte for
// byte, so applying the same sections twice yields identical output.
func Apply(existing []byte, desired Sections) ([]byte, []Change, error) {
	doc := existing
	fresh := len(bytes.TrimSpace(existing)) == 0
	if fresh {
		doc = []byte("{}")
	} else if !gjson.ValidBytes(doc) || !gjson.ParseBytes(doc).IsObject() {
		return nil, nil, ErrInvalidDocument
	}

	type entry struct {
		key   string
		value any
	}
	var entries []entry
	if desired.Model != "" {
		entries = append(entries, entry{KeyModel, desired.Model})
	}
	if len(desired.Env) > 0 {
		entries = append(entries, entry{KeyEnv, desired.Env})
	}
	if desired.Permissions != nil {
		entries = append(entries, entry{KeyPermissions, withIntegrations(*desired.Permissions, desired.AllowIntegrations)})
	}
	if len(desired.Hooks) > 0 {
		entries = append(entries, entry{KeyHooks, desired.Hooks})
	}
	if desired.StatusLine != nil {
		entries = append(entries, entry{KeyStatusLine, desired.StatusLine})
	}
	if desired.OutputStyle != "" {
		entries = append(entries, entry{KeyOutputStyle, desired.OutputStyle})
	}
	for _, k := range sortedKeys(desired.Extra) {
		entries = append(entries, entry{k, desired.Extra[k]})
	}

	var changes []Change
	for _, e := range entries {
		raw, err := marshal(e.value)
		if err != nil {
			return nil, nil, fmt.Errorf("encode %s: %w", e.key, err)
		}
		path := escapeKey(e.key)
		updated := !sameJSON(gjson.GetBytes(doc, path).Raw, raw)
		if updated {
			doc, err = sjson.SetRawBytes(doc, path, []byte(raw))
			if err != nil {
				return nil, nil, fmt.Errorf("set %s: %w", e.key, err)
			}
		}
		changes = append(changes, Change{Key: e.key, Updated: updated})
	}

	if desired.Permissions == nil && len(desired.AllowIntegrations) > 0 {
		var added []string
		var err error
		doc, added, err = AllowIntegrations(doc, desired.AllowIntegrations)
		if err != nil {
			return nil, nil, err
		}
		changes = append(changes, Change{Key: KeyPermissions + ".allow", Updated: len(added) > 0})
	}

	if fresh {
		doc = pretty.Pretty(doc)
	}
	return doc, changes, nil
}

// AllowIntegrations appends an allow rule for each integration name unless
// the rule already appears in permissions.allow, deny or ask. It returns the
// rules that were added.
func AllowIntegrations(doc []byte, names []string) ([]byte, []string, error) {
	if len(bytes.TrimSpace(doc)) == 0 {
		doc = []byte("{}")
	}
	if !gjson.ValidBytes(doc) {
		return nil, nil, ErrInvalidDocument
	}

	present := map[string]bool{}
	for _, list := range []string{"allow", "deny", "ask"} {
		for _, v := range gjson.GetBytes(doc, KeyPermissions+"."+list).Array() {
			present[v.String()] = true
		}
	}

	var added []string
	for _, name := range names {
		rule := IntegrationPrefix + name
		if present[rule] {
			continue
		}
		var err error
		doc, err = sjson.SetBytes(doc, KeyPermissions+".allow.-1", rule)
		if err != nil {
			return nil, nil, fmt.Errorf("allow %s: %w", name, err)
		}
		present[rule] = true
		added = append(added, rule)
	}
	return doc, added, nil
}

// HooksFrom groups hook events by event name and matcher, keeping
// declaration order.
func HooksFrom(events []config.HookEvent) map[string][]HookMatcher {
	if len(events) == 0 {
		return nil
	}
	out := map[string][]HookMatcher{}
	for _, e := range events {
		cmd := HookCommand{Type: "command", Command: e.Command, Timeout: e.Timeout}
		groups := out[e.Event]
		idx := -1
		for i, g := range groups {
			if g.Matcher == e.Matcher {
				idx = i
				break
			}
		}
		if idx < 0 {
			groups = append(groups, HookMatcher{Matcher: e.Matcher})
			idx = len(groups) - 1
		}
		groups[idx].Hooks = append(groups[idx].Hooks, cmd)
		out[e.Event] = groups
	}
	return out
}

func withIntegrations(p config.Permissions, names []string) config.Permissions {
	present := map[string]bool{}
	for _, list := range [][]string{p.Allow, p.Deny, p.Ask} {
		for _, r := range list {
			present[r] = true
		}
	}
	allow := append([]string(nil), p.Allow...)
	for _, name := range names {
		if rule := IntegrationPrefix + name; !present[rule] {
			present[rule] = true
			allow = append(allow, rule)
		}
	}
	p.Allow = allow
	return p
}

func marshal(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

// sameJSON compares two JSON values ignoring whitespace.
func sameJSON(a, b string) bool {
	if a == "" || b == "" {
		return a == b
	}
	return bytes.Equal(pretty.Ugly([]byte(a)), pretty.Ugly([]byte(b)))
}

func escapeKey(key string) string {
	r := strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`)
	return r.Replace(key)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
