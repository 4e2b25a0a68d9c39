// Package config loads environment documents, resolves inheritance and
// resource references, and validates the merged result.
//
// A document may name a parent with `inherits`. The parent is loaded first
// and the child's top-level keys replace the parent's wholesale: there is no
// deep merge, so a child that sets `permissions` replaces every permission
// rule of the parent.
package config

import (
	"strings"
)

// Transport is how the assistant talks to a server integration.
type Transport string

const (
	TransportStdio Transport = "stdio"
	TransportHTTP  Transport = "http"
	TransportSSE   Transport = "sse"
)

// Scope is a registry scope an integration can be registered in.
type Scope string

const (
	ScopeUser    Scope = "user"
	ScopeProject Scope = "project"
	ScopeLocal   Scope = "local"
)

// AllScopes lists every registry scope.
var AllScopes = []Scope{ScopeUser, ScopeProject, ScopeLocal}

// EnvironmentConfig is the merged, validated desired state. After Load every
// resource reference is an absolute URL or an absolute local path.
type EnvironmentConfig struct {
	Name            string              `yaml:"name" json:"name"`
	CommandNames    []string            `yaml:"command-names" json:"command_names,omitempty"`
	BaseURL         string              `yaml:"base-url" json:"base_url,omitempty"`
	Inherits        string              `yaml:"inherits" json:"inherits,omitempty"`
	Dependencies    map[string][]string `yaml:"dependencies" json:"dependencies,omitempty"`
	Agents          []string            `yaml:"agents" json:"agents,omitempty"`
	SlashCommands   []string            `yaml:"slash-commands" json:"slash_commands,omitempty"`
	OutputStyles    []string            `yaml:"output-styles" json:"output_styles,omitempty"`
	MCPServers      []Integration       `yaml:"mcp-servers" json:"mcp_servers,omitempty"`
	Hooks           Hooks               `yaml:"hooks" json:"hooks,omitempty"`
	Skills          []Skill             `yaml:"skills" json:"skills,omitempty"`
	Model           string              `yaml:"model" json:"model,omitempty"`
	EnvVariables    map[string]string   `yaml:"env-variables" json:"env_variables,omitempty"`
	Permissions     *Permissions        `yaml:"permissions" json:"permissions,omitempty"`
	CommandDefaults *CommandDefaults    `yaml:"command-defaults" json:"command_defaults,omitempty"`
	StatusLine      *StatusLine         `yaml:"status-line" json:"status_line,omitempty"`
	OutputStyle     string              `yaml:"output-style" json:"output_style,omitempty"`

	// Origin is the location the root document was loaded from.
	Origin string `yaml:"-" json:"origin"`
	// Chain lists every loaded document, root first.
	Chain []string `yaml:"-" json:"chain"`
	// Warnings are non-fatal findings such as unknown keys.
	Warnings []string `yaml:"-" json:"warnings,omitempty"`
}

// Integration is a declared server integration. Name is its identity.
type Integration struct {
	Name      string            `yaml:"name" json:"name"`
	Transport Transport         `yaml:"transport" json:"transport"`
	Scopes    []Scope           `yaml:"scopes" json:"scopes"`
	URL       string            `yaml:"url" json:"url,omitempty"`
	Command   string            `yaml:"command" json:"command,omitempty"`
	Args      []string          `yaml:"args" json:"args,omitempty"`
	Headers   map[string]string `yaml:"headers" json:"headers,omitempty"`
	Env       map[string]string `yaml:"env" json:"env,omitempty"`
}

// HasScope reports whether s is one of the integration's target scopes.
func (i Integration) HasScope(s Scope) bool {
	for _, t := range i.Scopes {
		if t == s {
			return true
		}
	}
	return false
}

// Hooks declares hook files to download and event bindings.
type Hooks struct {
	Files  []string    `yaml:"files" json:"files,omitempty"`
	Events []HookEvent `yaml:"events" json:"events,omitempty"`
}

// HookEvent binds a command to an assistant lifecycle event.
type HookEvent struct {
	Event   string `yaml:"event" json:"event"`
	Matcher string `yaml:"matcher" json:"matcher,omitempty"`
	Type    string `yaml:"type" json:"type"`
	Command string `yaml:"command" json:"command"`
	Timeout int    `yaml:"timeout" json:"timeout,omitempty"`
}

// Skill is a directory of files installed under skills/<name>/. Files may
// be doublestar patterns relative to BaseURL.
type Skill struct {
	Name    string   `yaml:"name" json:"name"`
	BaseURL string   `yaml:"base-url" json:"base_url,omitempty"`
	Files   []string `yaml:"files" json:"files"`
}

// Permissions mirrors the permissions section of the settings document.
type Permissions struct {
	DefaultMode           string   `yaml:"defaultMode" json:"defaultMode,omitempty"`
	Allow                 []string `yaml:"allow" json:"allow,omitempty"`
	Deny                  []string `yaml:"deny" json:"deny,omitempty"`
	Ask                   []string `yaml:"ask" json:"ask,omitempty"`
	AdditionalDirectories []string `yaml:"additionalDirectories" json:"additionalDirectories,omitempty"`
}

// CommandDefaults configures the generated command wrapper.
type CommandDefaults struct {
	SystemPrompt string `yaml:"system-prompt" json:"system_prompt,omitempty"`
	Mode         string `yaml:"mode" json:"mode,omitempty"`
}

// StatusLine references a status line script.
type StatusLine struct {
	File    string `yaml:"file" json:"file"`
	Padding int    `yaml:"padding" json:"padding,omitempty"`
}

// DependenciesFor returns the commands to run on goos, common ones first.
func (c *EnvironmentConfig) DependenciesFor(goos string) []string {
	var out []string
	out = append(out, c.Dependencies["common"]...)
	out = append(out, c.Dependencies[platformKey(goos)]...)
	return out
}

func platformKey(goos string) string {
	switch strings.ToLower(goos) {
	case "darwin", "macos":
		return "macos"
	default:
		return strings.ToLower(goos)
	}
}
