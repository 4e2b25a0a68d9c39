package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/CliForge/envforge/pkg/source"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
}

var commandNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// HookEventNames are the lifecycle events hooks may bind to.
var HookEventNames = []string{
	"PreToolUse", "PostToolUse", "Notification", "UserPromptSubmit",
	"Stop", "SubagentStop", "PreCompact", "SessionStart", "SessionEnd",
}

var (
	permissionModes = []string{"default", "acceptEdits", "plan", "bypassPermissions"}
	promptModes     = []string{"append", "replace"}
)

// Validator handles configuration validation.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

// Validate checks cfg and reports every violation at once.
func (v *Validator) Validate(cfg *EnvironmentConfig) error {
	v.errors = make(ValidationErrors, 0)

	if strings.TrimSpace(cfg.Name) == "" {
		v.addError("name", "name is required")
	}

	for i, name := range cfg.CommandNames {
		if !commandNamePattern.MatchString(name) {
			v.addError(fmt.Sprintf("command-names[%d]", i), fmt.Sprintf("%q must start with a letter or digit and contain only letters, digits, '.', '_' or '-'", name))
		}
	}

	if cfg.BaseURL != "" && strings.Contains(cfg.BaseURL, "://") && !v.isValidURL(cfg.BaseURL) {
		v.addError("base-url", "base-url must be a valid URL or path")
	}

	v.validateIntegrations(cfg.MCPServers)
	v.validateHooks(&cfg.Hooks)
	v.validateSkills(cfg.Skills)
	v.validateDestinations(cfg)

	if p := cfg.Permissions; p != nil && p.DefaultMode != "" && !contains(permissionModes, p.DefaultMode) {
		v.addError("permissions.defaultMode", fmt.Sprintf("must be one of %s", strings.Join(permissionModes, ", ")))
	}

	if d := cfg.CommandDefaults; d != nil && d.Mode != "" && !contains(promptModes, d.Mode) {
		v.addError("command-defaults.mode", "mode must be append or replace")
	}

	if s := cfg.StatusLine; s != nil && s.File == "" {
		v.addError("status-line.file", "file is required")
	}

	for k := range cfg.Dependencies {
		if !contains([]string{"common", "linux", "macos", "windows"}, k) {
			v.addError("dependencies."+k, "platform must be common, linux, macos or windows")
		}
	}

	if len(v.errors) > 0 {
		return v.errors
	}
	return nil
}

func (v *Validator) validateIntegrations(servers []Integration) {
	seen := map[string]bool{}
	for i, s := range servers {
		field := fmt.Sprintf("mcp-servers[%d]", i)
		if s.Name == "" {
			v.addError(field+".name", "name is required")
		} else {
			if seen[s.Name] {
				v.addError(field+".name", fmt.Sprintf("duplicate integration %q", s.Name))
			}
			seen[s.Name] = true
		}

		switch s.Transport {
		case TransportStdio:
			if strings.TrimSpace(s.Command) == "" {
				v.addError(field+".command", "command is required for stdio transport")
			}
		case TransportHTTP, TransportSSE:
			if !v.isValidURL(s.URL) {
				v.addError(field+".url", fmt.Sprintf("a valid url is required for %s transport", s.Transport))
			}
		default:
			v.addError(field+".transport", fmt.Sprintf("unknown transport %q", s.Transport))
		}

		for _, scope := range s.Scopes {
			if !isScope(scope) {
				v.addError(field+".scopes", fmt.Sprintf("unknown scope %q", scope))
			}
		}
	}
}

func (v *Validator) validateHooks(h *Hooks) {
	for i, e := range h.Events {
		field := fmt.Sprintf("hooks.events[%d]", i)
		if !contains(HookEventNames, e.Event) {
			v.addError(field+".event", fmt.Sprintf("unknown hook event %q", e.Event))
		}
		if e.Type != "" && e.Type != "command" {
			v.addError(field+".type", "type must be command")
		}
		if strings.TrimSpace(e.Command) == "" {
			v.addError(field+".command", "command is required")
		}
		if e.Timeout < 0 {
			v.addError(field+".timeout", "timeout must not be negative")
		}
	}
}

func (v *Validator) validateSkills(skills []Skill) {
	seen := map[string]bool{}
	for i, s := range skills {
		field := fmt.Sprintf("skills[%d]", i)
		if s.Name == "" {
			v.addError(field+".name", "name is required")
		} else if seen[s.Name] {
			v.addError(field+".name", fmt.Sprintf("duplicate skill %q", s.Name))
		} else if strings.ContainsAny(s.Name, `/\`) || s.Name == ".." {
			v.addError(field+".name", "name must not contain path separators")
		}
		seen[s.Name] = true
		if len(s.Files) == 0 {
			v.addError(field+".files", "at least one file or pattern is required")
		}
	}
}

// validateDestinations reports different references that would be
// installed under the same file name. Hook files and the status line share
// the hooks directory.
func (v *Validator) validateDestinations(cfg *EnvironmentConfig) {
	type claim struct{ field, location string }
	claims := map[string]claim{}
	check := func(dir, field, location string) {
		if strings.TrimSpace(location) == "" {
			return
		}
		dest := dir + "/" + source.DerivedFilename(location)
		prev, ok := claims[dest]
		if !ok {
			claims[dest] = claim{field: field, location: location}
			return
		}
		if prev.location != location {
			v.addError(field, fmt.Sprintf("installs as %s, already claimed by %s", dest, prev.field))
		}
	}

	for i, ref := range cfg.Agents {
		check("agents", fmt.Sprintf("agents[%d]", i), ref)
	}
	for i, ref := range cfg.SlashCommands {
		check("commands", fmt.Sprintf("slash-commands[%d]", i), ref)
	}
	for i, ref := range cfg.OutputStyles {
		check("output-styles", fmt.Sprintf("output-styles[%d]", i), ref)
	}
	for i, ref := range cfg.Hooks.Files {
		check("hooks", fmt.Sprintf("hooks.files[%d]", i), ref)
	}
	if cfg.StatusLine != nil {
		check("hooks", "status-line.file", cfg.StatusLine.File)
	}
}

// Helper methods

func (v *Validator) addError(field, message string) {
	v.errors = append(v.errors, ValidationError{
		Field:   field,
		Message: message,
	})
}

func (v *Validator) isValidURL(urlStr string) bool {
	if urlStr == "" {
		return false
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return false
	}
	return u.Scheme != "" && u.Host != ""
}

func isScope(s Scope) bool {
	for _, known := range AllScopes {
		if s == known {
			return true
		}
	}
	return false
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
