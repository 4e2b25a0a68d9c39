package config

import (
	"strings"

	"github.com/CliForge/envforge/pkg/source"
)

// resolveReferences rewrites every resource reference into an absolute URL
// or path and fills integration defaults.
func resolveReferences(cfg *EnvironmentConfig, chain source.BaseChain) {
	resolveAll := func(refs []string) []string {
		out := make([]string, 0, len(refs))
		for _, ref := range refs {
			if r := source.Resolve(ref, chain); r != "" {
				out = append(out, r)
			}
		}
		return out
	}

	cfg.Agents = resolveAll(cfg.Agents)
	cfg.SlashCommands = resolveAll(cfg.SlashCommands)
	cfg.OutputStyles = resolveAll(cfg.OutputStyles)
	cfg.Hooks.Files = resolveAll(cfg.Hooks.Files)

	for i := range cfg.Skills {
		s := &cfg.Skills[i]
		base := strings.TrimSpace(s.BaseURL)
		if base == "" {
			base = "skills/" + s.Name
		}
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		s.BaseURL = skillBase(source.Resolve(base, chain))
	}

	if cfg.CommandDefaults != nil && cfg.CommandDefaults.SystemPrompt != "" {
		cfg.CommandDefaults.SystemPrompt = source.Resolve(cfg.CommandDefaults.SystemPrompt, chain)
	}
	if cfg.StatusLine != nil && cfg.StatusLine.File != "" {
		cfg.StatusLine.File = source.Resolve(cfg.StatusLine.File, chain)
	}

	for i := range cfg.MCPServers {
		applyIntegrationDefaults(&cfg.MCPServers[i])
	}
	if cfg.CommandDefaults != nil && cfg.CommandDefaults.Mode == "" {
		cfg.CommandDefaults.Mode = "replace"
	}
}

func applyIntegrationDefaults(in *Integration) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Transport == "" {
		if in.URL != "" {
			in.Transport = TransportHTTP
		} else {
			in.Transport = TransportStdio
		}
	}
	in.Transport = Transport(strings.ToLower(string(in.Transport)))
	if len(in.Scopes) == 0 {
		in.Scopes = []Scope{ScopeUser}
	}
	seen := map[Scope]bool{}
	scopes := in.Scopes[:0]
	for _, s := range in.Scopes {
		s = Scope(strings.ToLower(strings.TrimSpace(string(s))))
		if !seen[s] {
			seen[s] = true
			scopes = append(scopes, s)
		}
	}
	in.Scopes = scopes
}

// skillBase keeps a resolved skill directory joinable: remote bases end in
// a slash, and GitLab API file URLs are turned back into their web raw form.
func skillBase(base string) string {
	if strings.Contains(base, "/api/v4/projects/") {
		return source.BaseOf(base) + source.DerivedFilename(base) + "/"
	}
	if source.IsURL(base) && !strings.HasSuffix(base, "/") {
		return base + "/"
	}
	return base
}
