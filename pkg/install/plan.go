// Package install turns a loaded environment into download requests and
// writes the fetched resources under the assistant's config root.
package install

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/CliForge/envforge/pkg/batch"
	"github.com/CliForge/envforge/pkg/config"
	"github.com/CliForge/envforge/pkg/logger"
	"github.com/CliForge/envforge/pkg/source"
)

// Kind is the category of a resource, which decides where it is written.
type Kind string

const (
	KindAgent       Kind = "agent"
	KindCommand     Kind = "command"
	KindOutputStyle Kind = "output-style"
	KindHook        Kind = "hook"
	KindStatusLine  Kind = "status-line"
	KindPrompt      Kind = "prompt"
	KindSkill       Kind = "skill"
)

// Directories under the config root, per kind.
var Directories = map[Kind]string{
	KindAgent:       "agents",
	KindCommand:     "commands",
	KindOutputStyle: "output-styles",
	KindHook:        "hooks",
	KindStatusLine:  "hooks",
	KindPrompt:      "prompts",
	KindSkill:       "skills",
}

// Item is one resource to fetch and where it goes.
type Item struct {
	Kind       Kind
	Descriptor source.Descriptor
	// Dest is relative to the config root, slash separated.
	Dest     string
	Required bool
	Skill    string
}

// Label identifies the item in reports.
func (i Item) Label() string {
	return string(i.Kind) + ":" + i.Dest
}

// Failure is a resource that could not be planned, such as a skill whose
// base could not be listed.
type Failure struct {
	Kind     Kind
	Label    string
	Location string
	Required bool
	Err      error
}

// Plan is the ordered set of resources an environment needs.
type Plan struct {
	Items []Item
	// Failures are optional resources that could not be expanded. They are
	// reported alongside fetch failures and never stop the run.
	Failures []Failure
}

// Requests converts the plan into batch requests, index for index.
func (p Plan) Requests() []batch.Request {
	reqs := make([]batch.Request, len(p.Items))
	for i, it := range p.Items {
		reqs[i] = batch.Request{Descriptor: it.Descriptor, Required: it.Required, Label: it.Label()}
	}
	return reqs
}

// Planner builds plans. Skill patterns are expanded through the lister.
type Planner struct {
	skills *SkillExpander
}

// NewPlanner creates a planner.
func NewPlanner(skills *SkillExpander) *Planner {
	return &Planner{skills: skills}
}

// Plan lists every resource cfg references. Hook files, the status line
// script and the system prompt are required because settings point at
// them; everything else is optional. Two different locations claiming the
// same destination are returned as config.ValidationErrors.
func (p *Planner) Plan(ctx context.Context, cfg *config.EnvironmentConfig) (Plan, error) {
	var plan Plan
	var collisions config.ValidationErrors
	claimed := map[string]string{}
	seen := map[Item]bool{}
	add := func(kind Kind, location, dest string, required bool, skill string) {
		if location == "" {
			return
		}
		if prev, ok := claimed[dest]; ok && prev != location {
			collisions = append(collisions, config.ValidationError{
				Field:   string(kind),
				Message: fmt.Sprintf("%s and %s are both installed as %s", prev, location, dest),
			})
			return
		}
		claimed[dest] = location
		item := Item{
			Kind:       kind,
			Descriptor: source.DescriptorFor(location),
			Dest:       dest,
			Required:   required,
			Skill:      skill,
		}
		if seen[item] {
			return
		}
		seen[item] = true
		plan.Items = append(plan.Items, item)
	}
	flat := func(kind Kind, location string, required bool) {
		add(kind, location, path.Join(Directories[kind], source.DerivedFilename(location)), required, "")
	}

	for _, ref := range cfg.Agents {
		flat(KindAgent, ref, false)
	}
	for _, ref := range cfg.SlashCommands {
		flat(KindCommand, ref, false)
	}
	for _, ref := range cfg.OutputStyles {
		flat(KindOutputStyle, ref, false)
	}
	for _, ref := range cfg.Hooks.Files {
		flat(KindHook, ref, true)
	}
	if cfg.StatusLine != nil {
		flat(KindStatusLine, cfg.StatusLine.File, true)
	}
	if cfg.CommandDefaults != nil {
		flat(KindPrompt, cfg.CommandDefaults.SystemPrompt, true)
	}

	for _, skill := range cfg.Skills {
		files, err := p.skills.Expand(ctx, skill)
		if err != nil {
			logger.FromContext(ctx).Warn("skill could not be expanded", "skill", skill.Name, "err", err)
			plan.Failures = append(plan.Failures, Failure{
				Kind:     KindSkill,
				Label:    string(KindSkill) + ":" + path.Join(Directories[KindSkill], skill.Name),
				Location: skill.BaseURL,
				Err:      fmt.Errorf("skill %s: %w", skill.Name, err),
			})
			continue
		}
		for _, f := range files {
			add(KindSkill, f.Location, path.Join(Directories[KindSkill], skill.Name, f.Rel), false, skill.Name)
		}
	}

	if len(collisions) > 0 {
		return Plan{}, collisions
	}
	return plan, nil
}

// DestPath returns the absolute destination of dest under root.
func DestPath(root, dest string) string {
	return filepath.Join(root, filepath.FromSlash(dest))
}

func hasMeta(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[{")
}
