package install

import (
	"path"
	"path/filepath"
	"strings"

	"github.com/CliForge/envforge/pkg/config"
	"github.com/google/shlex"
)

// Interpreters maps script extensions to the program that runs them.
var Interpreters = map[string]string{
	".py":  "python3",
	".js":  "node",
	".mjs": "node",
	".cjs": "node",
	".sh":  "bash",
	".ts":  "npx tsx",
}

// ScriptCommand returns the command line that runs the script at abs.
func ScriptCommand(abs string) string {
	quoted := quote(abs)
	if interp, ok := Interpreters[strings.ToLower(filepath.Ext(abs))]; ok {
		return interp + " " + quoted
	}
	return quoted
}

// RewriteHookCommand replaces a leading reference to a downloaded hook file
// with an absolute invocation. installed maps file names, as written in
// documents, to absolute paths. Other commands are returned unchanged.
func RewriteHookCommand(command string, installed map[string]string) string {
	parts, err := shlex.Split(command)
	if err != nil || len(parts) == 0 {
		return command
	}

	abs, ok := installed[parts[0]]
	if !ok {
		abs, ok = installed[path.Base(filepath.ToSlash(parts[0]))]
	}
	if !ok {
		return command
	}

	rest := make([]string, 0, len(parts)-1)
	for _, p := range parts[1:] {
		rest = append(rest, quote(p))
	}
	return strings.TrimSpace(ScriptCommand(abs) + " " + strings.Join(rest, " "))
}

// RewriteHookEvents returns a copy of events with commands rewritten.
func RewriteHookEvents(events []config.HookEvent, installed map[string]string) []config.HookEvent {
	out := make([]config.HookEvent, len(events))
	for i, e := range events {
		e.Command = RewriteHookCommand(e.Command, installed)
		if e.Type == "" {
			e.Type = "command"
		}
		out[i] = e
	}
	return out
}

func quote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\"'\\$`") {
		return s
	}
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`, "$", `\$`, "`", "\\`").Replace(s) + `"`
}
