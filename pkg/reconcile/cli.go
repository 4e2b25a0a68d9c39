package reconcile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/CliForge/envforge/pkg/config"
	"github.com/CliForge/envforge/pkg/runner"
	"github.com/google/shlex"
	"github.com/spf13/afero"
	"github.com/tidwall/gjson"
)

// DefaultBinary is the assistant CLI that owns the registrations.
const DefaultBinary = "claude"

// CLIRegistry reads registrations from the assistant CLI's JSON stores and
// mutates them through `claude mcp add|remove`.
type CLIRegistry struct {
	runner     runner.Runner
	fs         afero.Fs
	binary     string
	homeDir    string
	projectDir string
}

// CLIOption configures a CLIRegistry.
type CLIOption func(*CLIRegistry)

// WithFs sets the filesystem the JSON stores are read from.
func WithFs(fs afero.Fs) CLIOption {
	return func(c *CLIRegistry) {
		if fs != nil {
			c.fs = fs
		}
	}
}

// WithBinary overrides the assistant CLI executable.
func WithBinary(name string) CLIOption {
	return func(c *CLIRegistry) {
		if name != "" {
			c.binary = name
		}
	}
}

// WithHomeDir sets the directory holding the user store.
func WithHomeDir(dir string) CLIOption {
	return func(c *CLIRegistry) {
		c.homeDir = dir
	}
}

// WithProjectDir sets the project the project and local scopes refer to.
func WithProjectDir(dir string) CLIOption {
	return func(c *CLIRegistry) {
		c.projectDir = dir
	}
}

// NewCLIRegistry creates a registry driving the assistant CLI through r.
func NewCLIRegistry(r runner.Runner, opts ...CLIOption) *CLIRegistry {
	c := &CLIRegistry{
		runner: r,
		fs:     afero.NewOsFs(),
		binary: DefaultBinary,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.homeDir == "" {
		c.homeDir, _ = os.UserHomeDir()
	}
	if c.projectDir == "" {
		c.projectDir, _ = os.Getwd()
	}
	return c
}

// UserStore is the file holding user and local registrations.
func (c *CLIRegistry) UserStore() string {
	return filepath.Join(c.homeDir, ".claude.json")
}

// ProjectStore is the file holding project registrations.
func (c *CLIRegistry) ProjectStore() string {
	return filepath.Join(c.projectDir, ".mcp.json")
}

// List reads every scope. Missing stores are empty.
func (c *CLIRegistry) List(_ context.Context) (Registrations, error) {
	regs := Registrations{}

	user, err := c.readStore(c.UserStore())
	if err != nil {
		return nil, err
	}
	if user != nil {
		addKeys(regs, config.ScopeUser, gjson.GetBytes(user, "mcpServers"))
		addKeys(regs, config.ScopeLocal, gjson.GetBytes(user, "projects."+escapePath(c.projectDir)+".mcpServers"))
	}

	project, err := c.readStore(c.ProjectStore())
	if err != nil {
		return nil, err
	}
	if project != nil {
		addKeys(regs, config.ScopeProject, gjson.GetBytes(project, "mcpServers"))
	}
	return regs, nil
}

// Register adds in to scope.
func (c *CLIRegistry) Register(ctx context.Context, scope config.Scope, in config.Integration) error {
	args, err := AddArgs(scope, in)
	if err != nil {
		return err
	}
	_, err = c.run(ctx, args)
	return err
}

// Remove deletes name from scope. A "not found" answer from the CLI is
// reported as ErrNotRegistered.
func (c *CLIRegistry) Remove(ctx context.Context, scope config.Scope, name string) error {
	out, err := c.run(ctx, []string{"mcp", "remove", name, "--scope", string(scope)})
	if err == nil {
		return nil
	}
	if isNotFound(out.Combined()) || isNotFound(err.Error()) {
		return fmt.Errorf("%s in %s scope: %w", name, scope, ErrNotRegistered)
	}
	return err
}

func (c *CLIRegistry) run(ctx context.Context, args []string) (*runner.Output, error) {
	in := runner.Input{Command: c.binary, Args: args, Dir: c.projectDir}
	out, err := c.runner.Run(ctx, in)
	if out == nil {
		out = &runner.Output{}
	}
	return out, err
}

func (c *CLIRegistry) readStore(path string) ([]byte, error) {
	data, err := afero.ReadFile(c.fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("read %s: invalid JSON", path)
	}
	return data, nil
}

// AddArgs builds the `mcp add` arguments for in. Positional arguments come
// before options because the CLI's repeatable options are variadic.
func AddArgs(scope config.Scope, in config.Integration) ([]string, error) {
	args := []string{"mcp", "add", in.Name}

	var command []string
	switch in.Transport {
	case config.TransportHTTP, config.TransportSSE:
		args = append(args, in.URL)
	default:
		parts, err := parseCommand(in.Command)
		if err != nil {
			return nil, fmt.Errorf("integration %s: %w", in.Name, err)
		}
		command = append(parts, in.Args...)
	}

	transport := in.Transport
	if transport == "" {
		transport = config.TransportStdio
	}
	args = append(args, "--scope", string(scope), "--transport", string(transport))

	for _, k := range sortedKeys(in.Env) {
		args = append(args, "-e", k+"="+in.Env[k])
	}
	for _, k := range sortedKeys(in.Headers) {
		args = append(args, "-H", k+": "+in.Headers[k])
	}

	if len(command) > 0 {
		args = append(args, "--")
		args = append(args, command...)
	}
	return args, nil
}

// parseCommand splits a stdio command line with shell quoting rules.
func parseCommand(command string) ([]string, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return nil, fmt.Errorf("command cannot be empty")
	}
	if strings.ContainsAny(command, "\r\n") {
		return nil, fmt.Errorf("command cannot contain newlines")
	}
	parts, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("failed to parse command: %w", err)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("command cannot be empty after parsing")
	}
	if strings.HasPrefix(parts[0], "-") {
		return nil, fmt.Errorf("command name cannot start with dash")
	}
	return parts, nil
}

func addKeys(regs Registrations, scope config.Scope, servers gjson.Result) {
	if !servers.IsObject() {
		return
	}
	servers.ForEach(func(key, _ gjson.Result) bool {
		regs.Add(scope, key.String())
		return true
	})
}

// escapePath escapes gjson path metacharacters in a literal key.
func escapePath(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch r {
		case '.', '*', '?', '|', '#', '@', '\\', '!', '=', '<', '>', '%':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isNotFound(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "not found") || strings.Contains(msg, "no mcp server") || strings.Contains(msg, "does not exist")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
