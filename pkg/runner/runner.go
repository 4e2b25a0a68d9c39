// Package runner executes external commands: dependency installers, the base
// tool installer and the assistant CLI.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// Input describes one command invocation.
type Input struct {
	Command string
	Args    []string
	Env     map[string]string
	Dir     string
	Stdin   string
}

// String renders the invocation for logs.
func (in Input) String() string {
	return strings.TrimSpace(in.Command + " " + strings.Join(in.Args, " "))
}

// Output is the captured result of a finished command.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Combined returns stdout followed by stderr.
func (o *Output) Combined() string {
	if o == nil {
		return ""
	}
	return strings.TrimSpace(o.Stdout + "\n" + o.Stderr)
}

// ExitError reports a command that ran but exited non-zero.
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Command, e.ExitCode)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + firstLine(s)
	}
	return msg
}

// Runner runs commands.
type Runner interface {
	Run(ctx context.Context, in Input) (*Output, error)
}

// Func adapts a function to the Runner interface.
type Func func(ctx context.Context, in Input) (*Output, error)

// Run calls f.
func (f Func) Run(ctx context.Context, in Input) (*Output, error) {
	return f(ctx, in)
}

// ExecRunner runs commands as child processes.
type ExecRunner struct {
	allowedCommands map[string]bool
}

// NewExecRunner creates a runner. A non-empty allow list restricts which
// executables may be started.
func NewExecRunner(allowedCommands ...string) *ExecRunner {
	allowed := make(map[string]bool)
	for _, cmd := range allowedCommands {
		allowed[cmd] = true
	}
	return &ExecRunner{allowedCommands: allowed}
}

// Run executes in and waits for it. A non-zero exit is returned as
// *ExitError together with the captured output.
func (r *ExecRunner) Run(ctx context.Context, in Input) (*Output, error) {
	if in.Command == "" {
		return nil, fmt.Errorf("command is required")
	}

	if len(r.allowedCommands) > 0 {
		cmdBase := filepath.Base(in.Command)
		if !r.allowedCommands[cmdBase] && !r.allowedCommands[in.Command] {
			return nil, fmt.Errorf("command '%s' is not in the allowed list", in.Command)
		}
	}

	for _, arg := range in.Args {
		if strings.Contains(arg, "\x00") {
			return nil, fmt.Errorf("argument contains null byte")
		}
	}

	startTime := time.Now()
	cmd := exec.CommandContext(ctx, in.Command, in.Args...)

	if in.Stdin != "" {
		cmd.Stdin = strings.NewReader(in.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if len(in.Env) > 0 {
		env := os.Environ()
		for k, v := range in.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}

	if in.Dir != "" {
		if info, err := os.Stat(in.Dir); err != nil || !info.IsDir() {
			return nil, fmt.Errorf("invalid working directory: %s", in.Dir)
		}
		cmd.Dir = in.Dir
	}

	err := cmd.Run()
	out := &Output{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(startTime),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			out.ExitCode = exitErr.ExitCode()
			return out, &ExitError{Command: in.String(), ExitCode: out.ExitCode, Stderr: out.Stderr}
		}
		out.ExitCode = -1
		return out, fmt.Errorf("run %s: %w", in.Command, err)
	}
	return out, nil
}

// Shell wraps a command line for the platform shell: `sh -c` on Unix and
// `cmd /C` on Windows.
func Shell(line string) Input {
	return shellFor(runtime.GOOS, line)
}

func shellFor(goos, line string) Input {
	if goos == "windows" {
		return Input{Command: "cmd", Args: []string{"/C", line}}
	}
	return Input{Command: "sh", Args: []string{"-c", line}}
}

// ShellCommand is the executable Shell runs lines with.
func ShellCommand() string {
	return Shell("").Command
}

// LookPath reports whether name resolves to an executable on PATH.
var LookPath = exec.LookPath

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
