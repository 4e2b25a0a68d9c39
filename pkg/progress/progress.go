// Package progress reports long-running phases on the terminal.
package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/briandowns/spinner"
	"github.com/pterm/pterm"
)

// Progress is the interface for all progress indicators.
type Progress interface {
	// Start starts the progress indicator with a message.
	Start(message string) error

	// Update replaces the message.
	Update(message string) error

	// Success marks the progress as successful.
	Success(message string) error

	// Failure marks the progress as failed.
	Failure(message string) error

	// Stop stops the progress indicator without a final message.
	Stop() error

	// IsActive returns true if the progress indicator is active.
	IsActive() bool
}

// Config controls progress output.
type Config struct {
	// Enabled turns the indicator on. Disabled indicators accept every call.
	Enabled bool
	// Writer receives the spinner frames, os.Stderr by default.
	Writer io.Writer
	// Interval between frames.
	Interval time.Duration
}

// DefaultConfig returns an enabled configuration writing to stderr.
func DefaultConfig() *Config {
	return &Config{Enabled: true, Writer: os.Stderr, Interval: 100 * time.Millisecond}
}

// New returns a Spinner, or a Noop when cfg is disabled.
func New(cfg *Config) Progress {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if !cfg.Enabled {
		return Noop{}
	}
	return NewSpinner(cfg)
}

// Spinner implements a spinner progress indicator.
type Spinner struct {
	spinner *spinner.Spinner
	config  *Config
	active  bool
	mu      sync.Mutex
}

// NewSpinner creates a new spinner progress indicator.
func NewSpinner(config *Config) *Spinner {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Writer == nil {
		config.Writer = os.Stderr
	}
	if config.Interval <= 0 {
		config.Interval = 100 * time.Millisecond
	}

	return &Spinner{
		config:  config,
		spinner: spinner.New(spinner.CharSets[14], config.Interval, spinner.WithWriter(config.Writer)),
	}
}

// Start starts the spinner with a message.
func (s *Spinner) Start(message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.config.Enabled {
		return nil
	}
	if s.active {
		return fmt.Errorf("spinner already active")
	}

	s.spinner.Suffix = " " + message
	s.spinner.Start()
	s.active = true
	return nil
}

// Update updates the spinner message.
func (s *Spinner) Update(message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active {
		return nil
	}
	s.spinner.Lock()
	s.spinner.Suffix = " " + message
	s.spinner.Unlock()
	return nil
}

// Success stops the spinner and prints a success line.
func (s *Spinner) Success(message string) error {
	return s.finish(pterm.Success.Sprint(message))
}

// Failure stops the spinner and prints an error line.
func (s *Spinner) Failure(message string) error {
	return s.finish(pterm.Error.Sprint(message))
}

func (s *Spinner) finish(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active {
		return nil
	}
	s.spinner.FinalMSG = line + "\n"
	s.spinner.Stop()
	s.active = false
	return nil
}

// Stop stops the spinner.
func (s *Spinner) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active {
		return nil
	}
	s.spinner.FinalMSG = ""
	s.spinner.Stop()
	s.active = false
	return nil
}

// IsActive returns true if the spinner is active.
func (s *Spinner) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Noop discards everything.
type Noop struct{}

func (Noop) Start(string) error   { return nil }
func (Noop) Update(string) error  { return nil }
func (Noop) Success(string) error { return nil }
func (Noop) Failure(string) error { return nil }
func (Noop) Stop() error          { return nil }
func (Noop) IsActive() bool       { return false }
