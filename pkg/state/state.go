// Package state persists what envforge manages between runs.
//
// The ledger records, per profile (the environment name), which
// integrations and resources the last successful run installed, so the
// next run can retire integrations that disappeared from the document. It
// also keeps a short history of runs. State is stored as YAML under the XDG
// state directory:
//
//   - Linux: ~/.local/state/envforge/state.yaml
//   - macOS: ~/Library/Application Support/envforge/state.yaml
//   - Windows: %LOCALAPPDATA%\envforge\state.yaml
//
// A run lock next to the ledger keeps concurrent runs from interleaving
// registry and settings mutations.
package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// MaxRuns bounds the run history.
const MaxRuns = 50

// Manager handles loading, saving, and querying the ledger.
type Manager struct {
	fs        afero.Fs
	statePath string
	state     *State
	now       func() time.Time
	deferred  bool
	mu        sync.RWMutex
}

// State is the complete persisted ledger.
type State struct {
	Profiles     map[string]*Profile `yaml:"profiles,omitempty" json:"profiles,omitempty"`
	Runs         []*Run              `yaml:"runs,omitempty" json:"runs,omitempty"`
	LastModified time.Time           `yaml:"last_modified,omitempty" json:"last_modified,omitempty"`
}

// Profile is what the last run of one environment installed.
type Profile struct {
	Name         string    `yaml:"name" json:"name"`
	Source       string    `yaml:"source" json:"source"`
	Integrations []string  `yaml:"integrations,omitempty" json:"integrations,omitempty"`
	Resources    []string  `yaml:"resources,omitempty" json:"resources,omitempty"`
	RunID        string    `yaml:"run_id,omitempty" json:"run_id,omitempty"`
	UpdatedAt    time.Time `yaml:"updated_at" json:"updated_at"`
}

// Run is one provisioning run.
type Run struct {
	ID         string    `yaml:"id" json:"id"`
	Profile    string    `yaml:"profile,omitempty" json:"profile,omitempty"`
	Source     string    `yaml:"source" json:"source"`
	StartedAt  time.Time `yaml:"started_at" json:"started_at"`
	FinishedAt time.Time `yaml:"finished_at,omitempty" json:"finished_at,omitempty"`
	ExitCode   int       `yaml:"exit_code" json:"exit_code"`
	DryRun     bool      `yaml:"dry_run,omitempty" json:"dry_run,omitempty"`
	Fetched    int       `yaml:"fetched" json:"fetched"`
	Failed     int       `yaml:"failed" json:"failed"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithFs sets the filesystem the ledger is stored on.
func WithFs(fs afero.Fs) Option {
	return func(m *Manager) {
		if fs != nil {
			m.fs = fs
		}
	}
}

// WithPath overrides the ledger location.
func WithPath(path string) Option {
	return func(m *Manager) {
		if path != "" {
			m.statePath = path
		}
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithDeferredLoad skips reading the ledger in NewManager. The caller
// loads it with Reload once it holds the run lock.
func WithDeferredLoad() Option {
	return func(m *Manager) {
		m.deferred = true
	}
}

// NewManager creates a manager and loads any existing ledger.
func NewManager(appName string, opts ...Option) (*Manager, error) {
	m := &Manager{
		fs:        afero.NewOsFs(),
		statePath: filepath.Join(xdg.StateHome, appName, "state.yaml"),
		state:     newDefaultState(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.deferred {
		return m, nil
	}
	if err := m.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}
	return m, nil
}

func newDefaultState() *State {
	return &State{Profiles: make(map[string]*Profile)}
}

// Load loads the ledger from disk.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := afero.ReadFile(m.fs, m.statePath)
	if err != nil {
		return err
	}

	state := newDefaultState()
	if err := yaml.Unmarshal(data, state); err != nil {
		return fmt.Errorf("failed to parse state file: %w", err)
	}
	if state.Profiles == nil {
		state.Profiles = make(map[string]*Profile)
	}
	m.state = state
	return nil
}

// Reload rereads the ledger, treating a missing file as empty. Call it
// while holding the run lock.
func (m *Manager) Reload() error {
	err := m.Load()
	if errors.Is(err, os.ErrNotExist) {
		m.mu.Lock()
		m.state = newDefaultState()
		m.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}
	return nil
}

// Save writes the ledger with an atomic rename.
func (m *Manager) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fs.MkdirAll(filepath.Dir(m.statePath), 0o700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	m.state.LastModified = m.now()
	data, err := yaml.Marshal(m.state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tmpPath := m.statePath + ".tmp"
	if err := afero.WriteFile(m.fs, tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := m.fs.Rename(tmpPath, m.statePath); err != nil {
		_ = m.fs.Remove(tmpPath)
		return fmt.Errorf("failed to save state file: %w", err)
	}
	return nil
}

// Path returns the ledger location.
func (m *Manager) Path() string {
	return m.statePath
}

// Profile returns a copy of the named profile.
func (m *Manager) Profile(name string) (Profile, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.state.Profiles[name]
	if !ok {
		return Profile{}, false
	}
	return *p, true
}

// Retired returns integrations the profile managed before that are absent
// from current.
func (m *Manager) Retired(profile string, current []string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.state.Profiles[profile]
	if !ok {
		return nil
	}
	keep := make(map[string]bool, len(current))
	for _, n := range current {
		keep[n] = true
	}
	var retired []string
	for _, n := range p.Integrations {
		if !keep[n] {
			retired = append(retired, n)
		}
	}
	sort.Strings(retired)
	return retired
}

// Record replaces what profile manages.
func (m *Manager) Record(p Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p.Integrations = sortedCopy(p.Integrations)
	p.Resources = sortedCopy(p.Resources)
	p.UpdatedAt = m.now()
	m.state.Profiles[p.Name] = &p
}

// AddRun appends a run, dropping the oldest beyond MaxRuns.
func (m *Manager) AddRun(run Run) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if run.FinishedAt.IsZero() {
		run.FinishedAt = m.now()
	}
	m.state.Runs = append(m.state.Runs, &run)
	if over := len(m.state.Runs) - MaxRuns; over > 0 {
		m.state.Runs = m.state.Runs[over:]
	}
}

// Runs returns the run history, oldest first.
func (m *Manager) Runs() []Run {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Run, len(m.state.Runs))
	for i, r := range m.state.Runs {
		out[i] = *r
	}
	return out
}

func sortedCopy(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
