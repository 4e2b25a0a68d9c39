// Package output renders the end-of-run summary.
package output

import "time"

// Status is the terminal state of one summarized entry.
type Status string

const (
	StatusOK      Status = "ok"
	StatusCached  Status = "cached"
	StatusStale   Status = "stale"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Summary is everything a run reports when it ends.
type Summary struct {
	RunID        string        `json:"run_id"`
	Profile      string        `json:"profile"`
	Source       string        `json:"source"`
	DryRun       bool          `json:"dry_run"`
	ExitCode     int           `json:"exit_code"`
	Duration     time.Duration `json:"duration"`
	ConfigRoot   string        `json:"config_root,omitempty"`
	Resources    []Resource    `json:"resources,omitempty"`
	Integrations []Integration `json:"integrations,omitempty"`
	Settings     []string      `json:"settings,omitempty"`
	Commands     []Command     `json:"commands,omitempty"`
	Warnings     []string      `json:"warnings,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// Resource is one fetched and installed file.
type Resource struct {
	Label    string `json:"label"`
	Location string `json:"location"`
	Status   Status `json:"status"`
	Required bool   `json:"required"`
	Attempts int    `json:"attempts,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Integration is one reconciled server integration.
type Integration struct {
	Name    string `json:"name"`
	Prior   string `json:"prior"`
	Final   string `json:"final"`
	Retired bool   `json:"retired,omitempty"`
	Status  Status `json:"status"`
	Error   string `json:"error,omitempty"`
}

// Command is one dependency or install command.
type Command struct {
	Command  string `json:"command"`
	ExitCode int    `json:"exit_code"`
	Status   Status `json:"status"`
	Error    string `json:"error,omitempty"`
}

// Counts tallies failed entries across sections.
func (s *Summary) Counts() (ok, failed int) {
	for _, r := range s.Resources {
		tally(r.Status, &ok, &failed)
	}
	for _, i := range s.Integrations {
		tally(i.Status, &ok, &failed)
	}
	for _, c := range s.Commands {
		tally(c.Status, &ok, &failed)
	}
	return ok, failed
}

func tally(st Status, ok, failed *int) {
	switch st {
	case StatusFailed:
		*failed++
	case StatusSkipped:
	default:
		*ok++
	}
}
