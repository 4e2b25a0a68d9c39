package output

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/pterm/pterm"
)

// TableFormatter renders each summary section as a pterm table.
type TableFormatter struct{}

// NewTableFormatter creates a new table formatter.
func NewTableFormatter() *TableFormatter {
	return &TableFormatter{}
}

// Name returns the formatter name.
func (f *TableFormatter) Name() string {
	return "table"
}

// Format writes the summary tables followed by a one-line verdict.
func (f *TableFormatter) Format(w io.Writer, s *Summary, config *FormatConfig) error {
	if config == nil {
		config = NewFormatConfig()
	}
	if s == nil {
		return fmt.Errorf("cannot format nil summary")
	}

	if !config.Colors {
		pterm.DisableColor()
		defer pterm.EnableColor()
	}

	header := fmt.Sprintf("%s (run %s)", s.Profile, s.RunID)
	if s.DryRun {
		header += " [dry run]"
	}
	if _, err := fmt.Fprintln(w, pterm.DefaultSection.Sprint(header)); err != nil {
		return err
	}

	if len(s.Resources) > 0 {
		rows := [][]string{{"RESOURCE", "STATUS", "ATTEMPTS", "DETAIL"}}
		for _, r := range s.Resources {
			label := r.Label
			if r.Required {
				label += " *"
			}
			rows = append(rows, []string{label, f.status(r.Status), strconv.Itoa(r.Attempts), f.truncate(r.Error, config)})
		}
		if err := f.table(w, rows, config); err != nil {
			return err
		}
	}

	if len(s.Integrations) > 0 {
		rows := [][]string{{"INTEGRATION", "BEFORE", "AFTER", "STATUS", "DETAIL"}}
		for _, i := range s.Integrations {
			name := i.Name
			if i.Retired {
				name += " (retired)"
			}
			rows = append(rows, []string{name, i.Prior, i.Final, f.status(i.Status), f.truncate(i.Error, config)})
		}
		if err := f.table(w, rows, config); err != nil {
			return err
		}
	}

	if len(s.Commands) > 0 {
		rows := [][]string{{"COMMAND", "EXIT", "STATUS", "DETAIL"}}
		for _, c := range s.Commands {
			rows = append(rows, []string{f.truncate(c.Command, config), strconv.Itoa(c.ExitCode), f.status(c.Status), f.truncate(c.Error, config)})
		}
		if err := f.table(w, rows, config); err != nil {
			return err
		}
	}

	if len(s.Settings) > 0 {
		if _, err := fmt.Fprintf(w, "settings updated: %v\n", s.Settings); err != nil {
			return err
		}
	}
	for _, warning := range s.Warnings {
		if _, err := fmt.Fprintln(w, pterm.Warning.Sprint(warning)); err != nil {
			return err
		}
	}

	_, err := fmt.Fprintln(w, f.verdict(s))
	return err
}

func (f *TableFormatter) table(w io.Writer, rows [][]string, config *FormatConfig) error {
	table := pterm.DefaultTable.WithHasHeader(true)
	if config.Colors {
		table = table.WithHeaderStyle(pterm.NewStyle(pterm.FgLightCyan, pterm.Bold))
	}

	rendered, err := table.WithData(rows).Srender()
	if err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}
	_, err = fmt.Fprintln(w, rendered)
	return err
}

func (f *TableFormatter) verdict(s *Summary) string {
	ok, failed := s.Counts()
	switch {
	case s.Error != "":
		return pterm.Error.Sprint(s.Error)
	case failed > 0:
		return pterm.Warning.Sprintf("completed with %d failure(s), %d ok in %s", failed, ok, s.Duration.Round(time.Millisecond))
	default:
		return pterm.Success.Sprintf("environment %s ready, %d ok in %s", s.Profile, ok, s.Duration.Round(time.Millisecond))
	}
}

func (f *TableFormatter) status(st Status) string {
	switch st {
	case StatusFailed:
		return pterm.Red(string(st))
	case StatusStale, StatusSkipped:
		return pterm.Yellow(string(st))
	default:
		return pterm.Green(string(st))
	}
}

func (f *TableFormatter) truncate(s string, config *FormatConfig) string {
	if config.MaxWidth > 3 && len(s) > config.MaxWidth {
		return s[:config.MaxWidth-3] + "..."
	}
	return s
}
