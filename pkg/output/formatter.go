package output

import (
	"fmt"
	"io"
	"strings"
)

// Formatter writes a summary in one format.
type Formatter interface {
	// Format writes the summary to w.
	Format(w io.Writer, s *Summary, config *FormatConfig) error

	// Name returns the name of the formatter (e.g., "json", "table").
	Name() string
}

// FormatConfig contains configuration options for formatting output.
type FormatConfig struct {
	// Pretty enables indentation for JSON.
	Pretty bool

	// Colors enables colored output
	Colors bool

	// MaxWidth truncates long table cells.
	MaxWidth int
}

// NewFormatConfig creates a new FormatConfig with sensible defaults.
func NewFormatConfig() *FormatConfig {
	return &FormatConfig{
		Pretty:   true,
		Colors:   true,
		MaxWidth: 80,
	}
}

// WithColors sets the colors option.
func (c *FormatConfig) WithColors(colors bool) *FormatConfig {
	c.Colors = colors
	return c
}

// For returns the formatter registered under name.
func For(name string) (Formatter, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "table":
		return NewTableFormatter(), nil
	case "json":
		return NewJSONFormatter(), nil
	default:
		return nil, fmt.Errorf("unknown output format %q", name)
	}
}
