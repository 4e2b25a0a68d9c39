package output

import (
	"encoding/json"
	"fmt"
	"io"
)

// JSONFormatter formats output as JSON with optional pretty printing.
type JSONFormatter struct {
	indent string
}

// NewJSONFormatter creates a new JSON formatter.
func NewJSONFormatter() *JSONFormatter {
	return &JSONFormatter{
		indent: "  ",
	}
}

// Name returns the formatter name.
func (f *JSONFormatter) Name() string {
	return "json"
}

// Format writes the summary as one JSON document.
func (f *JSONFormatter) Format(w io.Writer, s *Summary, config *FormatConfig) error {
	if config == nil {
		config = NewFormatConfig()
	}

	enc := json.NewEncoder(w)
	if config.Pretty {
		enc.SetIndent("", f.indent)
	}
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return nil
}
