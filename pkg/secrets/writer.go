package secrets

import (
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

// MaskingWriter wraps an io.Writer and masks secrets before writing.
type MaskingWriter struct {
	detector *Detector
	delegate io.Writer
}

// NewMaskingWriter creates a writer masking everything written through it.
func NewMaskingWriter(detector *Detector, delegate io.Writer) *MaskingWriter {
	return &MaskingWriter{detector: detector, delegate: delegate}
}

// Write implements io.Writer, masking secrets before writing to the delegate.
func (w *MaskingWriter) Write(p []byte) (n int, err error) {
	masked := w.detector.MaskString(string(p))
	if _, err := w.delegate.Write([]byte(masked)); err != nil {
		return 0, err
	}
	// Report the original length to keep the io.Writer contract.
	return len(p), nil
}

// LogFunc receives one structured debug line.
type LogFunc func(msg string, keyvals ...any)

// Transport logs each request and response with secret headers and URLs
// masked.
type Transport struct {
	detector *Detector
	next     http.RoundTripper
	log      LogFunc
}

// NewTransport wraps next. A nil next uses http.DefaultTransport.
func NewTransport(detector *Detector, next http.RoundTripper, log LogFunc) *Transport {
	if next == nil {
		next = http.DefaultTransport
	}
	return &Transport{detector: detector, next: next, log: log}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.next.RoundTrip(req)
	if t.log == nil {
		return resp, err
	}

	fields := []any{
		"method", req.Method,
		"url", t.detector.MaskString(req.URL.String()),
		"headers", formatHeaders(t.detector.MaskHeaders(req.Header)),
		"duration", time.Since(start).Round(time.Millisecond),
	}
	if err != nil {
		t.log("http request failed", append(fields, "error", t.detector.MaskString(err.Error()))...)
		return resp, err
	}
	t.log("http request", append(fields, "status", resp.StatusCode)...)
	return resp, nil
}

func formatHeaders(headers map[string][]string) string {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+strings.Join(headers[k], ","))
	}
	return strings.Join(parts, " ")
}
