// Package secrets masks credentials before they reach logs, summaries or
// debug output.
package secrets

import (
	"crypto/sha256"
	"encoding/hex"
)

// Style selects how a value is masked.
type Style string

const (
	StylePartial Style = "partial"
	StyleFull    Style = "full"
	StyleHash    Style = "hash"
)

// Masking configures MaskValue.
type Masking struct {
	Style            Style
	PartialShowChars int
	Replacement      string
}

// DefaultMasking shows the first four characters, enough to tell a
// ghp_ token from a glpat- one.
var DefaultMasking = Masking{Style: StylePartial, PartialShowChars: 4, Replacement: "***"}

// MaskValue masks a sensitive value using the configured style.
func MaskValue(value string, m Masking) string {
	switch m.Style {
	case StyleFull:
		return fullMask(m.Replacement)
	case StyleHash:
		return hashMask(value)
	default:
		return partialMask(value, m.PartialShowChars, m.Replacement)
	}
}

// Mask applies DefaultMasking.
func Mask(value string) string {
	return MaskValue(value, DefaultMasking)
}

func fullMask(replacement string) string {
	if replacement == "" {
		return "***"
	}
	return replacement
}

// partialMask shows the first N characters and masks the rest. Values no
// longer than twice N are masked entirely.
func partialMask(value string, showChars int, replacement string) string {
	if replacement == "" {
		replacement = "***"
	}
	if showChars < 0 {
		showChars = 0
	}
	if len(value) <= showChars*2 {
		return replacement
	}
	return value[:showChars] + replacement
}

// hashMask creates a SHA256 prefix of the value for correlating logs.
func hashMask(value string) string {
	hash := sha256.Sum256([]byte(value))
	return "sha256:" + hex.EncodeToString(hash[:])[:16]
}
