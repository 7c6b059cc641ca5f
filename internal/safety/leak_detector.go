// Package safety finds credentials that a model echoed into its output
// before that output is stored or streamed.
package safety

import (
	"regexp"
)

const redacted = "[REDACTED]"

// LeakWarning describes a detected secret in model output.
type LeakWarning struct {
	Pattern string
	Sample  string // first few chars of the match for logging
}

// LeakDetector scans strings for leaked secrets.
type LeakDetector struct{}

// NewLeakDetector creates a new LeakDetector.
func NewLeakDetector() *LeakDetector {
	return &LeakDetector{}
}

var leakPatterns = []struct {
	re   *regexp.Regexp
	desc string
	// keep is the number of leading submatches preserved on redaction.
	keep int
}{
	{
		re:   regexp.MustCompile(`(?i)(api[_-]?key|apikey)(\s*[:=]\s*"?)([A-Za-z0-9_\-./+=]{16,})`),
		desc: "API key",
		keep: 2,
	},
	{
		re:   regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
		desc: "Bearer token",
		keep: 1,
	},
	{
		re:   regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`),
		desc: "Google API key",
	},
	{
		re:   regexp.MustCompile(`sk-ant-[A-Za-z0-9_\-]{20,}`),
		desc: "Anthropic API key",
	},
	{
		re:   regexp.MustCompile(`sk-(?:proj-)?[A-Za-z0-9]{20,}`),
		desc: "OpenAI API key",
	},
	{
		re:   regexp.MustCompile(`-----BEGIN\s+(?:RSA\s+)?PRIVATE\s+KEY-----`),
		desc: "private key",
	},
	{
		re:   regexp.MustCompile(`(?i)(password|passwd|pwd)(\s*[:=]\s*"?)([^\s"]{8,})`),
		desc: "password",
		keep: 2,
	},
}

// Scan checks text for leaked secrets.
// Returns a list of warnings without modifying the input.
func (d *LeakDetector) Scan(text string) []LeakWarning {
	if text == "" {
		return nil
	}

	var warnings []LeakWarning
	for _, pat := range leakPatterns {
		matches := pat.re.FindAllString(text, 3) // limit to 3 matches per pattern
		for _, match := range matches {
			sample := match
			if len(sample) > 20 {
				sample = sample[:17] + "..."
			}
			warnings = append(warnings, LeakWarning{
				Pattern: pat.desc,
				Sample:  sample,
			})
		}
	}
	return warnings
}

// Redact replaces every detected secret with [REDACTED], keeping key
// names such as "api_key=" so the text still reads.
func (d *LeakDetector) Redact(text string) string {
	if text == "" {
		return text
	}
	for _, pat := range leakPatterns {
		text = pat.re.ReplaceAllStringFunc(text, func(match string) string {
			if pat.keep == 0 {
				return redacted
			}
			sub := pat.re.FindStringSubmatch(match)
			prefix := ""
			for i := 1; i <= pat.keep && i < len(sub); i++ {
				prefix += sub[i]
			}
			return prefix + redacted
		})
	}
	return text
}
