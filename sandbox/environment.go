package sandbox

import (
	"fmt"
	"strings"

	"github.com/openpanda/framebox/frame"
)

// Credential-like environment keys are removed wholesale before a worker is
// spawned. Suffix and prefix matching is deliberately broad: a false
// positive costs a worker nothing, a false negative leaks a secret.
var (
	scrubbedSuffixes = []string{
		"_API_KEY",
		"_TOKEN",
		"_SECRET",
		"_PASSWORD",
		"_CREDENTIALS",
	}

	scrubbedPrefixes = []string{
		"AWS_",
		"AZURE_",
		"GOOGLE_",
		"OPENAI_",
		"ANTHROPIC_",
		"MISTRAL_",
	}

	scrubbedExact = map[string]bool{
		"HTTP_PROXY":  true,
		"HTTPS_PROXY": true,
		"ALL_PROXY":   true,
		"NO_PROXY":    true,
	}
)

// MarshalFrame produces the serialized dataset snapshot for one execution.
// The caller's frame is only read, never mutated; the snapshot is an
// independent copy by construction.
func MarshalFrame(f *frame.Frame) ([]byte, error) {
	if f == nil {
		return nil, fmt.Errorf("nil frame")
	}
	data, err := f.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("serializing frame: %w", err)
	}
	return data, nil
}

// ScrubEnviron returns a copy of the given environment with credentials and
// proxy configuration removed, and HOME/TMPDIR pinned to the execution's
// scratch directory. Even if a script somehow reached environment
// inspection inside the boundary, nothing sensitive would be there.
func ScrubEnviron(environ []string, scratchDir string) []string {
	out := make([]string, 0, len(environ)+2)
	for _, entry := range environ {
		key, _, found := strings.Cut(entry, "=")
		if !found {
			continue
		}
		if isScrubbedKey(key) {
			continue
		}
		if key == "HOME" || key == "TMPDIR" {
			continue
		}
		out = append(out, entry)
	}
	out = append(out, "HOME="+scratchDir, "TMPDIR="+scratchDir)
	return out
}

func isScrubbedKey(key string) bool {
	upper := strings.ToUpper(key)
	if scrubbedExact[upper] {
		return true
	}
	for _, suffix := range scrubbedSuffixes {
		if strings.HasSuffix(upper, suffix) {
			return true
		}
	}
	for _, prefix := range scrubbedPrefixes {
		if strings.HasPrefix(upper, prefix) {
			return true
		}
	}
	return false
}
