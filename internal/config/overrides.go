package config

import (
	"strings"
	"unicode"
)

// ConcurrencyOverrideEnv names the environment variable that overrides a
// stage's max_concurrency, e.g. CONVEYOR_RESEARCH_MAX_CONCURRENCY.
func ConcurrencyOverrideEnv(prefix, stage string) string {
	var b strings.Builder
	if prefix = strings.Trim(strings.ToUpper(strings.TrimSpace(prefix)), "_"); prefix != "" {
		b.WriteString(prefix)
		b.WriteByte('_')
	}
	for _, r := range strings.TrimSpace(stage) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
			continue
		}
		b.WriteByte('_')
	}
	b.WriteString("_MAX_CONCURRENCY")
	return b.String()
}
