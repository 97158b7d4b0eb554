package sources

import (
	"fmt"
	"regexp"
)

var (
	citeMarker = regexp.MustCompile(`<cite\s+source="(src-\d+)"\s*/>`)

	// Cleanup after marker substitution: a removed or replaced marker must not
	// leave a space before punctuation or doubled spaces behind.
	spaceBeforePunct = regexp.MustCompile(`[ \t]+([.,;:!?)])`)
	doubledSpaces    = regexp.MustCompile(`[ \t]{2,}`)
)

// ResolveCitations replaces every `<cite source="src-N"/>` marker in text
// with a `[Title](URL)` reference from the source table. A marker referencing
// an unknown short id stays in the text verbatim and is reported as a
// warning, never silently dropped.
func (m *Manager) ResolveCitations(text string) (string, []string) {
	var warnings []string

	resolved := citeMarker.ReplaceAllStringFunc(text, func(marker string) string {
		shortID := citeMarker.FindStringSubmatch(marker)[1]
		src, ok := m.Lookup(shortID)
		if !ok {
			warnings = append(warnings, fmt.Sprintf("citation marker references unknown source %q", shortID))
			return marker
		}
		title := src.Title
		if title == "" {
			title = src.Domain
		}
		if title == "" {
			title = src.URL
		}
		return fmt.Sprintf("[%s](%s)", title, src.URL)
	})

	resolved = spaceBeforePunct.ReplaceAllString(resolved, "$1")
	resolved = doubledSpaces.ReplaceAllString(resolved, " ")
	return resolved, warnings
}
