// ABOUTME: Parses explicit [to:agent-id] recipient markers from result text
// ABOUTME: Used to route a finished unit's result to named agents

package protocol

import (
	"regexp"
	"strings"
)

var recipientMarker = regexp.MustCompile(`\[to:([A-Za-z0-9_.\-]+)\]`)

// ParseRecipients returns the distinct agent IDs named by [to:...] markers,
// in order of first appearance.
func ParseRecipients(text string) []string {
	matches := recipientMarker.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(matches))
	var out []string
	for _, m := range matches {
		id := m[1]
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// StripRecipients removes recipient markers and trims surrounding space.
func StripRecipients(text string) string {
	return strings.TrimSpace(recipientMarker.ReplaceAllString(text, ""))
}
