package intent

import (
	"sort"
	"strings"
)

// BuildUnavailableNotice returns a user-facing warning naming the
// unavailable domains relevant to this request, or "" when every
// requested domain is healthy.
func BuildUnavailableNotice(requested, unavailable map[string]bool) string {
	if len(unavailable) == 0 {
		return ""
	}

	var relevant []string
	for name := range requested {
		if unavailable[name] {
			relevant = append(relevant, name)
		}
	}
	if len(relevant) == 0 {
		return ""
	}
	sort.Strings(relevant)

	return "Warning: MCP server(s) unavailable for this request: " +
		strings.Join(relevant, ", ") +
		". Please retry after those servers are healthy."
}

// AppendNotice appends the notice to the reply text exactly once.
// Replies already carrying the notice pass through unchanged.
func AppendNotice(text, notice string) string {
	if notice == "" {
		return text
	}
	if strings.Contains(text, notice) {
		return text
	}
	if strings.TrimSpace(text) != "" {
		return strings.TrimRight(text, " \t\r\n") + "\n\n" + notice
	}
	return notice
}
