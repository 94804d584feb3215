package chat

import (
	"strings"

	"github.com/oslund/steward/internal/result"
)

// shareToolNames are the drive tools whose successful output carries
// shareable URLs worth echoing in the final answer.
var shareToolNames = map[string]bool{
	"create_drive_shared_link_to_user": true,
	"create_drive_public_link":         true,
}

// AppendShareLinks appends a "Shared URL(s):" block listing the share
// URLs the answer does not already contain. URLs already present in the
// text are never duplicated, so the operation is idempotent.
func AppendShareLinks(text string, shareURLs []string) string {
	if len(shareURLs) == 0 {
		return text
	}

	existing := make(map[string]bool)
	for _, u := range result.ExtractURLs(text) {
		existing[u] = true
	}

	var missing []string
	for _, u := range shareURLs {
		if !existing[u] {
			missing = append(missing, u)
		}
	}
	if len(missing) == 0 {
		return text
	}

	var block strings.Builder
	block.WriteString("Shared URL(s):")
	for _, u := range missing {
		block.WriteString("\n- ")
		block.WriteString(u)
	}

	if strings.TrimSpace(text) != "" {
		return strings.TrimRight(text, " \t\r\n") + "\n\n" + block.String()
	}
	return block.String()
}
