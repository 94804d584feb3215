package intent

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const mailDoc = `# Mail Provider

## Purpose

Send and search email on the user's behalf.

## Tool Catalog

- ` + "`send_email`" + ` sends a plain message
- ` + "`search_email`" + ` searches the mailbox

## Constraints

- Attachments are not supported
- Search is limited to the inbox
- A third note that should be dropped
`

func writeDoc(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestPolicyCatalogContext(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "mail.md", mailDoc)

	catalog := NewPolicyCatalog(dir)
	got := catalog.Context(map[string]bool{"mail": true})

	if !strings.HasPrefix(got, "Provider policy summary") {
		t.Fatalf("missing header: %q", got)
	}
	for _, want := range []string{
		"mail: purpose=Send and search email",
		"send_email",
		"search_email",
		"Attachments are not supported",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("missing %q in %q", want, got)
		}
	}
	if strings.Contains(got, "third note") {
		t.Errorf("notes not capped at two: %q", got)
	}
}

func TestPolicyCatalogUnknownDomain(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "mail.md", mailDoc)

	catalog := NewPolicyCatalog(dir)
	if got := catalog.Context(map[string]bool{"maps": true}); got != "" {
		t.Errorf("got %q", got)
	}
}

func TestPolicyCatalogMissingDirectory(t *testing.T) {
	catalog := NewPolicyCatalog(filepath.Join(t.TempDir(), "nope"))
	if got := catalog.Context(map[string]bool{"mail": true}); got != "" {
		t.Errorf("got %q", got)
	}
}

func TestPolicyCatalogNoDomains(t *testing.T) {
	catalog := NewPolicyCatalog(t.TempDir())
	if got := catalog.Context(nil); got != "" {
		t.Errorf("got %q", got)
	}
}
