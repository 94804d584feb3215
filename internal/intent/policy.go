package intent

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// noteSections are the heading names whose bullet points become
// constraint notes in the policy summary.
var noteSections = map[string]bool{
	"important limitations for calling agents": true,
	"constraints":                              true,
	"constraints and limits":                   true,
	"reliability notes for calling agents":     true,
}

// PolicyCatalog holds one summarized policy line per domain, extracted
// from the per-domain markdown docs. Loading happens once; the catalog
// is immutable afterwards.
type PolicyCatalog struct {
	once     sync.Once
	dir      string
	policies map[string]string
}

// NewPolicyCatalog creates a catalog backed by dir. Files are read
// lazily on first use.
func NewPolicyCatalog(dir string) *PolicyCatalog {
	return &PolicyCatalog{dir: dir}
}

// load reads every .md file in the docs directory; the file stem is
// the domain name. Missing directories yield an empty catalog.
func (c *PolicyCatalog) load() {
	c.policies = make(map[string]string)
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		body, err := os.ReadFile(filepath.Join(c.dir, entry.Name()))
		if err != nil {
			continue
		}
		domain := strings.TrimSuffix(entry.Name(), ".md")
		c.policies[domain] = extractPolicy(domain, body)
	}
}

// Context builds the policy summary block for the given domains, or ""
// when nothing applies.
func (c *PolicyCatalog) Context(domains map[string]bool) string {
	if len(domains) == 0 {
		return ""
	}
	c.once.Do(c.load)

	names := make([]string, 0, len(domains))
	for d := range domains {
		names = append(names, d)
	}
	sort.Strings(names)

	var lines []string
	for _, name := range names {
		if policy, ok := c.policies[name]; ok {
			lines = append(lines, "- "+policy)
		}
	}
	if len(lines) == 0 {
		return ""
	}
	return "Provider policy summary (derived from provider docs):\n" + strings.Join(lines, "\n")
}

// extractPolicy reduces a provider doc to a one-line summary: the
// first paragraph under "## Purpose", the tool names from "## Tool
// Catalog", and up to two constraint notes.
func extractPolicy(domain string, body []byte) string {
	md := goldmark.New()
	doc := md.Parser().Parse(text.NewReader(body))

	var (
		section string
		purpose string
		tools   []string
		notes   []string
	)

	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		switch node := n.(type) {
		case *ast.Heading:
			if node.Level == 2 {
				section = strings.ToLower(strings.TrimSpace(string(node.Text(body))))
			}
		case *ast.Paragraph:
			if section == "purpose" && purpose == "" {
				purpose = strings.TrimSpace(string(node.Text(body)))
			}
		case *ast.List:
			for item := node.FirstChild(); item != nil; item = item.NextSibling() {
				switch {
				case section == "tool catalog":
					if name := firstCodeSpan(item, body); name != "" {
						tools = append(tools, name)
					}
				case noteSections[section]:
					if note := strings.TrimSpace(string(item.Text(body))); note != "" {
						notes = append(notes, note)
					}
				}
			}
		}
	}

	toolPreview := "no tools listed"
	if len(tools) > 0 {
		if len(tools) > 12 {
			tools = tools[:12]
		}
		toolPreview = strings.Join(tools, ", ")
	}
	notePreview := "no additional constraints"
	if len(notes) > 0 {
		if len(notes) > 2 {
			notes = notes[:2]
		}
		notePreview = strings.Join(notes, "; ")
	}
	if purpose == "" {
		purpose = "no purpose section"
	}

	return fmt.Sprintf("%s: purpose=%s; tools=%s; notes=%s", domain, purpose, toolPreview, notePreview)
}

// firstCodeSpan returns the text of the first code span under n, or "".
func firstCodeSpan(n ast.Node, source []byte) string {
	var found string
	_ = ast.Walk(n, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if cs, ok := node.(*ast.CodeSpan); ok {
			found = strings.TrimSpace(string(cs.Text(source)))
			return ast.WalkStop, nil
		}
		return ast.WalkContinue, nil
	})
	return found
}
