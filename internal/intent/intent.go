// Package intent routes a user message to the tool domains likely to
// serve it. Routing is keyword-based over a fixed bilingual
// (English/Indonesian) table: cheap, predictable, and independent of
// the model. An empty match means "no signal" and callers should offer
// every domain.
package intent

import (
	"fmt"
	"regexp"
	"strings"
)

// domainKeywords maps each tool domain to the phrases that signal it.
// Single words match on word boundaries; multi-word phrases match as
// substrings.
var domainKeywords = map[string][]string{
	"mail": {
		"gmail",
		"email",
		"mail",
		"inbox",
		"unread",
		"label",
		"subject",
		"kirim email",
		"send email",
		"reply email",
	},
	"calendar": {
		"calendar",
		"agenda",
		"event",
		"meeting",
		"appointment",
		"schedule",
		"jadwal",
		"acara",
		"reminder",
	},
	"contacts": {
		"contacts",
		"contact",
		"kontak",
		"phone number",
		"nomor",
		"address book",
	},
	"drive": {
		"drive",
		"gdrive",
		"google drive",
		"file",
		"folder",
		"upload",
		"download",
		"share file",
		"shared link",
		"permission",
	},
	"maps": {
		"maps",
		"google maps",
		"direction",
		"route",
		"rute",
		"lokasi",
		"location",
		"address",
		"alamat",
		"place",
		"nearby",
		"distance",
		"jarak",
	},
}

// inviteKeywords signal that the user wants someone invited to an event.
var inviteKeywords = []string{"invite", "invitation", "undang", "undangan"}

// wordPatterns caches compiled word-boundary patterns per keyword.
var wordPatterns = buildWordPatterns()

func buildWordPatterns() map[string]*regexp.Regexp {
	patterns := make(map[string]*regexp.Regexp)
	for _, keywords := range domainKeywords {
		for _, kw := range keywords {
			if strings.Contains(kw, " ") {
				continue
			}
			patterns[kw] = regexp.MustCompile(fmt.Sprintf(`\b%s\b`, regexp.QuoteMeta(kw)))
		}
	}
	return patterns
}

// containsKeyword reports whether the lowered text carries the keyword.
// Single words require word boundaries so "mail" does not fire on
// "mailing list archive paths" mid-token; phrases match anywhere.
func containsKeyword(lowered, keyword string) bool {
	if keyword == "" {
		return false
	}
	if strings.Contains(keyword, " ") {
		return strings.Contains(lowered, keyword)
	}
	if p, ok := wordPatterns[keyword]; ok {
		return p.MatchString(lowered)
	}
	return false
}

// InferDomains returns the set of domains the message appears to need.
// Invite intent always pulls in calendar and mail, since delivering an
// invitation touches both.
func InferDomains(text string) map[string]bool {
	lowered := strings.ToLower(text)
	requested := make(map[string]bool)

	for domain, keywords := range domainKeywords {
		for _, kw := range keywords {
			if containsKeyword(lowered, kw) {
				requested[domain] = true
				break
			}
		}
	}

	if HasInviteIntent(text) {
		requested["calendar"] = true
		requested["mail"] = true
	}

	return requested
}

// HasInviteIntent reports whether the message asks to invite someone.
func HasInviteIntent(text string) bool {
	lowered := strings.ToLower(text)
	for _, kw := range inviteKeywords {
		if strings.Contains(lowered, kw) {
			return true
		}
	}
	return false
}

// emailPattern matches bare email addresses in free text.
var emailPattern = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)

// ExtractEmails returns the unique email addresses found in the text,
// in order of first appearance.
func ExtractEmails(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range emailPattern.FindAllString(text, -1) {
		lower := strings.ToLower(m)
		if seen[lower] {
			continue
		}
		seen[lower] = true
		out = append(out, m)
	}
	return out
}
