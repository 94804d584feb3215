// Package result normalizes raw tool output into a uniform contract
// before it reaches the model. Providers return anything from plain
// prose to structured JSON to error strings; the contract gives the
// conversation loop one shape to reason about.
package result

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// MaxModelContentChars bounds how much tool output is echoed back into
// the model context.
const MaxModelContentChars = 5000

// truncationMarker is appended when tool output is cut for the model.
const truncationMarker = "\n\n[Truncated for model context]"

// Contract is the normalized outcome of one tool execution. Success
// and ErrorMessage are mutually consistent: a failed contract always
// carries an error code, a successful one never carries a message.
type Contract struct {
	ToolName     string
	Domain       string
	Success      bool
	ErrorCode    string
	ErrorMessage string
	Data         any
	RawText      string
}

// errorPrefixes mark plain-text tool replies that are errors in disguise.
var errorPrefixes = []string{
	"error:",
	"search failed:",
	"fetch failed:",
	"drive api request failed:",
}

// Normalize builds the contract for a tool execution. The fallback
// chain: an execution error wins outright; structured JSON replies are
// interpreted; plain text is screened with the error-prefix heuristic;
// anything else is assumed successful.
func Normalize(toolName, domain, rawText string, execErr error) Contract {
	text := NormalizeText(rawText)
	c := Contract{
		ToolName: toolName,
		Domain:   domain,
		Success:  true,
		Data:     map[string]any{"text": text},
		RawText:  text,
	}

	if execErr != nil {
		c.Success = false
		c.ErrorCode = "tool_exception"
		c.ErrorMessage = execErr.Error()
		return c
	}

	if parsed := safeJSONObject(text); parsed != nil {
		if success, ok := parsed["success"].(bool); ok {
			c.Success = success
		}
		if data, ok := parsed["data"]; ok {
			c.Data = data
		} else if result, ok := parsed["result"]; ok {
			c.Data = result
		}
		if errObj, ok := parsed["error"].(map[string]any); ok {
			c.ErrorCode = NormalizeText(errObj["code"])
			c.ErrorMessage = NormalizeText(errObj["message"])
			if c.ErrorMessage != "" {
				c.Success = false
			}
		}
		if c.ErrorMessage == "" {
			if msg := NormalizeText(parsed["error_message"]); msg != "" {
				c.ErrorMessage = msg
				c.Success = false
			}
		}
		if !c.Success && c.ErrorCode == "" {
			c.ErrorCode = "tool_error"
		}
		return c
	}

	if looksLikeErrorText(text) {
		c.Success = false
		c.ErrorCode = "tool_error_text"
		c.ErrorMessage = text
	}
	return c
}

// ForModel renders the contract as the JSON payload the model sees.
// Content is truncated and discovered URLs are listed separately so
// links survive truncation.
func (c Contract) ForModel() map[string]any {
	dataText := NormalizeText(c.Data)
	payload := map[string]any{
		"success": c.Success,
		"error":   nil,
		"data": map[string]any{
			"text": Truncate(dataText, MaxModelContentChars),
			"urls": ExtractURLs(dataText),
		},
	}
	if !c.Success {
		payload["error"] = map[string]any{
			"code":    emptyAsNil(c.ErrorCode),
			"message": emptyAsNil(c.ErrorMessage),
		}
	}
	return payload
}

// URLs returns the unique URLs found in the contract's raw text and
// data, in order of first appearance.
func (c Contract) URLs() []string {
	seen := make(map[string]bool)
	var urls []string
	for _, candidate := range []string{c.RawText, NormalizeText(c.Data)} {
		for _, u := range ExtractURLs(candidate) {
			if seen[u] {
				continue
			}
			seen[u] = true
			urls = append(urls, u)
		}
	}
	return urls
}

// Truncate cuts text to limit characters, marking the cut.
func Truncate(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	return strings.TrimRight(text[:limit], " \t\r\n") + truncationMarker
}

// urlPattern matches http(s) URLs in free text.
var urlPattern = regexp.MustCompile(`https?://[^\s<>()"']+`)

// ExtractURLs returns URLs found in the text with trailing punctuation
// trimmed.
func ExtractURLs(text string) []string {
	if text == "" {
		return nil
	}
	var urls []string
	for _, raw := range urlPattern.FindAllString(text, -1) {
		if cleaned := strings.TrimRight(raw, ".,;:)]}"); cleaned != "" {
			urls = append(urls, cleaned)
		}
	}
	return urls
}

// looksLikeErrorText screens plain text for known error prefixes.
func looksLikeErrorText(text string) bool {
	lowered := strings.ToLower(strings.TrimSpace(text))
	for _, prefix := range errorPrefixes {
		if strings.HasPrefix(lowered, prefix) {
			return true
		}
	}
	return false
}

// safeJSONObject parses text as a JSON object, returning nil for
// anything that is not one.
func safeJSONObject(text string) map[string]any {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "{") || !strings.HasSuffix(trimmed, "}") {
		return nil
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return nil
	}
	return parsed
}

// NormalizeText coerces arbitrary structured values to readable text.
// Maps prefer their "text", "content", or "value" fields; lists join
// their elements; everything else falls back to JSON or fmt rendering.
func NormalizeText(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return fmt.Sprintf("%t", v)
	case float64:
		// JSON numbers decode as float64; render integers without a
		// trailing ".0".
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	case int:
		return fmt.Sprintf("%d", v)
	case map[string]any:
		if text, ok := v["text"].(string); ok {
			return text
		}
		if content, ok := v["content"]; ok {
			return NormalizeText(content)
		}
		if val, ok := v["value"]; ok {
			return NormalizeText(val)
		}
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	case []any:
		var parts []string
		for _, item := range v {
			if text := NormalizeText(item); text != "" {
				parts = append(parts, text)
			}
		}
		return strings.Join(parts, "\n")
	default:
		return fmt.Sprintf("%v", v)
	}
}

// SummarizeForLog flattens text to one line capped at limit characters.
func SummarizeForLog(value any, limit int) string {
	text := strings.TrimSpace(strings.ReplaceAll(NormalizeText(value), "\n", " "))
	if len(text) <= limit {
		return text
	}
	return text[:limit-3] + "..."
}

func emptyAsNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}
