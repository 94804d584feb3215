package chat

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/oslund/steward/internal/result"
)

// Date and time patterns used by the event-argument rewrite.
var (
	// explicitDatePattern matches absolute dates: ISO (2025-01-20) or
	// slashed/dashed day-month forms (20/1, 20-01-2025).
	explicitDatePattern = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b|\b\d{1,2}[/-]\d{1,2}(?:[/-]\d{2,4})?\b`)

	// timePattern matches HH:MM or dotted HH.MM clock times.
	timePattern = regexp.MustCompile(`\b([01]?\d|2[0-3])[:.]([0-5]\d)\b`)

	// hourOnlyPattern matches hour-only phrases like "at 14", "jam 9",
	// "at 2 pm", with an optional meridiem.
	hourOnlyPattern = regexp.MustCompile(`(?i)\b(?:jam|pukul|at)\s*([01]?\d|2[0-3])(?:\s*(am|pm))?\b`)
)

// relativeDayWords maps relative-day phrases to day offsets. Longer
// phrases are listed first so "day after tomorrow" wins over "tomorrow".
var relativeDayWords = []struct {
	words  []string
	offset int
}{
	{[]string{"day after tomorrow", "lusa"}, 2},
	{[]string{"tomorrow", "besok"}, 1},
	{[]string{"today", "hari ini"}, 0},
	{[]string{"yesterday", "kemarin"}, -1},
}

// detectRelativeDayOffset scans lowered text for a relative-day phrase.
func detectRelativeDayOffset(lowered string) (int, bool) {
	for _, entry := range relativeDayWords {
		for _, word := range entry.words {
			if strings.Contains(lowered, word) {
				return entry.offset, true
			}
		}
	}
	return 0, false
}

// extractHHMM pulls a clock time out of free text, preferring a full
// HH:MM over an hour-only phrase. Returns "" when neither matches.
func extractHHMM(text string) string {
	if text == "" {
		return ""
	}
	if m := timePattern.FindStringSubmatch(text); m != nil {
		hour, _ := strconv.Atoi(m[1])
		minute, _ := strconv.Atoi(m[2])
		return fmt.Sprintf("%02d:%02d", hour, minute)
	}
	if m := hourOnlyPattern.FindStringSubmatch(text); m != nil {
		hour, _ := strconv.Atoi(m[1])
		switch strings.ToLower(m[2]) {
		case "pm":
			if hour < 12 {
				hour += 12
			}
		case "am":
			if hour == 12 {
				hour = 0
			}
		}
		return fmt.Sprintf("%02d:00", hour)
	}
	return ""
}

// NormalizeEventArgs rewrites an event-creation start_time when the
// user's message carries a relative-day phrase and no explicit date.
// An explicit date in the message always wins over inference. The time
// of day comes from the message when present, otherwise from the
// original start_time value. The input map is never mutated.
func NormalizeEventArgs(args map[string]any, message string, now time.Time) map[string]any {
	if args == nil {
		return args
	}
	if _, ok := args["start_time"]; !ok {
		return args
	}
	if explicitDatePattern.MatchString(message) {
		return args
	}

	offset, ok := detectRelativeDayOffset(strings.ToLower(message))
	if !ok {
		return args
	}

	startValue := result.NormalizeText(args["start_time"])
	hhmm := extractHHMM(message)
	if hhmm == "" {
		hhmm = extractHHMM(startValue)
	}
	if hhmm == "" {
		return args
	}

	target := now.AddDate(0, 0, offset)
	normalized := make(map[string]any, len(args))
	for k, v := range args {
		normalized[k] = v
	}
	normalized["start_time"] = target.Format("2006-01-02") + " " + hhmm
	return normalized
}
