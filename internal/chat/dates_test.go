package chat

import (
	"testing"
	"time"
)

func TestNormalizeEventArgs(t *testing.T) {
	now := time.Date(2026, 2, 13, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		args    map[string]any
		message string
		want    string
	}{
		{
			name:    "tomorrow with time in message",
			args:    map[string]any{"start_time": "2025-01-20 14:00"},
			message: "schedule a sync tomorrow at 2:00 pm",
			want:    "2026-02-14 02:00",
		},
		{
			name:    "tomorrow with meridiem hour",
			args:    map[string]any{"start_time": "2025-01-20 14:00"},
			message: "schedule a sync tomorrow at 2 pm",
			want:    "2026-02-14 14:00",
		},
		{
			name:    "tomorrow hour only phrase",
			args:    map[string]any{"start_time": "2025-01-20 14:00"},
			message: "schedule a sync tomorrow at 14",
			want:    "2026-02-14 14:00",
		},
		{
			name:    "explicit date wins over relative words",
			args:    map[string]any{"start_time": "2025-01-20 14:00"},
			message: "on 2025-01-20 at 14:00, not tomorrow",
			want:    "2025-01-20 14:00",
		},
		{
			name:    "time taken from original argument",
			args:    map[string]any{"start_time": "2025-01-20 14:30"},
			message: "set up the review tomorrow",
			want:    "2026-02-14 14:30",
		},
		{
			name:    "lusa means day after tomorrow",
			args:    map[string]any{"start_time": "2025-01-20 10:00"},
			message: "buat acara lusa jam 10",
			want:    "2026-02-15 10:00",
		},
		{
			name:    "kemarin shifts backwards",
			args:    map[string]any{"start_time": "2025-01-20 10:00"},
			message: "log the incident meeting kemarin jam 16",
			want:    "2026-02-12 16:00",
		},
		{
			name:    "no relative word leaves args alone",
			args:    map[string]any{"start_time": "2025-01-20 14:00"},
			message: "schedule the sync sometime soon",
			want:    "2025-01-20 14:00",
		},
		{
			name:    "dotted time notation",
			args:    map[string]any{"start_time": "2025-01-20 14:00"},
			message: "meeting besok 09.45",
			want:    "2026-02-14 09:45",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeEventArgs(tt.args, tt.message, now)
			if got["start_time"] != tt.want {
				t.Errorf("start_time = %v, want %v", got["start_time"], tt.want)
			}
		})
	}
}

func TestNormalizeEventArgsDoesNotMutateInput(t *testing.T) {
	args := map[string]any{"start_time": "2025-01-20 14:00", "summary": "Sync"}
	now := time.Date(2026, 2, 13, 9, 0, 0, 0, time.UTC)

	got := NormalizeEventArgs(args, "sync tomorrow at 10:00", now)

	if args["start_time"] != "2025-01-20 14:00" {
		t.Errorf("input map mutated: start_time = %v", args["start_time"])
	}
	if got["start_time"] != "2026-02-14 10:00" {
		t.Errorf("start_time = %v, want 2026-02-14 10:00", got["start_time"])
	}
	if got["summary"] != "Sync" {
		t.Errorf("summary not carried over: %v", got["summary"])
	}
}

func TestNormalizeEventArgsWithoutStartTime(t *testing.T) {
	args := map[string]any{"summary": "Sync"}
	got := NormalizeEventArgs(args, "sync tomorrow at 10:00", time.Now())
	if _, ok := got["start_time"]; ok {
		t.Error("start_time should not be invented")
	}
}

func TestDetectRelativeDayOffset(t *testing.T) {
	tests := []struct {
		text   string
		offset int
		ok     bool
	}{
		{"see you tomorrow", 1, true},
		{"day after tomorrow works", 2, true},
		{"besok pagi", 1, true},
		{"hari ini saja", 0, true},
		{"what happened yesterday", -1, true},
		{"lusa sore", 2, true},
		{"next week sometime", 0, false},
	}
	for _, tt := range tests {
		offset, ok := detectRelativeDayOffset(tt.text)
		if ok != tt.ok || (ok && offset != tt.offset) {
			t.Errorf("detectRelativeDayOffset(%q) = (%d, %v), want (%d, %v)",
				tt.text, offset, ok, tt.offset, tt.ok)
		}
	}
}

func TestExtractHHMM(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"meet at 14:30", "14:30"},
		{"meet at 9.05", "09:05"},
		{"jam 7 ya", "07:00"},
		{"at 23 sharp", "23:00"},
		{"no time here", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := extractHHMM(tt.text); got != tt.want {
			t.Errorf("extractHHMM(%q) = %q, want %q", tt.text, got, tt.want)
		}
	}
}
