package chat

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/oslund/steward/internal/result"
)

// Invitation tool names. The calendar-invite tool carries structured
// event metadata; the plain send tool is the fallback.
const (
	inviteMailTool = "send_calendar_invite_email"
	plainMailTool  = "send_email"
)

// BuildInvitationEmailPayload synthesizes a plain-mail payload inviting
// toEmail to the event described by eventArgs.
func BuildInvitationEmailPayload(eventArgs map[string]any, toEmail string) map[string]any {
	summary := result.NormalizeText(eventArgs["summary"])
	if summary == "" {
		summary = "Calendar Event"
	}
	startTime := result.NormalizeText(eventArgs["start_time"])
	if startTime == "" {
		startTime = "-"
	}
	duration := eventDuration(eventArgs)
	description := result.NormalizeText(eventArgs["description"])

	lines := []string{
		"Hello,",
		"",
		"You are invited to this event:",
		"- Event: " + summary,
		"- Time: " + startTime,
		"- Duration: " + duration + " minutes",
	}
	if description != "" {
		lines = append(lines, "", "Details:", description)
	}
	lines = append(lines, "", "Best regards,")

	return map[string]any{
		"to_email": toEmail,
		"subject":  "Invitation: " + summary,
		"body":     strings.Join(lines, "\n"),
	}
}

// BuildCalendarInvitationEmailPayload synthesizes the payload for the
// calendar-invite tool, carrying the event fields so the recipient gets
// a real calendar invitation.
func BuildCalendarInvitationEmailPayload(eventArgs map[string]any, toEmail string) map[string]any {
	summary := result.NormalizeText(eventArgs["summary"])
	if summary == "" {
		summary = "Calendar Event"
	}
	startTime := result.NormalizeText(eventArgs["start_time"])
	description := result.NormalizeText(eventArgs["description"])

	body := "Hello,\n\n" +
		"Please see the calendar invitation attached/included in this email. " +
		"You can accept or decline the invitation from your calendar client.\n"
	if description != "" {
		body += fmt.Sprintf("\nDetails:\n%s\n", description)
	}

	return map[string]any{
		"to_email":         toEmail,
		"subject":          "Invitation: " + summary,
		"body":             body,
		"summary":          summary,
		"start_time":       startTime,
		"duration_minutes": eventDurationValue(eventArgs),
		"description":      description,
		"location":         ExtractEventLocation(eventArgs),
	}
}

// ExtractEventLocation pulls a location out of the event description.
// Lines shaped "Location: ..." or "Lokasi: ..." carry it.
func ExtractEventLocation(eventArgs map[string]any) string {
	description := result.NormalizeText(eventArgs["description"])
	if description == "" {
		return ""
	}
	for _, line := range strings.Split(description, "\n") {
		lowered := strings.ToLower(strings.TrimSpace(line))
		if strings.HasPrefix(lowered, "lokasi:") || strings.HasPrefix(lowered, "location:") {
			if _, value, ok := strings.Cut(line, ":"); ok {
				return strings.TrimSpace(value)
			}
		}
	}
	return ""
}

// maybeAutoSendInvites sends invitation emails to the invitees named in
// the user's message when an event was created this turn but no mail
// was sent. Runs at most once per turn. Each invitee is attempted
// independently; a calendar-invite failure falls back to plain mail.
// Delivery results are appended to the answer so the user sees exactly
// what happened per invitee.
func (t *turn) maybeAutoSendInvites(current string) string {
	if t.autoInvitesAttempted {
		return current
	}
	t.autoInvitesAttempted = true

	if !t.inviteRequested || len(t.inviteEmails) == 0 || t.lastAddedEventArgs == nil {
		return current
	}
	if slices.Contains(t.invokedTools, plainMailTool) ||
		slices.Contains(t.invokedTools, inviteMailTool) {
		return current
	}

	_, hasInviteTool := t.reg.Handler(inviteMailTool)
	_, hasPlainTool := t.reg.Handler(plainMailTool)
	if !hasInviteTool && !hasPlainTool {
		return current
	}

	var lines []string
	for _, toEmail := range t.inviteEmails {
		toolName := plainMailTool
		payload := BuildInvitationEmailPayload(t.lastAddedEventArgs, toEmail)
		if hasInviteTool {
			toolName = inviteMailTool
			payload = BuildCalendarInvitationEmailPayload(t.lastAddedEventArgs, toEmail)
		}

		contract, content := t.invokeInviteTool(toolName, payload)

		if !contract.Success && toolName == inviteMailTool && hasPlainTool {
			fallbackPayload := BuildInvitationEmailPayload(t.lastAddedEventArgs, toEmail)
			fallbackContract, fallbackContent := t.invokeInviteTool(plainMailTool, fallbackPayload)
			if fallbackContract.Success {
				contract = fallbackContract
			}
			content = fmt.Sprintf("%s\nFallback (%s): %s", content, plainMailTool, fallbackContent)
		}

		if !contract.Success {
			message := contract.ErrorMessage
			if message == "" {
				message = content
			}
			t.recordToolError(fmt.Sprintf("%s(%s): %s", toolName, toEmail, message))
			t.logger.Warn("auto invite returned error content",
				"tool", toolName, "to", toEmail,
				"content", result.SummarizeForLog(content, 200))
		} else {
			t.lastSuccessfulToolName = toolName
			t.lastSuccessfulToolContent = content
		}

		lines = append(lines, fmt.Sprintf("- %s: %s", toEmail, content))
	}

	if len(lines) == 0 {
		return current
	}
	block := "Invitation delivery result(s):\n" + strings.Join(lines, "\n")
	if strings.TrimSpace(current) != "" {
		return strings.TrimRight(current, " \t\r\n") + "\n\n" + block
	}
	return block
}

// invokeInviteTool executes one invitation send, with the same
// accounting as a model-requested tool call.
func (t *turn) invokeInviteTool(name string, payload map[string]any) (result.Contract, string) {
	t.invokedTools = append(t.invokedTools, name)
	owner := t.reg.Owner(name)
	if owner == "" {
		owner = "mail"
	}
	t.invokedServers[owner] = true
	t.logger.Info("auto-invoking tool",
		"tool", name, "server", owner,
		"args", result.SummarizeForLog(payload, 200))

	handler, _ := t.reg.Handler(name)
	started := time.Now()
	raw, err := handler.CallTool(t.ctx, name, payload)
	if err != nil {
		raw = fmt.Sprintf("Error: Tool '%s' failed with exception: %v", name, err)
	}
	contract := result.Normalize(name, owner, raw, err)

	if err != nil {
		toolError := name + ": " + contract.ErrorMessage
		t.toolErrors = append(t.toolErrors, toolError)
		t.status = statusToolExecution
		t.errorMessage = &toolError
		t.logger.Error("auto invite tool failed",
			"tool", name, "duration", time.Since(started), "error", err)
	} else {
		t.logger.Info("auto invite tool completed",
			"tool", name, "duration", time.Since(started))
	}
	return contract, raw
}

func eventDurationValue(eventArgs map[string]any) any {
	if v, ok := eventArgs["duration_minutes"]; ok {
		return v
	}
	return 60
}

func eventDuration(eventArgs map[string]any) string {
	return result.NormalizeText(eventDurationValue(eventArgs))
}
