package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/oslund/steward/internal/llm"
	"github.com/oslund/steward/internal/provider"
	"github.com/oslund/steward/internal/result"
)

// runGeminiLoop drives the function-calling backend. A missing handler
// aborts the turn outright: the model asking for a tool the registry
// never offered means model and registry are desynced, not that the
// call was transient.
func (t *turn) runGeminiLoop(yield func([]llm.Message) bool) {
	tools := t.reg.GeminiDeclarations()
	messages := t.baseMessages()

	for {
		if t.totalToolCalls >= maxTotalToolCalls {
			t.abort(yield, statusToolLoopLimit,
				"Error: Tool call loop limit reached. Please retry with a more specific request.")
			return
		}

		resp, err := t.s.gemini.Chat(t.ctx, llm.ChatRequest{
			Model:    t.model,
			System:   t.system,
			Messages: messages,
			Tools:    tools,
		})
		if err != nil {
			t.abortGeminiError(yield, err)
			return
		}

		if len(resp.ToolCalls) == 0 {
			t.finishAnswer(yield, resp.Content)
			return
		}
		if len(resp.ToolCalls) > maxToolCallsPerRound {
			t.abort(yield, statusToolRoundLimit,
				"Error: Too many tool calls requested in one round. Please retry with a narrower request.")
			return
		}

		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		roundErrors := 0
		for _, call := range resp.ToolCalls {
			t.totalToolCalls++

			args := call.Args
			if call.Name == "add_event" {
				args = NormalizeEventArgs(args, t.message, t.s.now())
			}

			t.invokedTools = append(t.invokedTools, call.Name)
			owner := t.owner(call.Name)
			t.invokedServers[owner] = true
			t.logger.Info("invoking tool",
				"tool", call.Name, "server", owner,
				"args", result.SummarizeForLog(args, 200))

			handler, ok := t.reg.Handler(call.Name)
			if !ok {
				message := fmt.Sprintf("Error: Tool '%s' is not available from any provider.", call.Name)
				t.toolErrors = append(t.toolErrors, call.Name+": handler not found")
				t.abort(yield, statusToolSessionNotFound, message)
				return
			}

			contract := t.executeTool(handler, call.Name, owner, args)
			if !contract.Success {
				roundErrors++
			}

			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				Name:       call.Name,
				ToolCallID: call.ID,
				Content:    encodeContract(contract),
			})
		}

		if roundErrors == len(resp.ToolCalls) {
			t.consecutiveAllErrorRounds++
		} else {
			t.consecutiveAllErrorRounds = 0
		}
		if t.consecutiveAllErrorRounds >= 2 {
			t.abortRepeatedFailures(yield,
				"Error: Tool execution failed repeatedly. Please check credentials or provide exact identifiers.")
			return
		}
	}
}

// runCompletionsLoop drives the generic chat-completions backend. A
// missing handler here is recorded as a round error and the loop
// continues: this backend family is known to hallucinate tool names
// occasionally, and the structured error feedback lets it recover.
func (t *turn) runCompletionsLoop(yield func([]llm.Message) bool) {
	tools := t.reg.OpenAITools()
	messages := t.baseMessages()

	consecutiveAllErrorRounds := 0
	for round := 0; round < maxChatRounds; round++ {
		resp, err := t.s.backend.Chat(t.ctx, llm.ChatRequest{
			Model:    t.model,
			System:   t.system,
			Messages: messages,
			Tools:    tools,
		})
		if err != nil {
			t.abortCompletionsError(yield, err)
			return
		}

		if len(resp.ToolCalls) == 0 {
			t.finishAnswer(yield, resp.Content)
			return
		}

		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		roundErrors := 0
		for _, call := range resp.ToolCalls {
			if call.Name == "" {
				t.recordToolError("missing_tool_name: tool call payload malformed")
				roundErrors++
				t.logger.Warn("tool call payload malformed")
				continue
			}

			args := call.Args
			if call.Name == "add_event" {
				args = NormalizeEventArgs(args, t.message, t.s.now())
			}

			t.invokedTools = append(t.invokedTools, call.Name)
			owner := t.owner(call.Name)
			t.invokedServers[owner] = true
			t.logger.Info("invoking tool",
				"tool", call.Name, "server", owner,
				"args", result.SummarizeForLog(args, 200))

			handler, ok := t.reg.Handler(call.Name)
			if !ok {
				t.recordToolError(call.Name + ": handler not found")
				roundErrors++
				t.logger.Warn("tool handler not found", "tool", call.Name)
				continue
			}

			contract := t.executeTool(handler, call.Name, owner, args)
			if !contract.Success {
				roundErrors++
			}

			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				Name:       call.Name,
				ToolCallID: call.ID,
				Content:    encodeContract(contract),
			})
		}

		if roundErrors == len(resp.ToolCalls) {
			consecutiveAllErrorRounds++
		} else {
			consecutiveAllErrorRounds = 0
		}
		if consecutiveAllErrorRounds >= 2 {
			t.abortRepeatedFailures(yield,
				"Error: Tool execution failed repeatedly. Please retry with a more specific request.")
			return
		}
	}

	t.abort(yield, statusToolRoundLimit,
		"Error: Tool call loop limit reached. Please retry with a more specific request.")
}

// executeTool invokes a tool, normalizes its output, and updates the
// turn's accounting: tool errors, share URLs, and the last successful
// call the followup and timeout paths rely on.
func (t *turn) executeTool(handler provider.Provider, name, owner string, args map[string]any) result.Contract {
	started := time.Now()
	raw, err := handler.CallTool(t.ctx, name, args)
	if err != nil {
		raw = fmt.Sprintf("Error: Tool '%s' failed with exception: %v", name, err)
	}
	contract := result.Normalize(name, owner, raw, err)

	switch {
	case err != nil:
		toolError := name + ": " + contract.ErrorMessage
		t.toolErrors = append(t.toolErrors, toolError)
		t.status = statusToolExecution
		t.errorMessage = &toolError
		t.logger.Error("tool failed",
			"tool", name, "duration", time.Since(started), "error", err)

	case !contract.Success:
		message := contract.ErrorMessage
		if message == "" {
			message = contract.RawText
		}
		t.recordToolError(name + ": " + message)
		t.logger.Warn("tool returned error content",
			"tool", name, "content", result.SummarizeForLog(contract.RawText, 200))

	default:
		t.logger.Info("tool completed",
			"tool", name, "duration", time.Since(started))
		if shareToolNames[name] {
			for _, u := range contract.URLs() {
				if !slices.Contains(t.shareURLs, u) {
					t.shareURLs = append(t.shareURLs, u)
				}
			}
		}
	}

	if contract.Success {
		if name == "add_event" {
			t.lastAddedEventArgs = maps.Clone(args)
		}
		t.lastSuccessfulToolName = name
		t.lastSuccessfulToolContent = contract.RawText
	}
	return contract
}

// abortGeminiError maps a function-calling backend failure to its
// terminal status. Quota exhaustion is distinct from transient failure
// and was never retried.
func (t *turn) abortGeminiError(yield func([]llm.Message) bool, err error) {
	switch {
	case llm.IsQuotaExhausted(err):
		t.abort(yield, statusGeminiQuotaExhausted, "Error: Your Gemini API quota is exhausted.")
	case llm.IsTransient(err):
		t.abort(yield, statusGeminiAPI, fmt.Sprintf(
			"Error: Gemini API is temporarily unavailable (%d) after retries. Please retry.",
			llm.StatusCode(err)))
	case llm.StatusCode(err) != 0:
		t.abort(yield, statusGeminiAPI, fmt.Sprintf("Error: Gemini API error (%d).", llm.StatusCode(err)))
	default:
		t.abort(yield, statusGeminiAPI, "Error: Gemini API error (unknown).")
	}
}

// abortCompletionsError maps a chat-completions backend failure. A
// timeout after a successful tool call surfaces that tool's output so
// partial progress is not discarded.
func (t *turn) abortCompletionsError(yield func([]llm.Message) bool, err error) {
	switch {
	case llm.IsTimeout(err):
		if t.lastSuccessfulToolName != "" && t.lastSuccessfulToolContent != "" {
			message := "Warning: Model API response timed out after tool execution. " +
				"Last successful tool result:\n\n" + t.lastSuccessfulToolContent
			message = t.maybeAutoSendInvites(message)
			t.abort(yield, statusHTTPTimeoutAfterTool, message)
			return
		}
		t.abort(yield, statusHTTPTimeout,
			"Error: Model API request timed out. Please retry or narrow the request scope.")

	case errors.Is(err, llm.ErrResponseShape):
		t.abort(yield, statusHTTPResponseShape, "Error: Invalid response shape from model API.")

	case llm.StatusCode(err) != 0:
		t.abort(yield, statusHTTPStatus, fmt.Sprintf("Error: %d", llm.StatusCode(err)))

	default:
		t.abort(yield, statusException, fmt.Sprintf("Error: %v", err))
	}
}

// encodeContract renders the model-facing contract payload as JSON for
// the tool reply message.
func encodeContract(contract result.Contract) string {
	data, err := json.Marshal(contract.ForModel())
	if err != nil {
		return `{"success":false,"error":{"code":"encode_error","message":"failed to encode tool result"}}`
	}
	return string(data)
}

// owner resolves the domain owning a tool, defaulting to "unknown" for
// tools the registry never discovered.
func (t *turn) owner(name string) string {
	if owner := t.reg.Owner(name); owner != "" {
		return owner
	}
	return "unknown"
}
