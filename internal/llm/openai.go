package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/oslund/steward/internal/httpkit"
)

// DefaultRequestTimeout bounds a single chat-completions round trip.
// Tool-heavy generations can run long.
const DefaultRequestTimeout = 120 * time.Second

// OpenAIClient talks to any chat-completions compatible backend.
type OpenAIClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *slog.Logger
}

// NewOpenAIClient creates a chat-completions client for the given base
// URL. The API key is sent as a bearer token.
func NewOpenAIClient(baseURL, apiKey string, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  httpkit.NewClient(httpkit.WithTimeout(DefaultRequestTimeout)),
		logger:  logger,
	}
}

// Wire types for the chat-completions protocol.

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	Name       string           `json:"name,omitempty"`
}

type openaiToolCall struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Function openaiFunction `json:"function"`
}

type openaiFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openaiRequest struct {
	Model      string           `json:"model"`
	Messages   []openaiMessage  `json:"messages"`
	Tools      []map[string]any `json:"tools,omitempty"`
	ToolChoice string           `json:"tool_choice,omitempty"`
}

type openaiResponse struct {
	Choices []struct {
		Message openaiMessage `json:"message"`
	} `json:"choices"`
}

// Chat sends the conversation to /v1/chat/completions and returns the
// unified reply. Tool call arguments that fail to parse decode as an
// empty argument map rather than failing the round.
func (c *OpenAIClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	wireReq := openaiRequest{
		Model:      req.Model,
		Messages:   c.convertMessages(req),
		Tools:      req.Tools,
		ToolChoice: "auto",
	}
	if len(req.Tools) == 0 {
		wireReq.ToolChoice = ""
	}

	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Body:       httpkit.ReadErrorBody(resp.Body, 2048),
		}
	}

	var wireResp openaiResponse
	if err := json.NewDecoder(resp.Body).Decode(&wireResp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResponseShape, err)
	}
	if len(wireResp.Choices) == 0 {
		return nil, ErrResponseShape
	}

	msg := wireResp.Choices[0].Message
	out := &ChatResponse{Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		args := make(map[string]any)
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				c.logger.Warn("tool call arguments malformed, using empty args",
					"tool", tc.Function.Name, "error", err)
				args = make(map[string]any)
			}
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return out, nil
}

// convertMessages renders the unified conversation in wire format,
// prepending the system instruction.
func (c *OpenAIClient) convertMessages(req ChatRequest) []openaiMessage {
	out := make([]openaiMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		out = append(out, openaiMessage{Role: RoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		wm := openaiMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		}
		for _, tc := range m.ToolCalls {
			args, err := json.Marshal(tc.Args)
			if err != nil {
				args = []byte("{}")
			}
			wm.ToolCalls = append(wm.ToolCalls, openaiToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: openaiFunction{
					Name:      tc.Name,
					Arguments: string(args),
				},
			})
		}
		out = append(out, wm)
	}
	return out
}
