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

	"github.com/cenkalti/backoff/v4"

	"github.com/oslund/steward/internal/httpkit"
)

// DefaultGeminiBaseURL is the production Gemini API endpoint.
const DefaultGeminiBaseURL = "https://generativelanguage.googleapis.com"

// Retry policy for transient Gemini failures.
const (
	geminiMaxAttempts    = 3
	geminiRetryBaseDelay = time.Second
)

// GeminiClient talks to the Gemini generateContent API.
type GeminiClient struct {
	baseURL   string
	apiKey    string
	client    *http.Client
	logger    *slog.Logger
	retryBase time.Duration
}

// NewGeminiClient creates a Gemini client. An empty baseURL selects
// the production endpoint.
func NewGeminiClient(baseURL, apiKey string, logger *slog.Logger) *GeminiClient {
	if baseURL == "" {
		baseURL = DefaultGeminiBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GeminiClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		client:    httpkit.NewClient(httpkit.WithTimeout(DefaultRequestTimeout)),
		logger:    logger,
		retryBase: geminiRetryBaseDelay,
	}
}

// Wire types for the generateContent protocol.

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiFunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type geminiFunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	Contents          []geminiContent `json:"contents"`
	Tools             []geminiTool    `json:"tools,omitempty"`
}

type geminiTool struct {
	FunctionDeclarations []map[string]any `json:"functionDeclarations"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// Chat sends the conversation to generateContent. Transient backend
// errors (500, 502, 503, 504) are retried up to three attempts with
// exponential backoff; quota errors (429) are never retried.
func (c *GeminiClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryBase
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	attempt := 0
	operation := func() (*ChatResponse, error) {
		attempt++
		resp, err := c.generate(ctx, req)
		if err == nil {
			return resp, nil
		}
		if !IsTransient(err) || attempt >= geminiMaxAttempts {
			return nil, backoff.Permanent(err)
		}
		c.logger.Warn("Gemini transient API error, retrying",
			"status", StatusCode(err),
			"attempt", attempt,
			"max_attempts", geminiMaxAttempts,
		)
		return nil, err
	}

	return backoff.RetryWithData(operation, backoff.WithContext(bo, ctx))
}

// generate performs a single generateContent round trip.
func (c *GeminiClient) generate(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	wireReq := geminiRequest{
		Contents: convertGeminiContents(req.Messages),
	}
	if req.System != "" {
		wireReq.SystemInstruction = &geminiContent{
			Parts: []geminiPart{{Text: req.System}},
		}
	}
	if len(req.Tools) > 0 {
		wireReq.Tools = []geminiTool{{FunctionDeclarations: req.Tools}}
	}

	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", c.baseURL, req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

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

	var wireResp geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&wireResp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResponseShape, err)
	}
	if wireResp.Error != nil {
		return nil, &APIError{StatusCode: wireResp.Error.Code, Body: wireResp.Error.Message}
	}
	if len(wireResp.Candidates) == 0 {
		return nil, ErrResponseShape
	}

	out := &ChatResponse{}
	var textParts []string
	for _, part := range wireResp.Candidates[0].Content.Parts {
		if part.Text != "" {
			textParts = append(textParts, part.Text)
		}
		if part.FunctionCall != nil {
			args := part.FunctionCall.Args
			if args == nil {
				args = make(map[string]any)
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:   part.FunctionCall.Name,
				Name: part.FunctionCall.Name,
				Args: args,
			})
		}
	}
	out.Content = strings.Join(textParts, "")
	return out, nil
}

// convertGeminiContents renders the unified conversation as Gemini
// contents. Assistant turns become role "model"; tool results become
// functionResponse parts on a user turn, with consecutive tool
// messages merged into one turn the way the API expects.
func convertGeminiContents(messages []Message) []geminiContent {
	var out []geminiContent
	for _, m := range messages {
		switch m.Role {
		case RoleTool:
			part := geminiPart{FunctionResponse: &geminiFunctionResponse{
				Name:     m.Name,
				Response: decodeToolPayload(m.Content),
			}}
			if n := len(out); n > 0 && out[n-1].Role == RoleUser && out[n-1].Parts[0].FunctionResponse != nil {
				out[n-1].Parts = append(out[n-1].Parts, part)
				continue
			}
			out = append(out, geminiContent{Role: RoleUser, Parts: []geminiPart{part}})

		case RoleAssistant:
			content := geminiContent{Role: "model"}
			if m.Content != "" {
				content.Parts = append(content.Parts, geminiPart{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				content.Parts = append(content.Parts, geminiPart{
					FunctionCall: &geminiFunctionCall{Name: tc.Name, Args: tc.Args},
				})
			}
			if len(content.Parts) == 0 {
				content.Parts = []geminiPart{{Text: ""}}
			}
			out = append(out, content)

		default:
			out = append(out, geminiContent{
				Role:  RoleUser,
				Parts: []geminiPart{{Text: m.Content}},
			})
		}
	}
	return out
}

// decodeToolPayload parses a tool message body as a JSON object,
// wrapping plain text when parsing fails.
func decodeToolPayload(content string) map[string]any {
	var payload map[string]any
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return map[string]any{"text": content}
	}
	return payload
}
