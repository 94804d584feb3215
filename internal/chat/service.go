// Package chat runs the conversation loop: it routes a user message to
// a model backend, executes the tool calls the model requests, and
// yields the updated history once the final answer (or an error answer)
// is ready. Every turn emits exactly one metrics record.
package chat

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"iter"
	"log/slog"
	"math"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/oslund/steward/internal/config"
	"github.com/oslund/steward/internal/intent"
	"github.com/oslund/steward/internal/llm"
	"github.com/oslund/steward/internal/metrics"
	"github.com/oslund/steward/internal/registry"
)

// Loop bounds. Per-round and total caps guard against degenerate model
// behavior ballooning cost; the round count bounds the generic backend
// the same way the total cap bounds the function-calling one.
const (
	maxToolCallsPerRound = 6
	maxTotalToolCalls    = 12
	maxChatRounds        = 8
)

// Turn statuses recorded in metrics.
const (
	statusSuccess               = "success"
	statusSuccessWithToolErrors = "success_with_tool_errors"

	statusMissingAPIKey    = "error_missing_api_key"
	statusMissingGeminiKey = "error_missing_gemini_key"

	statusHTTPTimeout          = "error_http_timeout"
	statusHTTPTimeoutAfterTool = "error_http_timeout_after_tool"
	statusHTTPStatus           = "error_http_status"
	statusHTTPResponseShape    = "error_http_response_shape"

	statusGeminiQuotaExhausted = "error_gemini_quota_exhausted"
	statusGeminiAPI            = "error_gemini_api"

	statusToolSessionNotFound  = "error_tool_session_not_found"
	statusToolExecution        = "error_tool_execution"
	statusToolRepeatedFailures = "error_tool_repeated_failures"
	statusToolLoopLimit        = "error_tool_loop_limit"
	statusToolRoundLimit       = "error_tool_round_limit"

	statusException = "error_exception"
)

// systemInstruction is the base persona. Policy context, the
// unavailable-domain notice, and the runtime time context are appended
// per turn.
const systemInstruction = "Anda adalah asisten AI yang membantu. " +
	"Gunakan Bahasa Indonesia. " +
	"Anda dapat mengakses email, kalender, dan kontak melalui alat yang tersedia."

// withTimeContext anchors relative date words to the current clock so
// the model never has to ask what day it is.
func withTimeContext(instruction string, now time.Time) string {
	return fmt.Sprintf(
		"%s Current local date: %s. Current local time: %s. "+
			"Interpret relative date words (today, tomorrow, yesterday, hari ini, besok, kemarin, lusa) "+
			"using this date, and do not ask the user to confirm current date.",
		instruction,
		now.Format("2006-01-02"),
		now.Format("15:04"),
	)
}

// Service executes conversation turns. It is safe for concurrent use:
// all per-turn state lives in the turn, and each turn discovers its own
// provider connections.
type Service struct {
	cfg      *config.Config
	logger   *slog.Logger
	sink     metrics.Sink
	policies *intent.PolicyCatalog

	// backend serves generic chat-completions models; gemini serves the
	// function-calling family. A nil backend means its key is missing.
	backend llm.Backend
	gemini  llm.Backend

	discover func(ctx context.Context, cfg *config.Config, logger *slog.Logger) *registry.Registry
	now      func() time.Time
}

// NewService wires a service from configuration. Backends whose API key
// is absent stay nil and turns routed to them abort with a
// missing-credential error before any network call.
func NewService(cfg *config.Config, sink metrics.Sink, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		cfg:      cfg,
		logger:   logger,
		sink:     sink,
		policies: intent.NewPolicyCatalog(cfg.DocsDir),
		discover: registry.Discover,
		now:      time.Now,
	}
	if cfg.Backend.APIKey != "" {
		s.backend = llm.NewOpenAIClient(cfg.Backend.BaseURL, cfg.Backend.APIKey, logger)
	}
	if cfg.Gemini.APIKey != "" {
		s.gemini = llm.NewGeminiClient(cfg.Gemini.BaseURL, cfg.Gemini.APIKey, logger)
	}
	return s
}

// Chat runs one conversation turn and returns a lazy sequence of
// history snapshots, terminated by the final (or error) answer.
// Empty or whitespace-only input yields the untouched history once and
// emits no metrics.
func (s *Service) Chat(ctx context.Context, message string, history []llm.Message, model string) iter.Seq[[]llm.Message] {
	return func(yield func([]llm.Message) bool) {
		normalized := strings.TrimSpace(message)
		if normalized == "" {
			yield(history)
			return
		}

		t := s.newTurn(ctx, normalized, history, model)
		defer t.emitMetrics()
		t.run(yield)
	}
}

// turn holds the mutable state of one conversation turn.
type turn struct {
	s         *Service
	ctx       context.Context
	logger    *slog.Logger
	requestID string
	startedAt time.Time

	message string
	model   string
	history []llm.Message

	reg    *registry.Registry
	notice string
	system string

	invokedTools   []string
	invokedServers map[string]bool
	status         string
	errorMessage   *string
	toolErrors     []string
	shareURLs      []string

	lastSuccessfulToolName    string
	lastSuccessfulToolContent string

	inviteRequested      bool
	inviteEmails         []string
	lastAddedEventArgs   map[string]any
	autoInvitesAttempted bool

	totalToolCalls            int
	consecutiveAllErrorRounds int
}

func (s *Service) newTurn(ctx context.Context, message string, history []llm.Message, model string) *turn {
	now := s.now()
	requestID := fmt.Sprintf("%s-%s", now.Format("20060102-150405"), randomHex(4))

	current := make([]llm.Message, 0, len(history)+2)
	current = append(current, history...)
	current = append(current,
		llm.Message{Role: llm.RoleUser, Content: message},
		llm.Message{Role: llm.RoleAssistant, Content: ""},
	)

	return &turn{
		s:               s,
		ctx:             ctx,
		logger:          s.logger.With("request_id", requestID),
		requestID:       requestID,
		startedAt:       now,
		message:         message,
		model:           model,
		history:         current,
		invokedServers:  make(map[string]bool),
		status:          statusSuccess,
		inviteRequested: intent.HasInviteIntent(message),
		inviteEmails:    intent.ExtractEmails(message),
	}
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return strings.Repeat("0", n*2)
	}
	return hex.EncodeToString(buf)
}

// run executes the turn: discover tools, route intent, drive the model
// loop for the selected backend family.
func (t *turn) run(yield func([]llm.Message) bool) {
	t.logger.Info("new chat request", "model", t.model)

	reg := t.s.discover(t.ctx, t.s.cfg, t.logger)
	defer reg.Close()

	requested := intent.InferDomains(t.message)

	discovered := make(map[string]bool)
	for _, tool := range reg.Tools() {
		discovered[reg.Owner(tool.Name)] = true
	}
	unavailable := make(map[string]bool)
	for _, name := range reg.Unavailable() {
		unavailable[name] = true
	}

	// Narrow to domains both requested and discovered. A keyword hit on
	// a domain no provider serves must not strip the model of the tools
	// it does have; an empty intersection leaves the registry whole.
	target := intersectDomains(requested, discovered)
	t.reg = reg.FilterDomains(target)
	t.notice = intent.BuildUnavailableNotice(requested, unavailable)

	policyDomains := target
	if len(policyDomains) == 0 {
		policyDomains = discovered
	}

	t.system = withTimeContext(systemInstruction, t.s.now())
	if policy := t.s.policies.Context(policyDomains); policy != "" {
		t.system += "\n\n" + policy
	}
	if t.notice != "" {
		t.system += "\n\n" + t.notice
	}

	if t.s.cfg.Models.IsGeminiModel(t.model) {
		if t.s.gemini == nil {
			t.abort(yield, statusMissingGeminiKey, "Error: Gemini API key is not configured.")
			return
		}
		t.runGeminiLoop(yield)
		return
	}

	if t.s.backend == nil {
		t.abort(yield, statusMissingAPIKey, "Error: backend API key is not configured.")
		return
	}
	t.runCompletionsLoop(yield)
}

// respond fills the assistant placeholder (appending the unavailable
// notice once) and yields the history snapshot.
func (t *turn) respond(yield func([]llm.Message) bool, text string) {
	t.history[len(t.history)-1].Content = intent.AppendNotice(text, t.notice)
	yield(slices.Clone(t.history))
}

// abort records a terminal error status and yields the error answer.
func (t *turn) abort(yield func([]llm.Message) bool, status, message string) {
	t.status = status
	t.errorMessage = &message
	t.respond(yield, message)
}

// abortRepeatedFailures aborts after two consecutive all-failing tool
// rounds, preserving the most recent tool errors as the error message.
func (t *turn) abortRepeatedFailures(yield func([]llm.Message) bool, message string) {
	t.status = statusToolRepeatedFailures
	if t.errorMessage == nil && len(t.toolErrors) > 0 {
		recent := t.toolErrors
		if len(recent) > 3 {
			recent = recent[len(recent)-3:]
		}
		joined := strings.Join(recent, "; ")
		t.errorMessage = &joined
	}
	t.respond(yield, message)
}

// finishAnswer runs the auto-followup and share-link steps on the
// model's final text and yields it.
func (t *turn) finishAnswer(yield func([]llm.Message) bool, text string) {
	text = t.maybeAutoSendInvites(text)
	text = AppendShareLinks(text, t.shareURLs)
	t.respond(yield, text)
}

// recordToolError appends a tool error, setting the turn error message
// only when none is recorded yet.
func (t *turn) recordToolError(toolError string) {
	t.toolErrors = append(t.toolErrors, toolError)
	if t.errorMessage == nil {
		t.errorMessage = &toolError
	}
}

// emitMetrics writes the turn's metrics record. Runs unconditionally on
// turn exit so every turn is observable, aborted ones included.
func (t *turn) emitMetrics() {
	if t.status == statusSuccess && len(t.toolErrors) > 0 {
		t.status = statusSuccessWithToolErrors
	}
	if t.errorMessage == nil && len(t.toolErrors) > 0 {
		joined := strings.Join(t.toolErrors, "; ")
		t.errorMessage = &joined
	}

	servers := make([]string, 0, len(t.invokedServers))
	for name := range t.invokedServers {
		servers = append(servers, name)
	}
	sort.Strings(servers)

	// Timestamp and duration derive from the same clock reading.
	finished := t.s.now()
	duration := finished.Sub(t.startedAt).Seconds()

	t.s.sink.Log(metrics.Record{
		Timestamp:       finished.Format(time.RFC3339),
		RequestID:       t.requestID,
		Model:           t.model,
		UserQuestion:    t.message,
		DurationSeconds: math.Round(duration*1000) / 1000,
		InvokedTools:    t.invokedTools,
		InvokedServers:  servers,
		Status:          t.status,
		ErrorMessage:    t.errorMessage,
		ToolErrors:      t.toolErrors,
	})
}

// baseMessages returns the conversation to send to the model: prior
// history plus the current user message, without the placeholder.
func (t *turn) baseMessages() []llm.Message {
	return slices.Clone(t.history[:len(t.history)-1])
}

func intersectDomains(a, b map[string]bool) map[string]bool {
	out := make(map[string]bool)
	for name := range a {
		if b[name] {
			out[name] = true
		}
	}
	return out
}
