package warren

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// defaultMaxSteps bounds the plan/act/observe cycle per turn. Exhausting it
// yields a flagged partial answer, never an unhandled fault.
const defaultMaxSteps = 8

// defaultTopN is the number of long-term memory items retrieved per turn.
const defaultTopN = 5

// maxObservationLen is the maximum rune length for a tool observation kept
// in the in-progress transcript. Longer results are truncated with a marker
// so the model knows content was trimmed.
const maxObservationLen = 8000

// SlashCommand routes a slash-prefixed message straight to a tool without
// invoking the model. The remainder of the message after the prefix becomes
// the value of Param in the tool's argument object.
type SlashCommand struct {
	Prefix string // e.g. "/calc"
	Tool   string // registry tool name
	Param  string // argument key receiving the remainder
}

// Agent runs the memory-augmented reasoning loop for one worker. One Agent
// serves every session of its user; turns within a session are serialized
// to keep short-term memory append order deterministic, while turns across
// sessions may interleave.
type Agent struct {
	provider     Provider
	stm          ShortTermStore
	ltm          LongTermStore     // nil = long-term memory disabled
	embedding    EmbeddingProvider // required when ltm != nil
	tools        *ToolRegistry
	slash        []SlashCommand
	systemPrompt string
	maxSteps     int
	topN         int
	toolTimeout  time.Duration
	logger       *slog.Logger
	extract      *extractQueue

	mu       sync.Mutex
	sessions map[string]*sync.Mutex
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithTools registers the agent's tool set.
func WithTools(tools ...Tool) AgentOption {
	return func(a *Agent) {
		for _, t := range tools {
			a.tools.Add(t)
		}
	}
}

// WithLongTermMemory enables per-user semantic memory. Retrieval failures
// degrade to a memory-less prompt; extraction runs off the request path.
func WithLongTermMemory(store LongTermStore, embedding EmbeddingProvider) AgentOption {
	return func(a *Agent) {
		a.ltm = store
		a.embedding = embedding
	}
}

// WithSystemPrompt sets the base system prompt.
func WithSystemPrompt(s string) AgentOption {
	return func(a *Agent) { a.systemPrompt = s }
}

// WithMaxSteps sets the per-turn step budget (default: 8).
func WithMaxSteps(n int) AgentOption {
	return func(a *Agent) {
		if n > 0 {
			a.maxSteps = n
		}
	}
}

// WithTopN sets how many memory items are retrieved per turn (default: 5).
func WithTopN(n int) AgentOption {
	return func(a *Agent) {
		if n > 0 {
			a.topN = n
		}
	}
}

// WithToolTimeout bounds each tool execution. Expiry is reported to the
// model as a failed observation, not a fatal error (default: 30s).
func WithToolTimeout(d time.Duration) AgentOption {
	return func(a *Agent) {
		if d > 0 {
			a.toolTimeout = d
		}
	}
}

// WithSlashCommands registers slash-prefixed fast paths.
func WithSlashCommands(cmds ...SlashCommand) AgentOption {
	return func(a *Agent) { a.slash = append(a.slash, cmds...) }
}

// WithAgentLogger sets the structured logger (default: discard).
func WithAgentLogger(l *slog.Logger) AgentOption {
	return func(a *Agent) { a.logger = l }
}

// NewAgent creates an Agent bound to one user's provider and stores.
func NewAgent(provider Provider, stm ShortTermStore, opts ...AgentOption) *Agent {
	a := &Agent{
		provider:    provider,
		stm:         stm,
		tools:       NewToolRegistry(),
		maxSteps:    defaultMaxSteps,
		topN:        defaultTopN,
		toolTimeout: 30 * time.Second,
		logger:      nopLogger,
		sessions:    make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.ltm != nil && a.embedding != nil {
		a.extract = newExtractQueue(a.provider, a.embedding, a.ltm, a.logger)
	}
	return a
}

// Close drains the background extraction queue.
func (a *Agent) Close() {
	if a.extract != nil {
		a.extract.close()
	}
}

// RunTurn executes one user turn: slash fast path or the full reasoning
// loop, then records the turn in short-term memory and schedules long-term
// extraction. A short-term store failure aborts the turn; long-term failures
// only log. In-flight model and tool calls are allowed to finish even if the
// caller goes away, so a turn is either fully recorded or not recorded at all.
func (a *Agent) RunTurn(ctx context.Context, user, sessionID, message string) (Answer, error) {
	if strings.TrimSpace(message) == "" {
		return Answer{}, &ErrBadRequest{Field: "message", Reason: "must not be empty"}
	}

	unlock := a.lockSession(SessionKey(user, sessionID))
	defer unlock()

	// Once a turn starts it runs to completion: a caller hang-up must not
	// abort an in-flight model or tool call and drop a half-finished turn.
	// Every call the loop makes carries its own timeout, so the detached
	// turn stays bounded by the step budget.
	ctx = context.WithoutCancel(ctx)

	if cmd, rest, ok := a.matchSlash(message); ok {
		return a.runSlash(ctx, user, sessionID, message, cmd, rest)
	}
	return a.runLoop(ctx, user, sessionID, message)
}

// lockSession serializes turns per (user, session) key.
func (a *Agent) lockSession(key string) func() {
	a.mu.Lock()
	m, ok := a.sessions[key]
	if !ok {
		m = &sync.Mutex{}
		a.sessions[key] = m
	}
	a.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// matchSlash finds a registered slash command matching the message.
func (a *Agent) matchSlash(message string) (SlashCommand, string, bool) {
	trimmed := strings.TrimSpace(message)
	for _, cmd := range a.slash {
		if rest, ok := strings.CutPrefix(trimmed, cmd.Prefix+" "); ok {
			return cmd, strings.TrimSpace(rest), true
		}
	}
	return SlashCommand{}, "", false
}

// runSlash executes a slash fast path: the matched tool runs directly and
// its result is the final answer. No model invocation.
func (a *Agent) runSlash(ctx context.Context, user, sessionID, message string, cmd SlashCommand, rest string) (Answer, error) {
	args, _ := json.Marshal(map[string]string{cmd.Param: rest})
	result, err := a.execTool(ctx, ToolCall{Name: cmd.Tool, Args: args})

	var text string
	switch {
	case err != nil:
		var unknown *ErrUnknownTool
		if errors.As(err, &unknown) {
			text = fmt.Sprintf("The %s tool is not available.", cmd.Tool)
		} else {
			text = "error: " + err.Error()
		}
	case result.Error != "":
		text = "error: " + result.Error
	default:
		text = result.Content
	}

	answer := Answer{Text: text, Model: a.provider.ModelID()}
	if err := a.recordTurn(ctx, user, sessionID, message, answer.Text); err != nil {
		return Answer{}, err
	}
	return answer, nil
}

// runLoop is the bounded plan/act/observe cycle.
func (a *Agent) runLoop(ctx context.Context, user, sessionID, message string) (Answer, error) {
	key := SessionKey(user, sessionID)

	history, err := a.stm.ReadAll(ctx, key)
	if err != nil {
		return Answer{}, &ErrMemoryStore{Op: "read", Key: key, Err: err}
	}

	messages := a.buildMessages(ctx, user, history, message)

	var toolDefs []ToolDefinition
	if a.provider.SupportsTools() {
		toolDefs = a.tools.AllDefinitions()
	}

	var usage Usage
	var lastContent string
	argRetried := make(map[string]bool)

	for step := 0; step < a.maxSteps; step++ {
		resp, err := a.provider.Chat(ctx, ChatRequest{Messages: messages, Tools: toolDefs})
		if err != nil {
			return Answer{}, err
		}
		usage.InputTokens += resp.Usage.InputTokens
		usage.OutputTokens += resp.Usage.OutputTokens
		lastContent = resp.Content

		// Final answer.
		if len(resp.ToolCalls) == 0 {
			answer := Answer{Text: resp.Content, Model: a.provider.ModelID(), Usage: usage}
			if err := a.recordTurn(ctx, user, sessionID, message, answer.Text); err != nil {
				return Answer{}, err
			}
			return answer, nil
		}

		messages = append(messages, ChatMessage{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		for _, tc := range resp.ToolCalls {
			result, err := a.execTool(ctx, tc)
			switch {
			case err == nil && result.Error == "":
				messages = append(messages, ToolResultMessage(tc.ID, truncateStr(result.Content, maxObservationLen)))
			case err == nil:
				messages = append(messages, ToolResultMessage(tc.ID, "error: "+result.Error))
			default:
				var unknown *ErrUnknownTool
				var badArgs *ErrToolArgs
				switch {
				case errors.As(err, &unknown):
					// Fail closed: never guess at an unregistered capability.
					a.logger.Warn("model requested unknown tool", "user", user, "tool", tc.Name)
					answer := Answer{
						Text:  fmt.Sprintf("I tried to use a tool named %q, but it is not available.", tc.Name),
						Model: a.provider.ModelID(),
						Usage: usage,
					}
					if err := a.recordTurn(ctx, user, sessionID, message, answer.Text); err != nil {
						return Answer{}, err
					}
					return answer, nil
				case errors.As(err, &badArgs) && !argRetried[tc.Name]:
					// One corrective retry: tell the model what was wrong.
					argRetried[tc.Name] = true
					messages = append(messages, ToolResultMessage(tc.ID, "error: "+badArgs.Reason+"; call the tool again with corrected arguments"))
				default:
					messages = append(messages, ToolResultMessage(tc.ID, "error: "+err.Error()))
				}
			}
		}
	}

	// Step budget exhausted — best-effort partial answer, flagged.
	a.logger.Warn("step budget exhausted", "user", user, "session", sessionID, "steps", a.maxSteps)
	text := strings.TrimSpace(lastContent)
	if text == "" {
		text = "I ran out of reasoning steps before reaching an answer."
	}
	answer := Answer{Text: text, Model: a.provider.ModelID(), Truncated: true, Usage: usage}
	if err := a.recordTurn(ctx, user, sessionID, message, answer.Text); err != nil {
		return Answer{}, err
	}
	return answer, nil
}

// execTool runs one tool call under the per-call timeout.
func (a *Agent) execTool(ctx context.Context, tc ToolCall) (ToolResult, error) {
	ctx, cancel := context.WithTimeout(ctx, a.toolTimeout)
	defer cancel()
	return a.tools.Execute(ctx, tc.Name, tc.Args)
}

// buildMessages assembles system context + retrieved memories + short-term
// history + the current message.
func (a *Agent) buildMessages(ctx context.Context, user string, history []Turn, message string) []ChatMessage {
	var messages []ChatMessage

	var systemParts []string
	if a.systemPrompt != "" {
		systemParts = append(systemParts, a.systemPrompt)
	}
	if mem := a.recallMemories(ctx, user, message); mem != "" {
		systemParts = append(systemParts, mem)
	}
	if len(systemParts) > 0 {
		messages = append(messages, SystemMessage(strings.Join(systemParts, "\n\n")))
	}

	for _, t := range history {
		role := "user"
		if t.Role == RoleAssistant {
			role = "assistant"
		}
		messages = append(messages, ChatMessage{Role: role, Content: t.Text})
	}

	messages = append(messages, UserMessage(message))
	return messages
}

// recallMemories queries long-term memory for the user. Best-effort: any
// failure logs and returns no context.
func (a *Agent) recallMemories(ctx context.Context, user, message string) string {
	if a.ltm == nil || a.embedding == nil {
		return ""
	}
	embs, err := a.embedding.Embed(ctx, []string{message})
	if err != nil || len(embs) == 0 {
		a.logger.Warn("memory recall embed failed", "user", user, "error", err)
		return ""
	}
	items, err := a.ltm.Query(ctx, user, embs[0], a.topN)
	if err != nil {
		a.logger.Warn("memory recall query failed", "user", user, "error", err)
		return ""
	}
	if len(items) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("What you remember about this user:\n")
	for _, it := range items {
		b.WriteString("- " + it.Text + "\n")
	}
	return b.String()
}

// recordTurn appends the human and assistant turns to the session window and
// schedules long-term extraction. The append runs under a detached context
// so a caller hang-up cannot leave a half-recorded turn.
func (a *Agent) recordTurn(ctx context.Context, user, sessionID, userText, assistantText string) error {
	key := SessionKey(user, sessionID)
	bgCtx := context.WithoutCancel(ctx)

	now := NowUnix()
	if err := a.stm.Append(bgCtx, key, Turn{Role: RoleHuman, Text: userText, Timestamp: now}); err != nil {
		return &ErrMemoryStore{Op: "append", Key: key, Err: err}
	}
	if err := a.stm.Append(bgCtx, key, Turn{Role: RoleAssistant, Text: assistantText, Timestamp: now}); err != nil {
		return &ErrMemoryStore{Op: "append", Key: key, Err: err}
	}

	if a.extract != nil {
		a.extract.submit(extractJob{
			user:          user,
			sessionID:     sessionID,
			userText:      userText,
			assistantText: assistantText,
		})
	}
	return nil
}

// Turn roles.
const (
	RoleHuman     = "human"
	RoleAssistant = "assistant"
)

// truncateStr truncates a string to n runes.
func truncateStr(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "\n\n[output truncated — original was longer]"
}
