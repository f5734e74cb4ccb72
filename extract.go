package warren

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const extractMemoriesPrompt = `Extract durable facts about the user from this exchange. Durable facts are preferences, biographical details, goals, constraints, or standing instructions that would be useful in future conversations. Ignore transient conversational details.

Return a JSON array of objects with "text" and "category" fields, where category is one of "preference", "fact", "goal", "instruction". Return [] if nothing durable was shared.

User: %s
Assistant: %s`

// trivialOpeners are exchanges not worth an extraction call.
var trivialOpeners = []string{
	"hi", "hello", "hey", "thanks", "thank you", "ok", "okay", "yes", "no",
	"bye", "goodbye", "test",
}

type extractJob struct {
	user          string
	sessionID     string
	userText      string
	assistantText string
}

// extractQueue runs long-term memory extraction off the request path. Jobs
// are processed by a single background goroutine; when the queue is full the
// job is dropped and logged, never blocking a turn.
type extractQueue struct {
	provider  Provider
	embedding EmbeddingProvider
	store     LongTermStore
	logger    *slog.Logger
	jobs      chan extractJob
	done      chan struct{}
	closeOnce sync.Once
}

func newExtractQueue(provider Provider, embedding EmbeddingProvider, store LongTermStore, logger *slog.Logger) *extractQueue {
	q := &extractQueue{
		provider:  provider,
		embedding: embedding,
		store:     store,
		logger:    logger,
		jobs:      make(chan extractJob, 64),
		done:      make(chan struct{}),
	}
	go q.run()
	return q
}

// submit enqueues a job without blocking.
func (q *extractQueue) submit(job extractJob) {
	if !shouldExtract(job.userText) {
		return
	}
	select {
	case q.jobs <- job:
	default:
		q.logger.Warn("memory extraction queue full, dropping job", "user", job.user)
	}
}

// close stops accepting jobs and waits for in-flight work to finish.
func (q *extractQueue) close() {
	q.closeOnce.Do(func() {
		close(q.jobs)
		<-q.done
	})
}

func (q *extractQueue) run() {
	defer close(q.done)
	for job := range q.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		q.process(ctx, job)
		cancel()
	}
}

// process runs one extraction: model call, parse, embed, upsert. Every
// failure logs and drops; extraction never surfaces to a turn.
func (q *extractQueue) process(ctx context.Context, job extractJob) {
	resp, err := q.provider.Chat(ctx, ChatRequest{
		Messages: []ChatMessage{UserMessage(formatExtractPrompt(job.userText, job.assistantText))},
	})
	if err != nil {
		q.logger.Warn("memory extraction model call failed", "user", job.user, "error", err)
		return
	}

	items := parseExtractedItems(resp.Content)
	if len(items) == 0 {
		return
	}

	texts := make([]string, len(items))
	for i, it := range items {
		texts[i] = it.Text
	}
	embs, err := q.embedding.Embed(ctx, texts)
	if err != nil || len(embs) != len(items) {
		q.logger.Warn("memory extraction embed failed", "user", job.user, "error", err)
		return
	}

	now := NowUnix()
	for i := range items {
		items[i].ID = NewID()
		items[i].UserID = job.user
		items[i].SessionID = job.sessionID
		items[i].Embedding = embs[i]
		items[i].CreatedAt = now
		if err := q.store.Upsert(ctx, items[i]); err != nil {
			q.logger.Warn("memory upsert failed", "user", job.user, "error", err)
		}
	}
	q.logger.Debug("extracted memories", "user", job.user, "count", len(items))
}

// shouldExtract filters exchanges that cannot contain durable facts.
func shouldExtract(userText string) bool {
	t := strings.ToLower(strings.TrimSpace(userText))
	if len(t) < 8 {
		return false
	}
	for _, opener := range trivialOpeners {
		if t == opener || t == opener+"!" || t == opener+"." {
			return false
		}
	}
	if strings.HasPrefix(t, "/") {
		return false
	}
	return true
}

func formatExtractPrompt(userText, assistantText string) string {
	return fmt.Sprintf(extractMemoriesPrompt, userText, assistantText)
}

// parseExtractedItems parses the model's JSON array, tolerating a markdown
// code fence around it.
func parseExtractedItems(content string) []MemoryItem {
	s := strings.TrimSpace(content)
	if after, ok := strings.CutPrefix(s, "```json"); ok {
		s = after
	} else if after, ok := strings.CutPrefix(s, "```"); ok {
		s = after
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	s = strings.TrimSpace(s)

	start := strings.Index(s, "[")
	end := strings.LastIndex(s, "]")
	if start == -1 || end == -1 || end < start {
		return nil
	}

	var raw []struct {
		Text     string `json:"text"`
		Category string `json:"category"`
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), &raw); err != nil {
		return nil
	}

	var items []MemoryItem
	for _, r := range raw {
		text := strings.TrimSpace(r.Text)
		if text == "" {
			continue
		}
		items = append(items, MemoryItem{Text: text, Category: r.Category})
	}
	return items
}
