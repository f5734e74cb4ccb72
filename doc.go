// Package warren routes per-user conversations to isolated agent workers.
//
// A dispatcher maps every user to exactly one long-lived worker container,
// provisioning it on first contact and reusing it afterwards. Each worker
// runs a ReAct-style reasoning loop augmented with a sliding-window
// short-term memory, a per-user semantic long-term memory, and a small
// tool set, and talks to a hosted model provider through a family-specific
// schema adapter.
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [Provider] — model backend for one model family (chat, tool calling)
//   - [EmbeddingProvider] — text-to-vector embedding
//   - [ShortTermStore] — bounded per-session recent-turn window
//   - [LongTermStore] — per-user semantic memory, queried by similarity
//   - [Tool] — pluggable capability for model function calling
//
// # Included Implementations
//
// Providers: provider/titan (Amazon Titan text), provider/claude
// (Claude-style messages API), provider/openaicompat (OpenAI-compatible
// tool-calling APIs). Storage: stm/redis (short-term), ltm/chromem,
// ltm/sqlite, ltm/postgres (long-term). Tools: tools/calc,
// tools/websearch, tools/file.
//
// The dispatcher package contains the container lifecycle manager and the
// request router; the worker package contains the per-user agent service.
// See cmd/dispatcher and cmd/worker for the two binaries.
package warren
