// Package scribe maintains the markovian session state: a single rolling
// summary of recent conversation turns, compressed by the external
// generator and injected ahead of every generation request.
package scribe

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/RSBalchII/Anchor/llm"
	"github.com/RSBalchII/Anchor/store"
)

const (
	// maxSummaryChars is the hard cap on the stored summary.
	maxSummaryChars = 1200

	// maxTurns bounds how many trailing turns feed one compression.
	maxTurns = 10
)

// compressionPrompt is the fixed instruction wrapped around the turns.
const compressionPrompt = `Compress the following conversation into a running session summary of at most 200 words. Preserve names, decisions, open questions, and the user's current goal. Write plain prose, no lists, no preamble.

%s

Current summary (replace, do not append):
%s`

// Turn is one conversation message.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Scribe compresses conversation history into the single session_state row.
// Updates are serialized; a generator failure leaves the prior state intact.
type Scribe struct {
	mu        sync.Mutex
	store     *store.Store
	generator llm.Generator
	timeout   time.Duration
}

// New creates a Scribe. timeout bounds each generator call.
func New(s *store.Store, g llm.Generator, timeout time.Duration) *Scribe {
	if timeout == 0 {
		timeout = 2 * time.Minute
	}
	return &Scribe{store: s, generator: g, timeout: timeout}
}

// Update compresses the trailing turns into a fresh summary and replaces
// the stored state. On generator failure the previous state is preserved
// and the error is returned.
func (sc *Scribe) Update(ctx context.Context, turns []Turn) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.generator == nil {
		return fmt.Errorf("scribe: no generator configured")
	}
	if len(turns) == 0 {
		return nil
	}
	if len(turns) > maxTurns {
		turns = turns[len(turns)-maxTurns:]
	}

	prior, _, err := sc.store.GetSessionState(ctx)
	if err != nil {
		return err
	}
	if prior == "" {
		prior = "(none)"
	}

	var transcript strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&transcript, "%s: %s\n", t.Role, t.Content)
	}

	genCtx, cancel := context.WithTimeout(ctx, sc.timeout)
	defer cancel()

	summary, err := sc.generator.Generate(genCtx, fmt.Sprintf(compressionPrompt, transcript.String(), prior))
	if err != nil {
		slog.Warn("scribe: compression failed, keeping previous state", "error", err)
		return err
	}

	summary = strings.TrimSpace(summary)
	if len(summary) > maxSummaryChars {
		summary = summary[:maxSummaryChars]
	}
	if summary == "" {
		return nil
	}

	if err := sc.store.PutSessionState(ctx, summary); err != nil {
		return err
	}
	slog.Debug("scribe: session state updated", "chars", len(summary))
	return nil
}

// Get returns the current summary, empty if none has been recorded.
func (sc *Scribe) Get(ctx context.Context) (string, error) {
	summary, _, err := sc.store.GetSessionState(ctx)
	return summary, err
}

// Clear removes the session state.
func (sc *Scribe) Clear(ctx context.Context) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.store.ClearSessionState(ctx)
}
