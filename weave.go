package anchor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/RSBalchII/Anchor/llm"
	"github.com/RSBalchII/Anchor/scribe"
	"github.com/RSBalchII/Anchor/search"
)

// systemPrompt is the fixed instruction at the top of every woven request.
const systemPrompt = "You are a local assistant with access to the user's personal context engine. Ground answers in the provided context when it is relevant; say so when it is not."

// defaultContextChars is the retrieval budget when the caller supplies none.
const defaultContextChars = 2500

// weave assembles the prompt layers in priority order: system prompt,
// session state (capped upstream at 1200 chars), retrieved context.
func weave(state, retrieved string) string {
	var b strings.Builder
	b.WriteString(systemPrompt)
	if state != "" {
		b.WriteString("\n\n[SESSION STATE]\n")
		b.WriteString(state)
		b.WriteString("\n[/SESSION STATE]")
	}
	if retrieved != "" {
		b.WriteString("\n\n[RETRIEVED CONTEXT]\n")
		b.WriteString(retrieved)
		b.WriteString("\n[/RETRIEVED CONTEXT]")
	}
	return b.String()
}

// Chat runs one generation request: retrieve context for the latest user
// message, weave the session state ahead of it, call the generator, and
// feed the new turns back through the scribe. A scribe failure leaves the
// previous state intact and never fails the chat.
func (e *engine) Chat(ctx context.Context, messages []llm.Message, params ChatParams) (string, error) {
	if e.generator == nil {
		return "", fmt.Errorf("%w: no generator configured", ErrGenerator)
	}
	if len(messages) == 0 {
		return "", fmt.Errorf("%w: messages must be non-empty", ErrBadRequest)
	}

	userMsg := lastUserMessage(messages)
	if strings.TrimSpace(userMsg) == "" {
		return "", fmt.Errorf("%w: no user message found", ErrBadRequest)
	}

	budget := params.ContextChars
	if budget == 0 {
		budget = defaultContextChars
	}

	var retrieved string
	if budget >= e.cfg.MinWindowCap {
		res, err := e.Search(ctx, userMsg, SearchOptions{
			MaxChars:   budget,
			Provenance: search.ModeAll,
		})
		if err != nil {
			slog.Warn("chat: context retrieval failed (continuing without)", "error", err)
		} else {
			retrieved = res.Context
		}
	}

	state, err := e.scribe.Get(ctx)
	if err != nil {
		slog.Warn("chat: reading session state failed", "error", err)
	}

	woven := make([]llm.Message, 0, len(messages)+1)
	woven = append(woven, llm.Message{Role: "system", Content: weave(state, retrieved)})
	woven = append(woven, messages...)

	genCtx, cancel := context.WithTimeout(ctx, time.Duration(e.cfg.GeneratorTimeoutSec)*time.Second)
	defer cancel()

	resp, err := e.generator.Chat(genCtx, llm.ChatRequest{
		Messages:    woven,
		Temperature: params.Temperature,
		MaxTokens:   params.MaxTokens,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return "", fmt.Errorf("%w: %v", ErrGenerator, err)
	}

	turns := make([]scribe.Turn, 0, len(messages)+1)
	for _, m := range messages {
		turns = append(turns, scribe.Turn{Role: m.Role, Content: m.Content})
	}
	turns = append(turns, scribe.Turn{Role: "assistant", Content: resp.Content})
	if err := e.scribe.Update(ctx, turns); err != nil {
		slog.Warn("chat: scribe update failed, state unchanged", "error", err)
	}

	return resp.Content, nil
}

func lastUserMessage(messages []llm.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}
