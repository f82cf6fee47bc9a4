//go:build cgo

package scribe

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/RSBalchII/Anchor/llm"
	"github.com/RSBalchII/Anchor/store"
)

// fakeGenerator returns a canned response or error and records its prompts.
type fakeGenerator struct {
	response string
	err      error
	prompts  []string
}

func (f *fakeGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

func (f *fakeGenerator) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &llm.ChatResponse{Content: f.response}, nil
}

func (f *fakeGenerator) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, llm.ErrEmbeddingUnsupported
}

func newTestScribe(t *testing.T, g llm.Generator) *Scribe {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"), 0)
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, g, time.Second)
}

func TestUpdateReplacesState(t *testing.T) {
	gen := &fakeGenerator{response: "summary one"}
	sc := newTestScribe(t, gen)
	ctx := context.Background()

	turns := []Turn{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi there"},
	}
	if err := sc.Update(ctx, turns); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := sc.Get(ctx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "summary one" {
		t.Errorf("state = %q", got)
	}

	gen.response = "summary two"
	if err := sc.Update(ctx, turns); err != nil {
		t.Fatalf("second update: %v", err)
	}
	got, _ = sc.Get(ctx)
	if got != "summary two" {
		t.Errorf("state = %q, old summary must be replaced", got)
	}
}

func TestUpdatePromptCarriesTurnsAndPriorState(t *testing.T) {
	gen := &fakeGenerator{response: "first"}
	sc := newTestScribe(t, gen)
	ctx := context.Background()

	sc.Update(ctx, []Turn{{Role: "user", Content: "alpha question"}})
	gen.response = "second"
	sc.Update(ctx, []Turn{{Role: "user", Content: "beta question"}})

	if len(gen.prompts) != 2 {
		t.Fatalf("expected 2 generator calls, got %d", len(gen.prompts))
	}
	if !strings.Contains(gen.prompts[1], "beta question") {
		t.Error("second prompt missing the new turns")
	}
	if !strings.Contains(gen.prompts[1], "first") {
		t.Error("second prompt missing the prior summary")
	}
}

func TestGeneratorFailurePreservesState(t *testing.T) {
	gen := &fakeGenerator{response: "good state"}
	sc := newTestScribe(t, gen)
	ctx := context.Background()

	if err := sc.Update(ctx, []Turn{{Role: "user", Content: "x"}}); err != nil {
		t.Fatalf("update: %v", err)
	}

	gen.err = errors.New("model unavailable")
	err := sc.Update(ctx, []Turn{{Role: "user", Content: "y"}})
	if err == nil {
		t.Fatal("expected error from failed generation")
	}

	got, _ := sc.Get(ctx)
	if got != "good state" {
		t.Errorf("state = %q, previous summary must survive a generator failure", got)
	}
}

func TestSummaryHardCap(t *testing.T) {
	gen := &fakeGenerator{response: strings.Repeat("long ", 1000)}
	sc := newTestScribe(t, gen)
	ctx := context.Background()

	if err := sc.Update(ctx, []Turn{{Role: "user", Content: "x"}}); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ := sc.Get(ctx)
	if len(got) > maxSummaryChars {
		t.Errorf("summary is %d chars, cap is %d", len(got), maxSummaryChars)
	}
}

func TestUpdateUsesOnlyTrailingTurns(t *testing.T) {
	gen := &fakeGenerator{response: "ok"}
	sc := newTestScribe(t, gen)
	ctx := context.Background()

	var turns []Turn
	for i := 0; i < 15; i++ {
		turns = append(turns, Turn{Role: "user", Content: "turn-" + string(rune('a'+i))})
	}
	if err := sc.Update(ctx, turns); err != nil {
		t.Fatalf("update: %v", err)
	}

	prompt := gen.prompts[0]
	if strings.Contains(prompt, "turn-a") {
		t.Error("oldest turns should be dropped beyond the window")
	}
	if !strings.Contains(prompt, "turn-o") {
		t.Error("newest turn missing from the prompt")
	}
}

func TestClear(t *testing.T) {
	gen := &fakeGenerator{response: "something"}
	sc := newTestScribe(t, gen)
	ctx := context.Background()

	sc.Update(ctx, []Turn{{Role: "user", Content: "x"}})
	if err := sc.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	got, _ := sc.Get(ctx)
	if got != "" {
		t.Errorf("state = %q after clear", got)
	}
}
