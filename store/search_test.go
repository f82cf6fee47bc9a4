//go:build cgo

package store

import (
	"context"
	"reflect"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// FTS
// ---------------------------------------------------------------------------

func TestFTSSearchFindsMolecules(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustReplace(t, s, "notes/a.md", ProvenanceInternal, []string{"notes"}, 1000)

	hits, err := s.FTSSearch(ctx, "storage", 10)
	if err != nil {
		t.Fatalf("fts: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit, got %d", len(hits))
	}
	h := hits[0]
	if h.Score <= 0 {
		t.Errorf("score = %v, want > 0", h.Score)
	}
	if h.Source != "notes/a.md" {
		t.Errorf("source = %q", h.Source)
	}
	if !strings.Contains(h.Content, "storage") {
		t.Errorf("content = %q", h.Content)
	}
	if !reflect.DeepEqual(h.Buckets, []string{"notes"}) {
		t.Errorf("buckets = %v", h.Buckets)
	}
	if h.Provenance != ProvenanceInternal {
		t.Errorf("provenance = %q", h.Provenance)
	}
}

func TestFTSSearchCaseInsensitive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustReplace(t, s, "notes/a.md", ProvenanceInternal, []string{"notes"}, 1000)

	hits, err := s.FTSSearch(ctx, "ALPHA", 10)
	if err != nil {
		t.Fatalf("fts: %v", err)
	}
	if len(hits) == 0 {
		t.Error("uppercase query should match lowercase index")
	}
}

func TestSanitizeFTSQuery(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{`hello world`, "hello world"},
		{`Hello "World"!`, "hello world"},
		{`a AND b) OR (c*`, "a and b or c"},
		{`  spaced   out  `, "spaced out"},
		{`injection"; DROP--`, "injection drop"},
	}
	for _, c := range cases {
		if got := SanitizeFTSQuery(c.in); got != c.want {
			t.Errorf("SanitizeFTSQuery(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestLinearScanFallback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustReplace(t, s, "notes/a.md", ProvenanceInternal, []string{"notes"}, 1000)

	hits, err := s.LinearScan(ctx, "STORAGE", 10)
	if err != nil {
		t.Fatalf("linear scan: %v", err)
	}
	if len(hits) != 1 {
		t.Errorf("expected 1 hit, got %d", len(hits))
	}

	// Source paths are matched too.
	hits, err = s.LinearScan(ctx, "a.md", 10)
	if err != nil {
		t.Fatalf("linear scan: %v", err)
	}
	if len(hits) == 0 {
		t.Error("expected path match")
	}
}

// ---------------------------------------------------------------------------
// Neighbor query
// ---------------------------------------------------------------------------

func TestMoleculesByAtomLabels(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustReplace(t, s, "a/a.md", ProvenanceInternal, []string{"a"}, 1000)

	hits, err := s.MoleculesByAtomLabels(ctx, []string{"#technical", "Alpha"}, 10)
	if err != nil {
		t.Fatalf("neighbors: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 tagged molecules, got %d", len(hits))
	}
	// The first molecule carries both tags, the second only #technical.
	if hits[0].TagOverlap != 2 {
		t.Errorf("top overlap = %d, want 2", hits[0].TagOverlap)
	}
	if hits[1].TagOverlap != 1 {
		t.Errorf("second overlap = %d, want 1", hits[1].TagOverlap)
	}
}

func TestGetMoleculeHitsToleratesMissingIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := mustReplace(t, s, "a/a.md", ProvenanceInternal, []string{"a"}, 1000)

	hits, err := s.GetMoleculeHits(ctx, []string{MoleculeID(c.ID, 0), "ghost:7"})
	if err != nil {
		t.Fatalf("hydrate: %v", err)
	}
	if len(hits) != 1 {
		t.Errorf("expected the ghost id to be absent, got %d hits", len(hits))
	}
}

// ---------------------------------------------------------------------------
// Engrams and session state
// ---------------------------------------------------------------------------

func TestEngramRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	digest := ContentHash("some query")
	ids, err := s.GetEngram(ctx, digest)
	if err != nil {
		t.Fatalf("get on empty: %v", err)
	}
	if ids != nil {
		t.Errorf("miss should return nil, got %v", ids)
	}

	want := []string{"m:1", "m:2"}
	if err := s.PutEngram(ctx, digest, want); err != nil {
		t.Fatalf("put: %v", err)
	}
	ids, err = s.GetEngram(ctx, digest)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !reflect.DeepEqual(ids, want) {
		t.Errorf("ids = %v, want %v", ids, want)
	}

	// Replacement, not append.
	if err := s.PutEngram(ctx, digest, []string{"m:9"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	ids, _ = s.GetEngram(ctx, digest)
	if !reflect.DeepEqual(ids, []string{"m:9"}) {
		t.Errorf("ids = %v after replace", ids)
	}
}

func TestSessionStateLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	summary, _, err := s.GetSessionState(ctx)
	if err != nil {
		t.Fatalf("get on empty: %v", err)
	}
	if summary != "" {
		t.Errorf("empty store should read empty state")
	}

	if err := s.PutSessionState(ctx, "first summary"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.PutSessionState(ctx, "second summary"); err != nil {
		t.Fatalf("put: %v", err)
	}

	summary, updatedAt, err := s.GetSessionState(ctx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if summary != "second summary" {
		t.Errorf("summary = %q, state must be replaced not appended", summary)
	}
	if updatedAt == 0 {
		t.Error("updated_at not recorded")
	}

	if err := s.ClearSessionState(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	summary, _, _ = s.GetSessionState(ctx)
	if summary != "" {
		t.Errorf("state survived clear: %q", summary)
	}
}
