//go:build cgo

package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := New(dbPath, 0)
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// sampleCompound builds a compound with two molecules sharing one atom.
func sampleCompound(path, provenance string, buckets []string, ts int64) (Compound, []Molecule, []Atom, []AtomEdge) {
	body := "Alpha sentence about engines here today. Beta sentence about storage follows now."
	id := CompoundID(path)
	c := Compound{
		ID:         id,
		Path:       path,
		Timestamp:  ts,
		Hash:       CompoundHash(path, body),
		Body:       body,
		Provenance: provenance,
		Signature:  42,
		Buckets:    buckets,
		DocType:    MoleculeProse,
	}
	atoms := []Atom{
		{ID: AtomID("#technical"), Label: "#technical", Type: AtomTypeTechnical, Weight: 0.8},
		{ID: AtomID("Alpha"), Label: "Alpha", Type: AtomTypeConcept, Weight: 0.6},
	}
	mols := []Molecule{
		{
			ID: MoleculeID(id, 0), CompoundID: id, Seq: 0,
			StartByte: 0, EndByte: 40, Content: body[0:40],
			Type: MoleculeProse, Tags: []string{"#technical", "Alpha"}, Signature: 1,
		},
		{
			ID: MoleculeID(id, 1), CompoundID: id, Seq: 1,
			StartByte: 40, EndByte: len(body), Content: body[40:],
			Type: MoleculeProse, Tags: []string{"#technical"}, Signature: 2,
		},
	}
	edges := []AtomEdge{
		{FromID: AtomID("#technical"), ToID: AtomID("Alpha"), Weight: 1, Relation: "co_occurs"},
	}
	return c, mols, atoms, edges
}

func mustReplace(t *testing.T, s *Store, path, provenance string, buckets []string, ts int64) Compound {
	t.Helper()
	c, mols, atoms, edges := sampleCompound(path, provenance, buckets, ts)
	if err := s.ReplaceCompound(context.Background(), c, mols, atoms, edges); err != nil {
		t.Fatalf("replacing compound %s: %v", path, err)
	}
	return c
}

// ---------------------------------------------------------------------------
// Schema / construction
// ---------------------------------------------------------------------------

func TestNewIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := New(dbPath, 0)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	s.Close()

	// Reopening must verify, not recreate.
	s2, err := New(dbPath, 0)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	s2.Close()
}

// ---------------------------------------------------------------------------
// Compound CRUD
// ---------------------------------------------------------------------------

func TestReplaceAndGetCompound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := mustReplace(t, s, "notes/a.md", ProvenanceInternal, []string{"notes"}, 1000)

	got, err := s.GetCompound(ctx, c.ID)
	if err != nil {
		t.Fatalf("getting compound: %v", err)
	}
	if got.Body != c.Body {
		t.Errorf("body mismatch")
	}
	if got.Signature != 42 {
		t.Errorf("signature = %d, want 42", got.Signature)
	}
	if !reflect.DeepEqual(got.Buckets, []string{"notes"}) {
		t.Errorf("buckets = %v, want [notes]", got.Buckets)
	}

	mols, err := s.MoleculesByCompound(ctx, c.ID)
	if err != nil {
		t.Fatalf("listing molecules: %v", err)
	}
	if len(mols) != 2 {
		t.Fatalf("expected 2 molecules, got %d", len(mols))
	}
	for _, m := range mols {
		if got.Body[m.StartByte:m.EndByte] != m.Content {
			t.Errorf("molecule %d content does not slice the body", m.Seq)
		}
	}
}

func TestGetCompoundByHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := mustReplace(t, s, "notes/a.md", ProvenanceInternal, []string{"notes"}, 1000)

	got, err := s.GetCompoundByHash(ctx, c.Hash)
	if err != nil {
		t.Fatalf("lookup by hash: %v", err)
	}
	if got.ID != c.ID {
		t.Errorf("id = %s, want %s", got.ID, c.ID)
	}

	if _, err := s.GetCompoundByHash(ctx, "missing"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("expected ErrNoRows for unknown hash, got %v", err)
	}
}

func TestReplaceCompoundReplacesMolecules(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := mustReplace(t, s, "notes/a.md", ProvenanceInternal, []string{"notes"}, 1000)

	// Replace with a single molecule.
	c2 := c
	c2.Body = "Entirely new body for the same path here."
	c2.Hash = CompoundHash(c2.Path, c2.Body)
	mols := []Molecule{{
		ID: MoleculeID(c.ID, 0), CompoundID: c.ID, Seq: 0,
		StartByte: 0, EndByte: len(c2.Body), Content: c2.Body,
		Type: MoleculeProse, Tags: []string{}, Signature: 9,
	}}
	if err := s.ReplaceCompound(ctx, c2, mols, nil, nil); err != nil {
		t.Fatalf("replacing: %v", err)
	}

	got, err := s.MoleculesByCompound(ctx, c.ID)
	if err != nil {
		t.Fatalf("listing molecules: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected old molecules gone, have %d", len(got))
	}

	// The FTS index must follow: old content no longer matches.
	hits, err := s.FTSSearch(ctx, "alpha", 10)
	if err != nil {
		t.Fatalf("fts: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("stale FTS rows survived replacement: %v", hits)
	}
}

func TestDeleteCompound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := mustReplace(t, s, "notes/a.md", ProvenanceInternal, []string{"notes"}, 1000)
	if err := s.DeleteCompound(ctx, c.ID); err != nil {
		t.Fatalf("deleting: %v", err)
	}

	if _, err := s.GetCompound(ctx, c.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("compound still present after delete")
	}
	hits, err := s.FTSSearch(ctx, "alpha", 10)
	if err != nil {
		t.Fatalf("fts after delete: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("FTS rows survived delete")
	}
}

func TestBucketsUnion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	buckets, err := s.Buckets(ctx)
	if err != nil {
		t.Fatalf("buckets on empty store: %v", err)
	}
	if !reflect.DeepEqual(buckets, []string{"core"}) {
		t.Errorf("empty store buckets = %v, want [core]", buckets)
	}

	mustReplace(t, s, "a/a.md", ProvenanceInternal, []string{"zeta", "alpha"}, 1000)
	mustReplace(t, s, "b/b.md", ProvenanceInternal, []string{"alpha", "beta"}, 2000)

	buckets, err = s.Buckets(ctx)
	if err != nil {
		t.Fatalf("buckets: %v", err)
	}
	if !reflect.DeepEqual(buckets, []string{"alpha", "beta", "zeta"}) {
		t.Errorf("buckets = %v, want sorted unique union", buckets)
	}
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustReplace(t, s, "a/a.md", ProvenanceInternal, []string{"a"}, 1000)

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Compounds != 1 || stats.Molecules != 2 || stats.Atoms != 2 || stats.AtomEdges != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

// ---------------------------------------------------------------------------
// Atom integrity
// ---------------------------------------------------------------------------

func TestTaggedAtomsExist(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := mustReplace(t, s, "a/a.md", ProvenanceInternal, []string{"a"}, 1000)

	mols, err := s.MoleculesByCompound(ctx, c.ID)
	if err != nil {
		t.Fatalf("molecules: %v", err)
	}
	for _, m := range mols {
		for _, tag := range m.Tags {
			if _, err := s.GetAtom(ctx, AtomID(tag)); err != nil {
				t.Errorf("tag %q has no atom row: %v", tag, err)
			}
		}
	}
}

func TestEdgeWeightsAccumulate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustReplace(t, s, "a/a.md", ProvenanceInternal, []string{"a"}, 1000)
	mustReplace(t, s, "b/b.md", ProvenanceInternal, []string{"b"}, 2000)

	edges, err := s.AtomEdgesFrom(ctx, AtomID("#technical"), 10)
	if err != nil {
		t.Fatalf("edges: %v", err)
	}
	if len(edges) != 1 {
		t.Fatalf("expected one edge, got %d", len(edges))
	}
	if edges[0].Weight != 2 {
		t.Errorf("edge weight = %v, want accumulated 2", edges[0].Weight)
	}
}
