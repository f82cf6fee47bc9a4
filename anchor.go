// Package anchor is a local-first context engine: it ingests heterogeneous
// text documents into a compound/molecule/atom taxonomy inside an embedded
// SQLite store, and serves token-budgeted, context-inflated evidence
// windows through the tag-walker search protocol.
package anchor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/RSBalchII/Anchor/atomizer"
	"github.com/RSBalchII/Anchor/inflate"
	"github.com/RSBalchII/Anchor/llm"
	"github.com/RSBalchII/Anchor/scribe"
	"github.com/RSBalchII/Anchor/search"
	"github.com/RSBalchII/Anchor/store"
)

// ingestExtensions is the allow-list for watched-file ingestion. The empty
// extension admits plain files like README or LICENSE.
var ingestExtensions = map[string]bool{
	".txt": true, ".md": true, ".json": true, ".yaml": true, ".yml": true,
	".js": true, ".ts": true, ".py": true, ".html": true, ".css": true,
	".bat": true, ".ps1": true, ".sh": true, "": true,
}

// Engine is the main entry point for the context engine.
type Engine interface {
	// Ingest stores one document directly. Identical content (by hash) is
	// skipped and returns the existing id.
	Ingest(ctx context.Context, content, source, typ string, buckets []string) (*IngestResult, error)

	// IngestFile ingests one file from disk, applying the size cap and
	// extension allow-list. Used by the watcher and by backfill.
	IngestFile(ctx context.Context, path string) (*IngestResult, error)

	// Search runs the tag-walker protocol and inflates the hits into
	// budget-capped context windows.
	Search(ctx context.Context, query string, opts SearchOptions) (*SearchResult, error)

	// Buckets returns the sorted unique union of all bucket labels.
	Buckets(ctx context.Context) ([]string, error)

	// Dream re-tags compounds that still carry only the default bucket.
	Dream(ctx context.Context) (*DreamResult, error)

	// Backup ejects the store to a timestamped snapshot file and returns
	// the serialized document.
	Backup(ctx context.Context) (*BackupResult, error)

	// Chat answers with retrieved context and the woven session state,
	// then feeds the new turns back through the scribe.
	Chat(ctx context.Context, messages []llm.Message, params ChatParams) (string, error)

	// Scribe exposes the session-state operations.
	Scribe() *scribe.Scribe

	// Stats returns store object counts.
	Stats(ctx context.Context) (*store.Stats, error)

	// Store returns the underlying store for diagnostic access.
	Store() *store.Store

	// Close cleanly shuts down the engine.
	Close() error
}

// IngestResult reports the outcome of one ingest.
type IngestResult struct {
	Status string `json:"status"` // inserted | skipped
	ID     string `json:"id"`
}

// SearchOptions configures one search call.
type SearchOptions struct {
	Buckets    []string `json:"buckets,omitempty"`
	ScopeTags  []string `json:"scope_tags,omitempty"`
	MaxChars   int      `json:"max_chars"`
	Provenance string   `json:"provenance,omitempty"` // sovereign | external | all
}

// SearchResult is the rendered context plus the underlying windows.
type SearchResult struct {
	Context  string           `json:"context"`
	Results  []inflate.Window `json:"results"`
	Metadata SearchMetadata   `json:"metadata"`
}

// SearchMetadata carries the per-phase trace of one search.
type SearchMetadata struct {
	Query     string        `json:"query"`
	Mode      string        `json:"mode"`
	Hits      int           `json:"hits"`
	Windows   int           `json:"windows"`
	Partial   bool          `json:"partial"`
	ElapsedMs int64         `json:"elapsed_ms"`
	Trace     *search.Trace `json:"trace,omitempty"`
}

// DreamResult reports a re-tagging pass.
type DreamResult struct {
	Scanned  int `json:"scanned"`
	Retagged int `json:"retagged"`
}

// BackupResult reports a snapshot ejection.
type BackupResult struct {
	Path     string `json:"path"`
	Records  int    `json:"records"`
	Document []byte `json:"-"`
}

// ChatParams tunes one chat call.
type ChatParams struct {
	MaxTokens    int     `json:"max_tokens,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
	ContextChars int     `json:"context_chars,omitempty"` // retrieval budget, default 2500
}

// engine is the concrete implementation of Engine.
type engine struct {
	cfg       Config
	store     *store.Store
	atomz     *atomizer.Atomizer
	searcher  *search.Engine
	inflator  *inflate.Inflator
	scribe    *scribe.Scribe
	generator llm.Generator
	embedder  llm.Generator
}

// New creates an engine, verifies the store, and runs the boot-time
// auto-hydration policy: an empty database is restored from the newest
// snapshot in the backups directory when one exists.
func New(cfg Config) (Engine, error) {
	cfg = cfg.withDefaults()

	s, err := store.New(cfg.DBPath, cfg.EmbeddingDim)
	if err != nil {
		return nil, fmt.Errorf("%w: opening store: %v", ErrFatal, err)
	}

	var generator llm.Generator
	if cfg.Generator.Provider != "" {
		generator, err = llm.NewGenerator(cfg.Generator)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("creating generator: %w", err)
		}
	}

	var embedder llm.Generator
	if cfg.Embedding.Provider != "" && cfg.EmbeddingDim > 0 {
		embedder, err = llm.NewGenerator(cfg.Embedding)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("creating embedding provider: %w", err)
		}
	}

	e := &engine{
		cfg:      cfg,
		store:    s,
		atomz:    atomizer.New(),
		searcher: search.New(s, embedder, cfg.FTSBaseK),
		inflator: inflate.New(inflate.Config{
			MergeThreshold: cfg.MergeThreshold,
			MinPadding:     cfg.MinPadding,
			MaxPadding:     cfg.MaxPadding,
			MinWindowCap:   cfg.MinWindowCap,
			MinViableSize:  cfg.MinViableSize,
		}),
		scribe:    scribe.New(s, generator, time.Duration(cfg.GeneratorTimeoutSec)*time.Second),
		generator: generator,
		embedder:  embedder,
	}

	if err := e.autoHydrate(context.Background()); err != nil {
		slog.Warn("boot: auto-hydration failed", "error", err)
	}

	return e, nil
}

// Close closes the store.
func (e *engine) Close() error {
	return e.store.Close()
}

func (e *engine) Scribe() *scribe.Scribe { return e.scribe }
func (e *engine) Store() *store.Store   { return e.store }

func (e *engine) Stats(ctx context.Context) (*store.Stats, error) {
	return e.store.Stats(ctx)
}

// --- Ingestion ---

// Ingest validates, deduplicates, atomizes, and persists one document.
func (e *engine) Ingest(ctx context.Context, content, source, typ string, buckets []string) (*IngestResult, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: content must be a non-empty string", ErrBadRequest)
	}
	if !utf8.ValidString(content) {
		return nil, fmt.Errorf("%w: content must be valid UTF-8", ErrBadRequest)
	}
	buckets = cleanBuckets(buckets)
	if len(buckets) == 0 {
		buckets = []string{"core"}
	}
	if source == "" {
		source = fmt.Sprintf("direct/%s.txt", store.ContentHash(content)[:12])
	}
	return e.persist(ctx, atomizer.Input{
		Raw:        content,
		Path:       source,
		Provenance: store.ProvenanceInternal,
		Buckets:    buckets,
		Timestamp:  time.Now().UnixMilli(),
		TypeHint:   typ,
	}, true)
}

// IngestFile applies the size cap and extension allow-list, then routes
// through the same pipeline as direct ingestion.
func (e *engine) IngestFile(ctx context.Context, path string) (*IngestResult, error) {
	if store.IsSnapshotFile(path) {
		return &IngestResult{Status: "skipped"}, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() > e.cfg.MaxFileBytes {
		slog.Warn("ingest: file exceeds size cap, skipping",
			"path", path, "size", info.Size(), "cap", e.cfg.MaxFileBytes)
		return &IngestResult{Status: "skipped"}, nil
	}
	ext := strings.ToLower(filepath.Ext(path))
	if !ingestExtensions[ext] {
		slog.Debug("ingest: extension not allowed, skipping", "path", path, "ext", ext)
		return &IngestResult{Status: "skipped"}, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	source, buckets := e.sourceAndBuckets(path)
	return e.persist(ctx, atomizer.Input{
		Raw:        string(raw),
		Path:       source,
		Provenance: store.ProvenanceInternal,
		Buckets:    buckets,
		Timestamp:  time.Now().UnixMilli(),
	}, true)
}

// sourceAndBuckets derives the relative source path and the bucket list:
// the first path segment under the watched root, or core for root files.
func (e *engine) sourceAndBuckets(path string) (string, []string) {
	rel, err := filepath.Rel(e.cfg.WatchedDir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		rel = filepath.Base(path)
	}
	rel = filepath.ToSlash(rel)

	if idx := strings.IndexByte(rel, '/'); idx > 0 {
		return rel, []string{rel[:idx]}
	}
	return rel, []string{"core"}
}

// persist runs dedup, atomization, and the transactional write. dedup=false
// is the hydration path, where records carry their original identity.
func (e *engine) persist(ctx context.Context, in atomizer.Input, dedup bool) (*IngestResult, error) {
	result := e.atomz.Atomize(in)

	if dedup {
		existing, err := e.store.GetCompoundByHash(ctx, result.Compound.Hash)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: dedup lookup: %v", ErrStore, err)
		}
		if existing != nil {
			slog.Debug("ingest: duplicate content, skipping",
				"source", in.Path, "existing", existing.ID)
			return &IngestResult{Status: "skipped", ID: existing.ID}, nil
		}
	}

	if err := e.store.ReplaceCompound(ctx, result.Compound, result.Molecules, result.Atoms, result.Edges); err != nil {
		return nil, fmt.Errorf("%w: persisting compound: %v", ErrStore, err)
	}

	slog.Info("ingest: stored compound",
		"source", in.Path, "id", result.Compound.ID,
		"molecules", len(result.Molecules), "atoms", len(result.Atoms))

	e.embedMolecules(ctx, result.Molecules)
	e.recordEngrams(ctx, result)

	return &IngestResult{Status: "inserted", ID: result.Compound.ID}, nil
}

// engramFanoutCap bounds the molecule ids stored per engram key.
const engramFanoutCap = 32

// recordEngrams maintains the O(1) lexical sidecar: each entity atom label
// becomes a lookup key pointing at the molecules that carry it. Best-effort;
// engrams are a latency optimization, so failures only log.
func (e *engine) recordEngrams(ctx context.Context, result atomizer.Result) {
	byLabel := make(map[string][]string)
	for _, m := range result.Molecules {
		for _, tag := range m.Tags {
			if strings.HasPrefix(tag, "#") {
				continue // category atoms are too broad to be lookup keys
			}
			byLabel[tag] = append(byLabel[tag], m.ID)
		}
	}

	for label, ids := range byLabel {
		key := store.ContentHash(store.SanitizeFTSQuery(label))
		existing, err := e.store.GetEngram(ctx, key)
		if err != nil {
			slog.Debug("ingest: engram read failed", "label", label, "error", err)
			continue
		}
		merged := mergeIDs(existing, ids, engramFanoutCap)
		if err := e.store.PutEngram(ctx, key, merged); err != nil {
			slog.Debug("ingest: engram write failed", "label", label, "error", err)
		}
	}
}

// mergeIDs unions two id lists preserving order, capped at limit.
func mergeIDs(a, b []string, limit int) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, list := range [][]string{a, b} {
		for _, id := range list {
			if seen[id] || len(out) >= limit {
				continue
			}
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// embedMolecules populates the optional vector sidecar. Best-effort: an
// unavailable embedder never fails an ingest.
func (e *engine) embedMolecules(ctx context.Context, mols []store.Molecule) {
	if e.embedder == nil || len(mols) == 0 {
		return
	}

	texts := make([]string, len(mols))
	for i, m := range mols {
		texts[i] = m.Content
	}
	embeddings, err := e.embedder.Embed(ctx, texts)
	if err != nil {
		slog.Warn("ingest: embedding failed (non-fatal)", "error", err)
		return
	}
	for i, emb := range embeddings {
		if len(emb) == 0 {
			continue
		}
		if err := e.store.InsertEmbedding(ctx, mols[i].ID, emb); err != nil {
			slog.Warn("ingest: storing embedding failed", "molecule", mols[i].ID, "error", err)
		}
	}
}

// --- Search ---

// Search validates the request, runs the tag-walker under the search
// deadline, and inflates the ranked hits into windows.
func (e *engine) Search(ctx context.Context, query string, opts SearchOptions) (*SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: query must be a non-empty string", ErrBadRequest)
	}
	if opts.MaxChars < e.cfg.MinWindowCap {
		return nil, fmt.Errorf("%w: max_chars must be at least %d", ErrBadRequest, e.cfg.MinWindowCap)
	}
	switch opts.Provenance {
	case "", search.ModeSovereign, search.ModeInternal, search.ModeExternal, search.ModeAll:
	default:
		return nil, fmt.Errorf("%w: unknown provenance mode %q", ErrBadRequest, opts.Provenance)
	}

	start := time.Now()
	searchCtx, cancel := context.WithTimeout(ctx, time.Duration(e.cfg.SearchTimeoutSec)*time.Second)
	defer cancel()

	hits, trace, err := e.searcher.Search(searchCtx, query, search.Options{
		Buckets:   opts.Buckets,
		ScopeTags: opts.ScopeTags,
		MaxChars:  opts.MaxChars,
		Mode:      opts.Provenance,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}

	result := &SearchResult{
		Metadata: SearchMetadata{
			Query:   query,
			Mode:    opts.Provenance,
			Hits:    len(hits),
			Partial: trace.Partial,
			Trace:   trace,
		},
	}
	if len(hits) == 0 {
		result.Metadata.ElapsedMs = time.Since(start).Milliseconds()
		return result, nil
	}

	ids := make([]string, 0, len(hits))
	seen := make(map[string]bool)
	for _, h := range hits {
		if !seen[h.CompoundID] {
			seen[h.CompoundID] = true
			ids = append(ids, h.CompoundID)
		}
	}
	bodies, err := e.store.CompoundBodies(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("%w: hydrating bodies: %v", ErrStore, err)
	}

	windows := e.inflator.Inflate(hits, bodies, opts.MaxChars)
	result.Results = windows
	result.Context = inflate.Render(windows)
	result.Metadata.Windows = len(windows)
	result.Metadata.ElapsedMs = time.Since(start).Milliseconds()

	slog.Debug("search: complete",
		"query", query, "hits", len(hits), "windows", len(windows),
		"partial", trace.Partial, "elapsed_ms", result.Metadata.ElapsedMs)
	return result, nil
}

// Buckets returns the sorted unique union of bucket labels.
func (e *engine) Buckets(ctx context.Context) ([]string, error) {
	return e.store.Buckets(ctx)
}

// --- Dream ---

// Dream re-runs atom extraction for compounds still carrying only the
// default bucket, refreshing their molecule tags in place.
func (e *engine) Dream(ctx context.Context) (*DreamResult, error) {
	compounds, err := e.store.ListCompounds(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}

	res := &DreamResult{}
	for _, c := range compounds {
		res.Scanned++
		if !defaultBucketsOnly(c.Buckets) {
			continue
		}
		out := e.atomz.Atomize(atomizer.Input{
			Raw:        c.Body,
			Path:       c.Path,
			Provenance: c.Provenance,
			Buckets:    c.Buckets,
			Timestamp:  c.Timestamp,
			TypeHint:   c.DocType,
		})
		if err := e.store.ReplaceCompound(ctx, out.Compound, out.Molecules, out.Atoms, out.Edges); err != nil {
			slog.Warn("dream: re-tagging failed", "compound", c.ID, "error", err)
			continue
		}
		res.Retagged++
	}

	slog.Info("dream: pass complete", "scanned", res.Scanned, "retagged", res.Retagged)
	return res, nil
}

func defaultBucketsOnly(buckets []string) bool {
	if len(buckets) == 0 {
		return true
	}
	return len(buckets) == 1 && buckets[0] == "core"
}

// --- Snapshot ---

// Backup ejects every compound to a timestamped snapshot file under the
// backups directory.
func (e *engine) Backup(ctx context.Context) (*BackupResult, error) {
	records, err := e.store.Eject(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: ejecting snapshot: %v", ErrStore, err)
	}

	if err := os.MkdirAll(e.cfg.BackupsDir, 0755); err != nil {
		return nil, fmt.Errorf("creating backups dir: %w", err)
	}

	path := filepath.Join(e.cfg.BackupsDir, store.SnapshotFilename(time.Now()))
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating snapshot file: %w", err)
	}
	if err := store.EncodeSnapshot(f, records); err != nil {
		f.Close()
		return nil, fmt.Errorf("writing snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, err
	}

	doc, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	slog.Info("backup: snapshot written", "path", path, "records", len(records))
	return &BackupResult{Path: path, Records: len(records), Document: doc}, nil
}

// autoHydrate restores an empty database from the newest backup file.
// Records bypass deduplication and keep their original id, hash, and
// timestamp; molecules and atoms are re-derived deterministically.
func (e *engine) autoHydrate(ctx context.Context) error {
	count, err := e.store.CompoundCount(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		slog.Debug("boot: database non-empty, skipping hydration", "compounds", count)
		return nil
	}

	newest, err := newestSnapshot(e.cfg.BackupsDir)
	if err != nil || newest == "" {
		return err
	}

	f, err := os.Open(newest)
	if err != nil {
		return err
	}
	defer f.Close()

	records, err := store.DecodeSnapshot(f)
	if err != nil {
		return fmt.Errorf("decoding %s: %w", newest, err)
	}

	slog.Info("boot: hydrating from snapshot", "path", newest, "records", len(records))
	restored := 0
	for i, rec := range records {
		out := e.atomz.Atomize(atomizer.Input{
			Raw:        rec.Content,
			Path:       rec.Source,
			Provenance: rec.Provenance,
			Buckets:    rec.Buckets,
			Timestamp:  rec.Timestamp,
			TypeHint:   rec.Type,
		})
		// The record carries its original identity; re-sanitizing an
		// already-sanitized body is a no-op, so hash and id round-trip.
		out.Compound.ID = rec.ID
		out.Compound.Hash = rec.Hash
		for j := range out.Molecules {
			out.Molecules[j].CompoundID = rec.ID
			out.Molecules[j].ID = store.MoleculeID(rec.ID, out.Molecules[j].Seq)
		}
		if err := e.store.ReplaceCompound(ctx, out.Compound, out.Molecules, out.Atoms, out.Edges); err != nil {
			slog.Warn("boot: hydrating record failed", "id", rec.ID, "error", err)
			continue
		}
		restored++
		if (i+1)%100 == 0 {
			slog.Info("boot: hydration progress", "restored", restored, "total", len(records))
		}
	}
	slog.Info("boot: hydration complete", "restored", restored, "total", len(records))
	return nil
}

// newestSnapshot picks the most recently modified snapshot file, or ""
// when none exist.
func newestSnapshot(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}

	type candidate struct {
		path  string
		mtime time.Time
	}
	var candidates []candidate
	for _, entry := range entries {
		if entry.IsDir() || !store.IsSnapshotFile(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{
			path:  filepath.Join(dir, entry.Name()),
			mtime: info.ModTime(),
		})
	}
	if len(candidates) == 0 {
		return "", nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].mtime.After(candidates[j].mtime)
	})
	return candidates[0].path, nil
}

// --- helpers ---

func cleanBuckets(buckets []string) []string {
	var out []string
	for _, b := range buckets {
		b = strings.TrimSpace(b)
		if b != "" {
			out = append(out, b)
		}
	}
	return out
}
