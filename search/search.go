// Package search implements the tag-walker protocol: an engram fast path,
// full-text anchors, tag harvesting, and a graph-associative neighbor walk,
// ranked with a provenance-weighted score.
package search

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/RSBalchII/Anchor/llm"
	"github.com/RSBalchII/Anchor/store"
)

// Ranking modes. Sovereign biases toward internal provenance; internal is
// accepted as an alias for it.
const (
	ModeSovereign = "sovereign"
	ModeInternal  = "internal"
	ModeExternal  = "external"
	ModeAll       = "all"
)

// engramScore is the constant score assigned to engram fast-path hits.
const engramScore = 100

// candidateSlotChars is the character-per-candidate ratio used to derive
// candidate slot counts from a character budget.
const candidateSlotChars = 500

// Options configures one search.
type Options struct {
	Buckets   []string // nil means all buckets
	ScopeTags []string // restrict to molecules carrying any of these tags
	MaxChars  int      // total character budget driving candidate counts
	Mode      string   // sovereign|external|all (internal aliases sovereign)
}

// Trace records the per-phase breakdown of one search.
type Trace struct {
	FTSQuery      string `json:"fts_query"`
	EngramHits    int    `json:"engram_hits"`
	AnchorsFound  int    `json:"anchors_found"`
	AnchorsKept   int    `json:"anchors_kept"`
	NeighborsSeen int    `json:"neighbors_seen"`
	NeighborsKept int    `json:"neighbors_kept"`
	Fallback      bool   `json:"fallback"`
	Partial       bool   `json:"partial"`
	ElapsedMs     int64  `json:"elapsed_ms"`
}

// Engine performs tag-walker searches against the store.
type Engine struct {
	store    *store.Store
	embedder llm.Generator // optional; nil disables the vector phase
	baseK    int
}

// New creates a search engine. baseK is the FTS candidate floor; embedder
// may be nil, in which case the optional vector phase is skipped entirely
// and ranking is purely lexical and associative.
func New(s *store.Store, embedder llm.Generator, baseK int) *Engine {
	if baseK == 0 {
		baseK = 500
	}
	return &Engine{store: s, embedder: embedder, baseK: baseK}
}

// Search runs the full protocol and returns hits ranked by score descending
// with timestamp-then-id tie-breaks. On deadline expiry the hits gathered
// so far are returned with Trace.Partial set.
func (e *Engine) Search(ctx context.Context, query string, opts Options) ([]store.Hit, *Trace, error) {
	start := time.Now()
	mode := normalizeMode(opts.Mode)

	parsed := Parse(query)
	buckets := append([]string(nil), opts.Buckets...)
	buckets = append(buckets, parsed.Buckets...)

	totalTarget := (opts.MaxChars + candidateSlotChars - 1) / candidateSlotChars
	if totalTarget < 1 {
		totalTarget = 1
	}
	anchorTarget := (totalTarget*7 + 9) / 10
	neighborTarget := totalTarget - anchorTarget
	if neighborTarget < 1 {
		neighborTarget = 1
	}

	trace := &Trace{}
	included := make(map[string]bool)
	var results []store.Hit

	finish := func(partial bool) ([]store.Hit, *Trace, error) {
		rankHits(results)
		trace.Partial = partial
		trace.ElapsedMs = time.Since(start).Milliseconds()
		return results, trace, nil
	}

	// Phase 1 — engram fast path. Stale entries are tolerated: missing ids
	// hydrate to nothing, and filters still apply.
	normalized := store.SanitizeFTSQuery(strings.Join(parsed.Terms(), " "))
	if normalized != "" {
		ids, err := e.store.GetEngram(ctx, store.ContentHash(normalized))
		if err != nil {
			slog.Warn("search: engram lookup failed", "error", err)
		} else if len(ids) > 0 {
			hits, err := e.store.GetMoleculeHits(ctx, ids)
			if err != nil {
				slog.Warn("search: engram hydration failed", "error", err)
			}
			for _, h := range hits {
				if !passesFilters(h, buckets, opts.ScopeTags) {
					continue
				}
				h.Score = engramScore
				results = append(results, h)
				included[h.MoleculeID] = true
			}
			trace.EngramHits = len(results)
		}
	}
	if deadlineHit(ctx) {
		return finish(true)
	}

	// Phase 2 — FTS anchors.
	k := 2 * totalTarget
	if k < e.baseK {
		k = e.baseK
	}
	match := buildMatch(parsed)
	trace.FTSQuery = match

	var anchors []store.Hit
	var err error
	if match != "" {
		anchors, err = e.store.FTSSearch(ctx, match, k)
		if err != nil {
			if deadlineHit(ctx) {
				return finish(true)
			}
			slog.Warn("search: fts failed, falling back to linear scan", "error", err)
			trace.Fallback = true
			anchors, err = e.store.LinearScan(ctx, normalized, k)
			if err != nil {
				if deadlineHit(ctx) {
					return finish(true)
				}
				return nil, trace, err
			}
		}
	}
	anchors = append(anchors, e.vectorCandidates(ctx, query, k)...)
	trace.AnchorsFound = len(anchors)

	var kept []store.Hit
	for _, h := range anchors {
		if !passesFilters(h, buckets, opts.ScopeTags) {
			continue
		}
		h.Score *= provenanceBoost(mode, h.Provenance)
		kept = append(kept, h)
	}
	rankHits(kept)
	anchorKeep := 2 * anchorTarget
	if anchorKeep < 10 {
		anchorKeep = 10
	}
	if len(kept) > anchorKeep {
		kept = kept[:anchorKeep]
	}
	trace.AnchorsKept = len(kept)

	for _, h := range kept {
		if included[h.MoleculeID] {
			continue
		}
		results = append(results, h)
		included[h.MoleculeID] = true
	}
	if deadlineHit(ctx) {
		return finish(true)
	}

	// Phase 3 — harvest the union of tags and buckets from the anchors.
	harvest := make(map[string]bool)
	for _, h := range kept {
		for _, t := range h.Tags {
			harvest[t] = true
		}
		for _, b := range h.Buckets {
			harvest[b] = true
		}
	}

	// Phase 4 — neighbor walk over shared tags.
	if len(harvest) > 0 && neighborTarget > 0 {
		labels := make([]string, 0, len(harvest))
		for t := range harvest {
			labels = append(labels, t)
		}
		sort.Strings(labels)

		neighbors, err := e.store.MoleculesByAtomLabels(ctx, labels, 4*neighborTarget+len(included))
		if err != nil {
			if deadlineHit(ctx) {
				return finish(true)
			}
			slog.Warn("search: neighbor walk failed", "error", err)
		}
		trace.NeighborsSeen = len(neighbors)

		var walked []store.Hit
		for _, h := range neighbors {
			if included[h.MoleculeID] || h.TagOverlap == 0 {
				continue
			}
			if !passesFilters(h, buckets, opts.ScopeTags) {
				continue
			}
			h.Score = 50 + 10*float64(h.TagOverlap)
			if mode == ModeSovereign {
				h.Score *= 1.5
			}
			walked = append(walked, h)
		}
		rankHits(walked)
		if len(walked) > neighborTarget {
			walked = walked[:neighborTarget]
		}
		trace.NeighborsKept = len(walked)
		for _, h := range walked {
			results = append(results, h)
			included[h.MoleculeID] = true
		}
	}

	return finish(false)
}

// vectorScoreScale keeps similarity-derived scores below typical lexical
// anchor scores so vector hits rank as low-priority candidates.
const vectorScoreScale = 5

// vectorCandidates runs the optional embeddings phase. Hits the lexical
// phase already found are deduplicated downstream by molecule id.
func (e *Engine) vectorCandidates(ctx context.Context, query string, k int) []store.Hit {
	if e.embedder == nil {
		return nil
	}
	embeddings, err := e.embedder.Embed(ctx, []string{query})
	if err != nil || len(embeddings) == 0 || len(embeddings[0]) == 0 {
		if err != nil {
			slog.Debug("search: query embedding failed", "error", err)
		}
		return nil
	}
	hits, err := e.store.VectorSearch(ctx, embeddings[0], k)
	if err != nil {
		slog.Debug("search: vector phase failed", "error", err)
		return nil
	}
	for i := range hits {
		hits[i].Score *= vectorScoreScale
	}
	return hits
}

// buildMatch assembles the FTS match expression: the exact phrase terms
// quoted, plus the sanitized keywords OR-joined for recall.
func buildMatch(p ParsedQuery) string {
	var parts []string
	for _, ph := range p.Phrases {
		clean := store.SanitizeFTSQuery(ph)
		if clean != "" {
			parts = append(parts, `"`+clean+`"`)
		}
	}
	for _, kw := range strings.Fields(store.SanitizeFTSQuery(strings.Join(p.Keywords, " "))) {
		parts = append(parts, kw)
	}
	return strings.Join(parts, " OR ")
}

// provenanceBoost is the multiplicative ranking table. Quarantine rows are
// handled by passesFilters and never reach scoring.
func provenanceBoost(mode, provenance string) float64 {
	switch mode {
	case ModeSovereign:
		if provenance == store.ProvenanceInternal {
			return 3.0
		}
		return 0.5
	case ModeExternal:
		if provenance == store.ProvenanceExternal {
			return 1.5
		}
		return 1.0
	default: // all
		if provenance == store.ProvenanceInternal {
			return 2.0
		}
		return 1.0
	}
}

// passesFilters applies the authoritative in-process bucket, scope-tag, and
// quarantine filters. The store queries return a superset.
func passesFilters(h store.Hit, buckets, scopeTags []string) bool {
	if h.Provenance == store.ProvenanceQuarantine {
		return false
	}
	if len(buckets) > 0 && !intersects(h.Buckets, buckets) {
		return false
	}
	if len(scopeTags) > 0 && !intersects(h.Tags, scopeTags) {
		return false
	}
	return true
}

func intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

// rankHits sorts by score descending, then timestamp descending, then
// molecule id, which makes repeated searches on an unchanged store yield
// identical orderings.
func rankHits(hits []store.Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].Timestamp != hits[j].Timestamp {
			return hits[i].Timestamp > hits[j].Timestamp
		}
		return hits[i].MoleculeID < hits[j].MoleculeID
	})
}

func normalizeMode(mode string) string {
	switch mode {
	case ModeSovereign, ModeInternal:
		return ModeSovereign
	case ModeExternal:
		return ModeExternal
	default:
		return ModeAll
	}
}

func deadlineHit(ctx context.Context) bool {
	return errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(ctx.Err(), context.Canceled)
}
