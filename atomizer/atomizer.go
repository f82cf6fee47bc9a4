// Package atomizer decomposes sanitized documents into the three-level
// taxonomy: one compound, ordered molecules with byte coordinates, and the
// atoms tagged onto each molecule. Atomization is pure: the same input
// bytes always produce identical ids, coordinates, and signatures.
package atomizer

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/RSBalchII/Anchor/store"
)

// minFragmentBytes is the prose fragment floor; shorter sentence fragments
// are merged into the previous molecule.
const minFragmentBytes = 40

// edgeAtomCap bounds the number of atoms per molecule that contribute
// co-occurrence edges.
const edgeAtomCap = 8

// Input carries everything atomization depends on. Timestamp is supplied by
// the caller so re-atomizing stored content can preserve the original value.
type Input struct {
	Raw        string
	Path       string
	Provenance string
	Buckets    []string
	Timestamp  int64
	TypeHint   string // prose|code|data; empty selects by extension
}

// Result is the full decomposition of one document.
type Result struct {
	Compound  store.Compound
	Molecules []store.Molecule
	Atoms     []store.Atom
	Edges     []store.AtomEdge
}

// Atomizer splits documents. It carries no mutable state.
type Atomizer struct{}

// New returns an Atomizer.
func New() *Atomizer {
	return &Atomizer{}
}

// span is a half-open byte range with the molecule type it produces.
type span struct {
	start, end int
	typ        string
}

// Atomize sanitizes the raw text and decomposes it. Byte coordinates are
// recorded against the sanitized body; adjacent molecules tile the body
// with no overlap.
func (a *Atomizer) Atomize(in Input) Result {
	body := Sanitize(in.Raw)
	docType := in.TypeHint
	if docType == "" {
		docType = DetectType(in.Path)
	}

	compoundID := store.CompoundID(in.Path)
	compound := store.Compound{
		ID:         compoundID,
		Path:       in.Path,
		Timestamp:  in.Timestamp,
		Hash:       store.CompoundHash(in.Path, body),
		Body:       body,
		Provenance: in.Provenance,
		Signature:  SimHash(body),
		Buckets:    in.Buckets,
		DocType:    docType,
	}
	if compound.Provenance == "" {
		compound.Provenance = store.ProvenanceInternal
	}
	if len(compound.Buckets) == 0 {
		compound.Buckets = []string{"core"}
	}

	var spans []span
	switch docType {
	case store.MoleculeCode:
		spans = splitCode(body)
	case store.MoleculeData:
		spans = splitData(body, in.Path)
	default:
		spans = splitProse(body)
	}

	atomsByID := make(map[string]store.Atom)
	var molecules []store.Molecule
	var edges []store.AtomEdge

	for seq, sp := range spans {
		content := body[sp.start:sp.end]
		molAtoms := ExtractAtoms(content)

		tags := make([]string, len(molAtoms))
		for i, at := range molAtoms {
			tags[i] = at.Label
			atomsByID[at.ID] = at
		}

		molecules = append(molecules, store.Molecule{
			ID:         store.MoleculeID(compoundID, seq),
			CompoundID: compoundID,
			Seq:        seq,
			StartByte:  sp.start,
			EndByte:    sp.end,
			Content:    content,
			Type:       sp.typ,
			Tags:       tags,
			Signature:  SimHash(content),
		})

		edges = append(edges, coOccurrenceEdges(molAtoms)...)
	}

	atoms := make([]store.Atom, 0, len(atomsByID))
	for _, at := range atomsByID {
		atoms = append(atoms, at)
	}
	sort.Slice(atoms, func(i, j int) bool { return atoms[i].Label < atoms[j].Label })

	return Result{
		Compound:  compound,
		Molecules: molecules,
		Atoms:     atoms,
		Edges:     edges,
	}
}

// DetectType classifies a source path into prose, code, or data.
func DetectType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".js", ".ts", ".py", ".html", ".css", ".bat", ".ps1", ".sh":
		return store.MoleculeCode
	case ".json", ".yaml", ".yml":
		return store.MoleculeData
	default:
		return store.MoleculeProse
	}
}

// ---------------------------------------------------------------------------
// prose splitting
// ---------------------------------------------------------------------------

// splitProse cuts at sentence terminators followed by whitespace, keeps
// fenced code blocks atomic as code molecules, and merges fragments shorter
// than minFragmentBytes into the previous molecule.
func splitProse(body string) []span {
	var out []span
	for _, seg := range fenceSegments(body) {
		if seg.typ == store.MoleculeCode {
			out = append(out, seg)
			continue
		}
		out = append(out, splitSentenceSpans(body, seg.start, seg.end)...)
	}
	return out
}

// splitSentenceSpans produces sentence spans for body[start:end). The cut
// lands immediately after the terminator, so inter-sentence whitespace
// belongs to the following molecule.
func splitSentenceSpans(body string, start, end int) []span {
	var spans []span
	prev := start
	for i := start; i < end; i++ {
		b := body[i]
		if b != '.' && b != '!' && b != '?' {
			continue
		}
		if i+1 >= end || !isSpaceByte(body[i+1]) {
			continue
		}
		spans = append(spans, span{start: prev, end: i + 1, typ: store.MoleculeProse})
		prev = i + 1
	}
	if prev < end {
		spans = append(spans, span{start: prev, end: end, typ: store.MoleculeProse})
	}
	return mergeShortSpans(spans)
}

// mergeShortSpans folds spans below the fragment floor into their
// predecessor. The first span never has a predecessor and stays as-is.
func mergeShortSpans(spans []span) []span {
	var out []span
	for _, sp := range spans {
		if len(out) > 0 && sp.end-sp.start < minFragmentBytes {
			out[len(out)-1].end = sp.end
			continue
		}
		out = append(out, sp)
	}
	return out
}

// fenceSegments partitions the body into triple-backtick fenced regions
// (single code spans, fences included) and the prose regions between them.
// An unterminated fence runs to the end of the body.
func fenceSegments(body string) []span {
	var segs []span
	lineStart := 0
	segStart := 0
	fenceOpen := -1

	flushProse := func(end int) {
		if segStart < end {
			segs = append(segs, span{start: segStart, end: end, typ: store.MoleculeProse})
		}
	}

	for lineStart <= len(body) {
		lineEnd := strings.IndexByte(body[lineStart:], '\n')
		if lineEnd < 0 {
			lineEnd = len(body)
		} else {
			lineEnd += lineStart + 1
		}
		line := strings.TrimRight(body[lineStart:min(lineEnd, len(body))], "\n")

		if strings.HasPrefix(strings.TrimLeft(line, " \t"), "```") {
			if fenceOpen < 0 {
				flushProse(lineStart)
				fenceOpen = lineStart
			} else {
				segs = append(segs, span{start: fenceOpen, end: lineEnd, typ: store.MoleculeCode})
				fenceOpen = -1
				segStart = lineEnd
			}
		}

		if lineEnd >= len(body) {
			break
		}
		lineStart = lineEnd
	}

	if fenceOpen >= 0 {
		segs = append(segs, span{start: fenceOpen, end: len(body), typ: store.MoleculeCode})
	} else {
		flushProse(len(body))
	}
	return segs
}

// ---------------------------------------------------------------------------
// code splitting
// ---------------------------------------------------------------------------

// splitCode groups consecutive lines of equal indentation into logical
// blocks. Blank lines extend the current block rather than cutting.
func splitCode(body string) []span {
	var spans []span
	blockStart := -1
	blockIndent := ""

	for _, ln := range lineSpans(body) {
		line := body[ln.start:ln.end]
		trimmed := strings.TrimRight(line, "\n")

		if strings.TrimSpace(trimmed) == "" {
			// Blank lines extend the current block.
			continue
		}

		indent := leadingWhitespace(trimmed)
		if blockStart < 0 {
			blockStart = ln.start
			blockIndent = indent
			continue
		}
		if indent != blockIndent {
			spans = append(spans, span{start: blockStart, end: ln.start, typ: store.MoleculeCode})
			blockStart = ln.start
			blockIndent = indent
		}
	}
	if blockStart >= 0 && blockStart < len(body) {
		spans = append(spans, span{start: blockStart, end: len(body), typ: store.MoleculeCode})
	} else if blockStart < 0 && len(body) > 0 {
		spans = append(spans, span{start: 0, end: len(body), typ: store.MoleculeCode})
	}

	// Leading whitespace before the first block belongs to the first span.
	if len(spans) > 0 && spans[0].start > 0 {
		spans[0].start = 0
	}
	return spans
}

// ---------------------------------------------------------------------------
// data splitting
// ---------------------------------------------------------------------------

// splitData cuts mapping formats at top-level keys and everything else by
// line.
func splitData(body, path string) []span {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".yaml" || ext == ".yml" {
		return splitTopLevelKeys(body)
	}
	var spans []span
	for _, ln := range lineSpans(body) {
		spans = append(spans, span{start: ln.start, end: ln.end, typ: store.MoleculeData})
	}
	return spans
}

// splitTopLevelKeys starts a new span at each line whose first byte is not
// whitespace: a top-level mapping key in indentation-structured formats.
func splitTopLevelKeys(body string) []span {
	var spans []span
	start := -1
	for _, ln := range lineSpans(body) {
		line := body[ln.start:ln.end]
		topLevel := len(line) > 0 && !isSpaceByte(line[0])
		if topLevel && start >= 0 {
			spans = append(spans, span{start: start, end: ln.start, typ: store.MoleculeData})
			start = ln.start
			continue
		}
		if start < 0 {
			start = ln.start
		}
	}
	if start >= 0 && start < len(body) {
		spans = append(spans, span{start: start, end: len(body), typ: store.MoleculeData})
	}
	return spans
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

type lineSpan struct {
	start, end int // half-open, end includes the newline when present
}

func lineSpans(body string) []lineSpan {
	var lines []lineSpan
	start := 0
	for start < len(body) {
		idx := strings.IndexByte(body[start:], '\n')
		if idx < 0 {
			lines = append(lines, lineSpan{start: start, end: len(body)})
			break
		}
		lines = append(lines, lineSpan{start: start, end: start + idx + 1})
		start += idx + 1
	}
	return lines
}

func leadingWhitespace(line string) string {
	for i := 0; i < len(line); i++ {
		if line[i] != ' ' && line[i] != '\t' {
			return line[:i]
		}
	}
	return line
}

func isSpaceByte(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// coOccurrenceEdges emits directed edges between each ordered pair of a
// molecule's atoms, capped to keep densely tagged molecules from producing
// quadratic edge counts.
func coOccurrenceEdges(atoms []store.Atom) []store.AtomEdge {
	n := len(atoms)
	if n > edgeAtomCap {
		n = edgeAtomCap
	}
	var edges []store.AtomEdge
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			edges = append(edges, store.AtomEdge{
				FromID:   atoms[i].ID,
				ToID:     atoms[j].ID,
				Weight:   1,
				Relation: "co_occurs",
			})
		}
	}
	return edges
}
