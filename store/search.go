package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
)

const hitColumns = `
	m.id, m.compound_id, m.content, m.start_byte, m.end_byte, m.mol_type, m.tags,
	c.path, c.timestamp, c.provenance, c.buckets`

// FTSSearch runs a full-text query against the molecule index and hydrates
// each hit with its compound fields. match must already be sanitized by the
// caller; scores are positive BM25-like values (FTS5 rank negated).
func (s *Store) FTSSearch(ctx context.Context, match string, k int) ([]Hit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.rank,`+hitColumns+`
		FROM molecules_fts f
		JOIN molecules m ON m.seq_id = f.rowid
		JOIN compounds c ON c.id = m.compound_id
		WHERE molecules_fts MATCH ?
		ORDER BY f.rank
		LIMIT ?
	`, match, k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		var rank float64
		if err := scanHit(rows, &rank, &h); err != nil {
			return nil, err
		}
		h.Score = -rank
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// LinearScan is the correctness-preserving fallback when FTS fails: a
// case-insensitive substring match over molecule content and source path.
func (s *Store) LinearScan(ctx context.Context, needle string, limit int) ([]Hit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT 1.0,`+hitColumns+`
		FROM molecules m
		JOIN compounds c ON c.id = m.compound_id
		WHERE LOWER(m.content) LIKE '%' || LOWER(?) || '%'
		   OR LOWER(c.path) LIKE '%' || LOWER(?) || '%'
		ORDER BY c.timestamp DESC, m.id
		LIMIT ?
	`, needle, needle, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		var score float64
		if err := scanHit(rows, &score, &h); err != nil {
			return nil, err
		}
		h.Score = score
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// MoleculesByAtomLabels returns molecules tagged with any of the given atom
// labels, with TagOverlap set to the number of matching labels. Used by the
// neighbor-walk phase; the caller filters out ids it already holds.
func (s *Store) MoleculesByAtomLabels(ctx context.Context, labels []string, limit int) ([]Hit, error) {
	if len(labels) == 0 {
		return nil, nil
	}

	ids := make([]interface{}, 0, len(labels)+1)
	for _, l := range labels {
		ids = append(ids, AtomID(l))
	}
	ids = append(ids, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT COUNT(DISTINCT ma.atom_id),`+hitColumns+`
		FROM molecule_atoms ma
		JOIN molecules m ON m.id = ma.molecule_id
		JOIN compounds c ON c.id = m.compound_id
		WHERE ma.atom_id IN (?`+repeatPlaceholders(len(labels)-1)+`)
		GROUP BY m.id
		ORDER BY COUNT(DISTINCT ma.atom_id) DESC, c.timestamp DESC
		LIMIT ?
	`, ids...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		var overlap float64
		if err := scanHit(rows, &overlap, &h); err != nil {
			return nil, err
		}
		h.TagOverlap = int(overlap)
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// GetMoleculeHits hydrates a set of molecule ids into full hits. Missing
// ids are silently absent from the result (engrams may be stale).
func (s *Store) GetMoleculeHits(ctx context.Context, moleculeIDs []string) ([]Hit, error) {
	if len(moleculeIDs) == 0 {
		return nil, nil
	}

	args := make([]interface{}, len(moleculeIDs))
	for i, id := range moleculeIDs {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT 0.0,`+hitColumns+`
		FROM molecules m
		JOIN compounds c ON c.id = m.compound_id
		WHERE m.id IN (?`+repeatPlaceholders(len(moleculeIDs)-1)+`)
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		var score float64
		if err := scanHit(rows, &score, &h); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// AtomEdgesFrom returns the outgoing edges of an atom ordered by weight.
func (s *Store) AtomEdgesFrom(ctx context.Context, atomID string, limit int) ([]AtomEdge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT from_id, to_id, weight, relation
		FROM atom_edges WHERE from_id = ?
		ORDER BY weight DESC LIMIT ?
	`, atomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []AtomEdge
	for rows.Next() {
		var e AtomEdge
		if err := rows.Scan(&e.FromID, &e.ToID, &e.Weight, &e.Relation); err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// GetAtom retrieves an atom by id.
func (s *Store) GetAtom(ctx context.Context, id string) (*Atom, error) {
	a := &Atom{}
	err := s.db.QueryRowContext(ctx,
		"SELECT id, label, atom_type, weight FROM atoms WHERE id = ?", id).
		Scan(&a.ID, &a.Label, &a.Type, &a.Weight)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func scanHit(rows *sql.Rows, first *float64, h *Hit) error {
	var tagsJSON, bucketsJSON string
	if err := rows.Scan(first, &h.MoleculeID, &h.CompoundID, &h.Content,
		&h.StartByte, &h.EndByte, &h.Type, &tagsJSON,
		&h.Source, &h.Timestamp, &h.Provenance, &bucketsJSON); err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(tagsJSON), &h.Tags); err != nil {
		return err
	}
	return json.Unmarshal([]byte(bucketsJSON), &h.Buckets)
}

// SanitizeFTSQuery strips everything but letters, digits, and spaces,
// lower-cases, and collapses runs of whitespace. User queries can then be
// passed to FTS5 without tripping its expression parser.
func SanitizeFTSQuery(query string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(query) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '\t' || r == '\n':
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
