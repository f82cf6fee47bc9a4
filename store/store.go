package store

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/base32"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Provenance trust classes for a compound.
const (
	ProvenanceInternal   = "internal"
	ProvenanceExternal   = "external"
	ProvenanceQuarantine = "quarantine"
)

// Atom types.
const (
	AtomTypeSystem    = "system"
	AtomTypeConcept   = "concept"
	AtomTypePerson    = "person"
	AtomTypePlace     = "place"
	AtomTypeDate      = "date"
	AtomTypeTechnical = "technical"
)

// Molecule types.
const (
	MoleculeProse = "prose"
	MoleculeCode  = "code"
	MoleculeData  = "data"
)

// Compound represents a row in the compounds table: one ingested document.
type Compound struct {
	ID         string   `json:"id"`
	Path       string   `json:"path"`
	Timestamp  int64    `json:"timestamp"` // milliseconds
	Hash       string   `json:"hash"`
	Body       string   `json:"compound_body"`
	Provenance string   `json:"provenance"`
	Signature  uint64   `json:"molecular_signature"`
	Buckets    []string `json:"buckets"`
	DocType    string   `json:"type"`
}

// Molecule represents a coherent span within a compound. Content is the
// byte-exact substring Body[StartByte:EndByte).
type Molecule struct {
	ID         string   `json:"id"`
	CompoundID string   `json:"compound_id"`
	Seq        int      `json:"sequence"`
	StartByte  int      `json:"start_byte"`
	EndByte    int      `json:"end_byte"`
	Content    string   `json:"content"`
	Type       string   `json:"type"`
	Tags       []string `json:"tags"`
	Signature  uint64   `json:"molecular_signature"`
}

// Atom is a normalized semantic label.
type Atom struct {
	ID     string  `json:"id"`
	Label  string  `json:"label"`
	Type   string  `json:"type"`
	Weight float64 `json:"weight"`
}

// AtomEdge is a directed weighted relation between two atoms.
type AtomEdge struct {
	FromID   string  `json:"from_id"`
	ToID     string  `json:"to_id"`
	Weight   float64 `json:"weight"`
	Relation string  `json:"relation"`
}

// Hit is a molecule hydrated with its compound fields, as returned by the
// search-facing queries. TagOverlap is populated only by the neighbor query.
type Hit struct {
	MoleculeID string   `json:"molecule_id"`
	CompoundID string   `json:"compound_id"`
	Content    string   `json:"content"`
	StartByte  int      `json:"start_byte"`
	EndByte    int      `json:"end_byte"`
	Type       string   `json:"type"`
	Tags       []string `json:"tags"`
	Source     string   `json:"source"`
	Timestamp  int64    `json:"timestamp"`
	Provenance string   `json:"provenance"`
	Buckets    []string `json:"buckets"`
	Score      float64  `json:"score"`
	TagOverlap int      `json:"-"`
}

// AtomID derives the stable id for a label: md5 of the lowercased label.
func AtomID(label string) string {
	sum := md5.Sum([]byte(strings.ToLower(label)))
	return hex.EncodeToString(sum[:])
}

// CompoundID derives the path-stable compound id: base32 of the cleaned
// relative path. Re-ingesting the same path always maps to the same row.
func CompoundID(path string) string {
	clean := filepath.ToSlash(filepath.Clean(path))
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString([]byte(clean))
}

// MoleculeID derives a molecule id from its compound and sequence position.
func MoleculeID(compoundID string, seq int) string {
	return fmt.Sprintf("%s:%d", compoundID, seq)
}

// ContentHash returns the md5 hex digest of content. Collision resistance
// is not a security property here; the hash is a dedup key.
func ContentHash(content string) string {
	sum := md5.Sum([]byte(content))
	return hex.EncodeToString(sum[:])
}

// CompoundHash is the dedup digest for an ingested document. The source
// participates so the same text filed under two sources stays two
// compounds; re-ingesting the same (source, content) pair dedups globally.
func CompoundHash(path, body string) string {
	sum := md5.Sum([]byte(path + "\x00" + body))
	return hex.EncodeToString(sum[:])
}

// Store wraps the SQLite database for all engine persistence.
type Store struct {
	db           *sql.DB
	embeddingDim int
}

// New opens (or creates) the database at dbPath and verifies the schema,
// FTS index, and migrations idempotently. embeddingDim > 0 additionally
// provisions the vector sidecar table; zero disables it.
func New(dbPath string, embeddingDim int) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, embeddingDim: embeddingDim}

	if embeddingDim > 0 {
		if err := s.initVec(embeddingDim); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating vector table: %w", err)
		}
	}

	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// --- Compound operations ---

// ReplaceCompound atomically replaces a compound and its molecules, and
// upserts the referenced atoms, tag links, and edges. Old molecules for the
// same compound id are removed first (the FTS triggers follow along), so
// path-stable re-ingest is last-writer-wins.
func (s *Store) ReplaceCompound(ctx context.Context, c Compound, mols []Molecule, atoms []Atom, edges []AtomEdge) error {
	bucketsJSON, err := json.Marshal(nonEmptyBuckets(c.Buckets))
	if err != nil {
		return err
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM molecules WHERE compound_id = ?", c.ID); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO compounds (id, path, timestamp, hash, body, provenance, signature, buckets, doc_type)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				path = excluded.path,
				timestamp = excluded.timestamp,
				hash = excluded.hash,
				body = excluded.body,
				provenance = excluded.provenance,
				signature = excluded.signature,
				buckets = excluded.buckets,
				doc_type = excluded.doc_type
		`, c.ID, c.Path, c.Timestamp, c.Hash, c.Body, c.Provenance,
			int64(c.Signature), string(bucketsJSON), c.DocType); err != nil {
			return err
		}

		atomStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO atoms (id, label, atom_type, weight) VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET weight = MAX(atoms.weight, excluded.weight)
		`)
		if err != nil {
			return err
		}
		defer atomStmt.Close()
		for _, a := range atoms {
			if _, err := atomStmt.ExecContext(ctx, a.ID, a.Label, a.Type, a.Weight); err != nil {
				return err
			}
		}

		molStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO molecules (id, compound_id, seq, start_byte, end_byte, content, mol_type, tags, signature)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer molStmt.Close()

		linkStmt, err := tx.PrepareContext(ctx, `
			INSERT OR IGNORE INTO molecule_atoms (molecule_id, atom_id) VALUES (?, ?)
		`)
		if err != nil {
			return err
		}
		defer linkStmt.Close()

		for _, m := range mols {
			tagsJSON, err := json.Marshal(nonNilStrings(m.Tags))
			if err != nil {
				return err
			}
			if _, err := molStmt.ExecContext(ctx, m.ID, m.CompoundID, m.Seq,
				m.StartByte, m.EndByte, m.Content, m.Type, string(tagsJSON), int64(m.Signature)); err != nil {
				return err
			}
			for _, tag := range m.Tags {
				if _, err := linkStmt.ExecContext(ctx, m.ID, AtomID(tag)); err != nil {
					return err
				}
			}
		}

		edgeStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO atom_edges (from_id, to_id, weight, relation) VALUES (?, ?, ?, ?)
			ON CONFLICT(from_id, to_id) DO UPDATE SET weight = atom_edges.weight + excluded.weight
		`)
		if err != nil {
			return err
		}
		defer edgeStmt.Close()
		for _, e := range edges {
			if _, err := edgeStmt.ExecContext(ctx, e.FromID, e.ToID, e.Weight, e.Relation); err != nil {
				return err
			}
		}

		return nil
	})
}

// GetCompound retrieves a compound by id. Returns sql.ErrNoRows on a miss.
func (s *Store) GetCompound(ctx context.Context, id string) (*Compound, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, path, timestamp, hash, body, provenance, signature, buckets, doc_type
		FROM compounds WHERE id = ?
	`, id)
	return scanCompound(row)
}

// GetCompoundByHash retrieves a compound by content hash (global dedup key).
func (s *Store) GetCompoundByHash(ctx context.Context, hash string) (*Compound, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, path, timestamp, hash, body, provenance, signature, buckets, doc_type
		FROM compounds WHERE hash = ? LIMIT 1
	`, hash)
	return scanCompound(row)
}

// DeleteCompound removes a compound; molecules and tag links cascade.
func (s *Store) DeleteCompound(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		// Cascade does not fire the FTS delete trigger through foreign keys
		// reliably on all builds, so remove molecules explicitly first.
		if _, err := tx.ExecContext(ctx, "DELETE FROM molecules WHERE compound_id = ?", id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM compounds WHERE id = ?", id)
		return err
	})
}

// ListCompounds returns all compounds ordered by timestamp then id, which
// fixes the snapshot record order.
func (s *Store) ListCompounds(ctx context.Context) ([]Compound, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, path, timestamp, hash, body, provenance, signature, buckets, doc_type
		FROM compounds ORDER BY timestamp, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Compound
	for rows.Next() {
		c, err := scanCompoundRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// CompoundCount returns the number of stored compounds.
func (s *Store) CompoundCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM compounds").Scan(&n)
	return n, err
}

// CompoundBodies fetches the authoritative bodies for a set of compounds.
func (s *Store) CompoundBodies(ctx context.Context, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	query := "SELECT id, body FROM compounds WHERE id IN (?" + repeatPlaceholders(len(ids)-1) + ")"
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			return nil, err
		}
		out[id] = body
	}
	return out, rows.Err()
}

// MoleculesByCompound returns a compound's molecules in sequence order.
func (s *Store) MoleculesByCompound(ctx context.Context, compoundID string) ([]Molecule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, compound_id, seq, start_byte, end_byte, content, mol_type, tags, signature
		FROM molecules WHERE compound_id = ? ORDER BY seq
	`, compoundID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var mols []Molecule
	for rows.Next() {
		var m Molecule
		var tagsJSON string
		var sig int64
		if err := rows.Scan(&m.ID, &m.CompoundID, &m.Seq, &m.StartByte, &m.EndByte,
			&m.Content, &m.Type, &tagsJSON, &sig); err != nil {
			return nil, err
		}
		m.Signature = uint64(sig)
		if err := json.Unmarshal([]byte(tagsJSON), &m.Tags); err != nil {
			return nil, err
		}
		mols = append(mols, m)
	}
	return mols, rows.Err()
}

// Buckets returns the deduplicated, lexicographically sorted union of all
// compound bucket lists. An empty store yields ["core"].
func (s *Store) Buckets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT buckets FROM compounds")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seen := make(map[string]bool)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var buckets []string
		if err := json.Unmarshal([]byte(raw), &buckets); err != nil {
			continue
		}
		for _, b := range buckets {
			if b != "" {
				seen[b] = true
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(seen) == 0 {
		return []string{"core"}, nil
	}
	out := make([]string, 0, len(seen))
	for b := range seen {
		out = append(out, b)
	}
	sort.Strings(out)
	return out, nil
}

// Stats holds counts of key database objects.
type Stats struct {
	Compounds int `json:"compounds"`
	Molecules int `json:"molecules"`
	Atoms     int `json:"atoms"`
	AtomEdges int `json:"atom_edges"`
	Engrams   int `json:"engrams"`
}

// Stats returns counts of compounds, molecules, atoms, edges, and engrams.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	queries := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM compounds", &stats.Compounds},
		{"SELECT COUNT(*) FROM molecules", &stats.Molecules},
		{"SELECT COUNT(*) FROM atoms", &stats.Atoms},
		{"SELECT COUNT(*) FROM atom_edges", &stats.AtomEdges},
		{"SELECT COUNT(*) FROM engrams", &stats.Engrams},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("counting %s: %w", q.query, err)
		}
	}
	return stats, nil
}

// --- helpers ---

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCompound(row *sql.Row) (*Compound, error) {
	return scanCompoundRows(row)
}

func scanCompoundRows(row rowScanner) (*Compound, error) {
	c := &Compound{}
	var bucketsJSON string
	var sig int64
	if err := row.Scan(&c.ID, &c.Path, &c.Timestamp, &c.Hash, &c.Body,
		&c.Provenance, &sig, &bucketsJSON, &c.DocType); err != nil {
		return nil, err
	}
	c.Signature = uint64(sig)
	if err := json.Unmarshal([]byte(bucketsJSON), &c.Buckets); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func repeatPlaceholders(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		s += ", ?"
	}
	return s
}

func nonEmptyBuckets(buckets []string) []string {
	out := make([]string, 0, len(buckets))
	for _, b := range buckets {
		if b != "" {
			out = append(out, b)
		}
	}
	if len(out) == 0 {
		return []string{"core"}
	}
	return out
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
