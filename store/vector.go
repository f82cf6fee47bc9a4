package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

func init() {
	sqlite_vec.Auto()
}

// initVec provisions the optional embeddings sidecar. Embeddings are opaque
// f32 vectors supplied by a pluggable provider; the engine runs fully
// without them.
func (s *Store) initVec(dim int) error {
	_, err := s.db.Exec(fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS vec_molecules USING vec0(
			molecule_rowid INTEGER PRIMARY KEY,
			embedding float[%d]
		)
	`, dim))
	return err
}

// EmbeddingDim returns the configured embedding dimension; zero means the
// vector sidecar is disabled.
func (s *Store) EmbeddingDim() int {
	return s.embeddingDim
}

// InsertEmbedding stores a vector for a molecule.
func (s *Store) InsertEmbedding(ctx context.Context, moleculeID string, embedding []float32) error {
	if s.embeddingDim == 0 {
		return fmt.Errorf("vector sidecar disabled")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO vec_molecules (molecule_rowid, embedding)
		SELECT seq_id, ? FROM molecules WHERE id = ?
	`, serializeFloat32(embedding), moleculeID)
	return err
}

// VectorSearch performs a KNN search returning the top-k nearest molecules
// as hydrated hits. Scores are 1 - distance, where distance is the vec0
// table's default (L2) distance.
func (s *Store) VectorSearch(ctx context.Context, queryEmbedding []float32, k int) ([]Hit, error) {
	if s.embeddingDim == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT v.distance,`+hitColumns+`
		FROM vec_molecules v
		JOIN molecules m ON m.seq_id = v.molecule_rowid
		JOIN compounds c ON c.id = m.compound_id
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance
	`, serializeFloat32(queryEmbedding), k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		var distance float64
		if err := scanHit(rows, &distance, &h); err != nil {
			return nil, err
		}
		h.Score = 1.0 - distance
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// serializeFloat32 converts a float32 slice to little-endian bytes for
// sqlite-vec.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}
