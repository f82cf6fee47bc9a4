package store

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SnapshotRecord is one compound in portable form: the seven fields whose
// round-trip is lossless, plus provenance (accepted on hydrate, defaulted
// when absent). Unknown fields in a snapshot file are ignored.
type SnapshotRecord struct {
	ID         string   `yaml:"id" json:"id"`
	Timestamp  int64    `yaml:"timestamp" json:"timestamp"`
	Content    string   `yaml:"content" json:"content"`
	Source     string   `yaml:"source" json:"source"`
	Type       string   `yaml:"type" json:"type"`
	Hash       string   `yaml:"hash" json:"hash"`
	Buckets    []string `yaml:"buckets" json:"buckets"`
	Provenance string   `yaml:"provenance,omitempty" json:"provenance,omitempty"`
}

// snapshotPrefix and snapshotExt fix the backup file name pattern. The file
// watcher excludes matching names so a restored backup is never re-ingested
// as a document.
const (
	snapshotPrefix = "cozo_memory_snapshot_"
	snapshotExt    = ".yaml"
)

// SnapshotFilename returns the timestamped backup file name for t.
func SnapshotFilename(t time.Time) string {
	return fmt.Sprintf("%s%s%s", snapshotPrefix, t.UTC().Format("20060102T150405Z"), snapshotExt)
}

// IsSnapshotFile reports whether a base file name matches the backup
// pattern.
func IsSnapshotFile(name string) bool {
	base := filepath.Base(name)
	return strings.HasPrefix(base, snapshotPrefix) && strings.HasSuffix(base, snapshotExt)
}

// Eject scans every compound into an ordered sequence of portable records.
func (s *Store) Eject(ctx context.Context) ([]SnapshotRecord, error) {
	compounds, err := s.ListCompounds(ctx)
	if err != nil {
		return nil, err
	}

	records := make([]SnapshotRecord, len(compounds))
	for i, c := range compounds {
		records[i] = SnapshotRecord{
			ID:         c.ID,
			Timestamp:  c.Timestamp,
			Content:    c.Body,
			Source:     c.Path,
			Type:       c.DocType,
			Hash:       c.Hash,
			Buckets:    c.Buckets,
			Provenance: c.Provenance,
		}
	}
	return records, nil
}

// EncodeSnapshot serializes records as a human-readable YAML document.
func EncodeSnapshot(w io.Writer, records []SnapshotRecord) error {
	enc := yaml.NewEncoder(w)
	defer enc.Close()
	return enc.Encode(records)
}

// DecodeSnapshot parses a snapshot document and normalizes each record:
// a missing hash is backfilled as md5(content), missing buckets default to
// ["core"], and missing provenance defaults to internal.
func DecodeSnapshot(r io.Reader) ([]SnapshotRecord, error) {
	var records []SnapshotRecord
	if err := yaml.NewDecoder(r).Decode(&records); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, err
	}

	for i := range records {
		if records[i].Hash == "" {
			records[i].Hash = ContentHash(records[i].Content)
		}
		if len(records[i].Buckets) == 0 {
			records[i].Buckets = []string{"core"}
		}
		if records[i].Provenance == "" {
			records[i].Provenance = ProvenanceInternal
		}
		if records[i].Type == "" {
			records[i].Type = MoleculeProse
		}
	}
	return records, nil
}
