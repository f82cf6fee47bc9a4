package store

// schemaSQL is the DDL for all relations. Everything is idempotent so the
// store can verify-or-create on every boot; "already exists" is never an
// error.
const schemaSQL = `
-- Ingested documents. body is the single source of truth for a document's
-- text; molecule content is a redundant copy resolved against it.
CREATE TABLE IF NOT EXISTS compounds (
    id TEXT PRIMARY KEY,
    path TEXT NOT NULL,
    timestamp INTEGER NOT NULL,
    hash TEXT NOT NULL,
    body TEXT NOT NULL,
    provenance TEXT NOT NULL DEFAULT 'internal',
    signature INTEGER NOT NULL DEFAULT 0,
    buckets JSON NOT NULL DEFAULT '["core"]',
    doc_type TEXT NOT NULL DEFAULT 'prose'
);

-- Sentence/block spans with byte coordinates into the compound body.
-- seq_id aliases the rowid for the FTS external-content table.
CREATE TABLE IF NOT EXISTS molecules (
    seq_id INTEGER PRIMARY KEY,
    id TEXT NOT NULL UNIQUE,
    compound_id TEXT NOT NULL REFERENCES compounds(id) ON DELETE CASCADE,
    seq INTEGER NOT NULL,
    start_byte INTEGER NOT NULL,
    end_byte INTEGER NOT NULL,
    content TEXT NOT NULL,
    mol_type TEXT NOT NULL,
    tags JSON NOT NULL DEFAULT '[]',
    signature INTEGER NOT NULL DEFAULT 0,
    UNIQUE(compound_id, seq)
);

-- Semantic labels shared across compounds.
CREATE TABLE IF NOT EXISTS atoms (
    id TEXT PRIMARY KEY,
    label TEXT NOT NULL UNIQUE,
    atom_type TEXT NOT NULL,
    weight REAL NOT NULL DEFAULT 0.5
);

-- Directed weighted atom relations (co-occurrence or explicit).
CREATE TABLE IF NOT EXISTS atom_edges (
    from_id TEXT NOT NULL REFERENCES atoms(id) ON DELETE CASCADE,
    to_id TEXT NOT NULL REFERENCES atoms(id) ON DELETE CASCADE,
    weight REAL NOT NULL DEFAULT 0,
    relation TEXT NOT NULL DEFAULT 'co_occurs',
    PRIMARY KEY (from_id, to_id)
);

-- Molecule tag membership.
CREATE TABLE IF NOT EXISTS molecule_atoms (
    molecule_id TEXT NOT NULL REFERENCES molecules(id) ON DELETE CASCADE,
    atom_id TEXT NOT NULL REFERENCES atoms(id) ON DELETE CASCADE,
    PRIMARY KEY (molecule_id, atom_id)
);

-- O(1) lexical sidecar: digest of a normalized lookup key -> molecule ids.
CREATE TABLE IF NOT EXISTS engrams (
    key_digest TEXT PRIMARY KEY,
    molecule_ids JSON NOT NULL,
    updated_at INTEGER NOT NULL
);

-- Single-row markovian session summary.
CREATE TABLE IF NOT EXISTS session_state (
    id TEXT PRIMARY KEY CHECK (id = 'session_state'),
    summary TEXT NOT NULL DEFAULT '',
    updated_at INTEGER NOT NULL DEFAULT 0
);

-- Full-text index over molecule content. unicode61 folds case and does no
-- stemming, matching the simple whitespace+lowercase contract.
CREATE VIRTUAL TABLE IF NOT EXISTS molecules_fts USING fts5(
    content,
    content='molecules',
    content_rowid='seq_id',
    tokenize='unicode61'
);

-- FTS triggers to keep the index in sync.
CREATE TRIGGER IF NOT EXISTS molecules_ai AFTER INSERT ON molecules BEGIN
    INSERT INTO molecules_fts(rowid, content) VALUES (new.seq_id, new.content);
END;
CREATE TRIGGER IF NOT EXISTS molecules_ad AFTER DELETE ON molecules BEGIN
    INSERT INTO molecules_fts(molecules_fts, rowid, content) VALUES ('delete', old.seq_id, old.content);
END;
CREATE TRIGGER IF NOT EXISTS molecules_au AFTER UPDATE ON molecules BEGIN
    INSERT INTO molecules_fts(molecules_fts, rowid, content) VALUES ('delete', old.seq_id, old.content);
    INSERT INTO molecules_fts(rowid, content) VALUES (new.seq_id, new.content);
END;

-- Indexes
CREATE INDEX IF NOT EXISTS idx_compounds_hash ON compounds(hash);
CREATE INDEX IF NOT EXISTS idx_compounds_path ON compounds(path);
CREATE INDEX IF NOT EXISTS idx_molecules_compound ON molecules(compound_id);
CREATE INDEX IF NOT EXISTS idx_molecule_atoms_atom ON molecule_atoms(atom_id);
`
