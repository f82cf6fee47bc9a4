package atomizer

import (
	"strings"
	"testing"

	"github.com/RSBalchII/Anchor/store"
)

func atomizeText(t *testing.T, text, path string) Result {
	t.Helper()
	return New().Atomize(Input{
		Raw:        text,
		Path:       path,
		Provenance: store.ProvenanceInternal,
		Buckets:    []string{"core"},
		Timestamp:  1700000000000,
	})
}

// ---------------------------------------------------------------------------
// Coordinate invariants
// ---------------------------------------------------------------------------

func TestMoleculeCoordinatesSliceExactly(t *testing.T) {
	text := "First sentence here for testing purposes. Second sentence follows along nicely. And a third one closes it out."
	res := atomizeText(t, text, "notes/a.md")

	body := res.Compound.Body
	for _, m := range res.Molecules {
		if m.StartByte < 0 || m.EndByte > len(body) || m.StartByte >= m.EndByte {
			t.Fatalf("molecule %d has invalid range [%d, %d) for body of %d bytes",
				m.Seq, m.StartByte, m.EndByte, len(body))
		}
		if got := body[m.StartByte:m.EndByte]; got != m.Content {
			t.Errorf("molecule %d content mismatch:\n got %q\nwant %q", m.Seq, m.Content, got)
		}
	}
}

func TestMoleculesTileTheBody(t *testing.T) {
	texts := map[string]string{
		"notes/prose.md": "One sentence goes here with enough length. Another sentence follows it with more words. Final tail without terminator",
		"src/code.py":    "def f():\n    return 1\n\ndef g():\n    return 2\n",
		"cfg/data.yaml":  "alpha:\n  one: 1\n  two: 2\nbeta:\n  three: 3\n",
	}
	for path, text := range texts {
		res := atomizeText(t, text, path)
		if len(res.Molecules) == 0 {
			t.Fatalf("%s: no molecules", path)
		}
		if res.Molecules[0].StartByte != 0 {
			t.Errorf("%s: first molecule starts at %d, want 0", path, res.Molecules[0].StartByte)
		}
		for i := 1; i < len(res.Molecules); i++ {
			prev, cur := res.Molecules[i-1], res.Molecules[i]
			if cur.StartByte != prev.EndByte {
				t.Errorf("%s: molecule %d starts at %d but previous ends at %d",
					path, i, cur.StartByte, prev.EndByte)
			}
		}
		last := res.Molecules[len(res.Molecules)-1]
		if last.EndByte != len(res.Compound.Body) {
			t.Errorf("%s: last molecule ends at %d, body is %d bytes",
				path, last.EndByte, len(res.Compound.Body))
		}
	}
}

func TestShortFragmentsMergeIntoPrevious(t *testing.T) {
	text := "This is a reasonably long opening sentence for the document. Ok. Sure. Then another long sentence arrives to continue the text."
	res := atomizeText(t, text, "a.md")

	for _, m := range res.Molecules[1:] {
		if m.EndByte-m.StartByte < minFragmentBytes {
			t.Errorf("molecule %d is %d bytes, below the %d-byte floor: %q",
				m.Seq, m.EndByte-m.StartByte, minFragmentBytes, m.Content)
		}
	}
}

func TestFencedBlockIsSingleCodeMolecule(t *testing.T) {
	text := "Intro prose explaining what follows in detail here.\n```go\nfunc main() {\n\tprintln(1)\n}\n```\nClosing prose after the fenced block ends here.\n"
	res := atomizeText(t, text, "doc.md")

	var code []store.Molecule
	for _, m := range res.Molecules {
		if m.Type == store.MoleculeCode {
			code = append(code, m)
		}
	}
	if len(code) != 1 {
		t.Fatalf("expected exactly one code molecule, got %d", len(code))
	}
	if !strings.Contains(code[0].Content, "func main()") {
		t.Errorf("code molecule missing fenced body: %q", code[0].Content)
	}
	if !strings.HasPrefix(code[0].Content, "```") {
		t.Errorf("fence markers should stay inside the code molecule: %q", code[0].Content)
	}
}

// ---------------------------------------------------------------------------
// Determinism
// ---------------------------------------------------------------------------

func TestAtomizeIsDeterministic(t *testing.T) {
	text := "Sofia met the Anchor team in Lisbon. They discussed the database schema because the deadline was close. The project felt achievable."
	a := atomizeText(t, text, "notes/meet.md")
	b := atomizeText(t, text, "notes/meet.md")

	if a.Compound.ID != b.Compound.ID {
		t.Errorf("compound ids differ: %s vs %s", a.Compound.ID, b.Compound.ID)
	}
	if a.Compound.Hash != b.Compound.Hash {
		t.Errorf("hashes differ")
	}
	if a.Compound.Signature != b.Compound.Signature {
		t.Errorf("signatures differ")
	}
	if len(a.Molecules) != len(b.Molecules) {
		t.Fatalf("molecule counts differ: %d vs %d", len(a.Molecules), len(b.Molecules))
	}
	for i := range a.Molecules {
		am, bm := a.Molecules[i], b.Molecules[i]
		if am.ID != bm.ID || am.StartByte != bm.StartByte || am.EndByte != bm.EndByte ||
			am.Signature != bm.Signature {
			t.Errorf("molecule %d differs between runs", i)
		}
		if strings.Join(am.Tags, ",") != strings.Join(bm.Tags, ",") {
			t.Errorf("molecule %d tags differ: %v vs %v", i, am.Tags, bm.Tags)
		}
	}
}

// ---------------------------------------------------------------------------
// Sanitization
// ---------------------------------------------------------------------------

func TestSanitizeStripsLogPrefixes(t *testing.T) {
	raw := "2024-03-01 12:30:45 [INFO] The server started cleanly.\n2024-03-01 12:30:46 [ERROR] Then it fell over badly.\n"
	got := Sanitize(raw)
	if strings.Contains(got, "[INFO]") || strings.Contains(got, "2024-03-01") {
		t.Errorf("log prefixes survived sanitization: %q", got)
	}
	if !strings.Contains(got, "The server started cleanly.") {
		t.Errorf("payload text lost: %q", got)
	}
}

func TestSanitizeUnwrapsJSONEnvelope(t *testing.T) {
	raw := `{"content": "Just the payload text.", "ts": 123}`
	if got := Sanitize(raw); got != "Just the payload text." {
		t.Errorf("envelope not unwrapped: %q", got)
	}
}

func TestSanitizeKeepsStructuredJSON(t *testing.T) {
	raw := `{"content": "text", "other": "` + strings.Repeat("x", 100) + `"}`
	if got := Sanitize(raw); got != raw {
		t.Errorf("structured JSON should pass through unchanged, got %q", got)
	}
}

func TestSanitizeCollapsesTrailingNewlines(t *testing.T) {
	got := Sanitize("body text\n\n\n\n\n")
	if strings.HasSuffix(got, "\n\n\n") {
		t.Errorf("trailing newline run survived: %q", got)
	}
}

func TestSanitizeIsIdempotent(t *testing.T) {
	inputs := []string{
		"plain text with nothing to strip. More of it here.",
		`{"content": "wrapped once"}`,
		"2024-03-01 12:30:45 [WARN] prefixed line\n",
	}
	for _, in := range inputs {
		once := Sanitize(in)
		if twice := Sanitize(once); twice != once {
			t.Errorf("sanitize not idempotent for %q: %q != %q", in, once, twice)
		}
	}
}

// ---------------------------------------------------------------------------
// Type detection
// ---------------------------------------------------------------------------

func TestDetectType(t *testing.T) {
	cases := []struct {
		path string
		want string
	}{
		{"a.md", store.MoleculeProse},
		{"a.txt", store.MoleculeProse},
		{"README", store.MoleculeProse},
		{"x.py", store.MoleculeCode},
		{"x.ts", store.MoleculeCode},
		{"deploy.sh", store.MoleculeCode},
		{"cfg.yaml", store.MoleculeData},
		{"cfg.json", store.MoleculeData},
	}
	for _, c := range cases {
		if got := DetectType(c.path); got != c.want {
			t.Errorf("DetectType(%q) = %q, want %q", c.path, got, c.want)
		}
	}
}
