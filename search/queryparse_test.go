package search

import (
	"reflect"
	"strings"
	"testing"
)

func TestParseQuery(t *testing.T) {
	cases := []struct {
		in   string
		want ParsedQuery
	}{
		{
			in:   `plain keywords only`,
			want: ParsedQuery{Keywords: []string{"plain", "keywords", "only"}},
		},
		{
			in:   `"exact phrase" trailing`,
			want: ParsedQuery{Phrases: []string{"exact phrase"}, Keywords: []string{"trailing"}},
		},
		{
			in:   `@yesterday #notes deploy logs`,
			want: ParsedQuery{Temporal: []string{"yesterday"}, Buckets: []string{"notes"}, Keywords: []string{"deploy", "logs"}},
		},
		{
			in:   `"two" "phrases" #b1 #b2`,
			want: ParsedQuery{Phrases: []string{"two", "phrases"}, Buckets: []string{"b1", "b2"}},
		},
		{
			in:   `"unterminated phrase`,
			want: ParsedQuery{Phrases: []string{"unterminated phrase"}},
		},
		{
			in:   `@ # lone markers`,
			want: ParsedQuery{Keywords: []string{"@", "#", "lone", "markers"}},
		},
	}
	for _, c := range cases {
		got := Parse(c.in)
		if !reflect.DeepEqual(got, c.want) {
			t.Errorf("Parse(%q):\n got %+v\nwant %+v", c.in, got, c.want)
		}
	}
}

func TestParsedQueryTerms(t *testing.T) {
	p := ParsedQuery{Phrases: []string{"a b"}, Keywords: []string{"c"}}
	if got := p.Terms(); !reflect.DeepEqual(got, []string{"a b", "c"}) {
		t.Errorf("Terms() = %v", got)
	}
}

func TestBuildMatchSanitizes(t *testing.T) {
	p := Parse(`"Exact Phrase!" inject) OR drop--`)
	match := buildMatch(p)
	for _, forbidden := range []string{"!", ")", "--"} {
		if strings.Contains(match, forbidden) {
			t.Errorf("match expression %q retains %q", match, forbidden)
		}
	}
}
