package search

import "strings"

// ParsedQuery is the decomposed form of a raw query string: quoted phrases
// are preserved, @temporal and #bucket markers are separated out, and the
// remaining tokens are bare keywords.
type ParsedQuery struct {
	Phrases  []string
	Temporal []string
	Buckets  []string
	Keywords []string
}

// Terms returns the union of phrases and keywords, which is what the FTS
// phase matches on.
func (p ParsedQuery) Terms() []string {
	out := make([]string, 0, len(p.Phrases)+len(p.Keywords))
	out = append(out, p.Phrases...)
	out = append(out, p.Keywords...)
	return out
}

// Parse decomposes a query. Double-quoted spans become phrases; outside
// quotes, tokens prefixed with @ or # are temporal and bucket markers.
func Parse(query string) ParsedQuery {
	var p ParsedQuery

	var rest strings.Builder
	inQuote := false
	var phrase strings.Builder
	for _, r := range query {
		if r == '"' {
			if inQuote {
				if s := strings.TrimSpace(phrase.String()); s != "" {
					p.Phrases = append(p.Phrases, s)
				}
				phrase.Reset()
			}
			inQuote = !inQuote
			continue
		}
		if inQuote {
			phrase.WriteRune(r)
		} else {
			rest.WriteRune(r)
		}
	}
	if inQuote {
		// Unterminated quote: treat the remainder as a phrase.
		if s := strings.TrimSpace(phrase.String()); s != "" {
			p.Phrases = append(p.Phrases, s)
		}
	}

	for _, tok := range strings.Fields(rest.String()) {
		switch {
		case strings.HasPrefix(tok, "@") && len(tok) > 1:
			p.Temporal = append(p.Temporal, strings.TrimPrefix(tok, "@"))
		case strings.HasPrefix(tok, "#") && len(tok) > 1:
			p.Buckets = append(p.Buckets, strings.TrimPrefix(tok, "#"))
		default:
			p.Keywords = append(p.Keywords, tok)
		}
	}
	return p
}
