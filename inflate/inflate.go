// Package inflate turns scattered molecule hits into coherent reading
// windows under a character budget: group by compound, merge proximate
// spans, pad, cap, and hydrate from the authoritative compound body.
package inflate

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/RSBalchII/Anchor/store"
)

// Config holds the dynamic-density tuning knobs.
type Config struct {
	MergeThreshold int
	MinPadding     int
	MaxPadding     int
	MinWindowCap   int
	MinViableSize  int
	StaticWindow   int // target window when no budget is supplied
}

// DefaultConfig returns the standard inflation constants.
func DefaultConfig() Config {
	return Config{
		MergeThreshold: 500,
		MinPadding:     50,
		MaxPadding:     500,
		MinWindowCap:   200,
		MinViableSize:  150,
		StaticWindow:   2500,
	}
}

// Window is one inflated reading window. Content is hydrated from the
// compound body and carries the "..." clip markers when the window was cut
// from a larger body.
type Window struct {
	CompoundID string  `json:"compound_id"`
	Source     string  `json:"source"`
	Timestamp  int64   `json:"timestamp"`
	Provenance string  `json:"provenance"`
	Score      float64 `json:"score"`
	StartByte  int     `json:"start_byte"`
	EndByte    int     `json:"end_byte"`
	Content    string  `json:"content"`
	IsInflated bool    `json:"is_inflated"`
	Truncated  bool    `json:"truncated"` // density mode dropped lower-ranked hits
}

// Inflator merges and pads hits into windows.
type Inflator struct {
	cfg Config
}

// New returns an Inflator. Zero-valued fields fall back to the defaults.
func New(cfg Config) *Inflator {
	d := DefaultConfig()
	if cfg.MergeThreshold == 0 {
		cfg.MergeThreshold = d.MergeThreshold
	}
	if cfg.MinPadding == 0 {
		cfg.MinPadding = d.MinPadding
	}
	if cfg.MaxPadding == 0 {
		cfg.MaxPadding = d.MaxPadding
	}
	if cfg.MinWindowCap == 0 {
		cfg.MinWindowCap = d.MinWindowCap
	}
	if cfg.MinViableSize == 0 {
		cfg.MinViableSize = d.MinViableSize
	}
	if cfg.StaticWindow == 0 {
		cfg.StaticWindow = d.StaticWindow
	}
	return &Inflator{cfg: cfg}
}

// Inflate expands hits (ordered by score, best first) into windows. bodies
// maps compound id to its authoritative body. budget is the total character
// cap; zero means no total cap and the static window size applies.
// The emitted character sum never exceeds a non-zero budget.
func (inf *Inflator) Inflate(hits []store.Hit, bodies map[string]string, budget int) []Window {
	if len(hits) == 0 {
		return nil
	}

	targetWindow := inf.cfg.StaticWindow
	truncated := false
	if budget > 0 {
		n := len(hits)
		if n*inf.cfg.MinViableSize > budget {
			keep := budget / inf.cfg.MinViableSize
			if keep < 1 {
				keep = 1
			}
			if keep < n {
				hits = hits[:keep]
				truncated = true
			}
			targetWindow = inf.cfg.MinViableSize
		} else {
			targetWindow = budget / n
		}
	}

	targetPadding := clamp(targetWindow/2, inf.cfg.MinPadding, inf.cfg.MaxPadding)

	windows := inf.buildWindows(hits, bodies, targetWindow, targetPadding, truncated)

	// Emit in score order, never exceeding the budget.
	sort.SliceStable(windows, func(i, j int) bool { return windows[i].Score > windows[j].Score })
	if budget <= 0 {
		return windows
	}
	var out []Window
	total := 0
	for _, w := range windows {
		if total+len(w.Content) > budget {
			break
		}
		total += len(w.Content)
		out = append(out, w)
	}
	return out
}

// buildWindows groups hits per compound, merges proximate spans, pads, and
// caps each window around the centroid of its contributing hits.
func (inf *Inflator) buildWindows(hits []store.Hit, bodies map[string]string, targetWindow, targetPadding int, truncated bool) []Window {
	byCompound := make(map[string][]store.Hit)
	var order []string
	for _, h := range hits {
		if _, ok := byCompound[h.CompoundID]; !ok {
			order = append(order, h.CompoundID)
		}
		byCompound[h.CompoundID] = append(byCompound[h.CompoundID], h)
	}

	var windows []Window
	for _, cid := range order {
		group := byCompound[cid]
		body, ok := bodies[cid]
		if !ok {
			// No authoritative body available; fall back to the stored
			// molecule content verbatim.
			for _, h := range group {
				windows = append(windows, Window{
					CompoundID: h.CompoundID,
					Source:     h.Source,
					Timestamp:  h.Timestamp,
					Provenance: h.Provenance,
					Score:      h.Score,
					StartByte:  h.StartByte,
					EndByte:    h.EndByte,
					Content:    h.Content,
					Truncated:  truncated,
				})
			}
			continue
		}

		sort.Slice(group, func(i, j int) bool { return group[i].StartByte < group[j].StartByte })

		merged := mergeProximate(group, inf.cfg.MergeThreshold)
		for _, m := range merged {
			windows = append(windows, inf.window(m, body, targetWindow, targetPadding, truncated))
		}
	}
	return windows
}

// cluster is a run of merged hits within one compound.
type cluster struct {
	hits     []store.Hit
	start    int
	end      int
	maxScore float64
}

// mergeProximate scans position-sorted hits linearly and merges neighbors
// whose gap is below the threshold. The merged span inherits the max score.
func mergeProximate(group []store.Hit, threshold int) []cluster {
	var clusters []cluster
	for _, h := range group {
		if len(clusters) > 0 {
			last := &clusters[len(clusters)-1]
			if h.StartByte-last.end < threshold {
				last.hits = append(last.hits, h)
				if h.EndByte > last.end {
					last.end = h.EndByte
				}
				if h.Score > last.maxScore {
					last.maxScore = h.Score
				}
				continue
			}
		}
		clusters = append(clusters, cluster{
			hits:     []store.Hit{h},
			start:    h.StartByte,
			end:      h.EndByte,
			maxScore: h.Score,
		})
	}
	return clusters
}

// window pads a cluster, caps it symmetrically around the hit centroid,
// and hydrates the content from the compound body.
func (inf *Inflator) window(m cluster, body string, targetWindow, targetPadding int, truncated bool) Window {
	ws := m.start - targetPadding
	if ws < 0 {
		ws = 0
	}
	we := m.end + targetPadding
	if we > len(body) {
		we = len(body)
	}

	if we-ws > targetWindow {
		centroid := 0
		for _, h := range m.hits {
			centroid += (h.StartByte + h.EndByte) / 2
		}
		centroid /= len(m.hits)

		half := targetWindow / 2
		ws = centroid - half
		we = centroid + (targetWindow - half)
		if ws < 0 {
			we -= ws
			ws = 0
		}
		if we > len(body) {
			ws -= we - len(body)
			we = len(body)
			if ws < 0 {
				ws = 0
			}
		}
	}

	// Keep windows readable: grow up to the window floor when the body has
	// room, unless density mode already forced the smaller viable size.
	floor := inf.cfg.MinWindowCap
	if targetWindow < floor {
		floor = targetWindow
	}
	if we-ws < floor {
		we = ws + floor
		if we > len(body) {
			ws -= we - len(body)
			we = len(body)
			if ws < 0 {
				ws = 0
			}
		}
	}

	content := body[ws:we]
	if ws > 0 {
		content = "..." + content
	}
	if we < len(body) {
		content = content + "..."
	}

	first := m.hits[0]
	return Window{
		CompoundID: first.CompoundID,
		Source:     first.Source,
		Timestamp:  first.Timestamp,
		Provenance: first.Provenance,
		Score:      m.maxScore,
		StartByte:  ws,
		EndByte:    we,
		Content:    content,
		IsInflated: true,
		Truncated:  truncated,
	}
}

// Render concatenates windows in order with their source headers.
func Render(windows []Window) string {
	var b strings.Builder
	for i, w := range windows {
		if i > 0 {
			b.WriteString("\n\n")
		}
		ts := time.UnixMilli(w.Timestamp).UTC().Format(time.RFC3339)
		fmt.Fprintf(&b, "[Source: %s](Timestamp: %s)\n", w.Source, ts)
		b.WriteString(w.Content)
	}
	return b.String()
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
