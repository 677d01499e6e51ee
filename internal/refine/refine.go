// Package refine nudges accepted row boxes to a local score maximum,
// smooths them against track history and resolves overlaps.
package refine

import (
	"io"
	"log/slog"
	"math"
	"sort"

	"warwatch/internal/config"
	"warwatch/pkg/geometry"
)

// Refiner runs the bounded local search.
type Refiner struct {
	params config.Refine
	logger *slog.Logger
}

// New creates a Refiner.
func New(p config.Refine, logger *slog.Logger) *Refiner {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Refiner{params: p, logger: logger.With("component", "refine")}
}

// Result is the outcome of a local search.
type Result struct {
	Box   geometry.Rect `json:"box"`
	Score float64       `json:"score"`
	Steps int           `json:"steps"`
}

type offset struct{ dx, dy, ds float64 }

func (o offset) apply(box geometry.Rect) geometry.Rect {
	return box.ScaleAboutCenter(1+o.ds).Translate(o.dx, o.dy)
}

// Climb hill-climbs from box over translation and scale neighbours,
// staying within the configured offsets. Each accepted move must improve
// the score by at least MinImprovement.
func (r *Refiner) Climb(box geometry.Rect, score float64, eval func(geometry.Rect) float64) Result {
	p := r.params
	res := Result{Box: box, Score: score}
	if !p.Enabled {
		return res
	}
	cur := offset{}
	for res.Steps < p.MaxIterations {
		neighbours := []offset{
			{cur.dx - p.Step, cur.dy, cur.ds},
			{cur.dx + p.Step, cur.dy, cur.ds},
			{cur.dx, cur.dy - p.Step, cur.ds},
			{cur.dx, cur.dy + p.Step, cur.ds},
			{cur.dx, cur.dy, cur.ds - p.ScaleStep},
			{cur.dx, cur.dy, cur.ds + p.ScaleStep},
		}
		best, bestScore := cur, res.Score
		for _, n := range neighbours {
			if math.Abs(n.dx) > p.MaxOffset+1e-9 || math.Abs(n.dy) > p.MaxOffset+1e-9 || math.Abs(n.ds) > p.MaxScale+1e-9 {
				continue
			}
			if n == cur {
				continue
			}
			if s := eval(n.apply(box)); s > bestScore {
				best, bestScore = n, s
			}
		}
		if best == cur || bestScore-res.Score < p.MinImprovement {
			break
		}
		cur = best
		res.Box = cur.apply(box)
		res.Score = bestScore
		res.Steps++
	}
	return res
}

// Smooth blends the horizontal extent and height of cur toward the
// track's previous smoothed box. alpha is the weight of cur. The vertical
// center of cur is kept, since rows move vertically between captures.
func Smooth(cur, prev geometry.Rect, alpha float64) geometry.Rect {
	if prev.Empty() || alpha >= 1 {
		return cur
	}
	b := prev.Lerp(cur, alpha)
	cy := cur.Center().Y
	return geometry.NewRect(b.X, cy-b.Height/2, b.Width, b.Height)
}

// Candidate is one row region competing for a slot.
type Candidate struct {
	Ordinal int
	Box     geometry.Rect
	Score   float64
}

// Suppress runs greedy non-maximum suppression: candidates are visited by
// descending score (ties by ordinal) and kept only if their IoU with every
// kept region is within bound. It returns the kept and suppressed ordinals.
func Suppress(cands []Candidate, bound float64) (kept, suppressed []int) {
	idx := make([]int, len(cands))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		ca, cb := cands[idx[a]], cands[idx[b]]
		if ca.Score != cb.Score {
			return ca.Score > cb.Score
		}
		return ca.Ordinal < cb.Ordinal
	})
	var boxes []geometry.Rect
	for _, i := range idx {
		c := cands[i]
		ok := true
		for _, b := range boxes {
			if c.Box.IoU(b) > bound {
				ok = false
				break
			}
		}
		if ok {
			boxes = append(boxes, c.Box)
			kept = append(kept, c.Ordinal)
		} else {
			suppressed = append(suppressed, c.Ordinal)
		}
	}
	sort.Ints(kept)
	sort.Ints(suppressed)
	return kept, suppressed
}
