package segment

import (
	"math"
	"sort"

	"warwatch/internal/screen"
	"warwatch/pkg/geometry"
)

// detectAnchor looks for a column gutter: a column near the configured x
// whose gradient energy stands well above its neighbourhood.
func (s *Segmenter) detectAnchor(wi *screen.WorkingImage) (Anchor, bool) {
	a := s.params.Anchor
	w := wi.Width()
	lo := max(0, int(math.Floor((a.XFrac-a.SearchFrac)*float64(w))))
	hi := min(w, int(math.Ceil((a.XFrac+a.SearchFrac)*float64(w)))+1)
	if hi-lo < 3 {
		return Anchor{}, false
	}
	h := float64(wi.Height())
	cols := make([]float64, hi-lo)
	for i := range cols {
		cols[i] = wi.GradInt.BoxSum(geometry.NewRect(float64(lo+i), 0, 1, h))
	}
	peak := 0
	for i, v := range cols {
		if v > cols[peak] {
			peak = i
		}
	}
	sorted := append([]float64(nil), cols...)
	sort.Float64s(sorted)
	median := sorted[len(sorted)/2]
	contrast := cols[peak] / (median + 1)
	if contrast < a.MinContrast {
		return Anchor{}, false
	}

	x := lo + peak
	var colMax float64
	for y := 0; y < wi.Height(); y++ {
		colMax = math.Max(colMax, wi.Grad.At(x, y))
	}
	top := -1
	for y := 0; y < wi.Height(); y++ {
		if wi.Grad.At(x, y) >= 0.5*colMax {
			top = y
			break
		}
	}
	if top < 0 {
		return Anchor{}, false
	}
	return Anchor{
		X:          x,
		Top:        top,
		Contrast:   contrast,
		Confidence: math.Min(1, contrast/(2*a.MinContrast)),
	}, true
}

// sliceAnchored cuts fixed-pitch bands below the anchor, snapping each top
// within the tolerance to the quietest boundary rows.
func (s *Segmenter) sliceAnchored(wi *screen.WorkingImage, profile []float64, anchor Anchor) []RowBand {
	a := s.params.Anchor
	at := func(y int) float64 {
		return profile[max(0, min(len(profile)-1, y))]
	}
	var bands []RowBand
	for k := 0; ; k++ {
		top := anchor.Top + a.FirstRowOffset + k*a.RowPitch
		if top+a.RowHeight > wi.Height() {
			break
		}
		best, bestCost := 0, math.Inf(1)
		for d := 0; d <= a.Tolerance; d++ {
			for _, dd := range []int{d, -d} {
				cost := at(top+dd-1) + at(top+dd+a.RowHeight)
				if cost < bestCost {
					best, bestCost = dd, cost
				}
				if d == 0 {
					break
				}
			}
		}
		top += best
		if top < 0 || top+a.RowHeight > wi.Height() {
			continue
		}
		bands = append(bands, RowBand{
			Box:        geometry.NewRect(0, float64(top), 0, float64(a.RowHeight)),
			Confidence: anchor.Confidence,
			Anchored:   true,
		})
	}
	return bands
}
