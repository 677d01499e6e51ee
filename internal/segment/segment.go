// Package segment carves a working image into horizontal row bands.
package segment

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"

	"warwatch/internal/config"
	"warwatch/internal/screen"
	"warwatch/pkg/geometry"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ErrSegmentationFailure is returned when no row band survives filtering.
var ErrSegmentationFailure = errors.New("segmentation failure")

// RowBand is a horizontal region believed to hold one player's row.
// Box is in working-image coordinates; Ordinal is 1-based, top to bottom.
type RowBand struct {
	Box        geometry.Rect `json:"box"`
	Confidence float64       `json:"confidence"`
	Ordinal    int           `json:"ordinal"`
	Anchored   bool          `json:"anchored,omitempty"`
}

// Anchor describes a detected layout landmark.
type Anchor struct {
	X          int     `json:"x"`
	Top        int     `json:"top"`
	Contrast   float64 `json:"contrast"`
	Confidence float64 `json:"confidence"`
}

// Report is the segmentation outcome for one screenshot.
type Report struct {
	Bands    []RowBand `json:"bands"`
	Expected int       `json:"expected,omitempty"`
	Anchor   *Anchor   `json:"anchor,omitempty"`
	Rejected int       `json:"rejected"`
}

// Short reports whether fewer bands than expected were found.
func (r Report) Short() bool {
	return r.Expected > 0 && len(r.Bands) < r.Expected
}

// Segmenter locates row bands.
type Segmenter struct {
	params config.Segment
	logger *slog.Logger
}

// New creates a Segmenter.
func New(p config.Segment, logger *slog.Logger) *Segmenter {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Segmenter{params: p, logger: logger.With("component", "segment")}
}

// span is a half-open row interval [lo, hi).
type span struct{ lo, hi int }

func (s span) len() int { return s.hi - s.lo }

// Run segments wi. Fewer bands than expected is reported in the result;
// zero bands is an error.
func (s *Segmenter) Run(wi *screen.WorkingImage) (Report, error) {
	p := s.params
	profile := s.Profile(wi)
	report := Report{Expected: p.ExpectedRows}

	var candidates []RowBand
	if p.Anchor.Enabled {
		if a, ok := s.detectAnchor(wi); ok {
			report.Anchor = &a
			candidates = s.sliceAnchored(wi, profile, a)
			s.logger.Debug("layout anchor found", "x", a.X, "top", a.Top, "contrast", a.Contrast)
		}
	}
	if report.Anchor == nil {
		candidates = s.profileBands(profile)
	}

	mean := nonzeroMean(profile)
	for _, c := range candidates {
		band, ok := s.finish(wi, profile, mean, c)
		if !ok {
			report.Rejected++
			continue
		}
		band.Ordinal = len(report.Bands) + 1
		report.Bands = append(report.Bands, band)
	}

	if len(report.Bands) == 0 {
		return report, fmt.Errorf("%w: %d candidate bands, all rejected", ErrSegmentationFailure, len(candidates))
	}
	if report.Short() {
		s.logger.Warn("fewer rows than expected",
			"found", len(report.Bands), "expected", report.Expected)
	}
	return report, nil
}

// Profile returns the smoothed row-wise gradient energy over the
// configured column range.
func (s *Segmenter) Profile(wi *screen.WorkingImage) []float64 {
	p := s.params
	w := float64(wi.Width())
	x0 := p.ProfileXFrom * w
	x1 := p.ProfileXTo * w
	prof := make([]float64, wi.Height())
	for y := range prof {
		prof[y] = wi.GradInt.BoxSum(geometry.NewRect(x0, float64(y), x1-x0, 1))
	}
	return smooth(prof, p.SmoothWindow)
}

// profileBands splits the profile at separator gaps.
func (s *Segmenter) profileBands(profile []float64) []RowBand {
	p := s.params
	thr := p.LowEnergyFrac * nonzeroMean(profile)

	// Alternating content and gap runs.
	var content, gaps []span
	for y := 0; y < len(profile); {
		low := profile[y] < thr
		start := y
		for y < len(profile) && (profile[y] < thr) == low {
			y++
		}
		if low {
			gaps = append(gaps, span{start, y})
		} else {
			content = append(content, span{start, y})
		}
	}
	if len(content) == 0 {
		return nil
	}

	// depth[i] is the separator strength between content[i-1] and
	// content[i]; depth[0] and depth[len] are the image borders.
	depth := make([]float64, len(content)+1)
	depth[0] = borderDepth(content[0].lo)
	depth[len(content)] = borderDepth(len(profile) - content[len(content)-1].hi)
	for i := 1; i < len(content); i++ {
		g := span{content[i-1].hi, content[i].lo}
		depth[i] = -1
		if g.len() < p.MinGap {
			continue
		}
		gapMean := stat.Mean(profile[g.lo:g.hi], nil)
		adj := math.Min(stat.Mean(profile[content[i-1].lo:content[i-1].hi], nil),
			stat.Mean(profile[content[i].lo:content[i].hi], nil))
		if adj <= 0 || gapMean > (1-p.MinEnergyDrop)*adj {
			continue
		}
		depth[i] = math.Max(0, math.Min(1, 1-gapMean/adj))
	}

	var bands []RowBand
	start := 0
	for i := 1; i <= len(content); i++ {
		if depth[i] < 0 {
			continue
		}
		lo, hi := content[start].lo, content[i-1].hi
		bands = append(bands, RowBand{
			Box:        geometry.NewRect(0, float64(lo), 0, float64(hi-lo)),
			Confidence: math.Min(depth[start], depth[i]),
		})
		start = i
	}
	return bands
}

// borderDepth scores an image-border separator: a real gap before the
// border is certain, content running into the border may be cut off.
func borderDepth(gap int) float64 {
	if gap > 0 {
		return 1
	}
	return 0.5
}

// finish applies the geometric filters, finds the horizontal extent and
// pads the band.
func (s *Segmenter) finish(wi *screen.WorkingImage, profile []float64, mean float64, b RowBand) (RowBand, bool) {
	p := s.params
	h := int(b.Box.Height)
	if h < p.MinRowHeight || h > p.MaxRowHeight {
		s.logger.Debug("band rejected by height", "y", b.Box.Y, "height", h)
		return b, false
	}
	y0 := int(b.Box.Y)
	bandMean := stat.Mean(profile[y0:min(y0+h, len(profile))], nil)
	if bandMean < p.MinBandEnergyFrac*mean {
		s.logger.Debug("band rejected by energy", "y", b.Box.Y, "energy", bandMean)
		return b, false
	}
	x0, x1 := columnExtent(wi, b.Box.Y, b.Box.Height, p.LowEnergyFrac)
	if float64(x1-x0) < p.MinRowWidthFrac*float64(wi.Width()) {
		s.logger.Debug("band rejected by width", "y", b.Box.Y, "width", x1-x0)
		return b, false
	}
	b.Box = geometry.NewRect(float64(x0), b.Box.Y, float64(x1-x0), b.Box.Height).
		Pad(float64(p.PadX), float64(p.PadY)).
		Clamp(float64(wi.Width()), float64(wi.Height()))
	return b, true
}

// columnExtent returns the first and last+1 columns whose gradient energy
// within the band reaches frac of the mean active column energy.
func columnExtent(wi *screen.WorkingImage, y, h, frac float64) (int, int) {
	cols := make([]float64, wi.Width())
	for x := range cols {
		cols[x] = wi.GradInt.BoxSum(geometry.NewRect(float64(x), y, 1, h))
	}
	thr := frac * nonzeroMean(cols)
	x0, x1 := -1, -1
	for x, v := range cols {
		if v > thr && v > 0 {
			if x0 < 0 {
				x0 = x
			}
			x1 = x + 1
		}
	}
	if x0 < 0 {
		return 0, 0
	}
	return x0, x1
}

func nonzeroMean(v []float64) float64 {
	var sum float64
	n := 0
	for _, x := range v {
		if x > 0 {
			sum += x
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// smooth applies a centered moving average of the given window.
func smooth(v []float64, window int) []float64 {
	if window <= 1 || len(v) == 0 {
		return v
	}
	half := window / 2
	out := make([]float64, len(v))
	for i := range v {
		lo := max(0, i-half)
		hi := min(len(v), i+half+1)
		out[i] = floats.Sum(v[lo:hi]) / float64(hi-lo)
	}
	return out
}
