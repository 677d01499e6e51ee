// Package match scores a row crop against a track's reference crop with
// luminance and gradient correlation, geometric penalties and an optional
// bounded alignment step.
package match

import (
	"io"
	"log/slog"
	"math"

	"warwatch/internal/config"
	"warwatch/internal/screen"
	"warwatch/pkg/geometry"
	"warwatch/pkg/raster"
)

// Reference is the last accepted crop of a track, kept as sampled patches
// so it outlives the screenshot it came from.
type Reference struct {
	Luma *raster.Plane `json:"luma"`
	Edge *raster.Plane `json:"edge"`
	Box  geometry.Rect `json:"box"`
}

// Valid reports whether the reference carries patches.
func (r Reference) Valid() bool {
	return r.Luma != nil && r.Edge != nil && len(r.Luma.Pix) > 0
}

// Score is the comparison of one row crop against one track reference.
type Score struct {
	TrackID string `json:"track_id"`

	LumaFull   float64 `json:"luma_full"`
	LumaCenter float64 `json:"luma_center"`
	Luma       float64 `json:"luma"`
	Edge       float64 `json:"edge"`
	Profile    float64 `json:"profile"`

	AspectPenalty float64 `json:"aspect_penalty"`
	DriftPenalty  float64 `json:"drift_penalty"`
	EnergyPenalty float64 `json:"energy_penalty"`
	Penalty       float64 `json:"penalty"`
	EdgeEnergy    float64 `json:"edge_energy"`

	Total float64 `json:"total"`

	// Box is the row box the score was taken at, after alignment.
	Box             geometry.Rect `json:"box"`
	Aligned         bool          `json:"aligned,omitempty"`
	AlignIterations int           `json:"align_iterations,omitempty"`
}

// Scorer computes match scores.
type Scorer struct {
	params config.Match
	logger *slog.Logger
}

// NewScorer creates a Scorer.
func NewScorer(p config.Match, logger *slog.Logger) *Scorer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Scorer{params: p, logger: logger.With("component", "match")}
}

// Identity returns the stable identity slice of a row box.
func (s *Scorer) Identity(box geometry.Rect) geometry.Rect {
	p := s.params
	return geometry.NewRect(
		box.X+p.IdentityXFrom*box.Width,
		box.Y,
		(p.IdentityXTo-p.IdentityXFrom)*box.Width,
		box.Height,
	)
}

// Reference samples the reference patches for a row box.
func (s *Scorer) Reference(wi *screen.WorkingImage, box geometry.Rect) Reference {
	id := s.Identity(box)
	return Reference{
		Luma: wi.GrayInt.Sample(id, s.params.PatchWidth, s.params.PatchHeight),
		Edge: wi.GradInt.Sample(id, s.params.PatchWidth, s.params.PatchHeight),
		Box:  box,
	}
}

// ScoreAt scores the row box against ref without alignment.
func (s *Scorer) ScoreAt(wi *screen.WorkingImage, box geometry.Rect, ref Reference) Score {
	p := s.params
	cand := s.Reference(wi, box)
	sc := Score{Box: box}

	sc.LumaFull = raster.NCC(cand.Luma, ref.Luma)
	sc.Luma = sc.LumaFull
	if p.UseCenterCrop {
		sc.LumaCenter = raster.NCC(cand.Luma.CenterCrop(p.CenterFrac), ref.Luma.CenterCrop(p.CenterFrac))
		sc.Luma = math.Max(sc.LumaFull, sc.LumaCenter)
	}
	sc.Edge = raster.NCC(cand.Edge, ref.Edge)
	sc.Profile = raster.Cosine(cand.Edge.ColumnProfile(), ref.Edge.ColumnProfile())
	sc.EdgeEnergy = cand.Edge.Mean()

	if refAR := ref.Box.AspectRatio(); refAR > 0 {
		dev := math.Abs(box.AspectRatio()/refAR - 1)
		sc.AspectPenalty = math.Max(0, dev-p.AspectTolerance)
	}
	if ref.Box.Width > 0 {
		drift := math.Max(math.Abs(box.X-ref.Box.X), math.Abs(box.Right()-ref.Box.Right())) / ref.Box.Width
		sc.DriftPenalty = math.Max(0, drift-p.DriftTolerance)
	}
	if p.MinEdgeEnergy > 0 && sc.EdgeEnergy < p.MinEdgeEnergy {
		sc.EnergyPenalty = (p.MinEdgeEnergy - sc.EdgeEnergy) / p.MinEdgeEnergy
	}
	sc.Penalty = sc.AspectPenalty + sc.DriftPenalty + sc.EnergyPenalty
	sc.Total = p.WeightLuma*sc.Luma + p.WeightEdge*sc.Edge - p.WeightPenalty*sc.Penalty
	return sc
}

// Score scores the row box against ref, running the bounded alignment
// when the fixed-offset score is below the trigger.
func (s *Scorer) Score(wi *screen.WorkingImage, box geometry.Rect, ref Reference, trackID string) Score {
	sc := s.ScoreAt(wi, box, ref)
	if al := s.params.Align; al.Enabled && sc.Total < al.TriggerBelow {
		if aligned, iters := s.align(wi, box, ref); aligned.Total > sc.Total {
			aligned.Aligned = true
			aligned.AlignIterations = iters
			s.logger.Debug("alignment improved score",
				"track", trackID, "before", sc.Total, "after", aligned.Total, "iterations", iters)
			sc = aligned
		}
	}
	sc.TrackID = trackID
	return sc
}
