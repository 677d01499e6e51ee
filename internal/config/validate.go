package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the params are usable. Every violation is reported, not
// just the first.
func (p Params) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	pp := p.Preprocess
	if pp.WorkingWidth <= 0 {
		add("preprocess.working_width must be positive")
	}
	if pp.MinWidth <= 0 || pp.MaxWidth < pp.MinWidth {
		add("preprocess.min_width/max_width must satisfy 0 < min <= max")
	}
	if pp.MinHeight <= 0 || pp.MaxHeight < pp.MinHeight {
		add("preprocess.min_height/max_height must satisfy 0 < min <= max")
	}
	if pp.CLAHE && (pp.CLAHEClip <= 0 || pp.CLAHETile <= 0) {
		add("preprocess.clahe_clip and clahe_tile must be positive when clahe is enabled")
	}

	s := p.Segment
	if s.ProfileXFrom < 0 || s.ProfileXTo > 1 || s.ProfileXTo <= s.ProfileXFrom {
		add("segment.profile_x_from/profile_x_to must satisfy 0 <= from < to <= 1")
	}
	if s.LowEnergyFrac <= 0 || s.LowEnergyFrac >= 1 {
		add("segment.low_energy_frac must be in (0,1)")
	}
	if s.MinGap <= 0 {
		add("segment.min_gap must be positive")
	}
	if s.MinEnergyDrop <= 0 || s.MinEnergyDrop > 1 {
		add("segment.min_energy_drop must be in (0,1]")
	}
	if s.MinRowHeight <= 0 || s.MaxRowHeight < s.MinRowHeight {
		add("segment.min_row_height/max_row_height must satisfy 0 < min <= max")
	}
	if s.MinRowWidthFrac <= 0 || s.MinRowWidthFrac > 1 {
		add("segment.min_row_width_frac must be in (0,1]")
	}
	if s.MinBandEnergyFrac < 0 || s.MinBandEnergyFrac >= 1 {
		add("segment.min_band_energy_frac must be in [0,1)")
	}
	if s.PadX < 0 || s.PadY < 0 {
		add("segment.pad_x/pad_y must not be negative")
	}
	if a := s.Anchor; a.Enabled {
		if a.XFrac <= 0 || a.XFrac >= 1 || a.SearchFrac <= 0 {
			add("segment.anchor.x_frac must be in (0,1) and search_frac positive")
		}
		if a.MinContrast <= 1 {
			add("segment.anchor.min_contrast must be greater than 1")
		}
		if a.RowPitch <= 0 || a.RowHeight <= 0 || a.RowHeight > a.RowPitch {
			add("segment.anchor.row_pitch/row_height must satisfy 0 < height <= pitch")
		}
		if a.Tolerance < 0 {
			add("segment.anchor.tolerance must not be negative")
		}
	}
	if d := s.Dialog; d.Enabled {
		if len(d.Ranges) == 0 {
			add("segment.dialog.ranges needs at least one HSV range when enabled")
		}
		for i, r := range d.Ranges {
			for k := range 3 {
				if r.Lo[k] < 0 || r.Hi[k] < r.Lo[k] || r.Hi[k] > 255 || (k == 0 && r.Hi[k] > 180) {
					add("segment.dialog.ranges[%d]: channel %d must satisfy 0 <= lo <= hi (hue <= 180, others <= 255)", i, k)
				}
			}
		}
		if d.CloseKernel < 1 || d.CloseIter < 0 {
			add("segment.dialog.close_kernel must be positive and close_iterations not negative")
		}
		if d.MinWidthFrac <= 0 || d.MinWidthFrac > 1 || d.MinHeightFrac <= 0 || d.MinHeightFrac > 1 {
			add("segment.dialog.min_width_frac/min_height_frac must be in (0,1]")
		}
		if d.MinExtent <= 0 || d.MinExtent > 1 {
			add("segment.dialog.min_extent must be in (0,1]")
		}
		if d.Pad < 0 {
			add("segment.dialog.pad must not be negative")
		}
	}

	f := p.Fingerprint
	if f.GridSize < 3 || f.GridSize > 16 {
		add("fingerprint.grid_size must be in [3,16]")
	}
	if f.MaxHamming < 0 || f.MaxHamming > f.GridSize*f.GridSize {
		add("fingerprint.max_hamming must be in [0, grid_size^2]")
	}
	if f.Bins < 2 {
		add("fingerprint.bins must be at least 2")
	}
	if f.MaxHistogramDistance <= 0 || f.MaxHistogramDistance > 1 {
		add("fingerprint.max_histogram_distance must be in (0,1]")
	}
	if f.MaxCandidates <= 0 {
		add("fingerprint.max_candidates must be positive")
	}
	if f.MaxWidthDiff <= 0 {
		add("fingerprint.max_width_diff must be positive")
	}

	m := p.Match
	if m.PatchWidth < 8 || m.PatchHeight < 4 {
		add("match.patch_width/patch_height too small")
	}
	if m.IdentityXFrom < 0 || m.IdentityXTo > 1 || m.IdentityXTo <= m.IdentityXFrom {
		add("match.identity_x_from/identity_x_to must satisfy 0 <= from < to <= 1")
	}
	if m.WeightLuma < 0 || m.WeightEdge < 0 || m.WeightLuma+m.WeightEdge <= 0 {
		add("match.weight_luma/weight_edge must be non-negative with a positive sum")
	}
	if m.WeightPenalty < 0 {
		add("match.weight_penalty must not be negative")
	}
	if m.AcceptThreshold <= 0 || m.AcceptThreshold > 1 {
		add("match.accept_threshold must be in (0,1]")
	}
	if m.MinMargin <= 0 || m.MinMargin >= 1 {
		add("match.min_margin must be in (0,1)")
	}
	if m.UseCenterCrop && (m.CenterFrac <= 0 || m.CenterFrac > 1) {
		add("match.center_frac must be in (0,1]")
	}
	if m.AspectTolerance < 0 || m.DriftTolerance < 0 || m.MinEdgeEnergy < 0 {
		add("match.aspect_tolerance/drift_tolerance/min_edge_energy must not be negative")
	}
	if al := m.Align; al.Enabled {
		if al.MaxShift <= 0 || al.MaxScale < 0 || al.MaxScale >= 0.5 {
			add("match.align.max_shift must be positive and max_scale in [0,0.5)")
		}
		if al.MaxIterations <= 0 {
			add("match.align.max_iterations must be positive")
		}
	}

	r := p.Refine
	if r.IoUBound <= 0 || r.IoUBound >= 1 {
		add("refine.iou_bound must be in (0,1)")
	}
	if r.SmoothingAlpha < 0 || r.SmoothingAlpha > 1 {
		add("refine.smoothing_alpha must be in [0,1]")
	}
	if r.Enabled {
		if r.Step <= 0 || r.MaxOffset < r.Step {
			add("refine.step must be positive and max_offset >= step")
		}
		if r.ScaleStep < 0 || r.MaxScale < 0 || r.MaxScale >= 0.5 {
			add("refine.scale_step/max_scale must be in [0,0.5)")
		}
		if r.MaxIterations <= 0 {
			add("refine.max_iterations must be positive")
		}
		if r.MinImprovement < 0 {
			add("refine.min_improvement must not be negative")
		}
	}

	sh := p.Shape
	if sh.Upscale < 1 {
		add("shape.upscale must be at least 1")
	}
	if sh.BlockSize < 3 || sh.BlockSize%2 == 0 {
		add("shape.block_size must be an odd number >= 3")
	}
	if sh.MinHeightFrac <= 0 || sh.MaxHeightFrac > 1 || sh.MaxHeightFrac < sh.MinHeightFrac {
		add("shape.min_height_frac/max_height_frac must satisfy 0 < min <= max <= 1")
	}
	if sh.StrokeMinFrac <= 0 || sh.StrokeMaxFrac < sh.StrokeMinFrac {
		add("shape.stroke_min_frac/stroke_max_frac must satisfy 0 < min <= max")
	}
	if sh.MaxHoles < 0 || sh.MaxDigits <= 0 {
		add("shape.max_holes must not be negative and max_digits must be positive")
	}
	if sh.MinShapeScore <= 0 || sh.MinShapeScore > 1 {
		add("shape.min_shape_score must be in (0,1]")
	}

	if len(p.Fields) == 0 {
		add("at least one [[fields]] entry is required")
	}
	seen := map[string]bool{}
	for i, fl := range p.Fields {
		name := strings.TrimSpace(fl.Name)
		if name == "" {
			add("fields[%d].name is required", i)
		} else if seen[name] {
			add("fields[%d].name %q is duplicated", i, name)
		}
		seen[name] = true
		if fl.XFrac < 0 || fl.WidthFrac <= 0 || fl.XFrac+fl.WidthFrac > 1 {
			add("fields[%d] (%s): x_frac/width_frac must lie within the row", i, name)
		}
		if fl.YFrac < 0 || fl.HeightFrac <= 0 || fl.YFrac+fl.HeightFrac > 1 {
			add("fields[%d] (%s): y_frac/height_frac must lie within the row", i, name)
		}
		if fl.MaxDelta < 0 {
			add("fields[%d] (%s): max_delta must not be negative", i, name)
		}
		if fl.Max != 0 && fl.Max < fl.Min {
			add("fields[%d] (%s): max must be >= min", i, name)
		}
	}

	fu := p.Fusion
	if fu.MinMatchConfidence <= 0 || fu.MinMatchConfidence > 1 {
		add("fusion.min_match_confidence must be in (0,1]")
	}
	if fu.MinRecognitionConfidence < 0 || fu.MinRecognitionConfidence > 1 {
		add("fusion.min_recognition_confidence must be in [0,1]")
	}
	if fu.MinBandConfidence <= 0 || fu.MinBandConfidence > 1 {
		add("fusion.min_band_confidence must be in (0,1]")
	}

	if sc := p.SideColor; sc.Enabled {
		if sc.MaxDistance <= 0 || sc.MinPixels <= 0 {
			add("side_color.max_distance and min_pixels must be positive")
		}
		if strings.TrimSpace(sc.MarkedSide) == "" {
			add("side_color.marked_side is required when enabled")
		}
	}

	if p.Engine.Workers <= 0 {
		add("engine.workers must be positive")
	}

	return errors.Join(errs...)
}
