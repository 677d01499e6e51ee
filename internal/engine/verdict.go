package engine

import (
	"errors"
	"fmt"
	"image"
	"slices"

	"warwatch/internal/field"
	"warwatch/internal/match"
	"warwatch/internal/segment"
	"warwatch/internal/track"
	"warwatch/pkg/geometry"
)

// RowVerdict is the outcome for one row band of a screenshot.
type RowVerdict struct {
	Ordinal        int           `json:"ordinal"`
	Box            geometry.Rect `json:"box"`
	SourceBox      geometry.Rect `json:"source_box"`
	BandConfidence float64       `json:"band_confidence"`

	TrackID    string       `json:"track_id,omitempty"`
	NewTrack   bool         `json:"new_track,omitempty"`
	TrackState *track.State `json:"track_state,omitempty"`

	Match      *match.Score `json:"match,omitempty"`
	RunnerUp   *match.Score `json:"runner_up,omitempty"`
	Margin     float64      `json:"margin"`
	Candidates int          `json:"candidates"`
	RefineStep int          `json:"refine_steps,omitempty"`

	Crops      []field.Crop      `json:"crops,omitempty"`
	Fields     []field.Verdict   `json:"fields,omitempty"`
	Values     map[string]int64  `json:"values,omitempty"`
	Violations []track.Violation `json:"violations,omitempty"`
	Confidence float64           `json:"confidence"`
	Decision   field.Decision    `json:"decision"`
	Reasons    []string          `json:"reasons,omitempty"`
}

// HasReason reports whether the verdict carries the reason code.
func (v RowVerdict) HasReason(code string) bool {
	return slices.Contains(v.Reasons, code)
}

// Err joins the taxonomy errors that apply to the row.
func (v RowVerdict) Err() error {
	var errs []error
	if v.HasReason(ReasonMatchAmbiguous) {
		if v.Match != nil && v.RunnerUp != nil {
			errs = append(errs, fmt.Errorf("%w: %s %.3f vs %s %.3f", ErrMatchAmbiguous,
				v.Match.TrackID, v.Match.Total, v.RunnerUp.TrackID, v.RunnerUp.Total))
		} else {
			errs = append(errs, ErrMatchAmbiguous)
		}
	}
	for _, viol := range v.Violations {
		errs = append(errs, viol)
	}
	for _, c := range v.Crops {
		errs = append(errs, c.Err())
	}
	return errors.Join(errs...)
}

func (v *RowVerdict) addReason(code string) {
	if code != "" && !v.HasReason(code) {
		v.Reasons = append(v.Reasons, code)
	}
}

// Result is the outcome of processing one screenshot.
type Result struct {
	Screenshot   string         `json:"screenshot"`
	Verdicts     []RowVerdict   `json:"verdicts"`
	Segmentation segment.Report `json:"segmentation"`
	// Dialog is the source region rows were searched in.
	Dialog geometry.RectInt `json:"dialog"`

	// Table is the committed track table; the input table is unchanged.
	Table *track.Table `json:"-"`
	// Overlay is a debug rendering, nil when disabled.
	Overlay image.Image `json:"-"`
}

// Summary counts verdict outcomes.
type Summary struct {
	Rows      int `json:"rows"`
	Accepted  int `json:"accepted"`
	Retry     int `json:"retry"`
	Flagged   int `json:"flagged"`
	Skipped   int `json:"skipped"`
	NewTracks int `json:"new_tracks"`
	Ambiguous int `json:"ambiguous"`
}

// Summary counts the verdicts of the result.
func (r *Result) Summary() Summary {
	s := Summary{Rows: len(r.Verdicts)}
	for _, v := range r.Verdicts {
		switch v.Decision {
		case field.Accept:
			s.Accepted++
		case field.Retry:
			s.Retry++
		case field.Flag:
			s.Flagged++
		case field.Skip:
			s.Skipped++
		}
		if v.NewTrack {
			s.NewTracks++
		}
		if v.HasReason(ReasonMatchAmbiguous) {
			s.Ambiguous++
		}
	}
	return s
}
