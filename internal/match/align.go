package match

import (
	"math"

	"warwatch/internal/screen"
	"warwatch/pkg/geometry"

	"gonum.org/v1/gonum/optimize"
)

// Transform moves a row box by (dx, dy) after scaling it by 1+ds about its
// own center.
func Transform(box geometry.Rect, dx, dy, ds float64) geometry.Rect {
	t := geometry.Translation(dx, dy).Compose(geometry.ScaleAbout(box.Center(), 1+ds))
	return t.ApplyRect(box)
}

// align searches translation and scale within the configured bounds with
// Nelder-Mead, capped by iteration count. Variables are searched in a unit
// cube so one simplex size fits both shift and scale.
func (s *Scorer) align(wi *screen.WorkingImage, box geometry.Rect, ref Reference) (Score, int) {
	al := s.params.Align
	toBox := func(u []float64) geometry.Rect {
		c := func(v float64) float64 { return math.Max(-1, math.Min(1, v)) }
		return Transform(box, c(u[0])*al.MaxShift, c(u[1])*al.MaxShift, c(u[2])*al.MaxScale)
	}
	outside := func(u []float64) float64 {
		var o float64
		for _, v := range u {
			o += math.Max(0, math.Abs(v)-1)
		}
		return o
	}
	problem := optimize.Problem{
		Func: func(u []float64) float64 {
			return -s.ScoreAt(wi, toBox(u), ref).Total + outside(u)
		},
	}
	settings := &optimize.Settings{
		MajorIterations: al.MaxIterations,
		FuncEvaluations: 4 * al.MaxIterations,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-4,
			Iterations: 8,
		},
	}
	result, err := optimize.Minimize(problem, []float64{0, 0, 0}, settings, &optimize.NelderMead{SimplexSize: 0.25})
	if result == nil {
		s.logger.Debug("alignment failed", "error", err)
		return Score{Total: math.Inf(-1)}, 0
	}
	return s.ScoreAt(wi, toBox(result.X), ref), result.Stats.MajorIterations
}
