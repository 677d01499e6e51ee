package refine_test

import (
	"math"
	"math/rand"
	"testing"

	"warwatch/internal/config"
	"warwatch/internal/refine"
	"warwatch/pkg/geometry"
)

func TestClimbFindsNearbyPeak(t *testing.T) {
	p := config.Refine{Enabled: true, Step: 1, ScaleStep: 0.01, MaxOffset: 4, MaxScale: 0.03, MaxIterations: 20, MinImprovement: 1e-6}
	start := geometry.NewRect(100, 100, 200, 50)
	target := start.Translate(2, -3)
	eval := func(r geometry.Rect) float64 {
		return -math.Abs(r.X-target.X) - math.Abs(r.Y-target.Y) - math.Abs(r.Width-target.Width)
	}
	res := refine.New(p, nil).Climb(start, eval(start), eval)
	if math.Abs(res.Box.X-target.X) > 1e-9 || math.Abs(res.Box.Y-target.Y) > 1e-9 {
		t.Fatalf("climb ended at %+v, want %+v", res.Box, target)
	}
	if res.Steps != 5 {
		t.Fatalf("expected 5 steps, got %d", res.Steps)
	}
}

func TestClimbStaysInBounds(t *testing.T) {
	p := config.Refine{Enabled: true, Step: 1, ScaleStep: 0.01, MaxOffset: 2, MaxScale: 0.02, MaxIterations: 50, MinImprovement: 1e-6}
	start := geometry.NewRect(0, 0, 100, 40)
	eval := func(r geometry.Rect) float64 { return r.X + r.Width }
	res := refine.New(p, nil).Climb(start, eval(start), eval)
	c0, c1 := start.Center(), res.Box.Center()
	if math.Abs(c1.X-c0.X) > 2+1e-9 || res.Box.Width > 102+1e-9 {
		t.Fatalf("climb left its bounds: %+v", res.Box)
	}
}

func TestClimbDisabled(t *testing.T) {
	start := geometry.NewRect(1, 2, 3, 4)
	res := refine.New(config.Refine{}, nil).Climb(start, 0.5, func(geometry.Rect) float64 { return 1 })
	if res.Box != start || res.Score != 0.5 {
		t.Fatalf("disabled refiner moved the box: %+v", res)
	}
}

func TestSmoothKeepsVerticalCenter(t *testing.T) {
	prev := geometry.NewRect(10, 0, 200, 80)
	cur := geometry.NewRect(14, 300, 196, 84)
	got := refine.Smooth(cur, prev, 0.5)
	if math.Abs(got.Center().Y-cur.Center().Y) > 1e-9 {
		t.Fatalf("vertical center moved: %+v", got)
	}
	if got.X != 12 || got.Width != 198 || got.Height != 82 {
		t.Fatalf("unexpected blend %+v", got)
	}
	if refine.Smooth(cur, geometry.Rect{}, 0.5) != cur {
		t.Fatal("empty history should leave the box alone")
	}
}

func TestSuppressIoUBound(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	var cands []refine.Candidate
	for i := 0; i < 40; i++ {
		cands = append(cands, refine.Candidate{
			Ordinal: i + 1,
			Box:     geometry.NewRect(rng.Float64()*50, rng.Float64()*400, 300, 60+rng.Float64()*30),
			Score:   rng.Float64(),
		})
	}
	const bound = 0.3
	kept, suppressed := refine.Suppress(cands, bound)
	if len(kept)+len(suppressed) != len(cands) {
		t.Fatalf("lost candidates: %d + %d", len(kept), len(suppressed))
	}
	for i, a := range kept {
		for _, b := range kept[i+1:] {
			if iou := cands[a-1].Box.IoU(cands[b-1].Box); iou > bound {
				t.Fatalf("kept %d and %d overlap with IoU %.3f", a, b, iou)
			}
		}
	}
}

func TestSuppressPrefersHigherScore(t *testing.T) {
	cands := []refine.Candidate{
		{Ordinal: 1, Box: geometry.NewRect(0, 0, 100, 50), Score: 0.6},
		{Ordinal: 2, Box: geometry.NewRect(0, 10, 100, 50), Score: 0.9},
		{Ordinal: 3, Box: geometry.NewRect(0, 200, 100, 50), Score: 0.1},
	}
	kept, suppressed := refine.Suppress(cands, 0.3)
	if len(kept) != 2 || kept[0] != 2 || kept[1] != 3 || len(suppressed) != 1 || suppressed[0] != 1 {
		t.Fatalf("kept %v suppressed %v", kept, suppressed)
	}
}
