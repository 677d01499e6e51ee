package geometry

import (
	"math"
	"testing"
)

func TestRectIoU(t *testing.T) {
	cases := []struct {
		name string
		a, b Rect
		want float64
	}{
		{"identical", NewRect(0, 0, 10, 10), NewRect(0, 0, 10, 10), 1},
		{"disjoint", NewRect(0, 0, 10, 10), NewRect(20, 0, 10, 10), 0},
		{"touching", NewRect(0, 0, 10, 10), NewRect(10, 0, 10, 10), 0},
		{"half", NewRect(0, 0, 10, 10), NewRect(5, 0, 10, 10), 50.0 / 150.0},
		{"empty", NewRect(0, 0, 0, 10), NewRect(0, 0, 10, 10), 0},
	}
	for _, tc := range cases {
		got := tc.a.IoU(tc.b)
		if math.Abs(got-tc.want) > 1e-9 {
			t.Fatalf("%s: IoU=%v want %v", tc.name, got, tc.want)
		}
		if back := tc.b.IoU(tc.a); math.Abs(back-got) > 1e-12 {
			t.Fatalf("%s: IoU not symmetric: %v vs %v", tc.name, got, back)
		}
	}
}

func TestScaleAboutKeepsCenter(t *testing.T) {
	r := NewRect(10, 20, 100, 40)
	tr := ScaleAbout(r.Center(), 1.1)
	got := tr.ApplyRect(r)
	if c := got.Center(); math.Hypot(c.X-r.Center().X, c.Y-r.Center().Y) > 1e-9 {
		t.Fatalf("center moved: %+v -> %+v", r.Center(), got.Center())
	}
	if math.Abs(got.Width-110) > 1e-9 || math.Abs(got.Height-44) > 1e-9 {
		t.Fatalf("unexpected size %+v", got)
	}
	if s := r.ScaleAboutCenter(1.1); math.Abs(s.Width-got.Width) > 1e-9 {
		t.Fatalf("ScaleAboutCenter disagrees with ScaleAbout: %+v vs %+v", s, got)
	}
}

func TestInverseRoundTrip(t *testing.T) {
	tr := Translation(3, -2).Compose(Scale(1.05, 1.05))
	inv, ok := tr.Inverse()
	if !ok {
		t.Fatal("expected invertible transform")
	}
	p := Point2D{X: 12.5, Y: 7}
	back := inv.Apply(tr.Apply(p))
	if math.Hypot(back.X-p.X, back.Y-p.Y) > 1e-9 {
		t.Fatalf("round trip drifted: %+v", back)
	}
}

func TestRoundAndClamp(t *testing.T) {
	r := NewRect(-5.4, 2.6, 20.2, 10)
	c := r.Clamp(10, 10)
	if c.X != 0 || c.Right() != 10 || c.Y != 2.6 || c.Bottom() != 10 {
		t.Fatalf("unexpected clamp %+v", c)
	}
	ri := NewRect(1.4, 1.6, 3.2, 3.2).Round()
	if ri.X != 1 || ri.Y != 2 || ri.Width != 4 || ri.Height != 3 {
		t.Fatalf("unexpected round %+v", ri)
	}
}

func TestWorkingToSourceMapping(t *testing.T) {
	// Source pixels are cropped at (70, 130) and scaled by 0.8.
	toWorking := Scale(0.8, 0.8).Compose(Translation(-70, -130))
	toSource, ok := toWorking.Inverse()
	if !ok {
		t.Fatal("expected invertible transform")
	}
	got := toSource.ApplyRect(NewRect(8, 16, 80, 40))
	want := NewRect(80, 150, 100, 50)
	if math.Abs(got.X-want.X) > 1e-9 || math.Abs(got.Y-want.Y) > 1e-9 ||
		math.Abs(got.Width-want.Width) > 1e-9 || math.Abs(got.Height-want.Height) > 1e-9 {
		t.Fatalf("ToSource = %+v, want %+v", got, want)
	}
	if ri := (RectInt{X: 70, Y: 130, Width: 740, Height: 400}); ri.ToFloat().Round() != ri {
		t.Fatalf("ToFloat/Round round trip lost %+v", ri)
	}
	if _, ok := Scale(0, 1).Inverse(); ok {
		t.Fatal("degenerate scale must not invert")
	}
}
