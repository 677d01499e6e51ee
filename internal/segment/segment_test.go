package segment_test

import (
	"errors"
	"image"
	"image/color"
	"image/draw"
	"math"
	"testing"

	"warwatch/internal/config"
	"warwatch/internal/screen"
	"warwatch/internal/segment"
	"warwatch/internal/testsupport"
)

func working(t *testing.T, p config.Params, shot screen.Screenshot) *screen.WorkingImage {
	t.Helper()
	wi, err := screen.NewPreprocessor(p.Preprocess, nil).Run(shot)
	if err != nil {
		t.Fatalf("preprocess: %v", err)
	}
	return wi
}

func checkBands(t *testing.T, r testsupport.Roster, rep segment.Report) {
	t.Helper()
	if len(rep.Bands) != len(r.Players) {
		t.Fatalf("expected %d bands, got %d", len(r.Players), len(rep.Bands))
	}
	for i, b := range rep.Bands {
		if b.Ordinal != i+1 {
			t.Errorf("band %d has ordinal %d", i, b.Ordinal)
		}
		wantTop := float64(r.RowTop(i))
		if math.Abs(b.Box.Y-wantTop) > 6 {
			t.Errorf("band %d top %.1f, want about %.0f", i, b.Box.Y, wantTop)
		}
		if b.Box.Height < testsupport.RowHeight-2 || b.Box.Height > testsupport.RowHeight+12 {
			t.Errorf("band %d height %.1f", i, b.Box.Height)
		}
		if b.Box.X > testsupport.AvatarX || b.Box.Right() < float64(testsupport.SlotEnds[2]) {
			t.Errorf("band %d x-extent %.1f..%.1f does not cover the row", i, b.Box.X, b.Box.Right())
		}
		if b.Confidence <= 0 || b.Confidence > 1 {
			t.Errorf("band %d confidence %v", i, b.Confidence)
		}
	}
}

func TestProfileSegmentation(t *testing.T) {
	p := testsupport.Params()
	r := testsupport.Roster{Top: testsupport.Margin, Players: testsupport.Players(5)}
	wi := working(t, p, r.Shot(screen.WarSide{War: "w1"}, 1))

	rep, err := segment.New(p.Segment, nil).Run(wi)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	checkBands(t, r, rep)
	if rep.Anchor != nil {
		t.Fatal("anchor disabled but reported")
	}
	for i := 1; i < len(rep.Bands); i++ {
		if rep.Bands[i].Box.IoU(rep.Bands[i-1].Box) != 0 {
			t.Fatalf("bands %d and %d overlap", i, i+1)
		}
	}
}

func TestFewerThanExpectedIsNotFatal(t *testing.T) {
	p := testsupport.Params()
	p.Segment.ExpectedRows = 6
	r := testsupport.Roster{Top: testsupport.Margin, Players: testsupport.Players(3)}
	wi := working(t, p, r.Shot(screen.WarSide{War: "w1"}, 1))

	rep, err := segment.New(p.Segment, nil).Run(wi)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !rep.Short() || len(rep.Bands) != 3 {
		t.Fatalf("expected short report with 3 bands, got %d short=%v", len(rep.Bands), rep.Short())
	}
}

func TestBlankImageFails(t *testing.T) {
	p := testsupport.Params()
	img := image.NewRGBA(image.Rect(0, 0, testsupport.Width, 400))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.Gray{Y: 90}), image.Point{}, draw.Src)
	wi := working(t, p, screen.Screenshot{Image: img, Seq: 1})

	_, err := segment.New(p.Segment, nil).Run(wi)
	if !errors.Is(err, segment.ErrSegmentationFailure) {
		t.Fatalf("expected ErrSegmentationFailure, got %v", err)
	}
}

func TestAnchoredSlicing(t *testing.T) {
	p := testsupport.Params()
	p.Segment.Anchor = config.Anchor{
		Enabled:     true,
		XFrac:       float64(testsupport.GutterX+1) / testsupport.Width,
		SearchFrac:  0.01,
		MinContrast: 4,
		RowPitch:    testsupport.RowHeight + testsupport.RowGap,
		RowHeight:   testsupport.RowHeight,
		Tolerance:   4,
	}
	r := testsupport.Roster{Top: 57, Players: testsupport.Players(4), Gutter: true}
	wi := working(t, p, r.Shot(screen.WarSide{War: "w1"}, 1))

	rep, err := segment.New(p.Segment, nil).Run(wi)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Anchor == nil {
		t.Fatal("expected the gutter to be detected")
	}
	if d := rep.Anchor.X - testsupport.GutterX; d < -2 || d > 4 {
		t.Fatalf("anchor x %d, gutter at %d", rep.Anchor.X, testsupport.GutterX)
	}
	checkBands(t, r, rep)
	for _, b := range rep.Bands {
		if !b.Anchored {
			t.Fatalf("band %d not marked anchored", b.Ordinal)
		}
	}
}
