package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"strings"
	"sync"
	"testing"

	"warwatch/internal/config"
	"warwatch/internal/engine"
	"warwatch/internal/field"
	"warwatch/internal/screen"
	"warwatch/internal/testsupport"
	"warwatch/internal/track"
)

var side = screen.WarSide{War: "war-1", Side: "us"}

// fakeRecognizer returns the values the synthetic roster was drawn with.
type fakeRecognizer struct {
	mu     sync.Mutex
	values map[string][]testsupport.Player
	calls  int
}

func newFakeRecognizer() *fakeRecognizer {
	return &fakeRecognizer{values: map[string][]testsupport.Player{}}
}

func (f *fakeRecognizer) add(shot screen.Screenshot, players []testsupport.Player) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[shot.Key()] = players
}

func (f *fakeRecognizer) Recognize(_ context.Context, c field.Crop) (field.Recognition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	players, ok := f.values[c.Screenshot]
	if !ok || c.Ordinal < 1 || c.Ordinal > len(players) {
		return field.Recognition{}, fmt.Errorf("no values for %s row %d", c.Screenshot, c.Ordinal)
	}
	idx := map[string]int{"score": 0, "attacks": 1, "defences": 2}[c.Field]
	v := players[c.Ordinal-1].Values[idx]
	return field.Recognition{Text: fmt.Sprint(v), Value: v, Confidence: 0.99, Valid: true}, nil
}

type fixture struct {
	eng *engine.Engine
	rec *fakeRecognizer
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	return newFixtureWith(t, testsupport.Params())
}

func newFixtureWith(t *testing.T, p config.Params) fixture {
	t.Helper()
	rec := newFakeRecognizer()
	eng, err := engine.New(p, engine.WithRecognizer(rec))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return fixture{eng: eng, rec: rec}
}

func (f fixture) shot(top, seq int, players []testsupport.Player) screen.Screenshot {
	s := testsupport.Roster{Top: top, Players: players}.Shot(side, seq)
	f.rec.add(s, players)
	return s
}

func (f fixture) process(t *testing.T, shot screen.Screenshot, skip []int, tbl *track.Table) *engine.Result {
	t.Helper()
	res, err := f.eng.Process(context.Background(), shot, skip, tbl)
	if err != nil {
		t.Fatalf("Process %s: %v", shot.Key(), err)
	}
	return res
}

func TestNewRejectsInvalidParams(t *testing.T) {
	if _, err := engine.New(config.Default()); err == nil {
		t.Fatal("expected params without tuned values to be rejected")
	}
}

func TestEndToEndTwoScreenshots(t *testing.T) {
	f := newFixture(t)
	players := testsupport.Players(5)

	a := f.process(t, f.shot(testsupport.Margin, 1, players), nil, track.NewTable())
	if len(a.Verdicts) != 5 {
		t.Fatalf("screenshot A: %d verdicts", len(a.Verdicts))
	}
	ids := make([]string, 5)
	for i, v := range a.Verdicts {
		if !v.NewTrack || v.TrackID == "" || !v.HasReason(engine.ReasonNewTrack) {
			t.Fatalf("A row %d should be a new track: %+v", v.Ordinal, v)
		}
		if v.TrackState == nil || *v.TrackState != track.StateActive {
			t.Fatalf("A row %d: track state %v", v.Ordinal, v.TrackState)
		}
		if v.Decision != field.Accept {
			t.Errorf("A row %d: decision %s reasons %v", v.Ordinal, v.Decision, v.Reasons)
		}
		if v.Values["score"] != players[i].Values[0] {
			t.Errorf("A row %d: score %d", v.Ordinal, v.Values["score"])
		}
		ids[i] = v.TrackID
	}
	if a.Table.Len() != 5 {
		t.Fatalf("table has %d tracks", a.Table.Len())
	}

	later := testsupport.Advance(players, [3]int64{30, 1, 1})
	b := f.process(t, f.shot(testsupport.Margin+45, 2, later), nil, a.Table)
	if len(b.Verdicts) != 5 {
		t.Fatalf("screenshot B: %d verdicts", len(b.Verdicts))
	}
	s := b.Summary()
	if s.Flagged != 0 || s.Ambiguous != 0 || s.NewTracks != 0 {
		t.Fatalf("screenshot B summary %+v", s)
	}
	for i, v := range b.Verdicts {
		if v.TrackID != ids[i] {
			t.Errorf("B row %d matched %s, want %s", v.Ordinal, v.TrackID, ids[i])
		}
		if v.Match == nil || v.Match.Total < 0.7 {
			t.Errorf("B row %d weak match %+v", v.Ordinal, v.Match)
		}
	}
	if b.Table.Len() != 5 {
		t.Fatalf("table has %d tracks after B", b.Table.Len())
	}
	for _, id := range ids {
		tr, _ := b.Table.Get(id)
		if len(tr.History) != 2 || tr.State != track.StateActive {
			t.Fatalf("track %s: history %d state %v", id, len(tr.History), tr.State)
		}
	}
	// The snapshot handed in is unchanged.
	for _, id := range ids {
		tr, _ := a.Table.Get(id)
		if len(tr.History) != 1 {
			t.Fatalf("input table mutated: track %s has %d observations", id, len(tr.History))
		}
	}
	if b.Overlay == nil || b.Overlay.Bounds().Dx() != testsupport.Width {
		t.Fatalf("missing overlay")
	}
}

func TestSkipRow(t *testing.T) {
	f := newFixture(t)
	res := f.process(t, f.shot(testsupport.Margin, 1, testsupport.Players(5)), []int{3}, nil)
	if len(res.Verdicts) != 5 {
		t.Fatalf("skipped row must still be reported, got %d verdicts", len(res.Verdicts))
	}
	v := res.Verdicts[2]
	if v.Ordinal != 3 || v.Decision != field.Skip || !v.HasReason(engine.ReasonSkipped) || len(v.Crops) != 0 || v.TrackID != "" {
		t.Fatalf("skipped verdict %+v", v)
	}
	if res.Table.Len() != 4 {
		t.Fatalf("skipped row created a track: %d tracks", res.Table.Len())
	}
}

func TestIdempotentVerdicts(t *testing.T) {
	f := newFixture(t)
	players := testsupport.Players(4)
	base := f.process(t, f.shot(testsupport.Margin, 1, players), nil, nil).Table
	shot := f.shot(testsupport.Margin+20, 2, testsupport.Advance(players, [3]int64{5, 0, 1}))

	first := f.process(t, shot, nil, base)
	second := f.process(t, shot, nil, base)
	j1, err := json.Marshal(first.Verdicts)
	if err != nil {
		t.Fatal(err)
	}
	j2, _ := json.Marshal(second.Verdicts)
	if string(j1) != string(j2) {
		t.Fatal("verdicts differ between identical runs")
	}
}

func TestSuppressionInvariant(t *testing.T) {
	f := newFixture(t)
	p := f.eng.Params()
	res := f.process(t, f.shot(testsupport.Margin, 1, testsupport.Players(5)), nil, nil)
	kept := 0
	for i, a := range res.Verdicts {
		if a.Decision == field.Skip || a.HasReason(engine.ReasonSuppressed) {
			continue
		}
		for _, b := range res.Verdicts[i+1:] {
			if b.Decision == field.Skip || b.HasReason(engine.ReasonSuppressed) {
				continue
			}
			if iou := a.Box.IoU(b.Box); iou > p.Refine.IoUBound {
				t.Fatalf("rows %d and %d overlap with IoU %.3f", a.Ordinal, b.Ordinal, iou)
			}
		}
		kept++
	}
	if kept == 0 {
		t.Fatal("no accepted rows")
	}
}

func TestCancelledProcessLeavesTableUntouched(t *testing.T) {
	f := newFixture(t)
	players := testsupport.Players(3)
	tbl := f.process(t, f.shot(testsupport.Margin, 1, players), nil, nil).Table

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := f.eng.Process(ctx, f.shot(testsupport.Margin, 2, players), nil, tbl)
	if !errors.Is(err, context.Canceled) || res != nil {
		t.Fatalf("expected cancellation, got %v", err)
	}
	for _, tr := range tbl.Tracks() {
		if len(tr.History) != 1 {
			t.Fatalf("track %s modified by cancelled run", tr.ID)
		}
	}
}

func TestValidationViolationFlagsTrack(t *testing.T) {
	f := newFixture(t)
	players := testsupport.Players(3)
	a := f.process(t, f.shot(testsupport.Margin, 1, players), nil, nil)

	dropped := testsupport.Advance(players, [3]int64{10, 0, 0})
	dropped[1].Values[0] = players[1].Values[0] - 40
	b := f.process(t, f.shot(testsupport.Margin, 2, dropped), nil, a.Table)
	v := b.Verdicts[1]
	if !v.HasReason(engine.ReasonValidationViolation) || v.Decision != field.Flag {
		t.Fatalf("expected validation flag, got %s %v", v.Decision, v.Reasons)
	}
	if !errors.Is(v.Err(), engine.ErrValidationViolation) {
		t.Fatalf("verdict error %v", v.Err())
	}
	if tr, _ := b.Table.Get(v.TrackID); tr.State != track.StateFlagged || len(tr.History) != 2 {
		t.Fatalf("track should be flagged with the observation recorded: %+v", tr)
	}
	if b.Verdicts[0].Decision != field.Accept {
		t.Fatalf("other rows should be unaffected: %+v", b.Verdicts[0].Reasons)
	}

	c := f.process(t, f.shot(testsupport.Margin, 3, testsupport.Advance(dropped, [3]int64{50, 1, 1})), nil, b.Table)
	if !c.Verdicts[1].HasReason(engine.ReasonTrackFlagged) || c.Verdicts[1].Decision != field.Flag {
		t.Fatalf("flagged track should stay under review: %+v", c.Verdicts[1].Reasons)
	}
}

func TestIdenticalRowsAreAmbiguous(t *testing.T) {
	f := newFixture(t)
	players := testsupport.Players(3)
	players[1] = players[0]
	a := f.process(t, f.shot(testsupport.Margin, 1, players), nil, nil)
	if a.Table.Len() != 3 {
		t.Fatalf("expected 3 new tracks, got %d", a.Table.Len())
	}

	b := f.process(t, f.shot(testsupport.Margin+30, 2, players), nil, a.Table)
	for _, i := range []int{0, 1} {
		v := b.Verdicts[i]
		if !v.HasReason(engine.ReasonMatchAmbiguous) || v.Decision != field.Flag {
			t.Fatalf("row %d: expected ambiguity, got %s %v", v.Ordinal, v.Decision, v.Reasons)
		}
		if !errors.Is(v.Err(), engine.ErrMatchAmbiguous) {
			t.Fatalf("row %d: error %v", v.Ordinal, v.Err())
		}
	}
	if b.Verdicts[2].TrackID != a.Verdicts[2].TrackID {
		t.Fatal("distinct player should still be assigned")
	}
	if b.Table.Len() != 3 {
		t.Fatalf("ambiguous rows must not create tracks, got %d", b.Table.Len())
	}
}

func TestProcessBatchContinuesPastCorruptImage(t *testing.T) {
	f := newFixture(t)
	players := testsupport.Players(3)
	shots := []screen.Screenshot{
		f.shot(testsupport.Margin+10, 2, testsupport.Advance(players, [3]int64{1, 1, 1})),
		{Image: image.NewRGBA(image.Rect(0, 0, 8, 8)), Side: side, Seq: 3},
		f.shot(testsupport.Margin, 1, players),
		{Image: blank(testsupport.Width, 400), Side: side, Seq: 4},
	}
	out, err := f.eng.ProcessBatch(context.Background(), shots, nil, nil)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if len(out.Items) != 4 || out.Items[0].Screenshot != shots[2].Key() {
		t.Fatalf("batch not processed in sequence order: %+v", out.Items)
	}
	failed := out.Failed()
	if len(failed) != 2 {
		t.Fatalf("expected two failed screenshots, got %+v", failed)
	}
	if !errors.Is(failed[0].Err, engine.ErrCorruptImage) || failed[0].Screenshot != shots[1].Key() {
		t.Fatalf("expected the undersized image to be corrupt, got %+v", failed[0])
	}
	if !errors.Is(failed[1].Err, engine.ErrSegmentationFailure) || failed[1].Screenshot != shots[3].Key() {
		t.Fatalf("expected the blank image to fail segmentation, got %+v", failed[1])
	}
	for _, tr := range out.Table.Tracks() {
		if len(tr.History) != 2 {
			t.Fatalf("track %s has %d observations", tr.ID, len(tr.History))
		}
	}
}

func blank(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.RGBA{R: 24, G: 24, B: 28, A: 255}), image.Point{}, draw.Src)
	return img
}

func TestHiddenFieldIsRetried(t *testing.T) {
	f := newFixture(t)
	players := testsupport.Players(3)
	players[1].Hidden[1] = true
	res := f.process(t, f.shot(testsupport.Margin, 1, players), nil, nil)

	v := res.Verdicts[1]
	if v.Decision != field.Retry || !v.HasReason(engine.ReasonUnreadableField) {
		t.Fatalf("row with a blank field: %s %v", v.Decision, v.Reasons)
	}
	for i, fv := range v.Fields {
		want := field.Accept
		if fv.Field == "attacks" {
			want = field.Retry
		}
		if fv.Decision != want {
			t.Errorf("field %d (%s): %s, want %s", i, fv.Field, fv.Decision, want)
		}
	}
	if !errors.Is(v.Err(), engine.ErrUnreadableField) {
		t.Fatalf("verdict error %v", v.Err())
	}
	if _, ok := v.Values["attacks"]; ok || v.Values["score"] != players[1].Values[0] {
		t.Fatalf("values %v", v.Values)
	}
	if res.Verdicts[0].Decision != field.Accept || res.Verdicts[2].Decision != field.Accept {
		t.Fatalf("neighbouring rows affected: %s %s", res.Verdicts[0].Decision, res.Verdicts[2].Decision)
	}
}

func TestBorderBandStartsAcceptedTrack(t *testing.T) {
	f := newFixture(t)
	p := f.eng.Params()
	res := f.process(t, f.shot(0, 1, testsupport.Players(3)), nil, nil)

	v := res.Verdicts[0]
	if v.BandConfidence >= p.Fusion.MinMatchConfidence || v.BandConfidence < p.Fusion.MinBandConfidence {
		t.Fatalf("expected a border band between the band and match floors, got %.2f", v.BandConfidence)
	}
	if !v.NewTrack || v.Decision != field.Accept || v.HasReason(engine.ReasonLowBand) || v.HasReason(engine.ReasonLowMatch) {
		t.Fatalf("border row: new=%v %s %v", v.NewTrack, v.Decision, v.Reasons)
	}
}

func TestVerdictCarriesMatchMargin(t *testing.T) {
	f := newFixture(t)
	minMargin := f.eng.Params().Match.MinMargin
	players := testsupport.Players(3)
	players[1] = players[0]
	a := f.process(t, f.shot(testsupport.Margin, 1, players), nil, nil)
	b := f.process(t, f.shot(testsupport.Margin+30, 2, players), nil, a.Table)

	for _, v := range b.Verdicts[:2] {
		if v.Margin >= minMargin {
			t.Errorf("ambiguous row %d margin %.3f", v.Ordinal, v.Margin)
		}
	}
	if v := b.Verdicts[2]; v.Margin < minMargin {
		t.Errorf("assigned row margin %.3f below %.3f", v.Margin, minMargin)
	}
	j, err := json.Marshal(b.Verdicts[2])
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(j), `"margin":`) {
		t.Fatalf("margin missing from JSON: %s", j)
	}
}

func TestDialogLocatedInFullScreenCapture(t *testing.T) {
	p := testsupport.Params()
	p.Segment.Dialog.Enabled = true
	p.Segment.Dialog.Pad = 0
	f := newFixtureWith(t, p)

	players := testsupport.Players(4)
	r := testsupport.Roster{Top: testsupport.Margin, Players: players}
	shot := r.FramedShot(side, 1)
	f.rec.add(shot, players)
	res := f.process(t, shot, nil, nil)

	if len(res.Verdicts) != len(players) {
		t.Fatalf("expected %d rows inside the dialog, got %d", len(players), len(res.Verdicts))
	}
	frame := r.Frame()
	if res.Dialog.ImageRect() != frame {
		t.Fatalf("result dialog %+v, want %v", res.Dialog, frame)
	}
	for i, v := range res.Verdicts {
		sb := v.SourceBox
		if sb.X < float64(frame.Min.X)-1 || sb.Right() > float64(frame.Max.X)+1 {
			t.Errorf("row %d source box %+v outside dialog %v", v.Ordinal, sb, frame)
		}
		wantY := float64(testsupport.FrameY + r.RowTop(i))
		if math.Abs(sb.Y-wantY) > 8 {
			t.Errorf("row %d source y %.1f, want about %.0f", v.Ordinal, sb.Y, wantY)
		}
		if v.Decision != field.Accept || v.Values["score"] != players[i].Values[0] {
			t.Errorf("row %d: %s %v values %v", v.Ordinal, v.Decision, v.Reasons, v.Values)
		}
	}
	if res.Overlay == nil || res.Overlay.Bounds() != shot.Image.Bounds() {
		t.Fatal("overlay should cover the full capture")
	}
}

func TestSideColourMismatchFlagsRow(t *testing.T) {
	p := testsupport.Params()
	p.SideColor = config.SideColor{
		Enabled:     true,
		Reference:   [3]uint8{testsupport.MarkerColor.R, testsupport.MarkerColor.G, testsupport.MarkerColor.B},
		MaxDistance: 12,
		MinPixels:   20,
		MarkedSide:  "them",
	}
	f := newFixtureWith(t, p)
	players := testsupport.Players(3)
	players[1].Marked = true
	res := f.process(t, f.shot(testsupport.Margin, 1, players), nil, nil)

	v := res.Verdicts[1]
	if v.Decision != field.Flag || !v.HasReason(engine.ReasonSideMismatch) || v.TrackID != "" {
		t.Fatalf("marked row on side %q: %s %v track %q", side.Side, v.Decision, v.Reasons, v.TrackID)
	}
	for _, i := range []int{0, 2} {
		if w := res.Verdicts[i]; w.Decision != field.Accept || w.HasReason(engine.ReasonSideMismatch) {
			t.Errorf("row %d: %s %v", w.Ordinal, w.Decision, w.Reasons)
		}
	}
	if res.Table.Len() != 2 {
		t.Fatalf("mismatched row must not start a track: %d tracks", res.Table.Len())
	}
}
