// Package testsupport builds synthetic roster screenshots and params shared
// by package tests.
package testsupport

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math/rand"
	"strconv"

	"warwatch/internal/config"
	"warwatch/internal/screen"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Synthetic layout, in pixels.
const (
	Width      = 720
	RowHeight  = 84
	RowGap     = 28
	Margin     = 40
	AvatarX    = 16
	AvatarW    = 96
	AvatarCell = 12
	NameX      = 130
	GutterX    = 122

	// Framed renders place the roster inside a dialog border on a
	// cluttered full-screen canvas.
	FrameX      = 80
	FrameY      = 150
	FrameBorder = 10
	clutterGap  = 26
)

// SlotEnds are the right edges of the score, attacks and defences digits.
var SlotEnds = [3]int{470, 590, 700}

var (
	pageColor  = color.RGBA{R: 24, G: 24, B: 28, A: 255}
	nameColor  = color.RGBA{R: 200, G: 200, B: 210, A: 255}
	digitColor = color.RGBA{R: 235, G: 235, B: 235, A: 255}

	// DialogColor is the blue of the dialog border. Its luma matches the
	// page so the border adds no row energy inside the dialog.
	DialogColor = color.RGBA{R: 10, G: 20, B: 90, A: 255}
	// MarkerColor is the name colour of marked players.
	MarkerColor = color.RGBA{R: 222, G: 141, B: 160, A: 255}

	screenColor = color.RGBA{R: 90, G: 90, B: 90, A: 255}
)

// Player is one roster entry. Seed selects the avatar pattern. Hidden
// values are not drawn; Marked names are drawn in MarkerColor.
type Player struct {
	Name   string
	Seed   int64
	Values [3]int64
	Hidden [3]bool
	Marked bool
}

// Players returns n distinct players with plausible starting values.
func Players(n int) []Player {
	out := make([]Player, n)
	for i := range out {
		out[i] = Player{
			Name:   fmt.Sprintf("Player %d", i+1),
			Seed:   int64(1000 + 17*i),
			Values: [3]int64{int64(100 + 150*i), int64(2 + i), int64(1 + i%3)},
		}
	}
	return out
}

// Advance returns copies of players with every value increased by step.
func Advance(players []Player, step [3]int64) []Player {
	out := make([]Player, len(players))
	for i, p := range players {
		out[i] = p
		for k := range p.Values {
			out[i].Values[k] += step[k]
		}
	}
	return out
}

// Roster describes one synthetic screenshot.
type Roster struct {
	Top     int
	Players []Player
	Gutter  bool
}

// Height returns the image height the roster renders to.
func (r Roster) Height() int {
	n := len(r.Players)
	return r.Top + n*(RowHeight+RowGap) - RowGap + Margin
}

// RowTop returns the y coordinate of the i-th (0-based) row.
func (r Roster) RowTop(i int) int {
	return r.Top + i*(RowHeight+RowGap)
}

// Render draws the roster.
func (r Roster) Render() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, Width, r.Height()))
	draw.Draw(img, img.Bounds(), image.NewUniform(pageColor), image.Point{}, draw.Src)
	if r.Gutter {
		y0 := r.RowTop(0)
		y1 := r.RowTop(len(r.Players)-1) + RowHeight
		draw.Draw(img, image.Rect(GutterX, y0, GutterX+3, y1), image.NewUniform(color.White), image.Point{}, draw.Src)
	}
	for i, p := range r.Players {
		top := r.RowTop(i)
		drawAvatar(img, AvatarX, top, p.Seed)
		nc := nameColor
		if p.Marked {
			nc = MarkerColor
		}
		drawText(img, p.Name, NameX, top+RowHeight/2-13, 2, nc, false)
		for k, v := range p.Values {
			if p.Hidden[k] {
				continue
			}
			drawText(img, strconv.FormatInt(v, 10), SlotEnds[k], top+(RowHeight-39)/2, 3, digitColor, true)
		}
	}
	return img
}

// Shot renders the roster as a screenshot of the given side and sequence.
func (r Roster) Shot(side screen.WarSide, seq int) screen.Screenshot {
	return screen.Screenshot{Image: r.Render(), Side: side, Seq: seq}
}

// Frame returns the dialog border rectangle of a framed render.
func (r Roster) Frame() image.Rectangle {
	return image.Rect(FrameX-FrameBorder, FrameY-FrameBorder, FrameX+Width+FrameBorder, FrameY+r.Height()+FrameBorder)
}

// Framed draws the roster inside a DialogColor border at (FrameX, FrameY)
// on a larger canvas. Strips of avatar tiles above and below the dialog
// look like roster rows to a segmenter that sees the whole canvas.
func (r Roster) Framed() *image.RGBA {
	inner := r.Render()
	frame := r.Frame()
	w := Width + 2*FrameX
	h := frame.Max.Y + clutterGap + RowHeight + 20
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(screenColor), image.Point{}, draw.Src)
	for _, y := range []int{frame.Min.Y - clutterGap - RowHeight, frame.Max.Y + clutterGap} {
		for x := 8; x+AvatarW <= w-8; x += AvatarW + 8 {
			drawAvatar(img, x, y, int64(7*x+y))
		}
	}
	draw.Draw(img, frame, image.NewUniform(DialogColor), image.Point{}, draw.Src)
	draw.Draw(img, inner.Bounds().Add(image.Pt(FrameX, FrameY)), inner, image.Point{}, draw.Src)
	return img
}

// FramedShot renders the framed roster as a screenshot.
func (r Roster) FramedShot(side screen.WarSide, seq int) screen.Screenshot {
	return screen.Screenshot{Image: r.Framed(), Side: side, Seq: seq}
}

func drawAvatar(img *image.RGBA, x0, y0 int, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	for cy := 0; cy < RowHeight; cy += AvatarCell {
		for cx := 0; cx < AvatarW; cx += AvatarCell {
			v := uint8(60 + rng.Intn(196))
			c := color.RGBA{R: v, G: uint8(255 - int(v)/2), B: v / 2, A: 255}
			rect := image.Rect(x0+cx, y0+cy, x0+min(cx+AvatarCell, AvatarW), y0+min(cy+AvatarCell, RowHeight))
			draw.Draw(img, rect, image.NewUniform(c), image.Point{}, draw.Src)
		}
	}
}

// drawText renders basicfont text scaled by k. With alignRight, x is the
// right edge of the text.
func drawText(img *image.RGBA, s string, x, y, k int, c color.Color, alignRight bool) {
	face := basicfont.Face7x13
	w := font.MeasureString(face, s).Ceil()
	glyphs := image.NewNRGBA(image.Rect(0, 0, w, 13))
	d := &font.Drawer{Dst: glyphs, Src: image.NewUniform(c), Face: face, Dot: fixed.P(0, 11)}
	d.DrawString(s)
	scaled := imaging.Resize(glyphs, w*k, 13*k, imaging.NearestNeighbor)
	if alignRight {
		x -= w * k
	}
	draw.Draw(img, image.Rect(x, y, x+w*k, y+13*k), scaled, image.Point{}, draw.Over)
}

// Params returns a validated params set tuned for the synthetic layout.
func Params() config.Params {
	p := config.Default()
	if err := config.Decode([]byte(config.SampleParams()), &p); err != nil {
		panic(err)
	}
	p.Preprocess.WorkingWidth = Width
	p.Preprocess.CLAHE = false

	p.Segment.LowEnergyFrac = 0.1
	p.Segment.MinGap = 6
	p.Segment.MinEnergyDrop = 0.6
	p.Segment.MinRowHeight = 40
	p.Segment.MaxRowHeight = 140
	p.Segment.MinRowWidthFrac = 0.5
	p.Segment.PadX = 0
	p.Segment.PadY = 2

	p.Fingerprint.MaxHamming = 20
	p.Fingerprint.MaxHistogramDistance = 0.6
	p.Fingerprint.MaxWidthDiff = 60

	p.Match.IdentityXFrom = 0
	p.Match.IdentityXTo = 0.4
	p.Match.AcceptThreshold = 0.7
	p.Match.MinMargin = 0.05

	p.Fields = []config.Field{
		{Name: "score", XFrac: 0.5, WidthFrac: 0.18, YFrac: 0.04, HeightFrac: 0.92, Monotonic: true, MaxDelta: 500},
		{Name: "attacks", XFrac: 0.69, WidthFrac: 0.16, YFrac: 0.04, HeightFrac: 0.92, Monotonic: true, MaxDelta: 20},
		{Name: "defences", XFrac: 0.86, WidthFrac: 0.14, YFrac: 0.04, HeightFrac: 0.92, Monotonic: true, MaxDelta: 20},
	}
	p.Engine.Workers = 2
	if err := p.Validate(); err != nil {
		panic(err)
	}
	return p
}
