package engine

import (
	"fmt"
	"image"

	"warwatch/internal/field"
	"warwatch/internal/screen"
	"warwatch/pkg/colorutil"

	"github.com/disintegration/imaging"
	"gocv.io/x/gocv"
)

// renderOverlay draws the finalized row boxes, decisions and scores over
// the source screenshot. It only reads its inputs.
func renderOverlay(shot screen.Screenshot, wi *screen.WorkingImage, verdicts []RowVerdict) image.Image {
	nrgba := imaging.Clone(shot.Image)
	src, err := gocv.NewMatFromBytes(nrgba.Rect.Dy(), nrgba.Rect.Dx(), gocv.MatTypeCV8UC4, nrgba.Pix)
	if err != nil {
		return nil
	}
	defer src.Close()
	canvas := gocv.NewMat()
	defer canvas.Close()
	gocv.CvtColor(src, &canvas, gocv.ColorRGBAToBGR)
	if d := wi.Dialog.ImageRect(); d != nrgba.Rect {
		gocv.Rectangle(&canvas, d, colorutil.Magenta, 1)
	}

	for _, v := range verdicts {
		r := v.SourceBox.Round().ImageRect()
		c := colorutil.ForDecision(string(v.Decision))
		thickness := 2
		if v.Decision == field.Skip || v.HasReason(ReasonSuppressed) {
			c = colorutil.Dim(c, 0.6)
			thickness = 1
		}
		gocv.Rectangle(&canvas, r, c, thickness)
		if v.HasReason(ReasonSuppressed) {
			gocv.Line(&canvas, r.Min, r.Max, colorutil.Red, 1)
			gocv.Line(&canvas, image.Pt(r.Max.X, r.Min.Y), image.Pt(r.Min.X, r.Max.Y), colorutil.Red, 1)
		}
		for _, c := range v.Crops {
			fr := wi.ToSource(c.Box).Round().ImageRect()
			fc := colorutil.Cyan
			if !c.Readable {
				fc = colorutil.Yellow
			}
			gocv.Rectangle(&canvas, fr, fc, 1)
		}

		label := fmt.Sprintf("#%d %s %.2f", v.Ordinal, v.Decision, v.Confidence)
		if v.TrackID != "" {
			label += " " + v.TrackID[:min(8, len(v.TrackID))]
		}
		if v.NewTrack {
			label += " new"
		}
		org := image.Pt(r.Min.X+4, r.Min.Y+14)
		gocv.PutText(&canvas, label, org, gocv.FontHersheySimplex, 0.45, colorutil.Black, 3)
		gocv.PutText(&canvas, label, org, gocv.FontHersheySimplex, 0.45, colorutil.White, 1)
	}

	img, err := canvas.ToImage()
	if err != nil {
		return nil
	}
	return img
}
