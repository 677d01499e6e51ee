package screen

import (
	"image"

	"warwatch/internal/config"

	"gocv.io/x/gocv"
)

// locateDialog finds the roster dialog in an RGBA source mat: the largest
// closed region of dialog-coloured pixels that is big enough and fills
// enough of its bounding box. The result is padded and clipped to src.
func locateDialog(src gocv.Mat, d config.Dialog) (image.Rectangle, bool) {
	if len(d.Ranges) == 0 {
		return image.Rectangle{}, false
	}
	bgr := gocv.NewMat()
	defer bgr.Close()
	gocv.CvtColor(src, &bgr, gocv.ColorRGBAToBGR)
	hsv := gocv.NewMat()
	defer hsv.Close()
	gocv.CvtColor(bgr, &hsv, gocv.ColorBGRToHSV)

	mask := gocv.NewMat()
	defer mask.Close()
	part := gocv.NewMat()
	defer part.Close()
	for i, r := range d.Ranges {
		lo := gocv.NewScalar(r.Lo[0], r.Lo[1], r.Lo[2], 0)
		hi := gocv.NewScalar(r.Hi[0], r.Hi[1], r.Hi[2], 0)
		if i == 0 {
			gocv.InRangeWithScalar(hsv, lo, hi, &mask)
			continue
		}
		gocv.InRangeWithScalar(hsv, lo, hi, &part)
		gocv.BitwiseOr(mask, part, &mask)
	}

	kernel := gocv.GetStructuringElement(gocv.MorphRect, image.Pt(d.CloseKernel, d.CloseKernel))
	defer kernel.Close()
	for range d.CloseIter {
		gocv.MorphologyEx(mask, &mask, gocv.MorphClose, kernel)
	}

	contours := gocv.FindContours(mask, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	w, h := src.Cols(), src.Rows()
	var best image.Rectangle
	bestArea := 0.0
	for i := 0; i < contours.Size(); i++ {
		c := contours.At(i)
		box := gocv.BoundingRect(c)
		if float64(box.Dx()) < d.MinWidthFrac*float64(w) || float64(box.Dy()) < d.MinHeightFrac*float64(h) {
			continue
		}
		area := gocv.ContourArea(c)
		if area/float64(box.Dx()*box.Dy()) < d.MinExtent {
			continue
		}
		if area > bestArea {
			best, bestArea = box, area
		}
	}
	if bestArea == 0 {
		return image.Rectangle{}, false
	}
	return best.Inset(-d.Pad).Intersect(image.Rect(0, 0, w, h)), true
}
