package screen

import (
	"image"
	"strings"

	"warwatch/internal/config"

	"github.com/disintegration/imaging"
	"gocv.io/x/gocv"
)

// SideMarker counts side-marker pixels in row crops. Distances are taken
// in OpenCV's 8-bit Lab space.
type SideMarker struct {
	params config.SideColor
	ref    [3]float64
}

// NewSideMarker builds a SideMarker for p.
func NewSideMarker(p config.SideColor) *SideMarker {
	return &SideMarker{params: p, ref: labOf(p.Reference)}
}

func labOf(rgb [3]uint8) [3]float64 {
	px := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(float64(rgb[2]), float64(rgb[1]), float64(rgb[0]), 0), 1, 1, gocv.MatTypeCV8UC3)
	defer px.Close()
	lab := gocv.NewMat()
	defer lab.Close()
	gocv.CvtColor(px, &lab, gocv.ColorBGRToLab)
	v := lab.GetVecbAt(0, 0)
	return [3]float64{float64(v[0]), float64(v[1]), float64(v[2])}
}

// Count returns the number of pixels of img inside r (in image-relative
// coordinates) that lie within the configured distance of the marker.
func (m *SideMarker) Count(img image.Image, r image.Rectangle) int {
	if img == nil {
		return 0
	}
	b := img.Bounds()
	r = r.Add(b.Min).Intersect(b)
	if r.Empty() {
		return 0
	}
	crop := imaging.Crop(img, r)
	rgba, err := gocv.NewMatFromBytes(crop.Rect.Dy(), crop.Rect.Dx(), gocv.MatTypeCV8UC4, crop.Pix)
	if err != nil {
		return 0
	}
	defer rgba.Close()
	bgr := gocv.NewMat()
	defer bgr.Close()
	gocv.CvtColor(rgba, &bgr, gocv.ColorRGBAToBGR)
	lab := gocv.NewMat()
	defer lab.Close()
	gocv.CvtColor(bgr, &lab, gocv.ColorBGRToLab)

	limit := m.params.MaxDistance * m.params.MaxDistance
	n := 0
	for y := 0; y < lab.Rows(); y++ {
		for x := 0; x < lab.Cols(); x++ {
			v := lab.GetVecbAt(y, x)
			dl := float64(v[0]) - m.ref[0]
			da := float64(v[1]) - m.ref[1]
			db := float64(v[2]) - m.ref[2]
			if dl*dl+da*da+db*db < limit {
				n++
			}
		}
	}
	return n
}

// Mismatch reports whether a crop with n marker pixels contradicts the
// screenshot side: marked rows belong to the marked side and unmarked rows
// to any other.
func (m *SideMarker) Mismatch(side string, n int) bool {
	marked := n >= m.params.MinPixels
	onMarkedSide := strings.EqualFold(strings.TrimSpace(side), strings.TrimSpace(m.params.MarkedSide))
	return marked != onMarkedSide
}
