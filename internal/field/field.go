// Package field crops the numeric columns of an accepted row, checks that
// the binarized crop looks like digits, and fuses the confidences into a
// per-field decision.
package field

import (
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"sort"

	"warwatch/internal/config"
	"warwatch/internal/screen"
	"warwatch/pkg/geometry"
	"warwatch/pkg/raster"

	"gocv.io/x/gocv"
)

// ErrUnreadableField marks a crop that failed the shape checks.
var ErrUnreadableField = errors.New("unreadable field")

// Stats holds the connected-component statistics of a binarized crop.
type Stats struct {
	Components  int       `json:"components"`
	Holes       []int     `json:"holes,omitempty"`
	Strokes     []float64 `json:"strokes,omitempty"`
	HeightFracs []float64 `json:"height_fracs,omitempty"`
}

// Crop is one numeric sub-region of a row, ready for recognition.
type Crop struct {
	Screenshot string        `json:"screenshot"`
	Ordinal    int           `json:"ordinal"`
	Field      string        `json:"field"`
	Box        geometry.Rect `json:"box"`
	ShapeScore float64       `json:"shape_score"`
	Readable   bool          `json:"readable"`
	Stats      Stats         `json:"stats"`

	// Gray is the contrast-stretched crop at extraction scale; Binary has
	// dark ink on white.
	Gray   *image.Gray `json:"-"`
	Binary *image.Gray `json:"-"`
}

// Err returns ErrUnreadableField for unreadable crops.
func (c Crop) Err() error {
	if c.Readable {
		return nil
	}
	return fmt.Errorf("%w: %s row %d score %.2f", ErrUnreadableField, c.Field, c.Ordinal, c.ShapeScore)
}

// Recognition is the external recognizer's reading of a crop.
type Recognition struct {
	Text       string  `json:"text"`
	Value      int64   `json:"value"`
	Confidence float64 `json:"confidence"`
	Valid      bool    `json:"valid"`
}

// Extractor produces field crops.
type Extractor struct {
	shape  config.Shape
	fields []config.Field
	logger *slog.Logger
}

// NewExtractor creates an Extractor for the configured field layout.
func NewExtractor(shape config.Shape, fields []config.Field, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Extractor{shape: shape, fields: fields, logger: logger.With("component", "field")}
}

// Layout returns the field rectangle for a row box.
func Layout(box geometry.Rect, f config.Field) geometry.Rect {
	return geometry.NewRect(
		box.X+f.XFrac*box.Width,
		box.Y+f.YFrac*box.Height,
		f.WidthFrac*box.Width,
		f.HeightFrac*box.Height,
	)
}

// Extract crops every configured field of the row box, in layout order.
func (e *Extractor) Extract(wi *screen.WorkingImage, box geometry.Rect, screenshot string, ordinal int) []Crop {
	crops := make([]Crop, 0, len(e.fields))
	for _, f := range e.fields {
		c := e.extract(wi.Gray, Layout(box, f))
		c.Screenshot = screenshot
		c.Ordinal = ordinal
		c.Field = f.Name
		if !c.Readable {
			e.logger.Debug("unreadable field",
				"screenshot", screenshot, "row", ordinal, "field", f.Name,
				"components", c.Stats.Components, "score", c.ShapeScore)
		}
		crops = append(crops, c)
	}
	return crops
}

func (e *Extractor) extract(gray *raster.Plane, r geometry.Rect) Crop {
	c := Crop{Box: r}
	ri := r.Clamp(float64(gray.W), float64(gray.H)).Round()
	if ri.Width < 2 || ri.Height < 2 {
		return c
	}
	src := cropGray(gray, ri)
	mat, err := gocv.NewMatFromBytes(ri.Height, ri.Width, gocv.MatTypeCV8UC1, src.Pix)
	if err != nil {
		return c
	}
	defer mat.Close()

	s := e.shape
	scaled := gocv.NewMat()
	defer scaled.Close()
	gocv.Resize(mat, &scaled, image.Point{}, s.Upscale, s.Upscale, gocv.InterpolationCubic)

	stretched := gocv.NewMat()
	defer stretched.Close()
	gocv.Normalize(scaled, &stretched, 0, 255, gocv.NormMinMax)

	// Make ink dark: the minority class under Otsu is the ink.
	otsu := gocv.NewMat()
	defer otsu.Close()
	gocv.Threshold(stretched, &otsu, 0, 255, gocv.ThresholdBinary|gocv.ThresholdOtsu)
	total := otsu.Rows() * otsu.Cols()
	if float64(gocv.CountNonZero(otsu)) < 0.5*float64(total) {
		gocv.BitwiseNot(stretched, &stretched)
	}

	ink := gocv.NewMat()
	defer ink.Close()
	gocv.AdaptiveThreshold(stretched, &ink, 255, gocv.AdaptiveThresholdGaussian, gocv.ThresholdBinaryInv, s.BlockSize, float32(s.ThresholdC))

	c.Gray = matToGray(stretched)
	c.ShapeScore, c.Stats = e.score(ink)
	c.Readable = c.Stats.Components > 0 && c.ShapeScore >= s.MinShapeScore

	binary := gocv.NewMat()
	defer binary.Close()
	gocv.BitwiseNot(ink, &binary)
	c.Binary = matToGray(binary)
	return c
}

// score runs connected components on the ink mask and rates how digit-like
// the components are.
func (e *Extractor) score(ink gocv.Mat) (float64, Stats) {
	s := e.shape
	labels := gocv.NewMat()
	defer labels.Close()
	stats := gocv.NewMat()
	defer stats.Close()
	centroids := gocv.NewMat()
	defer centroids.Close()
	n := gocv.ConnectedComponentsWithStats(ink, &labels, &stats, &centroids)

	w, h := ink.Cols(), ink.Rows()
	lab := labelsOf(labels, w*h)

	var st Stats
	var sum float64
	for i := 1; i < n; i++ {
		area := int(stats.GetIntAt(i, int(gocv.CC_STAT_AREA)))
		if area < s.MinComponentArea {
			continue
		}
		bb := image.Rect(
			int(stats.GetIntAt(i, int(gocv.CC_STAT_LEFT))),
			int(stats.GetIntAt(i, int(gocv.CC_STAT_TOP))),
			0, 0)
		bb.Max.X = bb.Min.X + int(stats.GetIntAt(i, int(gocv.CC_STAT_WIDTH)))
		bb.Max.Y = bb.Min.Y + int(stats.GetIntAt(i, int(gocv.CC_STAT_HEIGHT)))

		hf := float64(bb.Dy()) / float64(h)
		stroke := strokeWidth(lab, w, int32(i), bb)
		sf := stroke / float64(bb.Dy())
		holes := countHoles(lab, w, int32(i), bb, max(2, s.MinComponentArea/4))

		st.Components++
		st.HeightFracs = append(st.HeightFracs, hf)
		st.Strokes = append(st.Strokes, stroke)
		st.Holes = append(st.Holes, holes)

		var ok float64
		if hf >= s.MinHeightFrac && hf <= s.MaxHeightFrac {
			ok++
		}
		if sf >= s.StrokeMinFrac && sf <= s.StrokeMaxFrac {
			ok++
		}
		if holes <= s.MaxHoles {
			ok++
		}
		sum += ok / 3
	}
	if st.Components == 0 || st.Components > s.MaxDigits {
		return 0, st
	}
	return sum / float64(st.Components), st
}

// strokeWidth returns the median horizontal run length of a component.
func strokeWidth(lab []int32, w int, id int32, bb image.Rectangle) float64 {
	var runs []int
	for y := bb.Min.Y; y < bb.Max.Y; y++ {
		run := 0
		for x := bb.Min.X; x < bb.Max.X; x++ {
			if lab[y*w+x] == id {
				run++
				continue
			}
			if run > 0 {
				runs = append(runs, run)
				run = 0
			}
		}
		if run > 0 {
			runs = append(runs, run)
		}
	}
	if len(runs) == 0 {
		return 0
	}
	sort.Ints(runs)
	return float64(runs[len(runs)/2])
}

// countHoles counts background regions inside the component's bounding
// box that do not reach the box border, ignoring regions below minArea.
func countHoles(lab []int32, w int, id int32, bb image.Rectangle, minArea int) int {
	bw, bh := bb.Dx()+2, bb.Dy()+2
	// 0 = background, 1 = component, 2 = visited
	grid := make([]uint8, bw*bh)
	for y := bb.Min.Y; y < bb.Max.Y; y++ {
		for x := bb.Min.X; x < bb.Max.X; x++ {
			if lab[y*w+x] == id {
				grid[(y-bb.Min.Y+1)*bw+x-bb.Min.X+1] = 1
			}
		}
	}
	fill := func(start int) int {
		stack := []int{start}
		grid[start] = 2
		area := 0
		for len(stack) > 0 {
			p := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			area++
			x, y := p%bw, p/bw
			for _, q := range [4][2]int{{x - 1, y}, {x + 1, y}, {x, y - 1}, {x, y + 1}} {
				if q[0] < 0 || q[1] < 0 || q[0] >= bw || q[1] >= bh {
					continue
				}
				if k := q[1]*bw + q[0]; grid[k] == 0 {
					grid[k] = 2
					stack = append(stack, k)
				}
			}
		}
		return area
	}
	fill(0) // padding ring connects everything outside the glyph
	holes := 0
	for i, v := range grid {
		if v == 0 && fill(i) >= minArea {
			holes++
		}
	}
	return holes
}

func cropGray(p *raster.Plane, r geometry.RectInt) *image.Gray {
	g := image.NewGray(image.Rect(0, 0, r.Width, r.Height))
	for y := 0; y < r.Height; y++ {
		for x := 0; x < r.Width; x++ {
			v := p.Pix[(r.Y+y)*p.W+r.X+x]
			g.Pix[y*g.Stride+x] = uint8(max(0, min(255, v+0.5)))
		}
	}
	return g
}

// labelsOf reads a CV32S label matrix.
func labelsOf(m gocv.Mat, n int) []int32 {
	raw := m.ToBytes()
	lab := make([]int32, n)
	for i := range lab {
		if 4*i+4 > len(raw) {
			break
		}
		lab[i] = int32(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return lab
}

func matToGray(m gocv.Mat) *image.Gray {
	g := image.NewGray(image.Rect(0, 0, m.Cols(), m.Rows()))
	copy(g.Pix, m.ToBytes())
	return g
}
