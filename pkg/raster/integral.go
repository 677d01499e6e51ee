package raster

import (
	"math"

	"warwatch/pkg/geometry"
)

// Integral is a summed-area table over a Plane. S[(y)*(W+1)+x] holds the
// sum of all pixels strictly above and left of (x, y).
type Integral struct {
	W, H int
	S    []float64
}

// NewIntegral builds the summed-area table for p.
func NewIntegral(p *Plane) *Integral {
	w1 := p.W + 1
	it := &Integral{W: p.W, H: p.H, S: make([]float64, w1*(p.H+1))}
	for y := 0; y < p.H; y++ {
		var row float64
		for x := 0; x < p.W; x++ {
			row += p.Pix[y*p.W+x]
			it.S[(y+1)*w1+x+1] = it.S[y*w1+x+1] + row
		}
	}
	return it
}

// cornerSum returns the integral at a fractional corner by bilinear
// interpolation of the table, which equals the exact area sum for a
// piecewise-constant image.
func (it *Integral) cornerSum(x, y float64) float64 {
	x = math.Max(0, math.Min(float64(it.W), x))
	y = math.Max(0, math.Min(float64(it.H), y))
	x0 := int(math.Floor(x))
	y0 := int(math.Floor(y))
	x1 := min(x0+1, it.W)
	y1 := min(y0+1, it.H)
	fx := x - float64(x0)
	fy := y - float64(y0)
	w1 := it.W + 1
	s00 := it.S[y0*w1+x0]
	s10 := it.S[y0*w1+x1]
	s01 := it.S[y1*w1+x0]
	s11 := it.S[y1*w1+x1]
	top := s00*(1-fx) + s10*fx
	bot := s01*(1-fx) + s11*fx
	return top*(1-fy) + bot*fy
}

// BoxSum returns the sum over a (possibly fractional) rectangle clipped to
// the image.
func (it *Integral) BoxSum(r geometry.Rect) float64 {
	return it.cornerSum(r.Right(), r.Bottom()) - it.cornerSum(r.X, r.Bottom()) -
		it.cornerSum(r.Right(), r.Y) + it.cornerSum(r.X, r.Y)
}

// BoxMean returns the mean over a rectangle; pixels outside the image are
// excluded from the area.
func (it *Integral) BoxMean(r geometry.Rect) float64 {
	c := r.Clamp(float64(it.W), float64(it.H))
	a := c.Area()
	if a <= 0 {
		return 0
	}
	return it.BoxSum(c) / a
}

// Sample area-resamples the region r into a pw x ph plane. Each output
// pixel is the exact mean of its source sub-rectangle, so r may sit on
// sub-pixel coordinates. Cells past the image edge take the edge pixels.
func (it *Integral) Sample(r geometry.Rect, pw, ph int) *Plane {
	out := NewPlane(pw, ph)
	if pw <= 0 || ph <= 0 || r.Empty() || it.W == 0 || it.H == 0 {
		return out
	}
	cw := r.Width / float64(pw)
	ch := r.Height / float64(ph)
	for j := 0; j < ph; j++ {
		y, h := edgeSpan(r.Y+float64(j)*ch, ch, float64(it.H))
		for i := 0; i < pw; i++ {
			x, w := edgeSpan(r.X+float64(i)*cw, cw, float64(it.W))
			out.Pix[j*pw+i] = it.BoxMean(geometry.NewRect(x, y, w, h))
		}
	}
	return out
}

// edgeSpan moves a span [lo, lo+size) lying wholly outside [0, n) onto the
// nearest edge pixel.
func edgeSpan(lo, size, n float64) (float64, float64) {
	switch {
	case lo+size <= 0:
		return 0, math.Min(1, n)
	case lo >= n:
		return math.Max(0, n-1), math.Min(1, n)
	}
	return lo, size
}
