// Package raster provides float image planes, summed-area tables and the
// correlation primitives the matcher is built on.
package raster

import (
	"image"
	"math"

	"warwatch/pkg/geometry"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Plane is a single-channel float image stored row-major.
type Plane struct {
	W, H int
	Pix  []float64
}

// NewPlane allocates a zeroed plane.
func NewPlane(w, h int) *Plane {
	return &Plane{W: w, H: h, Pix: make([]float64, w*h)}
}

// FromGray copies an 8-bit grayscale image into a plane.
func FromGray(g *image.Gray) *Plane {
	b := g.Bounds()
	p := NewPlane(b.Dx(), b.Dy())
	for y := 0; y < p.H; y++ {
		row := g.Pix[y*g.Stride : y*g.Stride+p.W]
		for x, v := range row {
			p.Pix[y*p.W+x] = float64(v)
		}
	}
	return p
}

// FromFloat32 wraps a float32 buffer (as produced by OpenCV) into a plane.
func FromFloat32(w, h int, data []float32) *Plane {
	p := NewPlane(w, h)
	for i := range p.Pix {
		p.Pix[i] = float64(data[i])
	}
	return p
}

// At returns the value at (x, y) with edge clamping.
func (p *Plane) At(x, y int) float64 {
	if x < 0 {
		x = 0
	} else if x >= p.W {
		x = p.W - 1
	}
	if y < 0 {
		y = 0
	} else if y >= p.H {
		y = p.H - 1
	}
	return p.Pix[y*p.W+x]
}

// Bounds returns the plane extent as a float rectangle.
func (p *Plane) Bounds() geometry.Rect {
	return geometry.NewRect(0, 0, float64(p.W), float64(p.H))
}

// Mean returns the mean value of the plane.
func (p *Plane) Mean() float64 {
	if len(p.Pix) == 0 {
		return 0
	}
	return stat.Mean(p.Pix, nil)
}

// Normalized returns a zero-mean, unit-variance copy. Flat planes come
// back all zero.
func (p *Plane) Normalized() *Plane {
	out := NewPlane(p.W, p.H)
	if len(p.Pix) == 0 {
		return out
	}
	mean, std := stat.PopMeanStdDev(p.Pix, nil)
	if std < 1e-9 {
		return out
	}
	for i, v := range p.Pix {
		out.Pix[i] = (v - mean) / std
	}
	return out
}

// ToGray converts the plane to 8 bits, clamping to [0,255].
func (p *Plane) ToGray() *image.Gray {
	g := image.NewGray(image.Rect(0, 0, p.W, p.H))
	for i, v := range p.Pix {
		g.Pix[i] = uint8(math.Max(0, math.Min(255, math.Round(v))))
	}
	return g
}

// NCC returns the normalized cross-correlation of two equally sized
// planes in [-1,1]. Either plane being flat yields 0.
func NCC(a, b *Plane) float64 {
	if a.W != b.W || a.H != b.H || len(a.Pix) == 0 {
		return 0
	}
	ma := stat.Mean(a.Pix, nil)
	mb := stat.Mean(b.Pix, nil)
	var num, da, db float64
	for i := range a.Pix {
		x := a.Pix[i] - ma
		y := b.Pix[i] - mb
		num += x * y
		da += x * x
		db += y * y
	}
	denom := math.Sqrt(da * db)
	if denom < 1e-12 {
		return 0
	}
	return num / denom
}

// CenterCrop returns the central frac x frac region of the plane.
func (p *Plane) CenterCrop(frac float64) *Plane {
	frac = math.Max(0.1, math.Min(1, frac))
	w := int(float64(p.W) * frac)
	h := int(float64(p.H) * frac)
	if w < 1 || h < 1 {
		return NewPlane(0, 0)
	}
	x0 := (p.W - w) / 2
	y0 := (p.H - h) / 2
	out := NewPlane(w, h)
	for y := 0; y < h; y++ {
		copy(out.Pix[y*w:(y+1)*w], p.Pix[(y0+y)*p.W+x0:(y0+y)*p.W+x0+w])
	}
	return out
}

// ColumnProfile returns the L2-normalized column sums of the plane.
func (p *Plane) ColumnProfile() []float64 {
	prof := make([]float64, p.W)
	for y := 0; y < p.H; y++ {
		floats.Add(prof, p.Pix[y*p.W:(y+1)*p.W])
	}
	if n := floats.Norm(prof, 2); n > 1e-12 {
		floats.Scale(1/n, prof)
	}
	return prof
}

// Cosine returns the cosine similarity of two equal-length vectors.
func Cosine(u, v []float64) float64 {
	if len(u) != len(v) || len(u) == 0 {
		return 0
	}
	nu := floats.Norm(u, 2)
	nv := floats.Norm(v, 2)
	if nu < 1e-12 || nv < 1e-12 {
		return 0
	}
	return floats.Dot(u, v) / (nu * nv)
}
