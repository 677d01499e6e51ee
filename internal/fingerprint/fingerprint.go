// Package fingerprint implements the cheap candidate prefilter: a
// difference-hash style bit signature plus coarse intensity and edge
// histograms, compared with integer and small-vector operations only.
package fingerprint

import (
	"math"
	"math/bits"
	"sort"

	"warwatch/internal/config"
	"warwatch/internal/screen"
	"warwatch/pkg/geometry"
	"warwatch/pkg/raster"

	"gonum.org/v1/gonum/floats"
)

// edgeRange is the gradient magnitude mapped to the last edge bin.
const edgeRange = 1024.0

// Sample dimensions of the stabilized down-sampled crop the histograms
// are computed over.
const (
	sampleW = 64
	sampleH = 16
)

// Signature is the prefilter description of one crop.
type Signature struct {
	Grid      int       `json:"grid"`
	Bits      []uint64  `json:"bits"`
	Intensity []float64 `json:"intensity"`
	Edge      []float64 `json:"edge"`
	Width     float64   `json:"width"`
}

// Compute builds the signature of region r of wi.
func Compute(wi *screen.WorkingImage, r geometry.Rect, p config.Fingerprint) Signature {
	g := p.GridSize
	cells := make([]float64, g*g)
	cw := r.Width / float64(g)
	ch := r.Height / float64(g)
	for j := 0; j < g; j++ {
		for i := 0; i < g; i++ {
			cells[j*g+i] = wi.GrayInt.BoxMean(geometry.NewRect(r.X+float64(i)*cw, r.Y+float64(j)*ch, cw, ch))
		}
	}

	sig := Signature{
		Grid:  g,
		Bits:  make([]uint64, (g*g+63)/64),
		Width: r.Width,
	}
	for j := 0; j < g; j++ {
		for i := 0; i < g; i++ {
			var sum float64
			n := 0
			for dj := -1; dj <= 1; dj++ {
				for di := -1; di <= 1; di++ {
					y, x := j+dj, i+di
					if (di == 0 && dj == 0) || x < 0 || y < 0 || x >= g || y >= g {
						continue
					}
					sum += cells[y*g+x]
					n++
				}
			}
			if cells[j*g+i] > sum/float64(n) {
				k := j*g + i
				sig.Bits[k/64] |= 1 << (k % 64)
			}
		}
	}

	sig.Intensity = histogram(wi.GrayInt.Sample(r, sampleW, sampleH), p.Bins, 256)
	sig.Edge = histogram(wi.GradInt.Sample(r, sampleW, sampleH), p.Bins, edgeRange)
	return sig
}

// histogram returns a unit-sum histogram of pl over [0, hi).
func histogram(pl *raster.Plane, bins int, hi float64) []float64 {
	h := make([]float64, bins)
	for _, v := range pl.Pix {
		b := int(v / hi * float64(bins))
		h[max(0, min(bins-1, b))]++
	}
	if s := floats.Sum(h); s > 0 {
		floats.Scale(1/s, h)
	}
	return h
}

// Hamming returns the number of differing signature bits. Signatures of
// different grid sizes are maximally distant.
func Hamming(a, b Signature) int {
	if a.Grid != b.Grid || len(a.Bits) != len(b.Bits) {
		return math.MaxInt
	}
	d := 0
	for i := range a.Bits {
		d += bits.OnesCount64(a.Bits[i] ^ b.Bits[i])
	}
	return d
}

// HistogramDistance averages the total variation distance of the
// intensity and edge histograms. The result is in [0,1].
func HistogramDistance(a, b Signature) float64 {
	if len(a.Intensity) != len(b.Intensity) || len(a.Edge) != len(b.Edge) {
		return 1
	}
	return (floats.Distance(a.Intensity, b.Intensity, 1) + floats.Distance(a.Edge, b.Edge, 1)) / 4
}

// Candidate is a track's reference signature.
type Candidate struct {
	ID  string
	Sig Signature
}

// Survivor is a candidate that passed every gate.
type Survivor struct {
	ID       string  `json:"id"`
	Hamming  int     `json:"hamming"`
	HistDist float64 `json:"hist_dist"`
}

// Prefilter returns the candidates that pass the Hamming, histogram and
// width gates, ranked by Hamming distance then histogram distance and
// capped at MaxCandidates. A candidate failing any gate is never returned.
func Prefilter(sig Signature, cands []Candidate, p config.Fingerprint) []Survivor {
	var out []Survivor
	for _, c := range cands {
		hd := Hamming(sig, c.Sig)
		if hd > p.MaxHamming {
			continue
		}
		dist := HistogramDistance(sig, c.Sig)
		if dist > p.MaxHistogramDistance {
			continue
		}
		if math.Abs(sig.Width-c.Sig.Width) > p.MaxWidthDiff {
			continue
		}
		out = append(out, Survivor{ID: c.ID, Hamming: hd, HistDist: dist})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Hamming != out[j].Hamming {
			return out[i].Hamming < out[j].Hamming
		}
		if out[i].HistDist != out[j].HistDist {
			return out[i].HistDist < out[j].HistDist
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > p.MaxCandidates {
		out = out[:p.MaxCandidates]
	}
	return out
}
