// Package colorutil provides the overlay palette.
package colorutil

import "image/color"

// Common overlay colors.
var (
	Black   = color.RGBA{R: 0, G: 0, B: 0, A: 255}
	White   = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	Gray    = color.RGBA{R: 128, G: 128, B: 128, A: 255}
	Cyan    = color.RGBA{R: 0, G: 255, B: 255, A: 255}
	Magenta = color.RGBA{R: 255, G: 0, B: 255, A: 255}
	Red     = color.RGBA{R: 255, G: 0, B: 0, A: 255}
	Green   = color.RGBA{R: 0, G: 255, B: 0, A: 255}
	Yellow  = color.RGBA{R: 255, G: 255, B: 0, A: 255}
)

// ForDecision returns the box color for a row decision name. Unknown
// decisions are drawn in gray.
func ForDecision(decision string) color.RGBA {
	switch decision {
	case "accept":
		return Green
	case "retry":
		return Yellow
	case "flag":
		return Magenta
	default:
		return Gray
	}
}

// Dim scales a color toward black by f in [0,1].
func Dim(c color.RGBA, f float64) color.RGBA {
	if f < 0 {
		f = 0
	} else if f > 1 {
		f = 1
	}
	return color.RGBA{
		R: uint8(float64(c.R) * f),
		G: uint8(float64(c.G) * f),
		B: uint8(float64(c.B) * f),
		A: c.A,
	}
}
