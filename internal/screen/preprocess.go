package screen

import (
	"fmt"
	"image"
	"io"
	"log/slog"
	"math"

	"warwatch/internal/config"
	"warwatch/pkg/geometry"
	"warwatch/pkg/raster"

	"github.com/disintegration/imaging"
	"gocv.io/x/gocv"
)

// WorkingImage is the canonical representation of a screenshot: grayscale
// and gradient magnitude at the working width, with summed-area tables for
// fast box sampling.
type WorkingImage struct {
	Gray    *raster.Plane
	Grad    *raster.Plane
	GrayInt *raster.Integral
	GradInt *raster.Integral

	// Scale maps source pixels to working pixels.
	Scale        float64
	SourceWidth  int
	SourceHeight int

	// Dialog is the source region the working image was cut from: the
	// located roster dialog, or the whole screenshot.
	Dialog   geometry.RectInt
	toSource geometry.AffineTransform
}

// Width returns the working width.
func (w *WorkingImage) Width() int { return w.Gray.W }

// Height returns the working height.
func (w *WorkingImage) Height() int { return w.Gray.H }

// ToSource maps a working-resolution rectangle back to full-screenshot
// pixels.
func (w *WorkingImage) ToSource(r geometry.Rect) geometry.Rect {
	return w.toSource.ApplyRect(r)
}

// sourceTransform builds the working-to-source mapping for a working image
// cut from dialog and scaled by s.
func sourceTransform(dialog geometry.RectInt, s float64) (geometry.AffineTransform, error) {
	toWorking := geometry.Scale(s, s).Compose(geometry.Translation(-float64(dialog.X), -float64(dialog.Y)))
	inv, ok := toWorking.Inverse()
	if !ok {
		return geometry.AffineTransform{}, fmt.Errorf("%w: degenerate working scale %g", ErrCorruptImage, s)
	}
	return inv, nil
}

// Preprocessor canonicalizes screenshots.
type Preprocessor struct {
	params config.Preprocess
	dialog config.Dialog
	logger *slog.Logger
}

// NewPreprocessor creates a Preprocessor.
func NewPreprocessor(p config.Preprocess, logger *slog.Logger) *Preprocessor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Preprocessor{params: p, logger: logger.With("component", "preprocess")}
}

// WithDialog enables dialog localization with d. It returns pp.
func (pp *Preprocessor) WithDialog(d config.Dialog) *Preprocessor {
	pp.dialog = d
	return pp
}

// Validate checks that img is present and within the plausible size range.
func (pp *Preprocessor) Validate(img image.Image) error {
	if img == nil {
		return fmt.Errorf("%w: no image data", ErrCorruptImage)
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	p := pp.params
	if w < p.MinWidth || w > p.MaxWidth || h < p.MinHeight || h > p.MaxHeight {
		return fmt.Errorf("%w: %dx%d outside %d-%d x %d-%d",
			ErrCorruptImage, w, h, p.MinWidth, p.MaxWidth, p.MinHeight, p.MaxHeight)
	}
	return nil
}

// Run converts a screenshot into a WorkingImage. It either succeeds fully
// or returns ErrCorruptImage with no partial output.
func (pp *Preprocessor) Run(shot Screenshot) (*WorkingImage, error) {
	if err := pp.Validate(shot.Image); err != nil {
		return nil, err
	}
	p := pp.params
	nrgba := imaging.Clone(shot.Image)
	sw, sh := nrgba.Rect.Dx(), nrgba.Rect.Dy()

	src, err := gocv.NewMatFromBytes(sh, sw, gocv.MatTypeCV8UC4, nrgba.Pix)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptImage, err)
	}
	defer src.Close()

	dialog := image.Rect(0, 0, sw, sh)
	located := false
	if pp.dialog.Enabled {
		if roi, ok := locateDialog(src, pp.dialog); ok {
			dialog, located = roi, true
		} else {
			pp.logger.Debug("no dialog found, using full screenshot", "screenshot", shot.Key())
		}
	}
	roi := src.Region(dialog)
	defer roi.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(roi, &gray, gocv.ColorRGBAToGray)

	dw, dh := dialog.Dx(), dialog.Dy()
	scale := float64(p.WorkingWidth) / float64(dw)
	ww := p.WorkingWidth
	wh := max(1, int(math.Round(float64(dh)*scale)))
	area := geometry.RectInt{X: dialog.Min.X, Y: dialog.Min.Y, Width: dw, Height: dh}
	toSource, err := sourceTransform(area, scale)
	if err != nil {
		return nil, err
	}
	resized := gocv.NewMat()
	defer resized.Close()
	interp := gocv.InterpolationArea
	if scale > 1 {
		interp = gocv.InterpolationLinear
	}
	gocv.Resize(gray, &resized, image.Pt(ww, wh), 0, 0, interp)

	stretched := gocv.NewMat()
	defer func() { stretched.Close() }()
	gocv.Normalize(resized, &stretched, 0, 255, gocv.NormMinMax)

	if p.CLAHE {
		clahe := gocv.NewCLAHEWithParams(p.CLAHEClip, image.Pt(p.CLAHETile, p.CLAHETile))
		enhanced := gocv.NewMat()
		clahe.Apply(stretched, &enhanced)
		clahe.Close()
		stretched.Close()
		stretched = enhanced
	}

	smooth := gocv.NewMat()
	defer smooth.Close()
	if p.BilateralDiameter > 0 {
		gocv.BilateralFilter(stretched, &smooth, p.BilateralDiameter, p.BilateralSigmaColor, p.BilateralSigmaSpace)
	} else {
		stretched.CopyTo(&smooth)
	}

	gx := gocv.NewMat()
	defer gx.Close()
	gy := gocv.NewMat()
	defer gy.Close()
	gocv.Sobel(smooth, &gx, gocv.MatTypeCV32F, 1, 0, 3, 1, 0, gocv.BorderDefault)
	gocv.Sobel(smooth, &gy, gocv.MatTypeCV32F, 0, 1, 3, 1, 0, gocv.BorderDefault)
	mag := gocv.NewMat()
	defer mag.Close()
	gocv.Magnitude(gx, gy, &mag)

	grayPlane := raster.NewPlane(ww, wh)
	for i, v := range smooth.ToBytes() {
		if i >= len(grayPlane.Pix) {
			break
		}
		grayPlane.Pix[i] = float64(v)
	}
	magData, err := mag.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("gradient buffer: %w", err)
	}
	gradPlane := raster.FromFloat32(ww, wh, magData)

	pp.logger.Debug("preprocessed",
		"screenshot", shot.Key(),
		"source", fmt.Sprintf("%dx%d", sw, sh),
		"dialog", dialog.String(),
		"located", located,
		"working", fmt.Sprintf("%dx%d", ww, wh))

	return &WorkingImage{
		Gray:         grayPlane,
		Grad:         gradPlane,
		GrayInt:      raster.NewIntegral(grayPlane),
		GradInt:      raster.NewIntegral(gradPlane),
		Scale:        scale,
		SourceWidth:  sw,
		SourceHeight: sh,
		Dialog:       area,
		toSource:     toSource,
	}, nil
}
