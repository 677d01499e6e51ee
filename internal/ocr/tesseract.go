// Package ocr reads field crops with Tesseract.
package ocr

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"io"
	"log/slog"
	"sync"

	"warwatch/internal/config"
	"warwatch/internal/field"

	"github.com/otiai10/gosseract/v2"
	"gocv.io/x/gocv"
)

// DigitChars are the characters a field value is made of.
const DigitChars = "0123456789"

// minHeight is the crop height Tesseract reads digits reliably at.
const minHeight = 48

// DigitRecognizer implements the engine's Recognizer with a single
// Tesseract client. The client is not safe for concurrent use, so calls
// are serialized.
type DigitRecognizer struct {
	mu     sync.Mutex
	client *gosseract.Client
	fields map[string]config.Field
	logger *slog.Logger
}

// NewDigitRecognizer creates a recognizer checking values against fields.
func NewDigitRecognizer(fields []config.Field, logger *slog.Logger) (*DigitRecognizer, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	client := gosseract.NewClient()
	if err := client.SetLanguage("eng"); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to set OCR language: %w", err)
	}

	// Scores are not words.
	_ = client.SetVariable("load_system_dawg", "false")
	_ = client.SetVariable("load_freq_dawg", "false")

	if err := client.SetPageSegMode(gosseract.PSM_SINGLE_LINE); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to set PSM: %w", err)
	}
	if err := client.SetWhitelist(Whitelist()); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to set whitelist: %w", err)
	}

	byName := make(map[string]config.Field, len(fields))
	for _, f := range fields {
		byName[f.Name] = f
	}
	return &DigitRecognizer{client: client, fields: byName, logger: logger.With("component", "ocr")}, nil
}

// Close releases the Tesseract client.
func (r *DigitRecognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		err := r.client.Close()
		r.client = nil
		return err
	}
	return nil
}

// Recognize reads every variant of the crop and votes on the value.
// An unparseable or out-of-range read is an invalid Recognition, not an
// error; errors are reserved for Tesseract failures.
func (r *DigitRecognizer) Recognize(ctx context.Context, crop field.Crop) (field.Recognition, error) {
	f, ok := r.fields[crop.Field]
	if !ok {
		return field.Recognition{}, fmt.Errorf("unknown field %q", crop.Field)
	}
	variants, err := variantsOf(crop)
	if err != nil {
		return field.Recognition{}, err
	}

	var reads []Read
	for _, v := range variants {
		if err := ctx.Err(); err != nil {
			return field.Recognition{}, err
		}
		rd, err := r.read(v)
		if err != nil {
			return field.Recognition{}, fmt.Errorf("%s row %d %s: %w", crop.Screenshot, crop.Ordinal, crop.Field, err)
		}
		if rd.Text != "" {
			reads = append(reads, rd)
		}
	}
	rec := Vote(Candidates(reads, f))
	r.logger.Debug("field read",
		"screenshot", crop.Screenshot, "row", crop.Ordinal, "field", crop.Field,
		"reads", len(reads), "value", rec.Value, "valid", rec.Valid)
	return rec, nil
}

func (r *DigitRecognizer) read(png []byte) (Read, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return Read{}, fmt.Errorf("recognizer closed")
	}
	if err := r.client.SetImageFromBytes(png); err != nil {
		return Read{}, fmt.Errorf("failed to set image: %w", err)
	}
	boxes, err := r.client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return Read{}, fmt.Errorf("failed to get boxes: %w", err)
	}
	var rd Read
	var conf float64
	for _, b := range boxes {
		if b.Word == "" {
			continue
		}
		rd.Text += b.Word
		conf += b.Confidence
	}
	if n := len(boxes); n > 0 {
		rd.Confidence = conf / float64(n) / 100
	}
	return rd, nil
}

// variantsOf encodes the crop the ways Tesseract is fed: the binarized
// and the stretched gray crop, both dark ink on white, and the inverted
// binary for glyphs the adaptive threshold hollowed out.
func variantsOf(crop field.Crop) ([][]byte, error) {
	type variant struct {
		img    *image.Gray
		invert bool
	}
	var out [][]byte
	for _, v := range []variant{{crop.Binary, false}, {crop.Gray, false}, {crop.Binary, true}} {
		if v.img == nil {
			continue
		}
		png, err := encode(v.img, v.invert)
		if err != nil {
			return nil, err
		}
		out = append(out, png)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s row %d %s: crop has no image", crop.Screenshot, crop.Ordinal, crop.Field)
	}
	return out, nil
}

func encode(g *image.Gray, invert bool) ([]byte, error) {
	src, err := gocv.ImageGrayToMatGray(g)
	if err != nil {
		return nil, fmt.Errorf("failed to convert crop: %w", err)
	}
	defer src.Close()

	scaled := gocv.NewMat()
	defer scaled.Close()
	if h := src.Rows(); h > 0 && h < minHeight {
		s := float64(minHeight) / float64(h)
		gocv.Resize(src, &scaled, image.Point{}, s, s, gocv.InterpolationCubic)
	} else {
		src.CopyTo(&scaled)
	}
	if invert {
		gocv.BitwiseNot(scaled, &scaled)
	}

	// Tesseract drops glyphs touching the image edge.
	padded := gocv.NewMat()
	defer padded.Close()
	border := color.RGBA{R: 255, G: 255, B: 255, A: 255}
	if invert {
		border = color.RGBA{A: 255}
	}
	gocv.CopyMakeBorder(scaled, &padded, 4, 4, 4, 4, gocv.BorderConstant, border)

	buf, err := gocv.IMEncode(gocv.PNGFileExt, padded)
	if err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	defer buf.Close()
	return append([]byte(nil), buf.GetBytes()...), nil
}
