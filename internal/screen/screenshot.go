// Package screen holds screenshot inputs and turns them into the canonical
// working representation used by every later stage.
package screen

import (
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrCorruptImage is returned when a screenshot cannot be decoded or its
// dimensions are outside the configured plausible range.
var ErrCorruptImage = errors.New("corrupt image")

// WarSide identifies one side's roster within a war. Tracks are only ever
// matched against tracks of the same WarSide.
type WarSide struct {
	War  string `json:"war"`
	Side string `json:"side"`
}

func (w WarSide) String() string {
	if w.Side == "" {
		return w.War
	}
	return w.War + "/" + w.Side
}

// Screenshot is one capture of the roster. The engine only reads Image.
type Screenshot struct {
	Image image.Image
	Side  WarSide
	Seq   int    // increasing within Side
	Path  string // source file, informational
}

// Key is a stable identifier for the screenshot within its war.
func (s Screenshot) Key() string {
	return fmt.Sprintf("%s#%d", s.Side, s.Seq)
}

// Decode reads an image honouring EXIF orientation, which phone captures
// frequently carry.
func Decode(r io.Reader) (image.Image, error) {
	img, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptImage, err)
	}
	return img, nil
}

// Load opens and decodes a screenshot file.
func Load(path string, side WarSide, seq int) (Screenshot, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return Screenshot{}, fmt.Errorf("load %s: %w: %v", path, ErrCorruptImage, err)
	}
	return Screenshot{Image: img, Side: side, Seq: seq, Path: path}, nil
}
