package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_params.toml
var sampleParams string

// Preprocess configures screenshot canonicalization.
type Preprocess struct {
	WorkingWidth        int     `toml:"working_width"`
	MinWidth            int     `toml:"min_width"`
	MaxWidth            int     `toml:"max_width"`
	MinHeight           int     `toml:"min_height"`
	MaxHeight           int     `toml:"max_height"`
	CLAHE               bool    `toml:"clahe"`
	CLAHEClip           float64 `toml:"clahe_clip"`
	CLAHETile           int     `toml:"clahe_tile"`
	BilateralDiameter   int     `toml:"bilateral_diameter"`
	BilateralSigmaColor float64 `toml:"bilateral_sigma_color"`
	BilateralSigmaSpace float64 `toml:"bilateral_sigma_space"`
}

// Anchor configures fixed-offset row slicing relative to a column gutter.
// All pixel values are at working resolution.
type Anchor struct {
	Enabled        bool    `toml:"enabled"`
	XFrac          float64 `toml:"x_frac"`
	SearchFrac     float64 `toml:"search_frac"`
	MinContrast    float64 `toml:"min_contrast"`
	RowPitch       int     `toml:"row_pitch"`
	RowHeight      int     `toml:"row_height"`
	FirstRowOffset int     `toml:"first_row_offset"`
	Tolerance      int     `toml:"tolerance"`
}

// HSVRange is an inclusive OpenCV HSV range (hue in [0,180)).
type HSVRange struct {
	Lo [3]float64 `toml:"lo"`
	Hi [3]float64 `toml:"hi"`
}

// Dialog configures localization of the roster dialog inside a full-screen
// capture. Fractions are of the source image; Pad and CloseKernel are in
// source pixels.
type Dialog struct {
	Enabled       bool       `toml:"enabled"`
	Ranges        []HSVRange `toml:"ranges"`
	CloseKernel   int        `toml:"close_kernel"`
	CloseIter     int        `toml:"close_iterations"`
	MinWidthFrac  float64    `toml:"min_width_frac"`
	MinHeightFrac float64    `toml:"min_height_frac"`
	MinExtent     float64    `toml:"min_extent"`
	Pad           int        `toml:"pad"`
}

// SideColor configures the per-row side marker check. A row whose source
// crop holds at least MinPixels pixels within MaxDistance (8-bit Lab) of
// Reference is taken to belong to MarkedSide.
type SideColor struct {
	Enabled     bool     `toml:"enabled"`
	Reference   [3]uint8 `toml:"reference"`
	MaxDistance float64  `toml:"max_distance"`
	MinPixels   int      `toml:"min_pixels"`
	MarkedSide  string   `toml:"marked_side"`
}

// Segment configures projection-profile row segmentation.
type Segment struct {
	ProfileXFrom      float64 `toml:"profile_x_from"`
	ProfileXTo        float64 `toml:"profile_x_to"`
	SmoothWindow      int     `toml:"smooth_window"`
	LowEnergyFrac     float64 `toml:"low_energy_frac"`
	MinGap            int     `toml:"min_gap"`
	MinEnergyDrop     float64 `toml:"min_energy_drop"`
	MinRowHeight      int     `toml:"min_row_height"`
	MaxRowHeight      int     `toml:"max_row_height"`
	MinRowWidthFrac   float64 `toml:"min_row_width_frac"`
	MinBandEnergyFrac float64 `toml:"min_band_energy_frac"`
	PadX              int     `toml:"pad_x"`
	PadY              int     `toml:"pad_y"`
	ExpectedRows      int     `toml:"expected_rows"`
	Anchor            Anchor  `toml:"anchor"`
	Dialog            Dialog  `toml:"dialog"`
}

// Fingerprint configures the cheap candidate prefilter.
type Fingerprint struct {
	GridSize             int     `toml:"grid_size"`
	MaxHamming           int     `toml:"max_hamming"`
	Bins                 int     `toml:"bins"`
	MaxHistogramDistance float64 `toml:"max_histogram_distance"`
	MaxCandidates        int     `toml:"max_candidates"`
	MaxWidthDiff         float64 `toml:"max_width_diff"`
}

// Align configures the bounded iterative alignment run before final scoring.
type Align struct {
	Enabled       bool    `toml:"enabled"`
	TriggerBelow  float64 `toml:"trigger_below"`
	MaxShift      float64 `toml:"max_shift"`
	MaxScale      float64 `toml:"max_scale"`
	MaxIterations int     `toml:"max_iterations"`
}

// Match configures precise scoring and the acceptance rule. The identity
// region is the horizontal slice of a row (avatar, name) that does not
// change between captures; fingerprints and patches are taken from it.
type Match struct {
	PatchWidth      int     `toml:"patch_width"`
	PatchHeight     int     `toml:"patch_height"`
	IdentityXFrom   float64 `toml:"identity_x_from"`
	IdentityXTo     float64 `toml:"identity_x_to"`
	WeightLuma      float64 `toml:"weight_luma"`
	WeightEdge      float64 `toml:"weight_edge"`
	WeightPenalty   float64 `toml:"weight_penalty"`
	AcceptThreshold float64 `toml:"accept_threshold"`
	MinMargin       float64 `toml:"min_margin"`
	UseCenterCrop   bool    `toml:"use_center_crop"`
	CenterFrac      float64 `toml:"center_frac"`
	AspectTolerance float64 `toml:"aspect_tolerance"`
	DriftTolerance  float64 `toml:"drift_tolerance"`
	MinEdgeEnergy   float64 `toml:"min_edge_energy"`
	Align           Align   `toml:"align"`
}

// Refine configures local ROI search, temporal smoothing and suppression.
type Refine struct {
	Enabled        bool    `toml:"enabled"`
	Step           float64 `toml:"step"`
	ScaleStep      float64 `toml:"scale_step"`
	MaxOffset      float64 `toml:"max_offset"`
	MaxScale       float64 `toml:"max_scale"`
	MaxIterations  int     `toml:"max_iterations"`
	MinImprovement float64 `toml:"min_improvement"`
	SmoothingAlpha float64 `toml:"smoothing_alpha"`
	IoUBound       float64 `toml:"iou_bound"`
}

// Shape configures digit-crop binarization and connected component checks.
type Shape struct {
	Upscale          float64 `toml:"upscale"`
	BlockSize        int     `toml:"block_size"`
	ThresholdC       float64 `toml:"threshold_c"`
	MinComponentArea int     `toml:"min_component_area"`
	MinHeightFrac    float64 `toml:"min_height_frac"`
	MaxHeightFrac    float64 `toml:"max_height_frac"`
	StrokeMinFrac    float64 `toml:"stroke_min_frac"`
	StrokeMaxFrac    float64 `toml:"stroke_max_frac"`
	MaxHoles         int     `toml:"max_holes"`
	MaxDigits        int     `toml:"max_digits"`
	MinShapeScore    float64 `toml:"min_shape_score"`
}

// Field describes one numeric column of a roster row. Offsets are
// fractions of the finalized row box.
type Field struct {
	Name       string  `toml:"name"`
	XFrac      float64 `toml:"x_frac"`
	WidthFrac  float64 `toml:"width_frac"`
	YFrac      float64 `toml:"y_frac"`
	HeightFrac float64 `toml:"height_frac"`
	Monotonic  bool    `toml:"monotonic"`
	MaxDelta   int64   `toml:"max_delta"`
	Min        int64   `toml:"min"`
	Max        int64   `toml:"max"`
}

// Fusion configures the per-field accept/retry/flag policy.
type Fusion struct {
	MinMatchConfidence       float64 `toml:"min_match_confidence"`
	MinRecognitionConfidence float64 `toml:"min_recognition_confidence"`
	MinBandConfidence        float64 `toml:"min_band_confidence"`
}

// Engine configures scheduling.
type Engine struct {
	Workers int    `toml:"workers"`
	Overlay bool   `toml:"overlay"`
	Name    string `toml:"name"`
}

// Params is the full tuning surface of the engine.
type Params struct {
	Preprocess  Preprocess  `toml:"preprocess"`
	Segment     Segment     `toml:"segment"`
	Fingerprint Fingerprint `toml:"fingerprint"`
	Match       Match       `toml:"match"`
	Refine      Refine      `toml:"refine"`
	Shape       Shape       `toml:"shape"`
	Fields      []Field     `toml:"fields"`
	Fusion      Fusion      `toml:"fusion"`
	SideColor   SideColor   `toml:"side_color"`
	Engine      Engine      `toml:"engine"`
}

// Load reads a params file on top of Default and validates the result.
func Load(path string) (Params, error) {
	p := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Params{}, fmt.Errorf("params file %s not found (create one with 'imatch config init')", path)
		}
		return Params{}, fmt.Errorf("read params %s: %w", path, err)
	}
	if err := Decode(data, &p); err != nil {
		return Params{}, fmt.Errorf("parse params %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return Params{}, fmt.Errorf("params %s: %w", path, err)
	}
	return p, nil
}

// Decode unmarshals TOML into p, rejecting unknown keys so that typos in
// threshold names do not silently fall back to zero.
func Decode(data []byte, p *Params) error {
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(p)
}

// SampleParams returns the embedded sample params file.
func SampleParams() string {
	return sampleParams
}

// WriteSample writes the sample params file to path, refusing to overwrite.
func WriteSample(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create params dir: %w", err)
	}
	return os.WriteFile(path, []byte(sampleParams), 0o644)
}

// FieldByName returns the field layout with the given name.
func (p Params) FieldByName(name string) (Field, bool) {
	for _, f := range p.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}
