package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"warwatch/internal/config"
)

func TestSampleParamsValidate(t *testing.T) {
	p := config.Default()
	if err := config.Decode([]byte(config.SampleParams()), &p); err != nil {
		t.Fatalf("decode sample: %v", err)
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("sample params invalid: %v", err)
	}
	if len(p.Fields) != 3 {
		t.Fatalf("expected 3 fields, got %d", len(p.Fields))
	}
	if f, ok := p.FieldByName("attacks"); !ok || !f.Monotonic {
		t.Fatalf("expected monotonic attacks field, got %+v ok=%v", f, ok)
	}
}

func TestDefaultLeavesTunedValuesUnset(t *testing.T) {
	err := config.Default().Validate()
	if err == nil {
		t.Fatal("expected defaults without a params file to fail validation")
	}
	for _, want := range []string{
		"match.accept_threshold",
		"match.min_margin",
		"fingerprint.grid_size",
		"fingerprint.max_histogram_distance",
		"refine.iou_bound",
		"fusion.min_band_confidence",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected error to name %s, got: %v", want, err)
		}
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "params.toml")
	body := config.SampleParams() + "\n[typo]\naccept = 1\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := config.Load(path); err == nil {
		t.Fatal("expected unknown section to be rejected")
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err == nil || !strings.Contains(err.Error(), "config init") {
		t.Fatalf("expected hint about config init, got %v", err)
	}
}

func TestWriteSampleRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "params.toml")
	if err := config.WriteSample(path); err != nil {
		t.Fatalf("WriteSample: %v", err)
	}
	if err := config.WriteSample(path); err == nil {
		t.Fatal("expected second WriteSample to refuse overwrite")
	}
	p, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.Match.AcceptThreshold != 0.7 {
		t.Fatalf("unexpected accept threshold %v", p.Match.AcceptThreshold)
	}
}

func TestValidateDuplicateFieldNames(t *testing.T) {
	p := config.Default()
	if err := config.Decode([]byte(config.SampleParams()), &p); err != nil {
		t.Fatal(err)
	}
	p.Fields = append(p.Fields, p.Fields[0])
	err := p.Validate()
	if err == nil || !strings.Contains(err.Error(), "duplicated") {
		t.Fatalf("expected duplicate field error, got %v", err)
	}
}

func TestValidateEnabledDialogAndSideColor(t *testing.T) {
	p := config.Default()
	if err := config.Decode([]byte(config.SampleParams()), &p); err != nil {
		t.Fatal(err)
	}
	p.Segment.Dialog.Enabled = true
	p.Segment.Dialog.Ranges = []config.HSVRange{{Lo: [3]float64{120, 0, 0}, Hi: [3]float64{100, 255, 255}}}
	p.SideColor.Enabled = true
	p.SideColor.MarkedSide = " "
	err := p.Validate()
	if err == nil {
		t.Fatal("expected inverted hue range and blank marked_side to be rejected")
	}
	for _, want := range []string{"segment.dialog.ranges[0]", "side_color.marked_side"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected error to name %s, got: %v", want, err)
		}
	}

	p.Segment.Dialog.Ranges[0].Lo[0] = 95
	p.SideColor.MarkedSide = "them"
	if err := p.Validate(); err != nil {
		t.Fatalf("expected repaired params to validate: %v", err)
	}
}
