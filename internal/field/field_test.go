package field_test

import (
	"errors"
	"testing"

	"warwatch/internal/config"
	"warwatch/internal/field"
	"warwatch/internal/screen"
	"warwatch/internal/segment"
	"warwatch/internal/testsupport"
	"warwatch/pkg/geometry"
)

func TestExtractDigitsAreReadable(t *testing.T) {
	p := testsupport.Params()
	r := testsupport.Roster{Top: testsupport.Margin, Players: testsupport.Players(3)}
	wi, err := screen.NewPreprocessor(p.Preprocess, nil).Run(r.Shot(screen.WarSide{War: "w"}, 1))
	if err != nil {
		t.Fatal(err)
	}
	rep, err := segment.New(p.Segment, nil).Run(wi)
	if err != nil {
		t.Fatal(err)
	}
	ex := field.NewExtractor(p.Shape, p.Fields, nil)
	for _, b := range rep.Bands {
		crops := ex.Extract(wi, b.Box, "s1", b.Ordinal)
		if len(crops) != len(p.Fields) {
			t.Fatalf("row %d: %d crops", b.Ordinal, len(crops))
		}
		for i, c := range crops {
			if c.Field != p.Fields[i].Name || c.Ordinal != b.Ordinal {
				t.Fatalf("crop identity %+v", c)
			}
			if !c.Readable || c.Err() != nil {
				t.Errorf("row %d field %s unreadable: score %.2f stats %+v", b.Ordinal, c.Field, c.ShapeScore, c.Stats)
			}
			if c.Binary == nil || c.Binary.Bounds().Dx() < int(c.Box.Width) {
				t.Errorf("row %d field %s: missing upscaled binary crop", b.Ordinal, c.Field)
			}
		}
		digits := len(itoa(r.Players[b.Ordinal-1].Values[0]))
		if got := crops[0].Stats.Components; got != digits {
			t.Errorf("row %d: %d components for a %d-digit score", b.Ordinal, got, digits)
		}
	}
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	var b []byte
	for ; v > 0; v /= 10 {
		b = append([]byte{byte('0' + v%10)}, b...)
	}
	return string(b)
}

func TestBlankFieldIsUnreadable(t *testing.T) {
	p := testsupport.Params()
	r := testsupport.Roster{Top: testsupport.Margin, Players: testsupport.Players(1)}
	wi, err := screen.NewPreprocessor(p.Preprocess, nil).Run(r.Shot(screen.WarSide{War: "w"}, 1))
	if err != nil {
		t.Fatal(err)
	}
	blank := []config.Field{{Name: "gap", XFrac: 0, WidthFrac: 0.3, YFrac: 0, HeightFrac: 1}}
	box := geometry.NewRect(200, float64(r.Height()-testsupport.Margin+4), 300, 30)
	crops := field.NewExtractor(p.Shape, blank, nil).Extract(wi, box, "s1", 1)
	if crops[0].Readable || !errors.Is(crops[0].Err(), field.ErrUnreadableField) {
		t.Fatalf("blank crop judged readable: %+v", crops[0])
	}
}

func TestFusionPolicy(t *testing.T) {
	f := field.NewFuser(config.Fusion{MinMatchConfidence: 0.6, MinRecognitionConfidence: 0.5, MinBandConfidence: 0.4})
	good := field.Crop{Field: "score", Readable: true, ShapeScore: 1}
	bad := field.Crop{Field: "score", Readable: false, ShapeScore: 0.2}
	cases := []struct {
		name   string
		fuser  field.Fuser
		crop   field.Crop
		match  float64
		rec    *field.Recognition
		want   field.Decision
		reason string
	}{
		{"unreadable beats low match", f, bad, 0.1, nil, field.Retry, field.ReasonUnreadable},
		{"low match", f, good, 0.5, nil, field.Flag, field.ReasonLowMatch},
		{"low recognition", f, good, 0.9, &field.Recognition{Valid: true, Confidence: 0.3}, field.Retry, field.ReasonLowRecognition},
		{"invalid recognition", f, good, 0.9, &field.Recognition{Valid: false, Confidence: 0.9}, field.Retry, field.ReasonLowRecognition},
		{"accept without recognizer", f, good, 0.9, nil, field.Accept, ""},
		{"accept with recognizer", f, good, 0.9, &field.Recognition{Valid: true, Confidence: 0.8}, field.Accept, ""},
		{"border band on new track", f.ForNewTrack(), good, 0.5, nil, field.Accept, ""},
		{"weak band on new track", f.ForNewTrack(), good, 0.3, nil, field.Flag, field.ReasonLowBand},
		{"new track still retries unreadable", f.ForNewTrack(), bad, 0.5, nil, field.Retry, field.ReasonUnreadable},
	}
	for _, tc := range cases {
		v := tc.fuser.Fuse(tc.crop, tc.match, tc.rec)
		if v.Decision != tc.want || v.Reason != tc.reason {
			t.Errorf("%s: got %s/%q, want %s/%q", tc.name, v.Decision, v.Reason, tc.want, tc.reason)
		}
	}

	d, conf := field.Combine([]field.Verdict{
		{Decision: field.Accept, Confidence: 0.9},
		{Decision: field.Retry, Confidence: 0.4},
		{Decision: field.Flag, Confidence: 0.7},
	})
	if d != field.Flag || conf != 0.4 {
		t.Fatalf("Combine = %s %.2f", d, conf)
	}
}
