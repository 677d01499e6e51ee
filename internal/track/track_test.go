package track_test

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"warwatch/internal/config"
	"warwatch/internal/fingerprint"
	"warwatch/internal/match"
	"warwatch/internal/screen"
	"warwatch/internal/track"
	"warwatch/pkg/geometry"
)

var side = screen.WarSide{War: "w1", Side: "us"}

func validator() track.Validator {
	return track.NewValidator([]config.Field{
		{Name: "score", Monotonic: true},
		{Name: "attacks", Monotonic: true, MaxDelta: 10},
	})
}

func observe(t *testing.T, tbl *track.Table, id string, seq int, score int64) []track.Violation {
	t.Helper()
	v, err := tbl.Observe(id, track.Observation{
		Screenshot: "s" + string(rune('0'+seq)),
		Seq:        seq,
		Values:     map[string]int64{"score": score},
	}, validator())
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	return v
}

func newTable(t *testing.T) (*track.Table, string) {
	t.Helper()
	tbl := track.NewTable()
	id := track.NewID(side, "s1", 1)
	if _, err := tbl.Create(id, side, match.Reference{}, fingerprint.Signature{}, geometry.Rect{}); err != nil {
		t.Fatal(err)
	}
	return tbl, id
}

func TestMonotonicity(t *testing.T) {
	cases := []struct {
		name    string
		values  []int64
		flagged bool
	}{
		{"decrease", []int64{100, 150, 140}, true},
		{"increase", []int64{100, 150, 200}, false},
	}
	for _, tc := range cases {
		tbl, id := newTable(t)
		var last []track.Violation
		for i, v := range tc.values {
			last = observe(t, tbl, id, i+1, v)
			if i < 2 && len(last) != 0 {
				t.Fatalf("%s: observation %d unexpectedly flagged: %v", tc.name, i+1, last)
			}
		}
		tr, _ := tbl.Get(id)
		if tc.flagged {
			if len(last) != 1 || last[0].Rule != track.RuleMonotonic || !errors.Is(last[0], track.ErrValidationViolation) {
				t.Fatalf("%s: expected a monotonic violation, got %v", tc.name, last)
			}
			if tr.State != track.StateFlagged {
				t.Fatalf("%s: state %v", tc.name, tr.State)
			}
		} else if len(last) != 0 || tr.State != track.StateActive {
			t.Fatalf("%s: violations %v state %v", tc.name, last, tr.State)
		}
		if len(tr.History) != len(tc.values) {
			t.Fatalf("%s: history length %d, observation must be recorded", tc.name, len(tr.History))
		}
	}
}

func TestMaxDeltaAndIdempotence(t *testing.T) {
	v := validator()
	history := []track.Observation{{Values: map[string]int64{"attacks": 3}}}
	obs := track.Observation{Values: map[string]int64{"attacks": 20}}
	first := v.Check(history, obs)
	second := v.Check(history, obs)
	if len(first) != 1 || first[0].Rule != track.RuleMaxDelta {
		t.Fatalf("expected max delta violation, got %v", first)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatal("validation is not idempotent")
	}
}

func TestStateTransitionsAndStickyFlag(t *testing.T) {
	tbl, id := newTable(t)
	tr, _ := tbl.Get(id)
	if tr.State != track.StateNew {
		t.Fatalf("new track state %v", tr.State)
	}
	observe(t, tbl, id, 1, 100)
	if tr.State != track.StateActive {
		t.Fatalf("state after first observation %v", tr.State)
	}
	observe(t, tbl, id, 2, 90)
	observe(t, tbl, id, 3, 120)
	if tr.State != track.StateFlagged {
		t.Fatalf("flag should be sticky, state %v", tr.State)
	}
}

func TestCloneIsolation(t *testing.T) {
	tbl, id := newTable(t)
	observe(t, tbl, id, 1, 100)
	snap := tbl.Clone()
	observe(t, tbl, id, 2, 50)
	if _, err := tbl.Create(track.NewID(side, "s2", 1), side, match.Reference{}, fingerprint.Signature{}, geometry.Rect{}); err != nil {
		t.Fatal(err)
	}
	orig, _ := snap.Get(id)
	if len(orig.History) != 1 || orig.State != track.StateActive || snap.Len() != 1 {
		t.Fatalf("clone was modified: %+v len=%d", orig, snap.Len())
	}
}

func TestReviseAppends(t *testing.T) {
	tbl, id := newTable(t)
	observe(t, tbl, id, 1, 100)
	observe(t, tbl, id, 2, 150)
	if err := tbl.Revise(id, map[string]int64{"score": 105}, "misread"); err != nil {
		t.Fatal(err)
	}
	tr, _ := tbl.Get(id)
	if len(tr.History) != 3 || tr.History[1].Values["score"] != 150 {
		t.Fatalf("history mutated in place: %+v", tr.History)
	}
	if !tr.History[2].Revision || tr.State != track.StateFlagged {
		t.Fatalf("revision not recorded as flagged: %+v", tr)
	}
	if v, _ := tr.LastValue("score"); v != 105 {
		t.Fatalf("latest value %d, want revised 105", v)
	}
	if err := tbl.Revise("missing", nil, ""); !errors.Is(err, track.ErrUnknownTrack) {
		t.Fatalf("expected ErrUnknownTrack, got %v", err)
	}
}

func TestOneObservationPerScreenshot(t *testing.T) {
	tbl, id := newTable(t)
	observe(t, tbl, id, 1, 100)
	_, err := tbl.Observe(id, track.Observation{Screenshot: "s1", Seq: 1}, validator())
	if err == nil {
		t.Fatal("second observation from the same screenshot accepted")
	}
}

func TestTableJSON(t *testing.T) {
	tbl, id := newTable(t)
	observe(t, tbl, id, 1, 100)
	data, err := json.Marshal(tbl)
	if err != nil {
		t.Fatal(err)
	}
	back := track.NewTable()
	if err := json.Unmarshal(data, back); err != nil {
		t.Fatal(err)
	}
	tr, ok := back.Get(id)
	if !ok || tr.State != track.StateActive || tr.History[0].Values["score"] != 100 || tr.Side != side {
		t.Fatalf("round trip lost data: %+v", tr)
	}
}

func TestNewIDDeterministic(t *testing.T) {
	a := track.NewID(side, "w1/us#3", 2)
	if a != track.NewID(side, "w1/us#3", 2) {
		t.Fatal("id not deterministic")
	}
	if a == track.NewID(side, "w1/us#3", 3) {
		t.Fatal("ids collide across ordinals")
	}
}
