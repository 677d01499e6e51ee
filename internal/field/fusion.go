package field

import (
	"math"

	"warwatch/internal/config"
)

// Decision is the per-field or per-row outcome.
type Decision string

const (
	Accept Decision = "accept"
	Retry  Decision = "retry"
	Flag   Decision = "flag"
	Skip   Decision = "skip"
)

func (d Decision) severity() int {
	switch d {
	case Flag:
		return 3
	case Retry:
		return 2
	case Skip:
		return 1
	default:
		return 0
	}
}

// Worse returns the more severe of two decisions.
func Worse(a, b Decision) Decision {
	if b.severity() > a.severity() {
		return b
	}
	return a
}

// Reason codes produced by fusion.
const (
	ReasonUnreadable     = "unreadable_field"
	ReasonLowMatch       = "low_match_confidence"
	ReasonLowBand        = "low_band_confidence"
	ReasonLowRecognition = "low_recognition_confidence"
)

// Verdict is the fused decision for one field.
type Verdict struct {
	Field      string   `json:"field"`
	Decision   Decision `json:"decision"`
	Reason     string   `json:"reason,omitempty"`
	Confidence float64  `json:"confidence"`
}

// Fuser merges match, shape and recognition confidence.
type Fuser struct {
	params   config.Fusion
	newTrack bool
}

// NewFuser creates a Fuser.
func NewFuser(p config.Fusion) Fuser {
	return Fuser{params: p}
}

// ForNewTrack returns a Fuser for rows that start a new track. Their
// confidence is the band confidence, judged against min_band_confidence.
func (f Fuser) ForNewTrack() Fuser {
	f.newTrack = true
	return f
}

// Fuse applies the ordered policy: an unreadable shape is retried; a
// readable crop on a weakly matched row is flagged; a present but weak or
// invalid recognition is retried; anything else is accepted.
func (f Fuser) Fuse(c Crop, matchConf float64, rec *Recognition) Verdict {
	minConf, lowReason := f.params.MinMatchConfidence, ReasonLowMatch
	if f.newTrack {
		minConf, lowReason = f.params.MinBandConfidence, ReasonLowBand
	}
	v := Verdict{Field: c.Field, Decision: Accept}
	conf := math.Max(0, math.Min(1, matchConf)) * c.ShapeScore
	if rec != nil {
		rc := rec.Confidence
		if !rec.Valid {
			rc = 0
		}
		conf *= rc
	}
	v.Confidence = conf

	switch {
	case !c.Readable:
		v.Decision, v.Reason = Retry, ReasonUnreadable
	case matchConf < minConf:
		v.Decision, v.Reason = Flag, lowReason
	case rec != nil && (!rec.Valid || rec.Confidence < f.params.MinRecognitionConfidence):
		v.Decision, v.Reason = Retry, ReasonLowRecognition
	}
	return v
}

// Combine returns the row decision (the most severe field decision) and
// the row confidence (the weakest field).
func Combine(vs []Verdict) (Decision, float64) {
	d := Accept
	conf := 1.0
	for _, v := range vs {
		d = Worse(d, v.Decision)
		conf = math.Min(conf, v.Confidence)
	}
	if len(vs) == 0 {
		conf = 0
	}
	return d, conf
}
