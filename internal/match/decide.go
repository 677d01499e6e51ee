package match

import (
	"errors"
	"fmt"
	"sort"

	"warwatch/internal/config"
)

// ErrMatchAmbiguous marks a row whose best score is not separated from
// the runner-up by the configured margin.
var ErrMatchAmbiguous = errors.New("match ambiguous")

// Kind is the outcome of a match decision.
type Kind int

const (
	KindNew Kind = iota
	KindAssigned
	KindAmbiguous
)

func (k Kind) String() string {
	switch k {
	case KindAssigned:
		return "assigned"
	case KindAmbiguous:
		return "ambiguous"
	default:
		return "new"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Decision is the acceptance outcome for one row.
type Decision struct {
	Kind   Kind   `json:"kind"`
	Best   *Score `json:"best,omitempty"`
	Second *Score `json:"second,omitempty"`
}

// marginEpsilon absorbs float rounding so a margin exactly equal to
// min_margin counts as met.
const marginEpsilon = 1e-9

// Margin returns best minus second, or the best total when there is no
// competitor.
func (d Decision) Margin() float64 {
	switch {
	case d.Best == nil:
		return 0
	case d.Second == nil:
		return d.Best.Total
	default:
		return d.Best.Total - d.Second.Total
	}
}

// Err returns ErrMatchAmbiguous with context for ambiguous decisions.
func (d Decision) Err() error {
	if d.Kind != KindAmbiguous {
		return nil
	}
	return fmt.Errorf("%w: %s %.3f vs %s %.3f", ErrMatchAmbiguous,
		d.Best.TrackID, d.Best.Total, d.Second.TrackID, d.Second.Total)
}

// Decide applies the acceptance rule: the best score must reach the
// threshold and beat the runner-up by the margin. A best score above the
// threshold without that margin is ambiguous and never resolved here.
func Decide(scores []Score, p config.Match) Decision {
	if len(scores) == 0 {
		return Decision{Kind: KindNew}
	}
	ranked := append([]Score(nil), scores...)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Total != ranked[j].Total {
			return ranked[i].Total > ranked[j].Total
		}
		return ranked[i].TrackID < ranked[j].TrackID
	})
	d := Decision{Best: &ranked[0]}
	if len(ranked) > 1 {
		d.Second = &ranked[1]
	}
	switch {
	case d.Best.Total < p.AcceptThreshold:
		d.Kind = KindNew
	case d.Second != nil && d.Margin() < p.MinMargin-marginEpsilon:
		d.Kind = KindAmbiguous
	default:
		d.Kind = KindAssigned
	}
	return d
}
