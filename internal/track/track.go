// Package track keeps the cross-screenshot player identities. Tracks live
// in an arena addressed by id; history is append-only.
package track

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"warwatch/internal/fingerprint"
	"warwatch/internal/match"
	"warwatch/internal/screen"
	"warwatch/pkg/geometry"

	"github.com/google/uuid"
)

var (
	// ErrValidationViolation marks an observation that breaks a field rule.
	ErrValidationViolation = errors.New("validation violation")
	// ErrUnknownTrack is returned for ids not present in the table.
	ErrUnknownTrack = errors.New("unknown track")
)

var idNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("warwatch/track"))

// NewID derives a track id from the row that created it, so reprocessing
// the same screenshot yields the same id.
func NewID(side screen.WarSide, screenshot string, ordinal int) string {
	name := side.String() + "|" + screenshot + "|" + strconv.Itoa(ordinal)
	return uuid.NewSHA1(idNamespace, []byte(name)).String()
}

// State is the validation state of a track.
type State int

const (
	StateNew State = iota
	StateActive
	StateFlagged
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateFlagged:
		return "flagged"
	default:
		return "new"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "new":
		*s = StateNew
	case "active":
		*s = StateActive
	case "flagged":
		*s = StateFlagged
	default:
		return fmt.Errorf("unknown track state %q", b)
	}
	return nil
}

// Observation is one accepted appearance of a track. Observations are
// never modified after they are appended.
type Observation struct {
	Screenshot string           `json:"screenshot"`
	Seq        int              `json:"seq"`
	Ordinal    int              `json:"ordinal"`
	Box        geometry.Rect    `json:"box"`
	Score      float64          `json:"score"`
	Values     map[string]int64 `json:"values,omitempty"`
	Violations []Violation      `json:"violations,omitempty"`
	Revision   bool             `json:"revision,omitempty"`
	Note       string           `json:"note,omitempty"`
}

// PlayerTrack is a persistent player identity.
type PlayerTrack struct {
	ID      string         `json:"id"`
	Side    screen.WarSide `json:"side"`
	State   State          `json:"state"`
	History []Observation  `json:"history"`

	// Matching reference: the last accepted crop.
	Ref      match.Reference       `json:"ref"`
	Sig      fingerprint.Signature `json:"sig"`
	Smoothed geometry.Rect         `json:"smoothed"`
}

// Last returns the most recent observation.
func (t *PlayerTrack) Last() (Observation, bool) {
	if len(t.History) == 0 {
		return Observation{}, false
	}
	return t.History[len(t.History)-1], true
}

// LastValue returns the most recent recorded value of a field.
func (t *PlayerTrack) LastValue(field string) (int64, bool) {
	return lastValue(t.History, field)
}

// SeenIn reports whether the track already has an observation from the
// given screenshot.
func (t *PlayerTrack) SeenIn(screenshot string) bool {
	for _, o := range t.History {
		if o.Screenshot == screenshot && !o.Revision {
			return true
		}
	}
	return false
}

func lastValue(history []Observation, field string) (int64, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		if v, ok := history[i].Values[field]; ok {
			return v, true
		}
	}
	return 0, false
}

func (t *PlayerTrack) clone() *PlayerTrack {
	c := *t
	c.History = append([]Observation(nil), t.History...)
	return &c
}

// Table is the arena of tracks. A Table handed to the engine is never
// modified; commits produce a new Table via Clone.
type Table struct {
	tracks map[string]*PlayerTrack
	order  []string
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{tracks: make(map[string]*PlayerTrack)}
}

// Clone returns a copy that can be modified without affecting t.
func (t *Table) Clone() *Table {
	c := &Table{
		tracks: make(map[string]*PlayerTrack, len(t.tracks)),
		order:  append([]string(nil), t.order...),
	}
	for id, tr := range t.tracks {
		c.tracks[id] = tr.clone()
	}
	return c
}

// Len returns the number of tracks.
func (t *Table) Len() int { return len(t.order) }

// Get returns the track with the given id. The result must be treated as
// read-only.
func (t *Table) Get(id string) (*PlayerTrack, bool) {
	tr, ok := t.tracks[id]
	return tr, ok
}

// Tracks returns all tracks in creation order.
func (t *Table) Tracks() []*PlayerTrack {
	out := make([]*PlayerTrack, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.tracks[id])
	}
	return out
}

// ForSide returns the tracks of one war side in creation order.
func (t *Table) ForSide(side screen.WarSide) []*PlayerTrack {
	var out []*PlayerTrack
	for _, id := range t.order {
		if tr := t.tracks[id]; tr.Side == side {
			out = append(out, tr)
		}
	}
	return out
}

// Create adds a new track in StateNew.
func (t *Table) Create(id string, side screen.WarSide, ref match.Reference, sig fingerprint.Signature, box geometry.Rect) (*PlayerTrack, error) {
	if _, ok := t.tracks[id]; ok {
		return nil, fmt.Errorf("track %s already exists", id)
	}
	tr := &PlayerTrack{ID: id, Side: side, State: StateNew, Ref: ref, Sig: sig, Smoothed: box}
	t.tracks[id] = tr
	t.order = append(t.order, id)
	return tr, nil
}

// Observe validates obs against the track's history and appends it. The
// observation is recorded even when it violates a rule; the track is then
// flagged. Flagging is sticky.
func (t *Table) Observe(id string, obs Observation, v Validator) ([]Violation, error) {
	tr, ok := t.tracks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTrack, id)
	}
	if obs.Screenshot != "" && tr.SeenIn(obs.Screenshot) {
		return nil, fmt.Errorf("track %s already observed in %s", id, obs.Screenshot)
	}
	obs.Violations = v.Check(tr.History, obs)
	tr.History = append(tr.History, obs)
	switch {
	case len(obs.Violations) > 0:
		tr.State = StateFlagged
	case tr.State == StateNew:
		tr.State = StateActive
	}
	return obs.Violations, nil
}

// UpdateReference replaces the matching reference after an accepted
// observation.
func (t *Table) UpdateReference(id string, ref match.Reference, sig fingerprint.Signature, smoothed geometry.Rect) error {
	tr, ok := t.tracks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTrack, id)
	}
	tr.Ref = ref
	tr.Sig = sig
	tr.Smoothed = smoothed
	return nil
}

// Revise appends a correcting observation. Earlier history is left as it
// was; the revision is flagged so it surfaces for review.
func (t *Table) Revise(id string, values map[string]int64, note string) error {
	tr, ok := t.tracks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTrack, id)
	}
	last, _ := tr.Last()
	tr.History = append(tr.History, Observation{
		Screenshot: last.Screenshot,
		Seq:        last.Seq,
		Ordinal:    last.Ordinal,
		Box:        last.Box,
		Values:     values,
		Revision:   true,
		Note:       note,
	})
	tr.State = StateFlagged
	return nil
}

type tableJSON struct {
	Tracks []*PlayerTrack `json:"tracks"`
}

// MarshalJSON encodes the tracks in creation order.
func (t *Table) MarshalJSON() ([]byte, error) {
	return json.Marshal(tableJSON{Tracks: t.Tracks()})
}

// UnmarshalJSON decodes a table written by MarshalJSON.
func (t *Table) UnmarshalJSON(b []byte) error {
	var tj tableJSON
	if err := json.Unmarshal(b, &tj); err != nil {
		return err
	}
	*t = *NewTable()
	for _, tr := range tj.Tracks {
		if _, dup := t.tracks[tr.ID]; dup {
			return fmt.Errorf("duplicate track %s", tr.ID)
		}
		t.tracks[tr.ID] = tr
		t.order = append(t.order, tr.ID)
	}
	return nil
}
