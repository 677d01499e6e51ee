// Package engine runs the per-screenshot pipeline: preprocess, segment,
// prefilter, score, refine, suppress, extract fields, then commit the
// screenshot's observations to a new track table in one step.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"warwatch/internal/config"
	"warwatch/internal/field"
	"warwatch/internal/fingerprint"
	"warwatch/internal/match"
	"warwatch/internal/refine"
	"warwatch/internal/screen"
	"warwatch/internal/segment"
	"warwatch/internal/track"
	"warwatch/pkg/geometry"

	"golang.org/x/sync/errgroup"
)

// Recognizer reads the digits of a field crop. It is an external
// collaborator; the engine only calls it for readable crops.
type Recognizer interface {
	Recognize(ctx context.Context, crop field.Crop) (field.Recognition, error)
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithRecognizer sets the digit recognizer invoked before commit.
func WithRecognizer(r Recognizer) Option {
	return func(e *Engine) { e.recognizer = r }
}

// Engine is safe for concurrent use on different tables; a single table
// must be threaded through Process calls one screenshot at a time.
type Engine struct {
	params     config.Params
	logger     *slog.Logger
	recognizer Recognizer

	pre       *screen.Preprocessor
	marker    *screen.SideMarker
	seg       *segment.Segmenter
	scorer    *match.Scorer
	refiner   *refine.Refiner
	extractor *field.Extractor
	fuser     field.Fuser
	validator track.Validator
}

// New validates p and builds an Engine.
func New(p config.Params, opts ...Option) (*Engine, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	e := &Engine{
		params: p,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "engine")
	e.pre = screen.NewPreprocessor(p.Preprocess, e.logger).WithDialog(p.Segment.Dialog)
	if p.SideColor.Enabled {
		e.marker = screen.NewSideMarker(p.SideColor)
	}
	e.seg = segment.New(p.Segment, e.logger)
	e.scorer = match.NewScorer(p.Match, e.logger)
	e.refiner = refine.New(p.Refine, e.logger)
	e.extractor = field.NewExtractor(p.Shape, p.Fields, e.logger)
	e.fuser = field.NewFuser(p.Fusion)
	e.validator = track.NewValidator(p.Fields)
	return e, nil
}

// Params returns the engine's configuration.
func (e *Engine) Params() config.Params { return e.params }

// row is the working state of one band while a screenshot is processed.
type row struct {
	band    segment.RowBand
	skipped bool

	survivors []fingerprint.Survivor
	decision  match.Decision

	box       geometry.Rect
	score     float64 // suppression order
	matchConf float64
	refined   refine.Result
	trackID   string
	newTrack  bool

	suppressed   bool
	conflict     bool
	sideMismatch bool

	crops []field.Crop
	recs  []*field.Recognition
}

func (r *row) kept() bool { return !r.skipped && !r.suppressed }

// Process runs the pipeline for one screenshot. skip lists 1-based row
// ordinals to exclude. The input table is never modified; on success the
// committed table is Result.Table. A cancelled context or an error leaves
// no partial commit.
func (e *Engine) Process(ctx context.Context, shot screen.Screenshot, skip []int, table *track.Table) (*Result, error) {
	if table == nil {
		table = track.NewTable()
	}
	key := shot.Key()
	log := e.logger.With("screenshot", key)

	wi, err := e.pre.Run(shot)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rep, err := e.seg.Run(wi)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}

	skipSet := make(map[int]bool, len(skip))
	for _, s := range skip {
		skipSet[s] = true
	}
	rows := make([]*row, len(rep.Bands))
	for i, b := range rep.Bands {
		rows[i] = &row{band: b, skipped: skipSet[b.Ordinal], box: b.Box}
	}

	tracks := table.ForSide(shot.Side)
	byID := make(map[string]*track.PlayerTrack, len(tracks))
	cands := make([]fingerprint.Candidate, 0, len(tracks))
	for _, tr := range tracks {
		byID[tr.ID] = tr
		if tr.Ref.Valid() {
			cands = append(cands, fingerprint.Candidate{ID: tr.ID, Sig: tr.Sig})
		}
	}

	if err := e.scoreRows(ctx, wi, rows, byID, cands); err != nil {
		return nil, err
	}
	e.finalize(wi, rows, byID)
	if err := e.extractFields(ctx, wi, shot, rows); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	next := table.Clone()
	verdicts, err := e.commit(wi, shot, rows, next)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Screenshot:   key,
		Verdicts:     verdicts,
		Segmentation: rep,
		Dialog:       wi.Dialog,
		Table:        next,
	}
	if e.params.Engine.Overlay {
		res.Overlay = renderOverlay(shot, wi, verdicts)
	}
	s := res.Summary()
	log.Info("screenshot processed",
		"rows", s.Rows, "accepted", s.Accepted, "retry", s.Retry, "flagged", s.Flagged,
		"skipped", s.Skipped, "new_tracks", s.NewTracks, "ambiguous", s.Ambiguous,
		"short", rep.Short())
	return res, nil
}

// scoreRows runs the prefilter and precise matcher for every row in
// parallel. Each goroutine writes only its own row.
func (e *Engine) scoreRows(ctx context.Context, wi *screen.WorkingImage, rows []*row, byID map[string]*track.PlayerTrack, cands []fingerprint.Candidate) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.params.Engine.Workers)
	for _, r := range rows {
		if r.skipped {
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			sig := fingerprint.Compute(wi, e.scorer.Identity(r.band.Box), e.params.Fingerprint)
			r.survivors = fingerprint.Prefilter(sig, cands, e.params.Fingerprint)
			scores := make([]match.Score, 0, len(r.survivors))
			for _, s := range r.survivors {
				scores = append(scores, e.scorer.Score(wi, r.band.Box, byID[s.ID].Ref, s.ID))
			}
			r.decision = match.Decide(scores, e.params.Match)
			return nil
		})
	}
	return g.Wait()
}

// finalize refines assigned rows, runs suppression and resolves rows that
// claim the same track. It is sequential and depends only on scores.
func (e *Engine) finalize(wi *screen.WorkingImage, rows []*row, byID map[string]*track.PlayerTrack) {
	var cands []refine.Candidate
	for _, r := range rows {
		if r.skipped {
			continue
		}
		switch r.decision.Kind {
		case match.KindAssigned:
			best := r.decision.Best
			tr := byID[best.TrackID]
			eval := func(b geometry.Rect) float64 { return e.scorer.ScoreAt(wi, b, tr.Ref).Total }
			r.refined = e.refiner.Climb(best.Box, best.Total, eval)
			r.box = refine.Smooth(r.refined.Box, tr.Smoothed, e.params.Refine.SmoothingAlpha).
				Clamp(float64(wi.Width()), float64(wi.Height()))
			r.matchConf = eval(r.box)
			r.score = r.matchConf
			r.trackID = tr.ID
		case match.KindAmbiguous:
			r.score = r.decision.Best.Total
			r.matchConf = r.decision.Best.Total
		default:
			r.score = r.band.Confidence
			r.matchConf = r.band.Confidence
			r.newTrack = true
		}
		cands = append(cands, refine.Candidate{Ordinal: r.band.Ordinal, Box: r.box, Score: r.score})
	}

	_, suppressed := refine.Suppress(cands, e.params.Refine.IoUBound)
	for _, ord := range suppressed {
		for _, r := range rows {
			if r.band.Ordinal == ord {
				r.suppressed = true
				r.newTrack = false
			}
		}
	}

	claims := map[string][]*row{}
	for _, r := range rows {
		if r.kept() && r.trackID != "" {
			claims[r.trackID] = append(claims[r.trackID], r)
		}
	}
	for _, rs := range claims {
		if len(rs) < 2 {
			continue
		}
		sort.SliceStable(rs, func(i, j int) bool {
			if rs[i].score != rs[j].score {
				return rs[i].score > rs[j].score
			}
			return rs[i].band.Ordinal < rs[j].band.Ordinal
		})
		for _, r := range rs[1:] {
			r.conflict = true
		}
	}
}

// extractFields checks the side marker, crops fields for kept rows and runs
// the recognizer.
func (e *Engine) extractFields(ctx context.Context, wi *screen.WorkingImage, shot screen.Screenshot, rows []*row) error {
	key := shot.Key()
	dialog := wi.Dialog.ToFloat()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.params.Engine.Workers)
	for _, r := range rows {
		if !r.kept() {
			continue
		}
		g.Go(func() error {
			if e.marker != nil {
				area := wi.ToSource(r.box).Intersect(dialog).Round().ImageRect()
				n := e.marker.Count(shot.Image, area)
				r.sideMismatch = e.marker.Mismatch(shot.Side.Side, n)
				if r.sideMismatch {
					e.logger.Warn("row colour disagrees with screenshot side",
						"screenshot", key, "row", r.band.Ordinal, "side", shot.Side.Side, "marker_pixels", n)
				}
			}
			r.crops = e.extractor.Extract(wi, r.box, key, r.band.Ordinal)
			r.recs = make([]*field.Recognition, len(r.crops))
			if e.recognizer == nil {
				return nil
			}
			for i, c := range r.crops {
				if !c.Readable {
					continue
				}
				rec, err := e.recognizer.Recognize(gctx, c)
				if err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
						return err
					}
					e.logger.Warn("recognizer failed",
						"screenshot", key, "row", r.band.Ordinal, "field", c.Field, "error", err)
					rec = field.Recognition{Valid: false}
				}
				r.recs[i] = &rec
			}
			return nil
		})
	}
	return g.Wait()
}

// commit writes the screenshot's observations into next and builds the
// verdicts in ordinal order.
func (e *Engine) commit(wi *screen.WorkingImage, shot screen.Screenshot, rows []*row, next *track.Table) ([]RowVerdict, error) {
	verdicts := make([]RowVerdict, 0, len(rows))
	for _, r := range rows {
		v := RowVerdict{
			Ordinal:        r.band.Ordinal,
			Box:            r.box,
			SourceBox:      wi.ToSource(r.box),
			BandConfidence: r.band.Confidence,
			Candidates:     len(r.survivors),
			RefineStep:     r.refined.Steps,
		}
		if r.skipped {
			v.Decision = field.Skip
			v.addReason(ReasonSkipped)
			verdicts = append(verdicts, v)
			continue
		}
		v.Match, v.RunnerUp = r.decision.Best, r.decision.Second
		v.Margin = r.decision.Margin()
		if r.decision.Kind == match.KindAssigned && v.Match != nil {
			final := *v.Match
			final.Total = r.matchConf
			final.Box = r.box
			v.Match = &final
		}

		rowFlag := false
		switch {
		case r.suppressed:
			v.addReason(ReasonSuppressed)
			rowFlag = true
		case r.decision.Kind == match.KindAmbiguous:
			v.addReason(ReasonMatchAmbiguous)
			rowFlag = true
		case r.conflict:
			v.TrackID = r.trackID
			v.addReason(ReasonTrackConflict)
			rowFlag = true
		case r.sideMismatch:
			v.addReason(ReasonSideMismatch)
			rowFlag = true
		}

		// Field fusion.
		v.Crops = r.crops
		values := map[string]int64{}
		fuser := e.fuser
		if r.newTrack {
			fuser = fuser.ForNewTrack()
		}
		for i, c := range r.crops {
			fv := fuser.Fuse(c, r.matchConf, r.recs[i])
			v.Fields = append(v.Fields, fv)
			if rec := r.recs[i]; rec != nil && rec.Valid {
				values[c.Field] = rec.Value
			}
		}
		if len(values) > 0 {
			v.Values = values
		}

		if !rowFlag {
			id, flaggedBefore, err := e.observe(wi, shot, r, values, next, &v)
			if errors.Is(err, errAlreadyObserved) {
				e.logger.Warn("track already observed in this screenshot",
					"screenshot", shot.Key(), "row", r.band.Ordinal, "track", id)
				v.TrackID = id
				v.addReason(ReasonTrackConflict)
				rowFlag = true
			} else if err != nil {
				return nil, err
			}
			v.TrackID = id
			if flaggedBefore {
				v.addReason(ReasonTrackFlagged)
				rowFlag = true
			}
			if len(v.Violations) > 0 {
				v.addReason(ReasonValidationViolation)
				rowFlag = true
			}
			if tr, ok := next.Get(id); ok {
				st := tr.State
				v.TrackState = &st
			}
		}

		var d field.Decision
		d, v.Confidence = field.Combine(v.Fields)
		if len(v.Fields) == 0 {
			v.Confidence = r.matchConf
		}
		if rowFlag {
			d = field.Worse(d, field.Flag)
		}
		v.Decision = d
		for _, fv := range v.Fields {
			v.addReason(fv.Reason)
		}
		verdicts = append(verdicts, v)
	}
	return verdicts, nil
}

var errAlreadyObserved = errors.New("track already observed in screenshot")

// observe creates or updates the row's track in next. It reports whether
// the track was already flagged before this observation.
func (e *Engine) observe(wi *screen.WorkingImage, shot screen.Screenshot, r *row, values map[string]int64, next *track.Table, v *RowVerdict) (string, bool, error) {
	key := shot.Key()
	ref := e.scorer.Reference(wi, r.box)
	sig := fingerprint.Compute(wi, e.scorer.Identity(r.box), e.params.Fingerprint)
	obs := track.Observation{
		Screenshot: key,
		Seq:        shot.Seq,
		Ordinal:    r.band.Ordinal,
		Box:        r.box,
		Score:      r.matchConf,
		Values:     values,
	}
	if len(values) == 0 {
		obs.Values = nil
	}

	id := r.trackID
	flaggedBefore := false
	if r.newTrack {
		id = track.NewID(shot.Side, key, r.band.Ordinal)
		if _, exists := next.Get(id); exists {
			return id, false, errAlreadyObserved
		}
		if _, err := next.Create(id, shot.Side, ref, sig, r.box); err != nil {
			return "", false, fmt.Errorf("%s row %d: %w", key, r.band.Ordinal, err)
		}
		v.NewTrack = true
		v.addReason(ReasonNewTrack)
	} else {
		tr, ok := next.Get(id)
		if !ok {
			return "", false, fmt.Errorf("%s row %d: %w: %s", key, r.band.Ordinal, track.ErrUnknownTrack, id)
		}
		if tr.SeenIn(key) {
			return id, false, errAlreadyObserved
		}
		flaggedBefore = tr.State == track.StateFlagged
	}

	viol, err := next.Observe(id, obs, e.validator)
	if err != nil {
		return "", false, fmt.Errorf("%s row %d: %w", key, r.band.Ordinal, err)
	}
	v.Violations = viol
	if err := next.UpdateReference(id, ref, sig, r.box); err != nil {
		return "", false, err
	}
	return id, flaggedBefore, nil
}
