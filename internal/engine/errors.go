package engine

import (
	"warwatch/internal/field"
	"warwatch/internal/match"
	"warwatch/internal/screen"
	"warwatch/internal/segment"
	"warwatch/internal/track"
)

// Error taxonomy. Only ErrCorruptImage and ErrSegmentationFailure are
// returned from Process; the others surface on verdicts.
var (
	ErrCorruptImage        = screen.ErrCorruptImage
	ErrSegmentationFailure = segment.ErrSegmentationFailure
	ErrMatchAmbiguous      = match.ErrMatchAmbiguous
	ErrValidationViolation = track.ErrValidationViolation
	ErrUnreadableField     = field.ErrUnreadableField
)

// Reason codes carried by row verdicts.
const (
	ReasonNewTrack            = "new_track"
	ReasonSkipped             = "skipped"
	ReasonMatchAmbiguous      = "match_ambiguous"
	ReasonTrackConflict       = "track_conflict"
	ReasonSuppressed          = "suppressed"
	ReasonValidationViolation = "validation_violation"
	ReasonTrackFlagged        = "track_flagged"
	ReasonSideMismatch        = "side_mismatch"
	ReasonUnreadableField     = field.ReasonUnreadable
	ReasonLowMatch            = field.ReasonLowMatch
	ReasonLowBand             = field.ReasonLowBand
	ReasonLowRecognition      = field.ReasonLowRecognition
)
