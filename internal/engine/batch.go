package engine

import (
	"context"
	"errors"
	"sort"

	"warwatch/internal/screen"
	"warwatch/internal/track"
)

// BatchItem is the outcome of one screenshot in a batch.
type BatchItem struct {
	Screenshot string  `json:"screenshot"`
	Result     *Result `json:"result,omitempty"`
	Err        error   `json:"-"`
}

// BatchResult holds per-screenshot outcomes and the final table.
type BatchResult struct {
	Items []BatchItem
	Table *track.Table
}

// Failed returns the items that did not produce a result.
func (b *BatchResult) Failed() []BatchItem {
	var out []BatchItem
	for _, it := range b.Items {
		if it.Err != nil {
			out = append(out, it)
		}
	}
	return out
}

// ProcessBatch processes screenshots in (side, sequence) order, threading
// the table through each commit. Corrupt images and segmentation failures
// are recorded per item and do not stop the batch; any other error stops
// it and is returned with the items processed so far. skips is keyed by
// screenshot sequence number.
func (e *Engine) ProcessBatch(ctx context.Context, shots []screen.Screenshot, skips map[int][]int, table *track.Table) (*BatchResult, error) {
	if table == nil {
		table = track.NewTable()
	}
	ordered := append([]screen.Screenshot(nil), shots...)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.Side != b.Side {
			return a.Side.String() < b.Side.String()
		}
		return a.Seq < b.Seq
	})

	out := &BatchResult{Table: table}
	for _, shot := range ordered {
		res, err := e.Process(ctx, shot, skips[shot.Seq], out.Table)
		item := BatchItem{Screenshot: shot.Key(), Result: res, Err: err}
		out.Items = append(out.Items, item)
		switch {
		case err == nil:
			out.Table = res.Table
		case errors.Is(err, ErrCorruptImage), errors.Is(err, ErrSegmentationFailure):
			e.logger.Warn("screenshot skipped", "screenshot", shot.Key(), "error", err)
		default:
			return out, err
		}
	}
	return out, nil
}
