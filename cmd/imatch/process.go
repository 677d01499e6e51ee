package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/disintegration/imaging"
	"github.com/spf13/cobra"

	"warwatch/internal/engine"
	"warwatch/internal/screen"
	"warwatch/internal/track"
)

type processOptions struct {
	skips      []string
	overlayDir string
	jsonOut    bool
	noOCR      bool
	startSeq   int
}

func newProcessCommand(ctx *commandContext) *cobra.Command {
	var opts processOptions

	cmd := &cobra.Command{
		Use:   "process FILE...",
		Short: "Process screenshots in order and update the track table",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			skipByIndex, err := parseSkips(opts.skips)
			if err != nil {
				return err
			}
			s, err := ctx.openSession(runCtx, !opts.noOCR)
			if err != nil {
				return err
			}
			defer s.Close()

			table, _, err := s.store.Load(runCtx, s.side)
			if err != nil {
				return err
			}
			seq := opts.startSeq
			if seq <= 0 {
				seq = nextSeq(table, s.side)
			}

			var shots []screen.Screenshot
			skips := map[int][]int{}
			for i, path := range args {
				shot, err := screen.Load(path, s.side, seq+i)
				if err != nil {
					s.logger.Warn("screenshot not loaded", "path", path, "error", err)
					continue
				}
				shots = append(shots, shot)
				if rows, ok := skipByIndex[i+1]; ok {
					skips[shot.Seq] = rows
				}
			}

			batch, err := s.eng.ProcessBatch(runCtx, shots, skips, table)
			if batch == nil {
				return err
			}
			// Commit what finished even when the batch stopped early.
			if _, serr := saveBatch(runCtx, s, batch); serr != nil {
				return serr
			}
			if err != nil {
				return err
			}
			if err := writeOverlays(opts.overlayDir, shots, batch); err != nil {
				return err
			}
			return printBatch(cmd.OutOrStdout(), batch, opts.jsonOut)
		},
	}

	cmd.Flags().StringArrayVar(&opts.skips, "skip", nil, "Rows to skip as FILE:ROW[,ROW...] with 1-based file position and row ordinal (repeatable)")
	cmd.Flags().StringVar(&opts.overlayDir, "overlay-dir", "", "Write debug overlays to this directory")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "Print verdicts as JSON")
	cmd.Flags().BoolVar(&opts.noOCR, "no-ocr", false, "Do not run digit recognition")
	cmd.Flags().IntVar(&opts.startSeq, "start-seq", 0, "Sequence number of the first file (default: after the last stored screenshot)")
	return cmd
}

// parseSkips parses FILE:ROW[,ROW...] entries into rows keyed by file
// position.
func parseSkips(values []string) (map[int][]int, error) {
	out := map[int][]int{}
	for _, v := range values {
		file, rows, ok := strings.Cut(strings.TrimSpace(v), ":")
		if !ok {
			return nil, fmt.Errorf("invalid --skip %q: want FILE:ROW[,ROW...]", v)
		}
		idx, err := strconv.Atoi(file)
		if err != nil || idx < 1 {
			return nil, fmt.Errorf("invalid --skip %q: file position must be a positive integer", v)
		}
		for _, r := range strings.Split(rows, ",") {
			ord, err := strconv.Atoi(strings.TrimSpace(r))
			if err != nil || ord < 1 {
				return nil, fmt.Errorf("invalid --skip %q: row %q must be a positive integer", v, r)
			}
			out[idx] = append(out[idx], ord)
		}
	}
	return out, nil
}

// nextSeq returns the sequence number after the latest observation of
// side in t.
func nextSeq(t *track.Table, side screen.WarSide) int {
	last := 0
	for _, tr := range t.ForSide(side) {
		for _, obs := range tr.History {
			last = max(last, obs.Seq)
		}
	}
	return last + 1
}

func saveBatch(ctx context.Context, s *session, batch *engine.BatchResult) (int, error) {
	var results []*engine.Result
	for _, it := range batch.Items {
		if it.Result != nil {
			results = append(results, it.Result)
		}
	}
	rev, err := s.store.Save(ctx, s.side, batch.Table, results...)
	if err != nil {
		return 0, err
	}
	s.logger.Info("track table saved", "side", s.side.String(), "revision", rev, "tracks", batch.Table.Len())
	return rev, nil
}

func writeOverlays(dir string, shots []screen.Screenshot, batch *engine.BatchResult) error {
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create overlay directory %q: %w", dir, err)
	}
	paths := map[string]string{}
	for _, s := range shots {
		paths[s.Key()] = s.Path
	}
	for _, it := range batch.Items {
		if it.Result == nil || it.Result.Overlay == nil {
			continue
		}
		base := strings.TrimSuffix(filepath.Base(paths[it.Screenshot]), filepath.Ext(paths[it.Screenshot]))
		target := filepath.Join(dir, base+".overlay.png")
		if err := imaging.Save(it.Result.Overlay, target); err != nil {
			return fmt.Errorf("save overlay %s: %w", target, err)
		}
	}
	return nil
}

func printBatch(w io.Writer, batch *engine.BatchResult, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		type item struct {
			Screenshot string         `json:"screenshot"`
			Error      string         `json:"error,omitempty"`
			Result     *engine.Result `json:"result,omitempty"`
		}
		items := make([]item, 0, len(batch.Items))
		for _, it := range batch.Items {
			out := item{Screenshot: it.Screenshot, Result: it.Result}
			if it.Err != nil {
				out.Error = it.Err.Error()
			}
			items = append(items, out)
		}
		return enc.Encode(items)
	}

	for _, it := range batch.Items {
		if it.Err != nil {
			fmt.Fprintf(w, "%s: %v\n\n", it.Screenshot, it.Err)
			continue
		}
		sum := it.Result.Summary()
		fmt.Fprintf(w, "%s: %d rows, %d accepted, %d retry, %d flagged, %d new\n",
			it.Screenshot, sum.Rows, sum.Accepted, sum.Retry, sum.Flagged, sum.NewTracks)
		fmt.Fprintln(w, renderVerdicts(w, it.Result.Verdicts))
		fmt.Fprintln(w)
	}
	return nil
}
