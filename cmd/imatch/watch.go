package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"warwatch/internal/engine"
	"warwatch/internal/screen"
)

const (
	watchTick   = 250 * time.Millisecond
	watchSettle = 300 * time.Millisecond
)

func newWatchCommand(ctx *commandContext) *cobra.Command {
	var noOCR bool
	var overlayDir string

	cmd := &cobra.Command{
		Use:   "watch DIR",
		Short: "Process screenshots as they appear in a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := ctx.openSession(runCtx, !noOCR)
			if err != nil {
				return err
			}
			defer s.Close()

			w, err := fsnotify.NewWatcher()
			if err != nil {
				return fmt.Errorf("create watcher: %w", err)
			}
			defer w.Close()
			if err := w.Add(args[0]); err != nil {
				return fmt.Errorf("watch %s: %w", args[0], err)
			}
			s.logger.Info("watching for screenshots", "dir", args[0], "side", s.side.String())

			files := debounce(runCtx, w, s)
			for path := range files {
				if err := processOne(runCtx, s, path, overlayDir); err != nil {
					if errors.Is(err, context.Canceled) {
						return nil
					}
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&noOCR, "no-ocr", false, "Do not run digit recognition")
	cmd.Flags().StringVar(&overlayDir, "overlay-dir", "", "Write debug overlays to this directory")
	return cmd
}

// debounce emits created or rewritten screenshot files once they have not
// changed for watchSettle, in name order.
func debounce(ctx context.Context, w *fsnotify.Watcher, s *session) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		pending := map[string]time.Time{}
		ticker := time.NewTicker(watchTick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 || !isSupportedExt(ev.Name) {
					continue
				}
				pending[ev.Name] = time.Now()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.logger.Warn("watch error", "error", err)
			case <-ticker.C:
				now := time.Now()
				var ready []string
				for name, t := range pending {
					if now.Sub(t) > watchSettle {
						ready = append(ready, name)
						delete(pending, name)
					}
				}
				sort.Strings(ready)
				for _, name := range ready {
					select {
					case out <- name:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out
}

func processOne(ctx context.Context, s *session, path, overlayDir string) error {
	table, _, err := s.store.Load(ctx, s.side)
	if err != nil {
		return err
	}
	shot, err := screen.Load(path, s.side, nextSeq(table, s.side))
	if err != nil {
		s.logger.Warn("screenshot not loaded", "path", path, "error", err)
		return nil
	}
	res, err := s.eng.Process(ctx, shot, nil, table)
	switch {
	case errors.Is(err, engine.ErrCorruptImage), errors.Is(err, engine.ErrSegmentationFailure):
		s.logger.Warn("screenshot skipped", "path", path, "error", err)
		return nil
	case err != nil:
		return err
	}
	batch := &engine.BatchResult{Items: []engine.BatchItem{{Screenshot: res.Screenshot, Result: res}}, Table: res.Table}
	if _, err := saveBatch(ctx, s, batch); err != nil {
		return err
	}
	if err := writeOverlays(overlayDir, []screen.Screenshot{shot}, batch); err != nil {
		return err
	}
	sum := res.Summary()
	s.logger.Info("screenshot processed", "path", path, "seq", shot.Seq,
		"accepted", sum.Accepted, "retry", sum.Retry, "flagged", sum.Flagged, "new_tracks", sum.NewTracks)
	return nil
}

func isSupportedExt(name string) bool {
	if strings.Contains(filepath.Base(name), ".overlay.") {
		return false
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png", ".jpg", ".jpeg", ".webp", ".bmp", ".tif", ".tiff":
		return true
	}
	return false
}
