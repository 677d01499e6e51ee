// Command segtest runs preprocessing and row segmentation on a screenshot
// and prints the bands. With -ref it also scores every band against every
// band of a reference screenshot.
package main

import (
	"flag"
	"fmt"
	"os"

	"warwatch/internal/config"
	"warwatch/internal/field"
	"warwatch/internal/fingerprint"
	"warwatch/internal/match"
	"warwatch/internal/screen"
	"warwatch/internal/segment"
)

func main() {
	paramsPath := flag.String("p", "imatch.toml", "Params file")
	input := flag.String("i", "", "Path to screenshot")
	ref := flag.String("ref", "", "Optional reference screenshot to score against")
	fields := flag.Bool("fields", false, "Print field crop shape statistics")
	profile := flag.Bool("profile", false, "Print the row energy profile")
	flag.Parse()

	if *input == "" {
		fmt.Println("Usage: segtest -i <screenshot> [-p <params>] [-ref <screenshot>] [-fields] [-profile]")
		os.Exit(1)
	}

	p, err := config.Load(*paramsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load params: %v\n", err)
		os.Exit(1)
	}
	pre := screen.NewPreprocessor(p.Preprocess, nil).WithDialog(p.Segment.Dialog)
	seg := segment.New(p.Segment, nil)

	wi, rep, err := load(pre, seg, *input, 1)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	fmt.Printf("=== %s ===\n", *input)
	fmt.Printf("Source: %dx%d  working: %dx%d  scale: %.3f\n",
		wi.SourceWidth, wi.SourceHeight, wi.Width(), wi.Height(), wi.Scale)
	fmt.Printf("Dialog: %v\n", wi.Dialog.ImageRect())
	if rep.Anchor != nil {
		fmt.Printf("Anchor: x=%d top=%d contrast=%.1f confidence=%.2f\n",
			rep.Anchor.X, rep.Anchor.Top, rep.Anchor.Contrast, rep.Anchor.Confidence)
	}
	fmt.Printf("Bands: %d (expected %d, rejected %d)\n", len(rep.Bands), rep.Expected, rep.Rejected)
	for _, b := range rep.Bands {
		fmt.Printf("  #%-2d y=%6.1f h=%5.1f x=%6.1f w=%6.1f  conf=%.2f anchored=%v\n",
			b.Ordinal, b.Box.Y, b.Box.Height, b.Box.X, b.Box.Width, b.Confidence, b.Anchored)
	}

	if *profile {
		fmt.Printf("\nRow energy profile:\n")
		for y, v := range seg.Profile(wi) {
			fmt.Printf("  %5d %8.2f\n", y, v)
		}
	}

	if *fields {
		ext := field.NewExtractor(p.Shape, p.Fields, nil)
		fmt.Printf("\nField crops:\n")
		for _, b := range rep.Bands {
			for _, c := range ext.Extract(wi, b.Box, *input, b.Ordinal) {
				fmt.Printf("  #%-2d %-10s shape=%.2f readable=%-5v components=%d holes=%v\n",
					c.Ordinal, c.Field, c.ShapeScore, c.Readable, c.Stats.Components, c.Stats.Holes)
			}
		}
	}

	if *ref == "" {
		return
	}
	rwi, rrep, err := load(pre, seg, *ref, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	scorer := match.NewScorer(p.Match, nil)
	fmt.Printf("\n=== Scores against %s (%d bands) ===\n", *ref, len(rrep.Bands))
	for _, b := range rep.Bands {
		sig := fingerprint.Compute(wi, scorer.Identity(b.Box), p.Fingerprint)
		for _, rb := range rrep.Bands {
			rsig := fingerprint.Compute(rwi, scorer.Identity(rb.Box), p.Fingerprint)
			s := scorer.Score(wi, b.Box, scorer.Reference(rwi, rb.Box), fmt.Sprintf("ref#%d", rb.Ordinal))
			fmt.Printf("  #%-2d vs ref#%-2d  hamming=%3d hist=%.3f  luma=%.3f edge=%.3f penalty=%.3f total=%.3f aligned=%v\n",
				b.Ordinal, rb.Ordinal, fingerprint.Hamming(sig, rsig), fingerprint.HistogramDistance(sig, rsig),
				s.Luma, s.Edge, s.Penalty, s.Total, s.Aligned)
		}
	}
}

func load(pre *screen.Preprocessor, seg *segment.Segmenter, path string, seq int) (*screen.WorkingImage, segment.Report, error) {
	shot, err := screen.Load(path, screen.WarSide{War: "segtest"}, seq)
	if err != nil {
		return nil, segment.Report{}, err
	}
	wi, err := pre.Run(shot)
	if err != nil {
		return nil, segment.Report{}, fmt.Errorf("preprocess %s: %w", path, err)
	}
	rep, err := seg.Run(wi)
	if err != nil {
		return wi, rep, fmt.Errorf("segment %s: %w", path, err)
	}
	return wi, rep, nil
}
