package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"warwatch/internal/config"
	"warwatch/internal/track"
)

func newTracksCommand(ctx *commandContext) *cobra.Command {
	var review bool

	cmd := &cobra.Command{
		Use:   "tracks",
		Short: "List stored track tables, or the tracks of one side",
		Long: "Without --war, lists every stored table. With --war (and --side), lists the\n" +
			"side's tracks; --review lists the row verdicts that need a human instead.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := ctx.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()
			out := cmd.OutOrStdout()

			if strings.TrimSpace(ctx.warFlag) == "" {
				sums, err := store.Tables(cmd.Context())
				if err != nil {
					return err
				}
				if len(sums) == 0 {
					fmt.Fprintln(out, "No track tables stored")
					return nil
				}
				rows := make([][]string, 0, len(sums))
				for _, s := range sums {
					rows = append(rows, []string{
						s.Side.War, s.Side.Side, fmt.Sprint(s.Tracks), fmt.Sprint(s.Revision),
						s.UpdatedAt.Local().Format("2006-01-02 15:04"),
					})
				}
				fmt.Fprintln(out, renderTable(out,
					[]string{"War", "Side", "Tracks", "Revision", "Updated"}, rows,
					[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft}))
				return nil
			}

			side, err := ctx.side()
			if err != nil {
				return err
			}
			if review {
				stored, err := store.Verdicts(cmd.Context(), side, true)
				if err != nil {
					return err
				}
				if len(stored) == 0 {
					fmt.Fprintln(out, "Nothing to review")
					return nil
				}
				rows := make([][]string, 0, len(stored))
				for _, sv := range stored {
					v := sv.Verdict
					rows = append(rows, []string{
						sv.Screenshot, fmt.Sprint(v.Ordinal), shortID(v.TrackID), string(v.Decision),
						formatValues(v.Values), strings.Join(v.Reasons, ","),
					})
				}
				fmt.Fprintln(out, renderTable(out,
					[]string{"Screenshot", "Row", "Track", "Decision", "Values", "Reasons"}, rows,
					[]columnAlignment{alignLeft, alignRight, alignLeft, alignLeft, alignLeft, alignLeft}))
				return nil
			}

			table, rev, err := store.Load(cmd.Context(), side)
			if err != nil {
				return err
			}
			tracks := table.ForSide(side)
			if len(tracks) == 0 {
				fmt.Fprintf(out, "No tracks for %s\n", side)
				return nil
			}
			fmt.Fprintf(out, "%s revision %d\n", side, rev)
			fmt.Fprintln(out, renderTable(out,
				[]string{"Track", "State", "Seen", "Last", "Values"}, trackRows(tracks),
				[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignLeft}))
			return nil
		},
	}
	cmd.Flags().BoolVar(&review, "review", false, "List verdicts flagged or marked for retry")
	cmd.AddCommand(newReviseCommand(ctx))
	return cmd
}

func newReviseCommand(ctx *commandContext) *cobra.Command {
	var note string

	cmd := &cobra.Command{
		Use:   "revise TRACK FIELD=VALUE...",
		Short: "Append a manual correction to a track",
		Long: "Appends a correcting observation to the track of --war/--side. Earlier\n" +
			"observations are kept and the track is flagged for review. TRACK may be any\n" +
			"unique prefix of the track id.",
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			side, err := ctx.side()
			if err != nil {
				return err
			}
			p, err := ctx.loadParams()
			if err != nil {
				return err
			}
			values, err := parseRevision(args[1:], p.Fields)
			if err != nil {
				return err
			}

			store, err := ctx.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()
			table, _, err := store.Load(cmd.Context(), side)
			if err != nil {
				return err
			}
			id, err := resolveTrack(table.ForSide(side), args[0])
			if err != nil {
				return err
			}
			if err := table.Revise(id, values, strings.TrimSpace(note)); err != nil {
				return err
			}
			rev, err := store.Save(cmd.Context(), side, table)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Revised %s: %s (revision %d)\n", shortID(id), formatValues(values), rev)
			return nil
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "Why the values were corrected")
	return cmd
}

// parseRevision parses FIELD=VALUE arguments against the configured
// fields and their bounds.
func parseRevision(args []string, fields []config.Field) (map[string]int64, error) {
	byName := make(map[string]config.Field, len(fields))
	for _, f := range fields {
		byName[f.Name] = f
	}
	out := make(map[string]int64, len(args))
	for _, arg := range args {
		name, raw, ok := strings.Cut(arg, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid correction %q (want FIELD=VALUE)", arg)
		}
		f, known := byName[name]
		if !known {
			return nil, fmt.Errorf("unknown field %q", name)
		}
		if _, dup := out[name]; dup {
			return nil, fmt.Errorf("field %q given twice", name)
		}
		v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: %q", name, raw)
		}
		if v < f.Min || (f.Max != 0 && v > f.Max) {
			return nil, fmt.Errorf("%s=%d outside configured range", name, v)
		}
		out[name] = v
	}
	return out, nil
}

// resolveTrack finds the track whose id equals or starts with ref.
func resolveTrack(tracks []*track.PlayerTrack, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("track id is required")
	}
	var hits []string
	for _, tr := range tracks {
		if tr.ID == ref {
			return tr.ID, nil
		}
		if strings.HasPrefix(tr.ID, ref) {
			hits = append(hits, tr.ID)
		}
	}
	switch len(hits) {
	case 0:
		return "", fmt.Errorf("no track matches %q: %w", ref, track.ErrUnknownTrack)
	case 1:
		return hits[0], nil
	}
	sort.Strings(hits)
	return "", fmt.Errorf("%q matches %d tracks (%s)", ref, len(hits), strings.Join(hits, ", "))
}

func trackRows(tracks []*track.PlayerTrack) [][]string {
	rows := make([][]string, 0, len(tracks))
	for _, tr := range tracks {
		last, _ := tr.Last()
		rows = append(rows, []string{
			shortID(tr.ID), tr.State.String(), fmt.Sprint(len(tr.History)),
			fmt.Sprintf("%s row %d", last.Screenshot, last.Ordinal), formatValues(latestValues(tr)),
		})
	}
	return rows
}

// latestValues returns the most recent value of every field seen on the
// track.
func latestValues(tr *track.PlayerTrack) map[string]int64 {
	out := map[string]int64{}
	for _, obs := range tr.History {
		for k, v := range obs.Values {
			out[k] = v
		}
	}
	return out
}
