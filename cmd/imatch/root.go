package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"warwatch/internal/config"
	"warwatch/internal/engine"
	"warwatch/internal/ocr"
	"warwatch/internal/screen"
	"warwatch/internal/trackstore"
	"warwatch/internal/version"
)

type commandContext struct {
	paramsFlag string
	dbFlag     string
	warFlag    string
	sideFlag   string
	verbose    bool

	paramsOnce sync.Once
	params     config.Params
	paramsErr  error
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "imatch",
		Short:         "War roster screenshot matcher",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&ctx.paramsFlag, "params", "p", "imatch.toml", "Tuning parameters file")
	rootCmd.PersistentFlags().StringVar(&ctx.dbFlag, "db", "imatch.db", "Track store database")
	rootCmd.PersistentFlags().StringVar(&ctx.warFlag, "war", "", "War identifier")
	rootCmd.PersistentFlags().StringVar(&ctx.sideFlag, "side", "", "Roster side within the war")
	rootCmd.PersistentFlags().BoolVarP(&ctx.verbose, "verbose", "v", false, "Debug logging")

	rootCmd.AddCommand(newProcessCommand(ctx))
	rootCmd.AddCommand(newWatchCommand(ctx))
	rootCmd.AddCommand(newTracksCommand(ctx))
	rootCmd.AddCommand(newConfigCommand(ctx))
	return rootCmd
}

func (c *commandContext) logger() *slog.Logger {
	level := slog.LevelInfo
	if c.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func (c *commandContext) loadParams() (config.Params, error) {
	c.paramsOnce.Do(func() {
		c.params, c.paramsErr = config.Load(strings.TrimSpace(c.paramsFlag))
	})
	return c.params, c.paramsErr
}

func (c *commandContext) side() (screen.WarSide, error) {
	war := strings.TrimSpace(c.warFlag)
	if war == "" {
		return screen.WarSide{}, fmt.Errorf("--war is required")
	}
	return screen.WarSide{War: war, Side: strings.TrimSpace(c.sideFlag)}, nil
}

func (c *commandContext) openStore(ctx context.Context) (*trackstore.Store, error) {
	return trackstore.Open(ctx, strings.TrimSpace(c.dbFlag))
}

// session bundles what process and watch need for one side.
type session struct {
	side   screen.WarSide
	eng    *engine.Engine
	store  *trackstore.Store
	closer func()
	logger *slog.Logger
}

func (c *commandContext) openSession(ctx context.Context, useOCR bool) (*session, error) {
	side, err := c.side()
	if err != nil {
		return nil, err
	}
	p, err := c.loadParams()
	if err != nil {
		return nil, err
	}
	logger := c.logger()

	opts := []engine.Option{engine.WithLogger(logger)}
	closer := func() {}
	if useOCR {
		rec, err := ocr.NewDigitRecognizer(p.Fields, logger)
		if err != nil {
			logger.Warn("digit recognition unavailable, values will be absent", "error", err)
		} else {
			opts = append(opts, engine.WithRecognizer(rec))
			closer = func() { _ = rec.Close() }
		}
	}
	eng, err := engine.New(p, opts...)
	if err != nil {
		closer()
		return nil, err
	}
	store, err := c.openStore(ctx)
	if err != nil {
		closer()
		return nil, err
	}
	return &session{side: side, eng: eng, store: store, closer: closer, logger: logger}, nil
}

func (s *session) Close() {
	_ = s.store.Close()
	s.closer()
}
