// Package stitch joins the clips of one motion event into a single video.
// Clips recorded less than a gap apart belong to the same event.
package stitch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/blinksync/syncbrain/internal/catalog"
	"github.com/blinksync/syncbrain/internal/errors"
	"github.com/blinksync/syncbrain/internal/logger"
)

const (
	DefaultGap      = time.Minute
	DefaultMinClips = 2

	eventTimeLayout = "20060102T150405Z"
)

// ClipLister reads clips from the catalog
type ClipLister interface {
	ListClips(ctx context.Context, f catalog.ClipFilter) ([]catalog.Clip, error)
}

// Concatenator writes inputs one after another into output
type Concatenator interface {
	Concat(ctx context.Context, inputs []string, output string) (ConcatResult, error)
}

// ConcatResult describes one written video
type ConcatResult struct {
	Frames  int
	Skipped []string // inputs that could not be appended
}

// Options selects the clips to stitch
type Options struct {
	Since    time.Time // discovered at or after
	Until    time.Time // discovered before, zero for now
	Gap      time.Duration
	MinClips int
	OutDir   string
}

// Event is a run of clips recorded close together, oldest first
type Event struct {
	Start time.Time
	End   time.Time
	Clips []catalog.Clip
}

// Output is one stitched event
type Output struct {
	Path    string
	Event   Event
	Frames  int
	Skipped []string
}

// GetLogger returns the stitch module logger
func GetLogger() logger.Logger {
	return logger.Global().Module("stitch")
}

// Group orders clips by recording time and splits them wherever two
// consecutive clips are more than gap apart
func Group(clips []catalog.Clip, gap time.Duration) []Event {
	sorted := slices.Clone(clips)
	slices.SortStableFunc(sorted, func(a, b catalog.Clip) int { return a.ModTime.Compare(b.ModTime) })

	var events []Event
	for _, c := range sorted {
		if n := len(events); n > 0 && c.ModTime.Sub(events[n-1].End) <= gap {
			events[n-1].Clips = append(events[n-1].Clips, c)
			events[n-1].End = c.ModTime
			continue
		}
		events = append(events, Event{Start: c.ModTime, End: c.ModTime, Clips: []catalog.Clip{c}})
	}
	return events
}

// Stitcher writes one video per event
type Stitcher struct {
	clips  ClipLister
	concat Concatenator
	log    logger.Logger
}

// New creates a stitcher
func New(clips ClipLister, concat Concatenator) *Stitcher {
	return &Stitcher{clips: clips, concat: concat, log: GetLogger()}
}

// Run stitches every event of transferred clips in the selected window.
// A failed event does not stop the others; their errors are joined.
func (s *Stitcher) Run(ctx context.Context, opts Options) ([]Output, error) {
	if opts.Gap <= 0 {
		opts.Gap = DefaultGap
	}
	opts.MinClips = max(opts.MinClips, 1)
	if err := os.MkdirAll(opts.OutDir, 0o755); err != nil {
		return nil, stitchError(err, "create_output_dir")
	}

	clips, err := s.clips.ListClips(ctx, catalog.ClipFilter{
		TransferStatus:   []catalog.TransferStatus{catalog.TransferTransferred},
		DiscoveredAfter:  opts.Since,
		DiscoveredBefore: opts.Until,
	})
	if err != nil {
		return nil, err
	}
	present := clips[:0]
	for _, c := range clips {
		if _, err := os.Stat(c.LocalPath); err != nil {
			s.log.Debug("clip file gone, not stitched", logger.String("clip_id", c.ID), logger.Error(err))
			continue
		}
		present = append(present, c)
	}

	var outputs []Output
	var failures []error
	for _, ev := range Group(present, opts.Gap) {
		if err := ctx.Err(); err != nil {
			failures = append(failures, err)
			break
		}
		if len(ev.Clips) < opts.MinClips {
			continue
		}
		out, err := s.stitch(ctx, ev, opts.OutDir)
		if err != nil {
			failures = append(failures, err)
			continue
		}
		outputs = append(outputs, out)
	}

	s.log.Info("stitching finished",
		logger.Int("clips", len(present)),
		logger.Int("videos", len(outputs)),
		logger.Int("failed", len(failures)))
	if len(failures) > 0 {
		return outputs, stitchError(errors.Join(failures...), "stitch_events")
	}
	return outputs, nil
}

func (s *Stitcher) stitch(ctx context.Context, ev Event, dir string) (Output, error) {
	inputs := make([]string, 0, len(ev.Clips))
	for _, c := range ev.Clips {
		inputs = append(inputs, c.LocalPath)
	}
	path := filepath.Join(dir, "event-"+ev.Start.UTC().Format(eventTimeLayout)+".mp4")

	start := time.Now()
	res, err := s.concat.Concat(ctx, inputs, path)
	if err != nil {
		return Output{}, fmt.Errorf("event at %s: %w", ev.Start.UTC().Format(time.RFC3339), err)
	}
	s.log.Info("event stitched",
		logger.String("path", path),
		logger.Int("clips", len(inputs)),
		logger.Int("frames", res.Frames),
		logger.Int("skipped", len(res.Skipped)),
		logger.Duration("elapsed", time.Since(start)))
	return Output{Path: path, Event: ev, Frames: res.Frames, Skipped: res.Skipped}, nil
}

func stitchError(err error, op string) error {
	return errors.New(err).
		Component("stitch").
		Category(errors.CategoryFileIO).
		Context("operation", op).
		Build()
}
