// Package recognition finds faces in frames and matches them against a
// gallery of known identities. Detection and embedding are pluggable
// backends; matching is done here.
package recognition

import (
	"context"
	"image"
	"time"

	"github.com/blinksync/syncbrain/internal/logger"
)

// Unknown is reported for faces that match no identity, or match two equally well
const Unknown = "Unknown"

// Region is a face bounding box in frame pixels
type Region struct {
	X int
	Y int
	W int
	H int
}

// Rect converts the region to an image rectangle
func (r Region) Rect() image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.W, r.Y+r.H)
}

// Area returns the region area in pixels
func (r Region) Area() int {
	return r.W * r.H
}

// Frame is one sampled video frame
type Frame struct {
	Index  int           // position in the clip, 0-based
	Offset time.Duration // presentation time
	Image  image.Image
}

// Match is one face found in a frame
type Match struct {
	Identity   string
	Confidence float64 // similarity clamped to [0,1]
	Region     Region
}

// Engine is the recognition contract used by the clip processor
type Engine interface {
	DetectAndMatch(ctx context.Context, frame Frame) ([]Match, error)
}

// Detector finds face regions
type Detector interface {
	Detect(ctx context.Context, frame Frame) ([]Region, error)
}

// Embedder turns a face region into a feature vector
type Embedder interface {
	Embed(ctx context.Context, frame Frame, region Region) ([]float32, error)
}

// FrameSource yields the frames of one clip in order. Next returns io.EOF
// after the last frame.
type FrameSource interface {
	Next(ctx context.Context) (Frame, error)
	Skip(n int) error
	Close() error
}

// Decoder opens clips for frame extraction
type Decoder interface {
	Open(ctx context.Context, path string) (FrameSource, error)
}

// Backend is a detector and embedder pair
type Backend interface {
	Detector
	Embedder
	Close() error
}

// Pair combines a detector and an embedder from different backends
type Pair struct {
	Detector
	Embedder
	closers []func() error
}

// NewPair builds a Backend from separate parts. Parts that implement Close
// are closed with the pair.
func NewPair(d Detector, e Embedder) *Pair {
	p := &Pair{Detector: d, Embedder: e}
	for _, part := range []any{d, e} {
		if c, ok := part.(interface{ Close() error }); ok {
			p.closers = append(p.closers, c.Close)
		}
	}
	return p
}

// Close closes both parts
func (p *Pair) Close() error {
	var first error
	for _, c := range p.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// GetLogger returns the recognition module logger
func GetLogger() logger.Logger {
	return logger.Global().Module("recognition")
}
