package recognition

import (
	"context"
	"time"

	"github.com/blinksync/syncbrain/internal/conf"
	"github.com/blinksync/syncbrain/internal/errors"
	"github.com/blinksync/syncbrain/internal/logger"
)

// EmbeddingEngine detects faces with a backend, embeds them and matches the
// embeddings against the gallery.
type EmbeddingEngine struct {
	backend     Backend
	matcher     *Matcher
	minFaceSize int
	log         logger.Logger
}

// NewEngine creates an engine from recognition settings
func NewEngine(backend Backend, gallery *Gallery, settings *conf.RecognitionSettings) *EmbeddingEngine {
	return &EmbeddingEngine{
		backend:     backend,
		matcher:     NewMatcher(gallery, settings),
		minFaceSize: settings.MinFaceSize,
		log:         GetLogger(),
	}
}

// Matcher returns the engine's matcher
func (e *EmbeddingEngine) Matcher() *Matcher {
	return e.matcher
}

// DetectAndMatch returns one Match per detected face large enough to embed
func (e *EmbeddingEngine) DetectAndMatch(ctx context.Context, frame Frame) ([]Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()

	regions, err := e.backend.Detect(ctx, frame)
	if err != nil {
		return nil, recognitionError(err, "detect", frame.Index)
	}

	matches := make([]Match, 0, len(regions))
	for _, r := range regions {
		if r.W < e.minFaceSize || r.H < e.minFaceSize {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		embedding, err := e.backend.Embed(ctx, frame, r)
		if err != nil {
			return nil, recognitionError(err, "embed", frame.Index)
		}
		identity, confidence := e.matcher.Match(embedding)
		matches = append(matches, Match{Identity: identity, Confidence: confidence, Region: r})
	}

	e.log.Trace("frame matched",
		logger.Int("frame", frame.Index),
		logger.Int("faces", len(regions)),
		logger.Int("matches", len(matches)),
		logger.Duration("elapsed", time.Since(start)))
	return matches, nil
}

// Close releases the backend
func (e *EmbeddingEngine) Close() error {
	return e.backend.Close()
}

func recognitionError(err error, op string, frame int) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return errors.New(err).
		Component("recognition").
		Category(errors.CategoryRecognition).
		Context("operation", op).
		Context("frame", frame).
		Build()
}
