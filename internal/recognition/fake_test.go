package recognition

import (
	"context"
	"sync"

	"github.com/blinksync/syncbrain/internal/errors"
)

// fakeBackend returns fixed regions and maps each region's X to an embedding
type fakeBackend struct {
	mu         sync.Mutex
	regions    []Region
	embeddings map[int][]float32
	detectErr  error
	embedCalls int
	closed     bool
}

func (f *fakeBackend) Detect(ctx context.Context, _ Frame) ([]Region, error) {
	if f.detectErr != nil {
		return nil, f.detectErr
	}
	return f.regions, ctx.Err()
}

func (f *fakeBackend) Embed(_ context.Context, _ Frame, r Region) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.embedCalls++
	e, ok := f.embeddings[r.X]
	if !ok {
		return nil, errors.NewStd("no embedding for region")
	}
	return e, nil
}

func (f *fakeBackend) Close() error {
	f.closed = true
	return nil
}
