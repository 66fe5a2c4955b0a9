// Package transfer copies clips from the storage image into the local
// processing queue. A clip is marked transferred only after its copy has been
// verified, and its source is removed only after that.
package transfer

import (
	"context"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/blinksync/syncbrain/internal/catalog"
	"github.com/blinksync/syncbrain/internal/logger"
)

// SourceFile describes a clip file on the source, RelPath is slash separated
type SourceFile struct {
	RelPath string
	Size    int64
	ModTime time.Time
}

// Source is where clips are read from: the local mount of the image or the
// storage node over SFTP.
type Source interface {
	Walk(ctx context.Context, fn func(SourceFile) error) error
	Stat(ctx context.Context, relPath string) (SourceFile, error)
	Open(ctx context.Context, relPath string) (io.ReadCloser, error)
	Remove(ctx context.Context, relPath string) error
	String() string
}

// Catalog is the part of the processing catalog the agent writes to
type Catalog interface {
	RegisterClip(ctx context.Context, clip *catalog.Clip) (*catalog.Clip, bool, error)
	KnownKeys(ctx context.Context) ([]string, error)
	ListClips(ctx context.Context, f catalog.ClipFilter) ([]catalog.Clip, error)
	UpdateTransfer(ctx context.Context, id string, u catalog.TransferUpdate) error
}

// Sink receives clips once they are transferred
type Sink interface {
	Submit(clipID string) error
}

// Metrics records transfer outcomes
type Metrics interface {
	RecordTransfer(outcome string, bytes int64, d time.Duration)
	RecordDiscovered(n int)
}

// Transfer outcomes reported to Metrics
const (
	OutcomeTransferred = "transferred"
	OutcomeFailed      = "failed"
	OutcomeCancelled   = "cancelled"
)

// GetLogger returns the transfer module logger
func GetLogger() logger.Logger {
	return logger.Global().Module("transfer")
}

// DiscoveryKey identifies a file version on the source. FAT timestamps have a
// two second resolution, so the key uses whole seconds.
func DiscoveryKey(f SourceFile) string {
	return fmt.Sprintf("%s|%d|%d", f.RelPath, f.Size, f.ModTime.UTC().Unix())
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

const maxNameLength = 96

// sanitiseName turns a source file name into an ID-safe stem
func sanitiseName(relPath string) string {
	base := path.Base(relPath)
	base = strings.TrimSuffix(base, path.Ext(base))
	base = strings.Trim(unsafeChars.ReplaceAllString(base, "_"), "._-")
	if base == "" {
		base = "clip"
	}
	if len(base) > maxNameLength {
		base = base[:maxNameLength]
	}
	return base
}

// ClipID builds the catalog identifier
// <sanitised name>-<discovery unix nanos>-<size>. Reused file names stay
// unique through the discovery timestamp.
func ClipID(f SourceFile, discoveredAt time.Time) string {
	return fmt.Sprintf("%s-%d-%d", sanitiseName(f.RelPath), discoveredAt.UnixNano(), f.Size)
}
