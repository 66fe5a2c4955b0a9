package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/blinksync/syncbrain/internal/catalog"
	"github.com/blinksync/syncbrain/internal/conf"
	"github.com/blinksync/syncbrain/internal/errors"
)

const copyBufferSize = 32 * 1024

// ErrVerification means the local copy does not match the source
var ErrVerification = errors.NewStd("transferred clip failed verification")

func (a *Agent) destination(clip *catalog.Clip) string {
	ext := strings.ToLower(path.Ext(clip.SourcePath))
	return filepath.Join(a.localDir, clip.ID+ext)
}

// copyVerified streams the source into a temp file next to dest, checks it
// and renames it into place. It returns the SHA-256 of the copied bytes.
func (a *Agent) copyVerified(ctx context.Context, clip *catalog.Clip, dest string) (string, error) {
	src, err := a.source.Open(ctx, clip.SourcePath)
	if err != nil {
		return "", transferError(err, "open_source", clip)
	}
	defer func() { _ = src.Close() }()

	tmp, err := os.CreateTemp(a.localDir, ".clip-*.tmp")
	if err != nil {
		return "", transferError(err, "create_temp", clip)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	h := sha256.New()
	buf := make([]byte, copyBufferSize)
	n, err := io.CopyBuffer(tmp, io.TeeReader(&ctxReader{ctx: ctx, r: src}, h), buf)
	if err != nil {
		return "", transferError(err, "copy", clip)
	}
	if err := tmp.Sync(); err != nil {
		return "", transferError(err, "sync", clip)
	}
	if err := tmp.Close(); err != nil {
		return "", transferError(err, "close_temp", clip)
	}
	sum := hex.EncodeToString(h.Sum(nil))

	if n != clip.Size {
		return "", verificationError(fmt.Errorf("%w: copied %d bytes, expected %d", ErrVerification, n, clip.Size), clip)
	}
	// A source that changed during the copy cannot be trusted even when the
	// byte count matches.
	after, err := a.source.Stat(ctx, clip.SourcePath)
	if err != nil {
		return "", transferError(err, "restat_source", clip)
	}
	if after.Size != clip.Size || after.ModTime.UTC().Unix() != clip.ModTime.UTC().Unix() {
		return "", verificationError(fmt.Errorf("%w: source changed during copy", ErrVerification), clip)
	}

	if a.verify == conf.VerifySHA256 {
		local, err := hashFile(tmpPath)
		if err != nil {
			return "", transferError(err, "hash_local", clip)
		}
		if local != sum {
			return "", verificationError(fmt.Errorf("%w: sha256 %s does not match source %s", ErrVerification, local, sum), clip)
		}
	} else if fi, err := os.Stat(tmpPath); err != nil || fi.Size() != clip.Size {
		return "", verificationError(fmt.Errorf("%w: local size mismatch", ErrVerification), clip)
	}

	if err := ctx.Err(); err != nil {
		return "", transferError(err, "copy", clip)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return "", transferError(err, "rename", clip)
	}
	success = true
	return sum, nil
}

func hashFile(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ctxReader stops a copy once ctx is cancelled
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func transferError(err error, op string, clip *catalog.Clip) error {
	cat := errors.CategoryTransfer
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		cat = errors.CategoryCancellation
	}
	return errors.New(err).
		Component("transfer").
		Category(cat).
		ClipContext(clip.ID).
		Context("operation", op).
		Build()
}

func verificationError(err error, clip *catalog.Clip) error {
	return errors.New(err).
		Component("transfer").
		Category(errors.CategoryVerification).
		ClipContext(clip.ID).
		FileContext(clip.SourcePath, clip.Size).
		Build()
}
