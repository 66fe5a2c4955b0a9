package transfer

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LocalSource reads clips from a directory on this host, normally the
// coordinator's mountpoint in server mode.
type LocalSource struct {
	root string
}

// NewLocalSource creates a source rooted at dir
func NewLocalSource(dir string) *LocalSource {
	return &LocalSource{root: filepath.Clean(dir)}
}

func (s *LocalSource) String() string {
	return "local:" + s.root
}

func (s *LocalSource) abs(relPath string) string {
	return filepath.Join(s.root, filepath.FromSlash(relPath))
}

// Walk visits every regular file under the root. Hidden entries are skipped.
func (s *LocalSource) Walk(ctx context.Context, fn func(SourceFile) error) error {
	return filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p != s.root && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		return fn(SourceFile{RelPath: filepath.ToSlash(rel), Size: info.Size(), ModTime: info.ModTime()})
	})
}

// Stat returns the current size and modification time of a clip file
func (s *LocalSource) Stat(_ context.Context, relPath string) (SourceFile, error) {
	info, err := os.Stat(s.abs(relPath))
	if err != nil {
		return SourceFile{}, err
	}
	return SourceFile{RelPath: relPath, Size: info.Size(), ModTime: info.ModTime()}, nil
}

// Open opens a clip file for reading
func (s *LocalSource) Open(_ context.Context, relPath string) (io.ReadCloser, error) {
	return os.Open(s.abs(relPath))
}

// Remove deletes a clip file. A file that is already gone is not an error.
func (s *LocalSource) Remove(_ context.Context, relPath string) error {
	if err := os.Remove(s.abs(relPath)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
