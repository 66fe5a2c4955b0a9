package recognition

import (
	"context"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/blinksync/syncbrain/internal/errors"
	"github.com/blinksync/syncbrain/internal/logger"
)

var imageExtensions = map[string]bool{".jpg": true, ".jpeg": true, ".png": true}

// BuildReport summarises a gallery build
type BuildReport struct {
	Added   map[string]int // references added per identity
	Skipped []string       // images without a usable face
}

// BuildFromDirectory adds one reference per image under dir. Images in a
// subdirectory belong to the identity named after it; images at the top level
// use their file stem. The largest detected face of each image is embedded.
func BuildFromDirectory(ctx context.Context, dir string, gallery *Gallery, backend Backend) (*BuildReport, error) {
	log := GetLogger()
	report := &BuildReport{Added: make(map[string]int)}

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if strings.HasPrefix(d.Name(), ".") && path != dir {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !imageExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}

		name := identityFor(dir, path)
		embedding, err := embedImage(ctx, backend, path)
		if err != nil {
			return err
		}
		if embedding == nil {
			log.Warn("no face found in reference image", logger.String("path", path))
			report.Skipped = append(report.Skipped, path)
			return nil
		}
		if err := gallery.Add(name, embedding); err != nil {
			return err
		}
		gallery.AddImage(name, path)
		report.Added[name]++
		return nil
	})
	if err != nil {
		if errors.IsCategory(err, errors.CategoryGallery) {
			return report, err
		}
		return report, galleryError(err, "build")
	}

	log.Info("gallery built from directory",
		logger.String("dir", dir),
		logger.Int("identities", len(report.Added)),
		logger.Int("skipped", len(report.Skipped)))
	return report, nil
}

// AddImage embeds the largest face of one image and adds it to name
func AddImage(ctx context.Context, gallery *Gallery, backend Backend, name, path string) error {
	embedding, err := embedImage(ctx, backend, path)
	if err != nil {
		return err
	}
	if embedding == nil {
		return errors.Newf("no face found in %s", filepath.Base(path)).
			Component("recognition").
			Category(errors.CategoryGallery).
			FileContext(path, 0).
			Build()
	}
	if err := gallery.Add(name, embedding); err != nil {
		return err
	}
	gallery.AddImage(name, path)
	return nil
}

func identityFor(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err == nil {
		if parts := strings.Split(filepath.ToSlash(rel), "/"); len(parts) > 1 {
			return parts[0]
		}
	}
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

// embedImage returns nil without error when the image has no face
func embedImage(ctx context.Context, backend Backend, path string) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	img, _, err := image.Decode(f)
	_ = f.Close()
	if err != nil {
		return nil, errors.New(err).
			Component("recognition").
			Category(errors.CategoryDecode).
			FileContext(path, 0).
			Build()
	}

	frame := Frame{Image: img}
	regions, err := backend.Detect(ctx, frame)
	if err != nil {
		return nil, recognitionError(err, "detect", 0)
	}
	if len(regions) == 0 {
		return nil, nil
	}
	largest := regions[0]
	for _, r := range regions[1:] {
		if r.Area() > largest.Area() {
			largest = r
		}
	}
	embedding, err := backend.Embed(ctx, frame, largest)
	if err != nil {
		return nil, recognitionError(err, "embed", 0)
	}
	return embedding, nil
}
