// Package opencv is the gocv recognition backend: an SSD face detector, an
// OpenFace embedder and a VideoCapture based clip decoder.
package opencv

import (
	"context"
	"image"
	"os"
	"sync"

	"gocv.io/x/gocv"

	"github.com/blinksync/syncbrain/internal/conf"
	"github.com/blinksync/syncbrain/internal/errors"
	"github.com/blinksync/syncbrain/internal/logger"
	"github.com/blinksync/syncbrain/internal/recognition"
)

const (
	detectorInput = 300
	embedderInput = 96
)

// Backend detects faces and embeds them with OpenCV DNN models. The
// networks are not safe for concurrent use, so calls are serialised.
type Backend struct {
	mu            sync.Mutex
	detector      gocv.Net
	embedder      *gocv.Net // nil for detector-only backends
	minConfidence float32
	log           logger.Logger
}

// GetLogger returns the opencv backend logger
func GetLogger() logger.Logger {
	return logger.Global().Module("recognition").Module("opencv")
}

// NewBackend loads the detector and embedder networks
func NewBackend(settings *conf.OpenCVSettings) (*Backend, error) {
	return newBackend(settings, true)
}

// NewDetector loads only the face detector, for pairing with another embedder
func NewDetector(settings *conf.OpenCVSettings) (*Backend, error) {
	return newBackend(settings, false)
}

func newBackend(settings *conf.OpenCVSettings, withEmbedder bool) (*Backend, error) {
	detector, err := loadNet(settings.DetectorModel, func() gocv.Net {
		return gocv.ReadNet(settings.DetectorModel, settings.DetectorConfig)
	})
	if err != nil {
		return nil, err
	}

	var embedder *gocv.Net
	if withEmbedder {
		net, err := loadNet(settings.EmbedderModel, func() gocv.Net {
			return gocv.ReadNetFromTorch(settings.EmbedderModel)
		})
		if err != nil {
			_ = detector.Close()
			return nil, err
		}
		embedder = &net
	}

	confidence := settings.DetectionConfidence
	if confidence <= 0 {
		confidence = 0.5
	}

	b := &Backend{
		detector:      detector,
		embedder:      embedder,
		minConfidence: float32(confidence),
		log:           GetLogger(),
	}
	b.log.Info("opencv backend initialized",
		logger.String("detector", settings.DetectorModel),
		logger.Bool("embedder", withEmbedder),
		logger.Float64("min_confidence", confidence))
	return b, nil
}

// loadNet reads a network and selects the CPU target
func loadNet(path string, read func() gocv.Net) (gocv.Net, error) {
	var net gocv.Net
	if _, err := os.Stat(path); err != nil {
		return net, modelError(err, path)
	}
	net = read()
	if net.Empty() {
		return net, modelError(errors.NewStd("failed to load network"), path)
	}
	errBackend := net.SetPreferableBackend(gocv.NetBackendDefault)
	errTarget := net.SetPreferableTarget(gocv.NetTargetCPU)
	if errBackend != nil || errTarget != nil {
		_ = net.Close()
		return net, modelError(errors.Join(errBackend, errTarget), path)
	}
	return net, nil
}

// Detect returns face regions above the detection confidence
func (b *Backend) Detect(ctx context.Context, frame recognition.Frame) ([]recognition.Region, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mat, err := frameMat(frame)
	if err != nil {
		return nil, err
	}
	defer mat.Close()

	blob := gocv.BlobFromImage(mat, 1.0, image.Pt(detectorInput, detectorInput), gocv.NewScalar(104, 177, 123, 0), false, false)
	defer blob.Close()

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.detector.SetInput(blob, ""); err != nil {
		return nil, err
	}
	output := b.detector.Forward("")
	defer output.Close()

	// rows are [batch, class, confidence, x1, y1, x2, y2] with coordinates in [0,1]
	rows := output.Reshape(1, output.Total()/7)
	defer rows.Close()

	bounds := image.Rect(0, 0, mat.Cols(), mat.Rows())
	var regions []recognition.Region
	for i := 0; i < rows.Rows(); i++ {
		if rows.GetFloatAt(i, 2) < b.minConfidence {
			continue
		}
		rect := image.Rect(
			int(rows.GetFloatAt(i, 3)*float32(mat.Cols())),
			int(rows.GetFloatAt(i, 4)*float32(mat.Rows())),
			int(rows.GetFloatAt(i, 5)*float32(mat.Cols())),
			int(rows.GetFloatAt(i, 6)*float32(mat.Rows())),
		).Intersect(bounds)
		if rect.Empty() {
			continue
		}
		regions = append(regions, toRegion(rect))
	}
	return regions, nil
}

// Embed returns the OpenFace embedding of one face region
func (b *Backend) Embed(ctx context.Context, frame recognition.Frame, region recognition.Region) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.embedder == nil {
		return nil, errors.Newf("opencv backend loaded without an embedder").
			Component("recognition").
			Category(errors.CategoryConfiguration).
			Build()
	}
	mat, err := frameMat(frame)
	if err != nil {
		return nil, err
	}
	defer mat.Close()

	rect := region.Rect().Intersect(image.Rect(0, 0, mat.Cols(), mat.Rows()))
	if rect.Empty() {
		return nil, errors.Newf("face region outside frame").
			Component("recognition").
			Category(errors.CategoryValidation).
			Context("frame", frame.Index).
			Build()
	}
	face := mat.Region(rect)
	defer face.Close()

	blob := gocv.BlobFromImage(face, 1.0/255, image.Pt(embedderInput, embedderInput), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.embedder.SetInput(blob, ""); err != nil {
		return nil, err
	}
	output := b.embedder.Forward("")
	defer output.Close()

	data, err := output.DataPtrFloat32()
	if err != nil {
		return nil, err
	}
	embedding := make([]float32, len(data))
	copy(embedding, data)
	return embedding, nil
}

// Close releases both networks
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	err := b.detector.Close()
	if b.embedder != nil {
		err = errors.Join(err, b.embedder.Close())
	}
	return err
}

// frameMat converts a frame to a BGR Mat. The caller closes it.
func frameMat(frame recognition.Frame) (gocv.Mat, error) {
	if frame.Image == nil {
		return gocv.NewMat(), errors.Newf("frame %d has no image", frame.Index).
			Component("recognition").
			Category(errors.CategoryValidation).
			Build()
	}
	mat, err := gocv.ImageToMatRGB(frame.Image)
	if err != nil {
		return mat, errors.New(err).
			Component("recognition").
			Category(errors.CategoryDecode).
			Context("frame", frame.Index).
			Build()
	}
	return mat, nil
}

func toRegion(r image.Rectangle) recognition.Region {
	return recognition.Region{X: r.Min.X, Y: r.Min.Y, W: r.Dx(), H: r.Dy()}
}

func modelError(err error, path string) error {
	return errors.New(err).
		Component("recognition").
		Category(errors.CategoryModelLoad).
		Context("model", path).
		Build()
}
