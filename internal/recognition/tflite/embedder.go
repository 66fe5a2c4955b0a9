// Package tflite embeds faces with a TensorFlow Lite model such as FaceNet.
// It has no detector of its own and is paired with one from another backend.
package tflite

import (
	"context"
	"fmt"
	"image"
	"math"
	"os"
	"sync"
	"time"

	"github.com/tphakala/go-tflite"
	"github.com/tphakala/go-tflite/delegates/xnnpack"

	"github.com/blinksync/syncbrain/internal/conf"
	"github.com/blinksync/syncbrain/internal/cpuspec"
	"github.com/blinksync/syncbrain/internal/errors"
	"github.com/blinksync/syncbrain/internal/logger"
	"github.com/blinksync/syncbrain/internal/recognition"
)

// Embedder runs a face embedding model. The interpreter is not safe for
// concurrent use, so Embed calls are serialised.
type Embedder struct {
	mu          sync.Mutex
	model       *tflite.Model
	options     *tflite.InterpreterOptions
	interpreter *tflite.Interpreter
	delegate    interface{ Delete() }
	width       int
	height      int
	outputSize  int
}

// GetLogger returns the tflite backend logger
func GetLogger() logger.Logger {
	return logger.Global().Module("recognition").Module("tflite")
}

// NewEmbedder loads the model and allocates its tensors
func NewEmbedder(settings *conf.TFLiteSettings) (*Embedder, error) {
	start := time.Now()
	log := GetLogger()

	modelData, err := os.ReadFile(settings.ModelPath)
	if err != nil {
		return nil, modelError(err, settings.ModelPath, start)
	}

	model := tflite.NewModel(modelData)
	if model == nil {
		return nil, modelError(fmt.Errorf("cannot load TensorFlow Lite model"), settings.ModelPath, start)
	}

	threads := cpuspec.InferenceThreads(settings.Threads)
	options := tflite.NewInterpreterOptions()

	e := &Embedder{model: model, options: options}
	if settings.UseXNNPACK {
		delegate := xnnpack.New(xnnpack.DelegateOptions{NumThreads: int32(max(1, threads-1))}) //nolint:gosec // G115: thread count bounded by CPU count
		if delegate == nil {
			log.Warn("Failed to create XNNPACK delegate, falling back to default CPU")
			options.SetNumThread(threads)
		} else {
			options.AddDelegate(delegate)
			options.SetNumThread(1)
			e.delegate = delegate
		}
	} else {
		options.SetNumThread(threads)
	}

	options.SetErrorReporter(func(msg string, user_data any) {
		GetLogger().Error("TFLite error", logger.String("message", msg))
	}, nil)

	e.interpreter = tflite.NewInterpreter(model, options)
	if e.interpreter == nil {
		e.release()
		return nil, modelError(fmt.Errorf("cannot create interpreter"), settings.ModelPath, start)
	}
	if status := e.interpreter.AllocateTensors(); status != tflite.OK {
		e.release()
		return nil, modelError(fmt.Errorf("tensor allocation failed"), settings.ModelPath, start)
	}

	input := e.interpreter.GetInputTensor(0)
	if input.NumDims() == 4 {
		e.height, e.width = input.Dim(1), input.Dim(2)
	}
	if e.width <= 0 || e.height <= 0 {
		e.width, e.height = settings.InputSize, settings.InputSize
	}
	output := e.interpreter.GetOutputTensor(0)
	e.outputSize = output.Dim(output.NumDims() - 1)

	log.Info("TFLite embedder initialized",
		logger.String("model", settings.ModelPath),
		logger.Int("threads", threads),
		logger.Bool("xnnpack", e.delegate != nil),
		logger.Int("input", e.width),
		logger.Int("embedding_size", e.outputSize),
		logger.Duration("load_time", time.Since(start)))
	return e, nil
}

// Embed returns the L2 normalised embedding of a face region
func (e *Embedder) Embed(ctx context.Context, frame recognition.Frame, region recognition.Region) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if frame.Image == nil {
		return nil, errors.Newf("frame %d has no image", frame.Index).
			Component("recognition").
			Category(errors.CategoryValidation).
			Build()
	}
	rect := region.Rect().Intersect(frame.Image.Bounds())
	if rect.Empty() {
		return nil, errors.Newf("face region outside frame").
			Component("recognition").
			Category(errors.CategoryValidation).
			Context("frame", frame.Index).
			Build()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	input := e.interpreter.GetInputTensor(0)
	FillTensor(input.Float32s(), frame.Image, rect, e.width, e.height)

	if status := e.interpreter.Invoke(); status != tflite.OK {
		return nil, errors.Newf("tflite invoke failed: %v", status).
			Component("recognition").
			Category(errors.CategoryRecognition).
			Context("frame", frame.Index).
			Build()
	}

	output := e.interpreter.GetOutputTensor(0)
	embedding := make([]float32, e.outputSize)
	copy(embedding, output.Float32s())
	normalize(embedding)
	return embedding, nil
}

// Close releases the interpreter, delegate and model
func (e *Embedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.release()
	return nil
}

func (e *Embedder) release() {
	if e.interpreter != nil {
		e.interpreter.Delete()
		e.interpreter = nil
	}
	if e.delegate != nil {
		e.delegate.Delete()
		e.delegate = nil
	}
	if e.options != nil {
		e.options.Delete()
		e.options = nil
	}
	if e.model != nil {
		e.model.Delete()
		e.model = nil
	}
}

// FillTensor writes rect of img into dst as a w x h NHWC RGB tensor with
// bilinear sampling, standardised to roughly [-1, 1].
func FillTensor(dst []float32, img image.Image, rect image.Rectangle, w, h int) {
	sx := float64(rect.Dx()) / float64(w)
	sy := float64(rect.Dy()) / float64(h)

	for y := 0; y < h; y++ {
		fy := (float64(y)+0.5)*sy - 0.5
		y0 := int(math.Floor(fy))
		wy := fy - float64(y0)
		for x := 0; x < w; x++ {
			fx := (float64(x)+0.5)*sx - 0.5
			x0 := int(math.Floor(fx))
			wx := fx - float64(x0)

			var rgb [3]float64
			for _, s := range [4]struct {
				dx, dy int
				weight float64
			}{
				{0, 0, (1 - wx) * (1 - wy)},
				{1, 0, wx * (1 - wy)},
				{0, 1, (1 - wx) * wy},
				{1, 1, wx * wy},
			} {
				px := rect.Min.X + clampInt(x0+s.dx, 0, rect.Dx()-1)
				py := rect.Min.Y + clampInt(y0+s.dy, 0, rect.Dy()-1)
				r32, g32, b32, _ := img.At(px, py).RGBA()
				rgb[0] += float64(r32>>8) * s.weight
				rgb[1] += float64(g32>>8) * s.weight
				rgb[2] += float64(b32>>8) * s.weight
			}

			base := ((y * w) + x) * 3
			for c := range 3 {
				dst[base+c] = float32((rgb[c] - 127.5) / 128.0)
			}
		}
	}
}

func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
}

func clampInt(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

func modelError(err error, path string, start time.Time) error {
	return errors.New(err).
		Component("recognition").
		Category(errors.CategoryModelLoad).
		Context("model", path).
		Timing("model-load", time.Since(start)).
		Build()
}
