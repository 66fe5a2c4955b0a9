package opencv

import (
	"context"
	"os"

	"gocv.io/x/gocv"

	"github.com/blinksync/syncbrain/internal/errors"
	"github.com/blinksync/syncbrain/internal/logger"
	"github.com/blinksync/syncbrain/internal/stitch"
)

const (
	concatCodec = "mp4v"
	fallbackFPS = 15
)

// Concatenator re-encodes clips into one video with gocv VideoWriter
type Concatenator struct {
	log logger.Logger
}

// NewConcatenator creates a concatenator
func NewConcatenator() *Concatenator {
	return &Concatenator{log: GetLogger().Module("concat")}
}

// Concat writes the frames of inputs in order to output. The first input
// fixes frame size and rate; inputs with another size are skipped. The file
// appears at output only once it is complete.
func (c *Concatenator) Concat(ctx context.Context, inputs []string, output string) (stitch.ConcatResult, error) {
	var res stitch.ConcatResult
	if len(inputs) == 0 {
		return res, errors.NewStd("no clips to concatenate")
	}

	first, err := gocv.VideoCaptureFile(inputs[0])
	if err != nil {
		return res, decodeError(err, inputs[0])
	}
	width := int(first.Get(gocv.VideoCaptureFrameWidth))
	height := int(first.Get(gocv.VideoCaptureFrameHeight))
	fps := first.Get(gocv.VideoCaptureFPS)
	_ = first.Close()
	if width <= 0 || height <= 0 {
		return res, decodeError(errors.Newf("no frame size in %s", inputs[0]).Build(), inputs[0])
	}
	if fps <= 0 {
		fps = fallbackFPS
	}

	tmp := output + ".part"
	vw, err := gocv.VideoWriterFile(tmp, concatCodec, fps, width, height, true)
	if err != nil {
		return res, encodeError(err, output)
	}
	frame := gocv.NewMat()
	defer frame.Close()

	for _, in := range inputs {
		n, err := c.appendClip(ctx, vw, &frame, in, width, height)
		if err != nil && ctx.Err() != nil {
			_ = vw.Close()
			_ = os.Remove(tmp)
			return res, ctx.Err()
		}
		if err != nil {
			c.log.Warn("clip not stitched", logger.String("path", in), logger.Error(err))
			res.Skipped = append(res.Skipped, in)
			continue
		}
		res.Frames += n
	}

	if err := vw.Close(); err != nil {
		_ = os.Remove(tmp)
		return res, encodeError(err, output)
	}
	if res.Frames == 0 {
		_ = os.Remove(tmp)
		return res, encodeError(errors.NewStd("no frames written"), output)
	}
	if err := os.Rename(tmp, output); err != nil {
		_ = os.Remove(tmp)
		return res, encodeError(err, output)
	}
	return res, nil
}

func (c *Concatenator) appendClip(ctx context.Context, vw *gocv.VideoWriter, frame *gocv.Mat, path string, width, height int) (int, error) {
	vc, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return 0, decodeError(err, path)
	}
	defer vc.Close()

	if w, h := int(vc.Get(gocv.VideoCaptureFrameWidth)), int(vc.Get(gocv.VideoCaptureFrameHeight)); w != width || h != height {
		return 0, decodeError(errors.Newf("frame size %dx%d differs from %dx%d", w, h, width, height).Build(), path)
	}

	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if ok := vc.Read(frame); !ok || frame.Empty() {
			return n, nil
		}
		if err := vw.Write(*frame); err != nil {
			return n, encodeError(err, path)
		}
		n++
	}
}

func encodeError(err error, path string) error {
	return errors.New(err).
		Component("recognition").
		Category(errors.CategoryFileIO).
		FileContext(path, 0).
		Context("operation", "encode_video").
		Build()
}
