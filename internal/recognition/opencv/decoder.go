package opencv

import (
	"context"
	"io"
	"math"
	"os"
	"strings"
	"time"

	"gocv.io/x/gocv"

	"github.com/blinksync/syncbrain/internal/catalog"
	"github.com/blinksync/syncbrain/internal/errors"
	"github.com/blinksync/syncbrain/internal/recognition"
)

// VideoDecoder opens clips with gocv VideoCapture
type VideoDecoder struct{}

// NewVideoDecoder creates a decoder
func NewVideoDecoder() *VideoDecoder {
	return &VideoDecoder{}
}

// Open starts decoding the clip at path
func (d *VideoDecoder) Open(ctx context.Context, path string) (recognition.FrameSource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		return nil, decodeError(err, path)
	}
	vc, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, decodeError(err, path)
	}
	if !vc.IsOpened() {
		_ = vc.Close()
		return nil, decodeError(errors.NewStd("video capture did not open"), path)
	}

	s := &VideoSource{
		path: path,
		vc:   vc,
		mat:  gocv.NewMat(),
		fps:  vc.Get(gocv.VideoCaptureFPS),
	}
	s.info = catalog.VideoInfo{
		Width:      int(vc.Get(gocv.VideoCaptureFrameWidth)),
		Height:     int(vc.Get(gocv.VideoCaptureFrameHeight)),
		FPS:        s.fps,
		FrameCount: int(vc.Get(gocv.VideoCaptureFrameCount)),
		Codec:      strings.TrimSpace(vc.CodecString()),
	}
	if s.fps > 0 && s.info.FrameCount > 0 {
		s.info.Duration = time.Duration(float64(s.info.FrameCount) / s.fps * float64(time.Second))
	}
	return s, nil
}

// VideoSource yields decoded frames of one clip
type VideoSource struct {
	path string
	vc   *gocv.VideoCapture
	mat  gocv.Mat
	fps  float64
	info catalog.VideoInfo
	next int // index of the next frame Next returns
}

// Info returns container metadata
func (s *VideoSource) Info() catalog.VideoInfo {
	return s.info
}

// Next decodes the next frame. It returns io.EOF after the last frame.
func (s *VideoSource) Next(ctx context.Context) (recognition.Frame, error) {
	if err := ctx.Err(); err != nil {
		return recognition.Frame{}, err
	}
	if ok := s.vc.Read(&s.mat); !ok || s.mat.Empty() {
		return recognition.Frame{}, io.EOF
	}
	img, err := s.mat.ToImage()
	if err != nil {
		return recognition.Frame{}, decodeError(err, s.path)
	}
	frame := recognition.Frame{Index: s.next, Offset: s.offset(s.next), Image: img}
	s.next++
	return frame, nil
}

// Skip drops n frames without converting them
func (s *VideoSource) Skip(n int) error {
	if n <= 0 {
		return nil
	}
	s.vc.Grab(n)
	s.next += n
	return nil
}

// Close releases the capture
func (s *VideoSource) Close() error {
	return errors.Join(s.mat.Close(), s.vc.Close())
}

func (s *VideoSource) offset(index int) time.Duration {
	if s.fps <= 0 || math.IsNaN(s.fps) {
		return 0
	}
	return time.Duration(float64(index) / s.fps * float64(time.Second))
}

func decodeError(err error, path string) error {
	return errors.New(err).
		Component("recognition").
		Category(errors.CategoryDecode).
		FileContext(path, 0).
		Build()
}
