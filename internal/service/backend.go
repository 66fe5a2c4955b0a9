package service

import (
	"github.com/blinksync/syncbrain/internal/conf"
	"github.com/blinksync/syncbrain/internal/errors"
	"github.com/blinksync/syncbrain/internal/recognition"
	"github.com/blinksync/syncbrain/internal/recognition/opencv"
	"github.com/blinksync/syncbrain/internal/recognition/tflite"
)

// NewBackend loads the configured recognition backend. The tflite backend
// embeds with TensorFlow Lite and still detects with the OpenCV SSD model.
func NewBackend(settings *conf.ProcessingSettings) (recognition.Backend, error) {
	switch settings.Backend {
	case conf.BackendOpenCV:
		b, err := opencv.NewBackend(&settings.OpenCV)
		if err != nil {
			return nil, err
		}
		return b, nil
	case conf.BackendTFLite:
		detector, err := opencv.NewDetector(&settings.OpenCV)
		if err != nil {
			return nil, err
		}
		embedder, err := tflite.NewEmbedder(&settings.TFLite)
		if err != nil {
			_ = detector.Close()
			return nil, err
		}
		return recognition.NewPair(detector, embedder), nil
	}
	return nil, errors.Newf("unknown recognition backend %q", settings.Backend).
		Component("service").
		Category(errors.CategoryConfiguration).
		Build()
}

// NewDecoder returns the video decoder used for clips
func NewDecoder() recognition.Decoder {
	return opencv.NewVideoDecoder()
}
