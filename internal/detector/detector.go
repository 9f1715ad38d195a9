// Package detector finds objects in frames, either with a local YOLO ONNX
// model or through a remote inference server.
package detector

import (
	"fmt"
	"image"
	"strings"

	"github.com/dj-oyu/esp32-object-sentry/pkg/types"
)

// Detector returns the objects found in one image. Calls are synchronous and
// carry no deadline; a hung call stalls the caller.
type Detector interface {
	Detect(img image.Image) ([]types.Detection, error)
	ClassName(id int) string
	Close() error
}

// Config selects and configures a detector.
type Config struct {
	Kind       string // onnx | network
	ModelPath  string
	Labels     []string
	InputSize  int
	Confidence float64
	IoU        float64
	MinArea    float64 // fraction of the frame area
	Address    string
	ORTLibrary string
}

// New builds the detector named by cfg.Kind with its postprocessors.
func New(cfg Config) (Detector, error) {
	var (
		d   Detector
		err error
	)

	switch strings.ToLower(cfg.Kind) {
	case "onnx", "":
		d, err = NewONNX(ONNXConfig{
			ModelPath:   cfg.ModelPath,
			LibraryPath: cfg.ORTLibrary,
			InputSize:   cfg.InputSize,
			Confidence:  cfg.Confidence,
			IoU:         cfg.IoU,
			Labels:      cfg.Labels,
		})
	case "network":
		d = NewNetwork(cfg.Address, cfg.Labels)
	default:
		return nil, fmt.Errorf("unknown detector kind: %s", cfg.Kind)
	}
	if err != nil {
		return nil, err
	}

	post := []Postprocessor{NewScoreFilter(cfg.Confidence)}
	if cfg.MinArea > 0 {
		post = append(post, NewRelativeAreaFilter(cfg.MinArea))
	}
	return WithPostprocessors(d, post...), nil
}

type postprocessed struct {
	Detector
	post []Postprocessor
}

// WithPostprocessors runs post, in order, on every result of d.
func WithPostprocessors(d Detector, post ...Postprocessor) Detector {
	if len(post) == 0 {
		return d
	}
	return &postprocessed{Detector: d, post: post}
}

func (p *postprocessed) Detect(img image.Image) ([]types.Detection, error) {
	dets, err := p.Detector.Detect(img)
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	for _, f := range p.post {
		dets = f(dets, b)
	}
	return dets, nil
}
