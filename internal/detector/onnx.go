package detector

import (
	"errors"
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"golang.org/x/image/draw"

	"github.com/dj-oyu/esp32-object-sentry/pkg/types"
)

// ONNXConfig configures a YOLOv8-style ONNX model.
type ONNXConfig struct {
	ModelPath   string
	LibraryPath string // onnxruntime shared library; probed when empty
	InputSize   int    // square model input, default 640
	Confidence  float64
	IoU         float64
	Labels      []string
}

// ONNX runs a YOLOv8 export ([1,3,S,S] in, [1,4+nc,N] out) with
// onnxruntime.
type ONNX struct {
	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
	scratch *image.RGBA

	size       int
	numClasses int
	anchors    int
	conf       float64
	iou        float64
	labels     []string
}

// NewONNX loads the model and allocates its tensors.
func NewONNX(cfg ONNXConfig) (*ONNX, error) {
	if cfg.ModelPath == "" {
		return nil, errors.New("model path is empty")
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("model file missing at %s: %w", cfg.ModelPath, err)
	}
	if cfg.InputSize <= 0 {
		cfg.InputSize = 640
	}
	if cfg.IoU <= 0 {
		cfg.IoU = 0.7
	}

	libPath := cfg.LibraryPath
	if libPath == "" {
		libPath = resolveSharedLibraryPath(filepath.Dir(cfg.ModelPath))
	}
	if libPath == "" {
		return nil, errors.New("onnxruntime shared library not found; set ONNXRUNTIME_SHARED_LIBRARY_PATH or detector.ort_library")
	}
	ort.SetSharedLibraryPath(libPath)
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("initialize onnxruntime: %w", err)
		}
	}

	inputs, outputs, err := ort.GetInputOutputInfo(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("inspect model: %w", err)
	}
	if len(inputs) != 1 || len(outputs) != 1 {
		return nil, fmt.Errorf("expected one input and one output, model has %d and %d", len(inputs), len(outputs))
	}

	numClasses := len(cfg.Labels)
	if dims := outputs[0].Dimensions; len(dims) == 3 && dims[1] > 4 {
		numClasses = int(dims[1]) - 4
	}
	if numClasses <= 0 {
		return nil, errors.New("cannot determine class count; provide labels")
	}
	anchors := anchorCount(cfg.InputSize)

	s := int64(cfg.InputSize)
	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, s, s))
	if err != nil {
		return nil, fmt.Errorf("allocate input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(4+numClasses), int64(anchors)))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("allocate output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		cfg.ModelPath,
		[]string{inputs[0].Name},
		[]string{outputs[0].Name},
		[]ort.Value{input},
		[]ort.Value{output},
		nil,
	)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("create onnx session: %w", err)
	}

	return &ONNX{
		session:    session,
		input:      input,
		output:     output,
		scratch:    image.NewRGBA(image.Rect(0, 0, cfg.InputSize, cfg.InputSize)),
		size:       cfg.InputSize,
		numClasses: numClasses,
		anchors:    anchors,
		conf:       cfg.Confidence,
		iou:        cfg.IoU,
		labels:     cfg.Labels,
	}, nil
}

// anchorCount is the number of predictions for strides 8, 16 and 32.
func anchorCount(size int) int {
	n := 0
	for _, stride := range []int{8, 16, 32} {
		g := size / stride
		n += g * g
	}
	return n
}

// Detect implements Detector.
func (m *ONNX) Detect(img image.Image) ([]types.Detection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := img.Bounds()
	draw.ApproxBiLinear.Scale(m.scratch, m.scratch.Bounds(), img, b, draw.Src, nil)
	fillCHW(m.input.GetData(), m.scratch)

	if err := m.session.Run(); err != nil {
		return nil, fmt.Errorf("onnx inference: %w", err)
	}

	sx := float64(b.Dx()) / float64(m.size)
	sy := float64(b.Dy()) / float64(m.size)
	dets := decodeYOLO(m.output.GetData(), m.numClasses, m.anchors, m.conf, sx, sy, b)
	dets = NMS(dets, m.iou)
	for i := range dets {
		dets[i].ClassName = m.ClassName(dets[i].ClassID)
	}
	return dets, nil
}

// ClassName implements Detector.
func (m *ONNX) ClassName(id int) string {
	return className(m.labels, id)
}

// Close implements Detector.
func (m *ONNX) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	if m.session != nil {
		errs = append(errs, m.session.Destroy())
		m.session = nil
	}
	if m.input != nil {
		errs = append(errs, m.input.Destroy())
		m.input = nil
	}
	if m.output != nil {
		errs = append(errs, m.output.Destroy())
		m.output = nil
	}
	return errors.Join(errs...)
}

// fillCHW writes img as planar RGB scaled to [0,1].
func fillCHW(dst []float32, img *image.RGBA) {
	b := img.Bounds()
	plane := b.Dx() * b.Dy()
	i := 0
	for y := 0; y < b.Dy(); y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < b.Dx(); x++ {
			p := row[x*4 : x*4+3]
			dst[i] = float32(p[0]) / 255
			dst[plane+i] = float32(p[1]) / 255
			dst[2*plane+i] = float32(p[2]) / 255
			i++
		}
	}
}

// decodeYOLO turns a [4+nc, n] prediction matrix (cx, cy, w, h, class
// scores) into frame-space detections above conf.
func decodeYOLO(data []float32, nc, n int, conf, sx, sy float64, frame image.Rectangle) []types.Detection {
	var dets []types.Detection
	if len(data) < (4+nc)*n {
		return dets
	}

	at := func(row, col int) float64 { return float64(data[row*n+col]) }

	for i := 0; i < n; i++ {
		best, score := -1, 0.0
		for c := 0; c < nc; c++ {
			if s := at(4+c, i); s > score {
				best, score = c, s
			}
		}
		if best < 0 || score < conf {
			continue
		}

		cx, cy, w, h := at(0, i), at(1, i), at(2, i), at(3, i)
		box := types.BoundingBox{
			X1: clamp(int(math.Round((cx-w/2)*sx)), frame.Min.X, frame.Max.X),
			Y1: clamp(int(math.Round((cy-h/2)*sy)), frame.Min.Y, frame.Max.Y),
			X2: clamp(int(math.Round((cx+w/2)*sx)), frame.Min.X, frame.Max.X),
			Y2: clamp(int(math.Round((cy+h/2)*sy)), frame.Min.Y, frame.Max.Y),
		}
		dets = append(dets, types.Detection{ClassID: best, Confidence: score, Box: box})
	}
	return dets
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// resolveSharedLibraryPath locates the onnxruntime shared library.
// ONNXRUNTIME_SHARED_LIBRARY_PATH wins; otherwise common names are probed
// next to the model and in system library directories.
func resolveSharedLibraryPath(modelDir string) string {
	if env := strings.TrimSpace(os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH")); env != "" {
		return env
	}

	names := []string{
		"libonnxruntime.so",
		"onnxruntime.so",
		"libonnxruntime.dylib",
		"onnxruntime.dll",
	}
	dirs := []string{
		modelDir,
		filepath.Join(modelDir, "lib"),
		".",
		"/usr/local/lib",
		"/usr/lib",
		"/usr/lib/aarch64-linux-gnu",
	}

	for _, dir := range dirs {
		for _, name := range names {
			candidate := filepath.Join(dir, name)
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
	}
	return ""
}
