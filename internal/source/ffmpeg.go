package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	ffmpeg "github.com/u2takey/ffmpeg-go"

	"github.com/dj-oyu/esp32-object-sentry/internal/logger"
)

// Spec describes one feed.
type Spec struct {
	Name       string
	Identifier string // device index ("0") or stream URI
	Width      int
	Height     int
	InputArgs  map[string]string
	Binary     string // ffmpeg executable, default "ffmpeg"
}

// IsDevice reports whether identifier is a local device index.
func IsDevice(identifier string) bool {
	if identifier == "" {
		return false
	}
	_, err := strconv.ParseUint(identifier, 10, 16)
	return err == nil
}

// Args returns the ffmpeg command-line arguments for spec.
func Args(spec Spec) []string {
	size := fmt.Sprintf("%dx%d", spec.Width, spec.Height)

	input := spec.Identifier
	inArgs := ffmpeg.KwArgs{}
	switch {
	case IsDevice(spec.Identifier):
		input = "/dev/video" + spec.Identifier
		inArgs["format"] = "v4l2"
		inArgs["video_size"] = size
	case strings.HasPrefix(strings.ToLower(spec.Identifier), "rtsp://"):
		inArgs["rtsp_transport"] = "tcp"
	}
	for k, v := range spec.InputArgs {
		inArgs[k] = v
	}

	outArgs := ffmpeg.KwArgs{
		"format": "image2pipe",
		"vcodec": "mjpeg",
		"s":      size,
		"q:v":    "3",
	}

	return ffmpeg.Input(input, inArgs).Output("pipe:", outArgs).GetArgs()
}

// FFmpegSource decodes a feed with an ffmpeg child process writing MJPEG to
// a pipe.
type FFmpegSource struct {
	*ReaderSource

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Open starts ffmpeg for spec. The process lives until Close or ctx ends.
func Open(ctx context.Context, spec Spec) (*FFmpegSource, error) {
	bin := spec.Binary
	if bin == "" {
		bin = "ffmpeg"
	}
	// make sure ffmpeg is in the path before doing anything else
	path, err := exec.LookPath(bin)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)

	pr, pw := io.Pipe()
	cmd := exec.CommandContext(ctx, path, Args(spec)...)
	cmd.Stdout = pw
	cmd.Stderr = &stderrLog{name: spec.Name, secret: spec.Identifier}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start ffmpeg for %s: %w", logger.Redact(spec.Identifier), err)
	}

	logger.Info("Source", "[%s] ffmpeg started for %s at %dx%d (pid %d)",
		spec.Name, logger.Redact(spec.Identifier), spec.Width, spec.Height, cmd.Process.Pid)

	s := &FFmpegSource{
		ReaderSource: NewReaderSource(spec.Name, pr, nil),
		cancel:       cancel,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := cmd.Wait()
		if err != nil && ctx.Err() == nil {
			logger.Warn("Source", "[%s] ffmpeg exited: %v", spec.Name, err)
		}
		if err == nil {
			err = io.EOF
		}
		pw.CloseWithError(err)
	}()

	return s, nil
}

// Close stops ffmpeg and unblocks Read.
func (s *FFmpegSource) Close() error {
	s.cancel()
	err := s.ReaderSource.Close()
	s.wg.Wait()
	if errors.Is(err, io.ErrClosedPipe) {
		return nil
	}
	return err
}

// stderrLog forwards ffmpeg diagnostics line by line at debug level with
// the feed identifier masked, since ffmpeg echoes its input URI.
type stderrLog struct {
	name   string
	secret string
	buf    bytes.Buffer
}

func (w *stderrLog) Write(p []byte) (int, error) {
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// keep the partial line for the next write
			w.buf.WriteString(line)
			break
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if w.secret != "" {
			line = strings.ReplaceAll(line, w.secret, logger.Redact(w.secret))
		}
		logger.Debug("FFmpeg", "[%s] %s", w.name, line)
	}
	return len(p), nil
}
