package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/esp32-object-sentry/internal/evidence"
	"github.com/dj-oyu/esp32-object-sentry/internal/metrics"
	"github.com/dj-oyu/esp32-object-sentry/internal/policy"
	"github.com/dj-oyu/esp32-object-sentry/internal/source"
	"github.com/dj-oyu/esp32-object-sentry/pkg/types"
)

// step is one frame of a scripted feed: the clock is moved to base+at
// before the frame is returned.
type step struct {
	at   time.Duration
	dets []types.Detection
}

type scriptedSource struct {
	clock *clock.Mock
	base  time.Time
	steps []step
	jpeg  []byte

	mu     sync.Mutex
	next   int
	closed bool
}

func (s *scriptedSource) Read() (types.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.next >= len(s.steps) {
		return types.Frame{}, false
	}
	st := s.steps[s.next]
	s.next++
	s.clock.Set(s.base.Add(st.at))
	return types.Frame{
		Image:     image.NewRGBA(image.Rect(0, 0, 8, 8)),
		JPEG:      s.jpeg,
		Timestamp: s.clock.Now(),
		Seq:       uint64(s.next),
		Width:     8,
		Height:    8,
	}, true
}

func (s *scriptedSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// scriptedDetector returns the detections of the step the source just served.
type scriptedDetector struct {
	src *scriptedSource
	err map[int]error
}

func (d *scriptedDetector) Detect(image.Image) ([]types.Detection, error) {
	d.src.mu.Lock()
	i := d.src.next - 1
	d.src.mu.Unlock()
	if err := d.err[i]; err != nil {
		return nil, err
	}
	return d.src.steps[i].dets, nil
}

type recordingSignaler struct {
	mu   sync.Mutex
	msgs []string
}

func (s *recordingSignaler) Dispatch(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
}

func (s *recordingSignaler) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.msgs...)
}

type recordingNotifier struct {
	events []types.AlertEvent
}

func (n *recordingNotifier) Notify(ev types.AlertEvent) { n.events = append(n.events, ev) }

type recordingSink struct {
	frames [][]byte
}

func (s *recordingSink) Publish(_ string, jpeg []byte) { s.frames = append(s.frames, jpeg) }

type recordingObserver struct {
	stats []FrameStats
}

func (o *recordingObserver) Observe(st FrameStats) { o.stats = append(o.stats, st) }

type stampRenderer struct{}

func (stampRenderer) Render(types.Frame, []types.Detection) ([]byte, error) {
	return []byte("annotated"), nil
}

type harness struct {
	clock    *clock.Mock
	src      *scriptedSource
	det      *scriptedDetector
	signals  *recordingSignaler
	notes    *recordingNotifier
	frames   *recordingSink
	observer *recordingObserver
	store    evidence.Store
	recorder *evidence.Recorder
	metrics  *metrics.Metrics
	pipeline *Pipeline
}

func referenceGroups() policy.Groups {
	return policy.MustGroups(map[string][]int{
		policy.GroupSuspicious: {0, 1},
		policy.GroupAllowed:    {2, 3, 4},
	})
}

func newHarness(t *testing.T, cfg policy.Config, steps ...step) *harness {
	t.Helper()

	mock := clock.NewMock()
	base := time.Date(2026, 10, 19, 12, 0, 0, 0, time.Local)
	mock.Set(base)

	store, err := evidence.Open(context.Background(), evidence.Config{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "suspicious_objects.db"),
	})
	require.NoError(t, err)

	m := metrics.New()
	rec := evidence.NewRecorder(store, 0, m)
	t.Cleanup(func() { _ = rec.Close() })

	src := &scriptedSource{clock: mock, base: base, steps: steps, jpeg: []byte{0xff, 0xd8, 0x2a, 0xff, 0xd9}}
	h := &harness{
		clock:    mock,
		src:      src,
		det:      &scriptedDetector{src: src},
		signals:  &recordingSignaler{},
		notes:    &recordingNotifier{},
		frames:   &recordingSink{},
		observer: &recordingObserver{},
		store:    store,
		recorder: rec,
		metrics:  m,
	}

	h.pipeline, err = New(Config{
		Camera:   "cam0",
		Source:   src,
		Detector: h.det,
		Engine:   policy.NewEngine(cfg, mock),
		Renderer: stampRenderer{},
		Signaler: h.signals,
		Evidence: rec,
		Notifier: h.notes,
		Frames:   h.frames,
		Observer: h.observer,
		Metrics:  m,
		Clock:    mock,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) evidence(t *testing.T) []evidence.Record {
	t.Helper()
	records, err := h.recorder.All(context.Background())
	require.NoError(t, err)
	return records
}

func det(classID int) types.Detection {
	return types.Detection{ClassID: classID, Confidence: 0.9, Box: types.BoundingBox{X1: 1, Y1: 1, X2: 4, Y2: 4}}
}

func referenceConfig() policy.Config {
	return policy.Config{Groups: referenceGroups(), Cooldown: 200 * time.Millisecond}
}

func TestCooldownScenario(t *testing.T) {
	h := newHarness(t, referenceConfig(),
		step{at: 0, dets: []types.Detection{det(0)}},
		step{at: 100 * time.Millisecond, dets: []types.Detection{det(0)}},
		step{at: 300 * time.Millisecond, dets: []types.Detection{det(0)}},
	)

	require.NoError(t, h.pipeline.Run(context.Background()))

	assert.Equal(t, []string{"a", "a"}, h.signals.sent())
	records := h.evidence(t)
	require.Len(t, records, 2)
	assert.Equal(t, h.src.jpeg, records[0].Image)
	assert.Equal(t, evidence.FormatTimestamp(h.src.base), records[0].Timestamp)
	assert.Equal(t, evidence.FormatTimestamp(h.src.base.Add(300*time.Millisecond)), records[1].Timestamp)

	require.Len(t, h.observer.stats, 3)
	assert.True(t, h.observer.stats[0].Fired)
	assert.True(t, h.observer.stats[0].State.SignalActive)
	assert.False(t, h.observer.stats[1].Fired)
	assert.True(t, h.observer.stats[2].Fired)

	assert.Equal(t, uint64(2), h.metrics.AlertsFired.Load())
	assert.Equal(t, uint64(3), h.metrics.FramesProcessed.Load())
}

func TestAllowedOnlySignalsWithoutEvidence(t *testing.T) {
	h := newHarness(t, referenceConfig(), step{dets: []types.Detection{det(2)}})

	require.NoError(t, h.pipeline.Run(context.Background()))

	assert.Equal(t, []string{"b"}, h.signals.sent())
	assert.Empty(t, h.evidence(t))
	require.Len(t, h.notes.events, 1)
	assert.Equal(t, "exclusive_presence", h.notes.events[0].Condition)
	assert.False(t, h.notes.events[0].Persisted)
}

func TestBothGroupsPresentDoesNothing(t *testing.T) {
	h := newHarness(t, referenceConfig(), step{dets: []types.Detection{det(0), det(2)}})

	require.NoError(t, h.pipeline.Run(context.Background()))

	assert.Empty(t, h.signals.sent())
	assert.Empty(t, h.evidence(t))
	assert.Empty(t, h.notes.events)
	assert.False(t, h.observer.stats[0].State.SignalActive)
}

func TestEmptyFramesNeverSignal(t *testing.T) {
	h := newHarness(t, referenceConfig(),
		step{at: 0},
		step{at: time.Second, dets: []types.Detection{det(9)}},
	)

	require.NoError(t, h.pipeline.Run(context.Background()))

	assert.Empty(t, h.signals.sent())
	assert.Empty(t, h.evidence(t))
	// frames without detections go out unannotated
	assert.Equal(t, h.src.jpeg, h.frames.frames[0])
	assert.Equal(t, []byte("annotated"), h.frames.frames[1])
}

func TestAlertEventCarriesFrameDetails(t *testing.T) {
	h := newHarness(t, referenceConfig(), step{at: 50 * time.Millisecond, dets: []types.Detection{det(0), det(1)}})

	require.NoError(t, h.pipeline.Run(context.Background()))

	require.Len(t, h.notes.events, 1)
	ev := h.notes.events[0]
	assert.Equal(t, "cam0", ev.Camera)
	assert.Equal(t, "a", ev.Message)
	assert.Equal(t, "suspicious_alone", ev.Condition)
	assert.Equal(t, 2, ev.SuspiciousCount)
	assert.Equal(t, 0, ev.AllowedCount)
	assert.Equal(t, uint64(1), ev.FrameSeq)
	assert.True(t, ev.Persisted)
	assert.Equal(t, h.src.base.Add(50*time.Millisecond), ev.Timestamp)
}

func TestDetectErrorSkipsDecisionButEmitsFrame(t *testing.T) {
	h := newHarness(t, referenceConfig(),
		step{at: 0, dets: []types.Detection{det(0)}},
		step{at: 500 * time.Millisecond, dets: []types.Detection{det(0)}},
		step{at: 600 * time.Millisecond, dets: []types.Detection{det(0)}},
	)
	h.det.err = map[int]error{1: errors.New("inference server gone")}

	require.NoError(t, h.pipeline.Run(context.Background()))

	// frame 2 failed, so the re-arm happens on frame 3
	assert.Equal(t, []string{"a", "a"}, h.signals.sent())
	require.Len(t, h.frames.frames, 3)
	assert.Equal(t, h.src.jpeg, h.frames.frames[1])
	assert.True(t, h.observer.stats[1].DetectError)
	assert.Equal(t, uint64(1), h.metrics.DetectErrors.Load())
}

func TestSingleGroupProfile(t *testing.T) {
	groups, err := policy.NewGroups(map[string][]int{
		policy.GroupSuspicious: {1, 3},
		policy.GroupAllowed:    {},
	})
	require.NoError(t, err)
	cfg := policy.Config{
		Groups:   groups,
		Cooldown: 15 * time.Second,
		Actions: map[policy.Condition]policy.Action{
			policy.ConditionSuspiciousAlone: {Message: "D"},
		},
	}

	h := newHarness(t, cfg,
		step{at: 0, dets: []types.Detection{det(3)}},
		step{at: 10 * time.Second, dets: []types.Detection{det(1)}},
		step{at: 16 * time.Second, dets: []types.Detection{det(1)}},
	)

	require.NoError(t, h.pipeline.Run(context.Background()))

	assert.Equal(t, []string{"D", "D"}, h.signals.sent())
	assert.Empty(t, h.evidence(t))
}

func TestFailingEvidenceDoesNotStopLoop(t *testing.T) {
	h := newHarness(t, referenceConfig(),
		step{at: 0, dets: []types.Detection{det(0)}},
		step{at: time.Second, dets: []types.Detection{det(0)}},
	)
	require.NoError(t, h.store.Close())

	require.NoError(t, h.pipeline.Run(context.Background()))

	assert.Equal(t, []string{"a", "a"}, h.signals.sent())
	assert.Equal(t, uint64(2), h.metrics.EvidenceFailed.Load())
	assert.Len(t, h.observer.stats, 2)
}

type blockingSource struct {
	once   sync.Once
	closed chan struct{}
}

func (s *blockingSource) Read() (types.Frame, bool) {
	<-s.closed
	return types.Frame{}, false
}

func (s *blockingSource) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func TestRunStopsOnCancel(t *testing.T) {
	src := &blockingSource{closed: make(chan struct{})}
	p, err := New(Config{
		Camera:   "cam0",
		Source:   src,
		Detector: &scriptedDetector{src: &scriptedSource{}},
		Engine:   policy.NewEngine(referenceConfig(), nil),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

type fixedDetector []types.Detection

func (d fixedDetector) Detect(image.Image) ([]types.Detection, error) { return d, nil }

func TestRunOverMJPEGStream(t *testing.T) {
	var stream bytes.Buffer
	for i := 0; i < 3; i++ {
		require.NoError(t, jpeg.Encode(&stream, image.NewGray(image.Rect(0, 0, 16, 16)), nil))
	}

	mock := clock.NewMock()
	signals := &recordingSignaler{}
	obs := &recordingObserver{}
	p, err := New(Config{
		Camera:   "replay",
		Source:   source.NewReaderSource("replay", &stream, mock),
		Detector: fixedDetector{det(0)},
		Engine:   policy.NewEngine(referenceConfig(), mock),
		Signaler: signals,
		Observer: obs,
		Clock:    mock,
	})
	require.NoError(t, err)

	require.NoError(t, p.Run(context.Background()))

	// the clock never moves, so only the first frame fires
	assert.Equal(t, []string{"a"}, signals.sent())
	require.Len(t, obs.stats, 3)
	assert.Equal(t, uint64(3), obs.stats[2].Seq)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	_, err = New(Config{Source: &blockingSource{closed: make(chan struct{})}})
	assert.Error(t, err)
}
