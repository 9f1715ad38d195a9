package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	_ "net/http/pprof" // Enable pprof
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dj-oyu/esp32-object-sentry/internal/annotate"
	"github.com/dj-oyu/esp32-object-sentry/internal/config"
	"github.com/dj-oyu/esp32-object-sentry/internal/detector"
	"github.com/dj-oyu/esp32-object-sentry/internal/dispatch"
	"github.com/dj-oyu/esp32-object-sentry/internal/evidence"
	"github.com/dj-oyu/esp32-object-sentry/internal/logger"
	"github.com/dj-oyu/esp32-object-sentry/internal/metrics"
	"github.com/dj-oyu/esp32-object-sentry/internal/notify"
	"github.com/dj-oyu/esp32-object-sentry/internal/pipeline"
	"github.com/dj-oyu/esp32-object-sentry/internal/policy"
	"github.com/dj-oyu/esp32-object-sentry/internal/source"
	"github.com/dj-oyu/esp32-object-sentry/internal/webmonitor"
	"github.com/dj-oyu/esp32-object-sentry/internal/webrtc"
)

var (
	// Command-line flags
	configPath  = flag.String("config", "sentry.yaml", "Configuration file (YAML)")
	resolution  = flag.String("resolution", "", "Capture resolution WxH for every camera")
	httpAddr    = flag.String("http", "", "HTTP server address (overrides config)")
	metricsAddr = flag.String("metrics", "", "Metrics server address (overrides config)")
	pprofAddr   = flag.String("pprof", "", "pprof server address (empty disables)")
	assetsDir   = flag.String("assets", "", "Static files served under /assets/")
	logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error, silent)")
	logColor    = flag.Bool("log-color", true, "Enable colored log output")
	logFile     = flag.String("log-file", "", "Also write logs to this rotated file")
)

// Server owns every running component of the sentry.
type Server struct {
	cfg     *config.Config
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	metrics *metrics.Metrics

	recorder   *evidence.Recorder
	dispatcher *dispatch.Dispatcher
	fanout     *notify.Fanout
	detectors  []detector.Detector
	pipelines  []*pipeline.Pipeline
	web        *webmonitor.Server
	webrtc     *webrtc.Server
	httpServer *http.Server
	logCloser  io.Closer
}

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	out, closer := logger.Output(logger.FileConfig{Path: cfg.Log.File, MaxSizeMB: cfg.Log.MaxSizeMB})
	logger.Init(level, out, *cfg.Log.Color)

	logger.Info("Main", "Object sentry starting...")
	logger.Info("Main", "Log level: %s", level)

	srv, err := NewServer(cfg)
	if err != nil {
		closer.Close()
		log.Fatalf("Failed to create server: %v", err)
	}
	srv.logCloser = closer

	if err := srv.Start(); err != nil {
		srv.Shutdown()
		log.Fatalf("Failed to start server: %v", err)
	}

	// Wait for shutdown signal or for every pipeline to end
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
	case <-srv.Done():
		logger.Warn("Main", "All camera pipelines stopped")
	}

	logger.Info("Main", "Shutting down...")

	if err := srv.Shutdown(); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}

	log.Println("Server stopped")
}

// loadConfig reads the config file and applies the command-line overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, err
	}

	if *resolution != "" {
		w, h, err := config.ParseResolution(*resolution)
		if err != nil {
			return nil, err
		}
		cfg.SetResolution(w, h)
	}
	if *httpAddr != "" {
		cfg.HTTP.Addr = *httpAddr
	}
	if *metricsAddr != "" {
		cfg.HTTP.MetricsAddr = *metricsAddr
	}
	if *pprofAddr != "" {
		cfg.HTTP.PprofAddr = *pprofAddr
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if !*logColor {
		cfg.Log.Color = logColor
	}
	if *logFile != "" {
		cfg.Log.File = *logFile
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// NewServer builds the shared components. Cameras are opened in Start.
func NewServer(cfg *config.Config) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())

	m := metrics.New()

	s := &Server{
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		metrics: m,
	}

	store, err := evidence.Open(ctx, evidence.Config{
		Driver:   cfg.Evidence.Driver,
		DSN:      cfg.Evidence.DSN,
		Database: cfg.Evidence.Database,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open evidence store: %w", err)
	}
	s.recorder = evidence.NewRecorder(store, cfg.Evidence.Queue, m)
	logger.Info("Main", "Evidence: %s %s (queue=%d)",
		cfg.Evidence.Driver, logger.Redact(cfg.Evidence.DSN), cfg.Evidence.Queue)

	s.dispatcher = dispatch.New(cfg.Actuator.Address, cfg.Actuator.DialTimeout, m)
	logger.Info("Main", "Actuator: %s", cfg.Actuator.Address)

	cameras := make([]string, 0, len(cfg.Cameras))
	for _, c := range cfg.Cameras {
		cameras = append(cameras, c.Name)
	}

	webCfg := webmonitor.DefaultConfig()
	webCfg.Addr = cfg.HTTP.Addr
	webCfg.Cameras = cameras
	webCfg.AssetsDir = *assetsDir

	monitor := webmonitor.NewMonitor(cameras, webCfg.FPSWindow, webCfg.AlertHistory, nil)
	alerts := webmonitor.NewAlertBroadcaster()
	s.fanout = notify.NewFanout(0, m, monitor, alerts)

	deps := webmonitor.Deps{
		Monitor:  monitor,
		Frames:   webmonitor.NewFrameBroadcaster(m),
		Alerts:   alerts,
		Evidence: s.recorder,
		Metrics:  m,
	}
	if cfg.HTTP.WebRTC.Enabled {
		s.webrtc = webrtc.NewServer(cfg.HTTP.WebRTC.STUN, cfg.HTTP.WebRTC.MaxClients, m)
		s.fanout.Add(s.webrtc)
		deps.Offers = s.webrtc
	}
	s.web = webmonitor.NewServer(webCfg, deps)

	if err := s.addBrokerSinks(); err != nil {
		s.closeShared()
		return nil, err
	}
	logger.Info("Main", "Notify sinks: %v", s.fanout.Sinks())

	s.httpServer = &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: s.web.Handler(),
	}

	return s, nil
}

func (s *Server) addBrokerSinks() error {
	n := s.cfg.Notify
	if n.NATS.URL != "" {
		sink, err := notify.NewNATSSink(n.NATS.URL, n.NATS.Subject)
		if err != nil {
			return fmt.Errorf("failed to connect nats: %w", err)
		}
		s.fanout.Add(sink)
	}
	if n.MQTT.Broker != "" {
		sink, err := notify.NewMQTTSink(notify.MQTTConfig{
			Broker:   n.MQTT.Broker,
			Topic:    n.MQTT.Topic,
			ClientID: n.MQTT.ClientID,
			Username: n.MQTT.Username,
			Password: n.MQTT.Password,
			QoS:      n.MQTT.QoS,
		})
		if err != nil {
			return fmt.Errorf("failed to connect mqtt: %w", err)
		}
		s.fanout.Add(sink)
	}
	return nil
}

// Start opens every camera and starts the pipelines and HTTP servers.
func (s *Server) Start() error {
	policyCfg, err := s.cfg.PolicyConfig()
	if err != nil {
		return err
	}

	annotator, err := annotate.New(policyCfg.Groups, annotate.Mode(s.cfg.Annotate.Mode), s.cfg.Annotate.JPEGQuality)
	if err != nil {
		return err
	}

	labels := s.cfg.Detector.ClassNames
	if s.cfg.Detector.LabelsPath != "" {
		labels, err = detector.LoadLabels(s.cfg.Detector.LabelsPath)
		if err != nil {
			return err
		}
	}

	for _, cam := range s.cfg.Cameras {
		if err := s.startCamera(cam, policyCfg, annotator, labels); err != nil {
			return fmt.Errorf("camera %s: %w", cam.Name, err)
		}
	}

	logger.Info("Main", "  HTTP server: %s", s.cfg.HTTP.Addr)
	logger.Info("Main", "  Metrics server: %s", s.cfg.HTTP.MetricsAddr)
	logger.Info("Main", "  Policy cooldown: %s", policyCfg.Cooldown)

	if s.cfg.HTTP.PprofAddr != "" {
		go func() {
			logger.Info("Main", "Starting pprof server on %s", s.cfg.HTTP.PprofAddr)
			if err := http.ListenAndServe(s.cfg.HTTP.PprofAddr, nil); err != nil {
				logger.Warn("Main", "pprof server error: %v", err)
			}
		}()
	}

	go func() {
		logger.Info("Main", "Starting metrics server on %s", s.cfg.HTTP.MetricsAddr)
		if err := s.metrics.StartServer(s.cfg.HTTP.MetricsAddr); err != nil {
			logger.Warn("Main", "Metrics server error: %v", err)
		}
	}()

	go func() {
		logger.Info("Main", "Starting HTTP server on %s", s.cfg.HTTP.Addr)
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Main", "HTTP server error: %v", err)
		}
	}()

	logger.Info("Main", "Server started successfully")
	return nil
}

// startCamera wires one feed: its own detector, engine and alert state.
func (s *Server) startCamera(cam config.CameraConfig, policyCfg policy.Config, annotator *annotate.Annotator, labels []string) error {
	det, err := detector.New(detector.Config{
		Kind:       s.cfg.Detector.Kind,
		ModelPath:  s.cfg.Detector.ModelPath,
		Labels:     labels,
		InputSize:  s.cfg.Detector.InputSize,
		Confidence: s.cfg.Detector.Confidence,
		IoU:        s.cfg.Detector.IoU,
		MinArea:    s.cfg.Detector.MinArea,
		Address:    s.cfg.Detector.Address,
		ORTLibrary: s.cfg.Detector.ORTLibrary,
	})
	if err != nil {
		return fmt.Errorf("failed to create detector: %w", err)
	}
	s.detectors = append(s.detectors, det)

	src, err := source.Open(s.ctx, source.Spec{
		Name:       cam.Name,
		Identifier: cam.Source,
		Width:      cam.Width,
		Height:     cam.Height,
		InputArgs:  cam.InputArgs,
	})
	if err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}

	p, err := pipeline.New(pipeline.Config{
		Camera:   cam.Name,
		Source:   src,
		Detector: det,
		Engine:   policy.NewEngine(policyCfg, nil),
		Renderer: annotator,
		Signaler: s.dispatcher,
		Evidence: s.recorder,
		Notifier: s.fanout,
		Frames:   s.web.Frames(),
		Observer: s.web.Monitor(),
		Metrics:  s.metrics,
	})
	if err != nil {
		src.Close()
		return err
	}
	s.pipelines = append(s.pipelines, p)

	logger.Info("Main", "Camera %s: %s %dx%d", cam.Name, logger.Redact(cam.Source), cam.Width, cam.Height)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := p.Run(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Main", "Pipeline %s: %v", p.Camera(), err)
			return
		}
		logger.Info("Main", "Pipeline %s stopped", p.Camera())
	}()
	return nil
}

// Done is closed once every pipeline has returned.
func (s *Server) Done() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	return done
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown() error {
	// Cancel context to stop pipelines
	s.cancel()
	s.wg.Wait()

	// Streaming handlers return once their channels close
	s.web.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.httpServer.Shutdown(ctx)

	for _, d := range s.detectors {
		if cerr := d.Close(); cerr != nil {
			logger.Warn("Main", "Close detector: %v", cerr)
		}
	}
	s.closeShared()

	if s.logCloser != nil {
		s.logCloser.Close()
	}
	return err
}

func (s *Server) closeShared() {
	s.dispatcher.Close()
	// Closes broker connections and WebRTC peers
	if err := s.fanout.Close(); err != nil {
		logger.Warn("Main", "Close notify sinks: %v", err)
	}
	if err := s.recorder.Close(); err != nil {
		logger.Warn("Main", "Close evidence store: %v", err)
	}
	s.cancel()
}
