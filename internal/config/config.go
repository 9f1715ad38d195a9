// Package config loads the sentry configuration from YAML, .env files and
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/dj-oyu/esp32-object-sentry/internal/policy"
)

// Config holds the sentry configuration.
type Config struct {
	Cameras  []CameraConfig `yaml:"cameras"`
	Detector DetectorConfig `yaml:"detector"`
	Policy   PolicyConfig   `yaml:"policy"`
	Actuator ActuatorConfig `yaml:"actuator"`
	Evidence EvidenceConfig `yaml:"evidence"`
	Notify   NotifyConfig   `yaml:"notify"`
	HTTP     HTTPConfig     `yaml:"http"`
	Annotate AnnotateConfig `yaml:"annotate"`
	Log      LogConfig      `yaml:"log"`
}

type CameraConfig struct {
	Name      string            `yaml:"name"`
	Source    string            `yaml:"source"` // device index ("0") or stream URI
	Width     int               `yaml:"width"`
	Height    int               `yaml:"height"`
	InputArgs map[string]string `yaml:"input_args"` // extra ffmpeg input options
}

type DetectorConfig struct {
	Kind       string   `yaml:"kind"` // onnx | network
	ModelPath  string   `yaml:"model_path"`
	LabelsPath string   `yaml:"labels_path"`
	ClassNames []string `yaml:"class_names"`
	InputSize  int      `yaml:"input_size"`
	Confidence float64  `yaml:"confidence"`
	IoU        float64  `yaml:"iou"`
	MinArea    float64  `yaml:"min_area"` // fraction of the frame, 0 disables
	Address    string   `yaml:"address"`  // network detector host:port
	ORTLibrary string   `yaml:"ort_library"`
}

type PolicyConfig struct {
	Groups   map[string][]int        `yaml:"groups"`
	Cooldown *time.Duration          `yaml:"cooldown"` // unset means 200ms; 0s re-arms on the next frame
	Actions  map[string]ActionConfig `yaml:"actions"`  // keyed by condition name
}

func (p PolicyConfig) cooldown() time.Duration {
	if p.Cooldown == nil {
		return 0
	}
	return *p.Cooldown
}

type ActionConfig struct {
	Message string `yaml:"message"`
	Persist bool   `yaml:"persist"`
}

type ActuatorConfig struct {
	Address     string        `yaml:"address"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

type EvidenceConfig struct {
	Driver   string `yaml:"driver"` // sqlite | postgres | mysql | mongodb
	DSN      string `yaml:"dsn"`
	Database string `yaml:"database"` // mongodb only
	Queue    int    `yaml:"queue"`    // 0 writes inline on the frame loop
}

type NotifyConfig struct {
	NATS NATSConfig `yaml:"nats"`
	MQTT MQTTConfig `yaml:"mqtt"`
}

type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      byte   `yaml:"qos"`
}

type HTTPConfig struct {
	Addr        string       `yaml:"addr"`
	MetricsAddr string       `yaml:"metrics_addr"`
	PprofAddr   string       `yaml:"pprof_addr"` // empty disables pprof
	WebRTC      WebRTCConfig `yaml:"webrtc"`
}

type WebRTCConfig struct {
	Enabled    bool     `yaml:"enabled"`
	STUN       []string `yaml:"stun"`
	MaxClients int      `yaml:"max_clients"`
}

type AnnotateConfig struct {
	Mode        string `yaml:"mode"` // all | grouped
	JPEGQuality int    `yaml:"jpeg_quality"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	Color *bool  `yaml:"color"`
	File  string `yaml:"file"`
	// MaxSizeMB rotates the log file.
	MaxSizeMB int `yaml:"max_size_mb"`
}

// Environment variables that override file values.
const (
	EnvCameraSource  = "SENTRY_CAMERA_SOURCE"
	EnvEvidenceDSN   = "SENTRY_EVIDENCE_DSN"
	EnvNATSURL       = "SENTRY_NATS_URL"
	EnvMQTTUsername  = "SENTRY_MQTT_USERNAME"
	EnvMQTTPassword  = "SENTRY_MQTT_PASSWORD"
	EnvActuatorAddr  = "SENTRY_ACTUATOR_ADDR"
	conditionAlone   = "suspicious_alone"
	conditionPresent = "exclusive_presence"
)

// Default returns the configuration of the reference deployment.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads configuration from a YAML file. A missing file yields the
// defaults. Values from a .env file next to the process and from the
// environment are applied on top.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}

	// .env is optional
	_ = godotenv.Load()

	applyDefaults(cfg)
	applyEnv(cfg)

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if len(cfg.Cameras) == 0 {
		cfg.Cameras = []CameraConfig{{Source: "0"}}
	}
	for i := range cfg.Cameras {
		c := &cfg.Cameras[i]
		if c.Name == "" {
			c.Name = "cam" + strconv.Itoa(i)
		}
		if c.Width == 0 {
			c.Width = 1280
		}
		if c.Height == 0 {
			c.Height = 720
		}
	}

	if cfg.Detector.Kind == "" {
		cfg.Detector.Kind = "onnx"
	}
	if cfg.Detector.ModelPath == "" {
		cfg.Detector.ModelPath = "last_version.onnx"
	}
	if cfg.Detector.InputSize == 0 {
		cfg.Detector.InputSize = 640
	}
	if cfg.Detector.Confidence == 0 {
		cfg.Detector.Confidence = 0.25
	}
	if cfg.Detector.IoU == 0 {
		cfg.Detector.IoU = 0.7
	}

	if cfg.Policy.Groups == nil {
		cfg.Policy.Groups = map[string][]int{
			policy.GroupSuspicious: {0, 1},
			policy.GroupAllowed:    {2, 3, 4},
		}
	}
	if cfg.Policy.Cooldown == nil {
		cooldown := 200 * time.Millisecond
		cfg.Policy.Cooldown = &cooldown
	}
	if len(cfg.Policy.Actions) == 0 {
		cfg.Policy.Actions = map[string]ActionConfig{
			conditionAlone:   {Message: "a", Persist: true},
			conditionPresent: {Message: "b"},
		}
	}

	if cfg.Actuator.Address == "" {
		cfg.Actuator.Address = "192.168.113.145:8088"
	}
	if cfg.Actuator.DialTimeout == 0 {
		cfg.Actuator.DialTimeout = 2 * time.Second
	}

	if cfg.Evidence.Driver == "" {
		cfg.Evidence.Driver = "sqlite"
	}
	if cfg.Evidence.DSN == "" && cfg.Evidence.Driver == "sqlite" {
		cfg.Evidence.DSN = "suspicious_objects.db"
	}
	if cfg.Evidence.Database == "" {
		cfg.Evidence.Database = "sentry"
	}

	if cfg.Notify.NATS.Subject == "" {
		cfg.Notify.NATS.Subject = "sentry.alerts"
	}
	if cfg.Notify.MQTT.Topic == "" {
		cfg.Notify.MQTT.Topic = "sentry/alerts"
	}
	if cfg.Notify.MQTT.ClientID == "" {
		cfg.Notify.MQTT.ClientID = "esp32-object-sentry"
	}

	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":5000"
	}
	if cfg.HTTP.MetricsAddr == "" {
		cfg.HTTP.MetricsAddr = ":9090"
	}
	if len(cfg.HTTP.WebRTC.STUN) == 0 {
		cfg.HTTP.WebRTC.STUN = []string{"stun:stun.l.google.com:19302"}
	}
	if cfg.HTTP.WebRTC.MaxClients == 0 {
		cfg.HTTP.WebRTC.MaxClients = 10
	}

	if cfg.Annotate.Mode == "" {
		cfg.Annotate.Mode = "all"
	}
	if cfg.Annotate.JPEGQuality == 0 {
		cfg.Annotate.JPEGQuality = 80
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Color == nil {
		on := true
		cfg.Log.Color = &on
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvCameraSource); v != "" {
		cfg.Cameras[0].Source = v
	}
	if v := os.Getenv(EnvEvidenceDSN); v != "" {
		cfg.Evidence.DSN = v
	}
	if v := os.Getenv(EnvNATSURL); v != "" {
		cfg.Notify.NATS.URL = v
	}
	if v := os.Getenv(EnvMQTTUsername); v != "" {
		cfg.Notify.MQTT.Username = v
	}
	if v := os.Getenv(EnvMQTTPassword); v != "" {
		cfg.Notify.MQTT.Password = v
	}
	if v := os.Getenv(EnvActuatorAddr); v != "" {
		cfg.Actuator.Address = v
	}
}

// ParseResolution parses "WxH".
func ParseResolution(s string) (int, int, error) {
	w, h, ok := strings.Cut(strings.ToLower(s), "x")
	if !ok {
		return 0, 0, fmt.Errorf("invalid resolution %q, want WxH", s)
	}
	width, err := strconv.Atoi(strings.TrimSpace(w))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid resolution width %q: %w", w, err)
	}
	height, err := strconv.Atoi(strings.TrimSpace(h))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid resolution height %q: %w", h, err)
	}
	return width, height, nil
}

// SetResolution applies one resolution to every camera.
func (c *Config) SetResolution(width, height int) {
	for i := range c.Cameras {
		c.Cameras[i].Width = width
		c.Cameras[i].Height = height
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if len(c.Cameras) == 0 {
		return errors.New("at least one camera is required")
	}
	names := make(map[string]bool, len(c.Cameras))
	for _, cam := range c.Cameras {
		if cam.Source == "" {
			return fmt.Errorf("camera %s: source is required", cam.Name)
		}
		if cam.Width <= 0 || cam.Height <= 0 {
			return fmt.Errorf("camera %s: invalid resolution %dx%d", cam.Name, cam.Width, cam.Height)
		}
		if names[cam.Name] {
			return fmt.Errorf("camera name %s is used twice", cam.Name)
		}
		names[cam.Name] = true
	}

	switch c.Detector.Kind {
	case "onnx":
		if c.Detector.ModelPath == "" {
			return errors.New("detector.model_path is required for onnx")
		}
	case "network":
		if c.Detector.Address == "" {
			return errors.New("detector.address is required for network")
		}
	default:
		return fmt.Errorf("unknown detector kind: %s", c.Detector.Kind)
	}

	if c.Policy.cooldown() < 0 {
		return fmt.Errorf("policy.cooldown must not be negative: %s", c.Policy.cooldown())
	}
	if _, err := policy.NewGroups(c.Policy.Groups); err != nil {
		return fmt.Errorf("policy.groups: %w", err)
	}
	for name := range c.Policy.Actions {
		if _, ok := conditionByName(name); !ok {
			return fmt.Errorf("policy.actions: unknown condition %s", name)
		}
	}

	switch c.Evidence.Driver {
	case "sqlite", "postgres", "mysql", "mongodb":
	default:
		return fmt.Errorf("unknown evidence driver: %s", c.Evidence.Driver)
	}
	if c.Evidence.DSN == "" {
		return fmt.Errorf("evidence.dsn is required for %s", c.Evidence.Driver)
	}
	if c.Evidence.Queue < 0 {
		return errors.New("evidence.queue must not be negative")
	}

	switch c.Annotate.Mode {
	case "all", "grouped":
	default:
		return fmt.Errorf("unknown annotate mode: %s", c.Annotate.Mode)
	}
	if c.Annotate.JPEGQuality < 1 || c.Annotate.JPEGQuality > 100 {
		return fmt.Errorf("annotate.jpeg_quality out of range: %d", c.Annotate.JPEGQuality)
	}

	return nil
}

// PolicyConfig freezes the configured groups and actions for the engine.
func (c *Config) PolicyConfig() (policy.Config, error) {
	groups, err := policy.NewGroups(c.Policy.Groups)
	if err != nil {
		return policy.Config{}, err
	}

	actions := make(map[policy.Condition]policy.Action, len(c.Policy.Actions))
	for name, a := range c.Policy.Actions {
		cond, ok := conditionByName(name)
		if !ok {
			return policy.Config{}, fmt.Errorf("unknown condition %s", name)
		}
		actions[cond] = policy.Action{Message: a.Message, Persist: a.Persist}
	}

	return policy.Config{
		Groups:   groups,
		Cooldown: c.Policy.cooldown(),
		Actions:  actions,
	}, nil
}

func conditionByName(name string) (policy.Condition, bool) {
	for _, cond := range []policy.Condition{policy.ConditionSuspiciousAlone, policy.ConditionExclusivePresence} {
		if cond.String() == name {
			return cond, true
		}
	}
	return policy.ConditionNone, false
}
