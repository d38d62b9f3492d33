// Package config loads and holds all relay configuration.
// Settings are layered: defaults → relay-config.yaml → environment variables
// (env vars win). A subset of fields that are safe to change without a
// restart (the shared worker token and rate-limit thresholds) can be
// hot-reloaded by watching the YAML file with fsnotify.
package config

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds the full relay configuration.
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	Workers         int           `yaml:"workers"`
	Threads         int           `yaml:"threads"`
	Timeout         time.Duration `yaml:"timeout"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`

	PublicURL   string `yaml:"publicUrl"`
	ServerToken string `yaml:"serverToken"`

	StreamRateLimit int  `yaml:"streamRateLimit"`
	PerfMonitor     bool `yaml:"perfMonitor"`

	MaxEnvelopeBytes     int64         `yaml:"maxEnvelopeBytes"`
	RequestTTL           time.Duration `yaml:"requestTTL"`
	WorkerTTL            time.Duration `yaml:"workerTTL"`
	PollTimeout          time.Duration `yaml:"pollTimeout"`
	StreamGapTimeout     time.Duration `yaml:"streamGapTimeout"`
	StreamPollTimeout    time.Duration `yaml:"streamPollTimeout"`
	ShutdownGrace        time.Duration `yaml:"shutdownGrace"`
	MaxInFlightPerWorker int           `yaml:"maxInFlightPerWorker"`

	WorkerAllowPatterns []string `yaml:"workerAllowPatterns"`

	LogLevel string `yaml:"logLevel"`
}

// defaults returns the built-in configuration baseline, per spec.md §6.
func defaults() *Config {
	return &Config{
		Host: "0.0.0.0",
		Port: 5010,

		Workers:         4,
		Threads:         1,
		Timeout:         30 * time.Second,
		GracefulTimeout: 30 * time.Second,

		StreamRateLimit: 60,
		PerfMonitor:     false,

		MaxEnvelopeBytes:     8 << 20,
		RequestTTL:           60 * time.Second,
		WorkerTTL:            90 * time.Second,
		PollTimeout:          30 * time.Second,
		StreamGapTimeout:     10 * time.Second,
		StreamPollTimeout:    15 * time.Second,
		ShutdownGrace:        30 * time.Second,
		MaxInFlightPerWorker: 4,

		LogLevel: "info",
	}
}

// Load returns config with defaults overridden by relay-config.yaml and then
// environment variables. path may be empty, in which case only defaults and
// env vars apply.
func Load(path string) *Config {
	cfg := defaults()
	if path != "" {
		loadFile(cfg, path)
	}
	loadEnv(cfg)
	return cfg
}

func loadFile(cfg *Config, path string) {
	data, err := os.ReadFile(path) //nolint:gosec // path is an operator-controlled config file, not user input
	if err != nil {
		return // file is optional
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		logrus.WithError(err).WithField("path", path).Warn("config: could not parse file, ignoring")
		return
	}
	logrus.WithField("path", path).Info("config: loaded file")
}

func loadEnv(cfg *Config) {
	if v := os.Getenv("RELAY_HOST"); v != "" {
		cfg.Host = v
	}
	if v, ok := envInt("RELAY_PORT"); ok {
		cfg.Port = v
	}
	if v, ok := envInt("RELAY_WORKERS"); ok {
		cfg.Workers = v
	}
	if v, ok := envInt("RELAY_THREADS"); ok {
		cfg.Threads = v
	}
	if v, ok := envDuration("RELAY_TIMEOUT"); ok {
		cfg.Timeout = v
	}
	if v, ok := envDuration("RELAY_GRACEFUL_TIMEOUT"); ok {
		cfg.GracefulTimeout = v
	}
	if v := os.Getenv("TOKEN_PLACE_RELAY_PUBLIC_URL"); v != "" {
		cfg.PublicURL = v
	}
	if v := os.Getenv("TOKEN_PLACE_RELAY_SERVER_TOKEN"); v != "" {
		cfg.ServerToken = v
	}
	if v, ok := envInt("API_STREAM_RATE_LIMIT"); ok {
		cfg.StreamRateLimit = v
	}
	if v := os.Getenv("TOKEN_PLACE_PERF_MONITOR"); v != "" {
		cfg.PerfMonitor = isTruthy(v)
	}
	if v, ok := envInt64("MAX_ENVELOPE_BYTES"); ok {
		cfg.MaxEnvelopeBytes = v
	}
	if v, ok := envDuration("REQUEST_TTL"); ok {
		cfg.RequestTTL = v
	}
	if v, ok := envDuration("WORKER_TTL"); ok {
		cfg.WorkerTTL = v
	}
	if v, ok := envDuration("POLL_TIMEOUT"); ok {
		cfg.PollTimeout = v
	}
	if v, ok := envDuration("STREAM_GAP_TIMEOUT"); ok {
		cfg.StreamGapTimeout = v
	}
	if v, ok := envDuration("STREAM_POLL_TIMEOUT"); ok {
		cfg.StreamPollTimeout = v
	}
	if v, ok := envDuration("SHUTDOWN_GRACE"); ok {
		cfg.ShutdownGrace = v
	}
	if v, ok := envInt("MAX_INFLIGHT_PER_WORKER"); ok {
		cfg.MaxInFlightPerWorker = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envInt64(key string) (int64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, true
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Watcher hot-reloads the mutable subset of configuration (the shared worker
// token and rate-limit thresholds) from the YAML file whenever it changes on
// disk, without restarting the process.
type Watcher struct {
	path string

	mu              sync.RWMutex
	serverToken     string
	streamRateLimit int

	watcher *fsnotify.Watcher
}

// WatchFile starts watching path for changes and seeds the watcher's mutable
// fields from cfg's current values. Call Close when done.
func WatchFile(path string, cfg *Config) (*Watcher, error) {
	w := &Watcher{path: path, serverToken: cfg.ServerToken, streamRateLimit: cfg.StreamRateLimit}
	if path == "" {
		return w, nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, err
	}
	w.watcher = fw

	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logrus.WithError(err).Warn("config: watcher error")
		}
	}
}

func (w *Watcher) reload() {
	data, err := os.ReadFile(w.path) //nolint:gosec // operator-controlled path
	if err != nil {
		logrus.WithError(err).WithField("path", w.path).Warn("config: hot-reload read failed")
		return
	}
	var partial struct {
		ServerToken     string `yaml:"serverToken"`
		StreamRateLimit int    `yaml:"streamRateLimit"`
	}
	if err := yaml.Unmarshal(data, &partial); err != nil {
		logrus.WithError(err).WithField("path", w.path).Warn("config: hot-reload parse failed")
		return
	}

	w.mu.Lock()
	w.serverToken = partial.ServerToken
	w.streamRateLimit = partial.StreamRateLimit
	w.mu.Unlock()
	logrus.WithField("path", w.path).Info("config: hot-reloaded")
}

// ServerToken returns the current shared worker-registration token.
func (w *Watcher) ServerToken() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.serverToken
}

// StreamRateLimit returns the current per-client stream-retrieve rate limit.
func (w *Watcher) StreamRateLimit() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.streamRateLimit
}

// Close stops the underlying filesystem watcher, if any.
func (w *Watcher) Close() error {
	if w.watcher == nil {
		return nil
	}
	return w.watcher.Close()
}
