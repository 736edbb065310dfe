// Package config loads the host tool's YAML configuration with .env and
// environment overrides, and builds the session, extractor and logger
// settings from it.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/kiwi/internal/kiwi"
	"github.com/shaunagostinho/kiwi/internal/record"
	"github.com/shaunagostinho/kiwi/internal/transport"
)

// DefaultPath is used when no --config flag is given.
const DefaultPath = "kiwi.yaml"

// Config holds all host-side settings.
type Config struct {
	mu sync.RWMutex

	Serial  SerialConfig  `yaml:"serial" json:"serial"`
	Device  DeviceConfig  `yaml:"device" json:"device"`
	Extract ExtractConfig `yaml:"extract" json:"extract"`
	Monitor MonitorConfig `yaml:"monitor" json:"monitor"`
	Hints   HintsConfig   `yaml:"hints" json:"hints"`
	Log     LogConfig     `yaml:"log" json:"log"`

	path string
}

type SerialConfig struct {
	PortPath  string `yaml:"port_path" json:"portPath"` // empty: pick from the enumerator
	BaudRate  int    `yaml:"baud_rate" json:"baudRate"`
	TimeoutMS int    `yaml:"timeout_ms" json:"timeoutMs"` // per text reply
}

type DeviceConfig struct {
	MaxRetry       int `yaml:"max_retry" json:"maxRetry"`
	ProbeAttempts  int `yaml:"probe_attempts" json:"probeAttempts"`
	RangeAttempts  int `yaml:"range_attempts" json:"rangeAttempts"`
	BackoffMinMS   int `yaml:"backoff_min_ms" json:"backoffMinMs"`
	BackoffMaxMS   int `yaml:"backoff_max_ms" json:"backoffMaxMs"`
	RangeTimeoutMS int `yaml:"range_timeout_ms" json:"rangeTimeoutMs"`
	SettleMS       int `yaml:"settle_ms" json:"settleMs"`
}

type ExtractConfig struct {
	ChunkPages    int    `yaml:"chunk_pages" json:"chunkPages"`
	MaxRetry      int    `yaml:"max_retry" json:"maxRetry"`
	RetryDelayMS  int    `yaml:"retry_delay_ms" json:"retryDelayMs"`
	StopOnEmpty   bool   `yaml:"stop_on_empty" json:"stopOnEmpty"`
	KeepEmptyTail bool   `yaml:"keep_empty_tail" json:"keepEmptyTail"`
	DataDir       string `yaml:"data_dir" json:"dataDir"`
}

type MonitorConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
	PollMS     int    `yaml:"poll_ms" json:"pollMs"`
	Record     bool   `yaml:"record" json:"record"`
	RecordDir  string `yaml:"record_dir" json:"recordDir"`
}

// HintsConfig remembers the last port and logger used so later commands
// can default to them.
type HintsConfig struct {
	LastPort string `yaml:"last_port" json:"lastPort"`
	LastID   string `yaml:"last_id" json:"lastId"`
}

type LogConfig struct {
	Level  string `yaml:"level" json:"level"` // zerolog level name
	Pretty bool   `yaml:"pretty" json:"pretty"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Serial: SerialConfig{
			BaudRate:  115200,
			TimeoutMS: 1000,
		},
		Device: DeviceConfig{
			MaxRetry:       10,
			ProbeAttempts:  2,
			RangeAttempts:  5,
			BackoffMinMS:   50,
			BackoffMaxMS:   500,
			RangeTimeoutMS: 4000,
			SettleMS:       200,
		},
		Extract: ExtractConfig{
			ChunkPages:   16,
			MaxRetry:     16,
			RetryDelayMS: 100,
			StopOnEmpty:  true,
			DataDir:      "data",
		},
		Monitor: MonitorConfig{
			ListenAddr: ":8080",
			PollMS:     1000,
			RecordDir:  "readings",
		},
		Log: LogConfig{
			Level:  "info",
			Pretty: true,
		},
	}
}

// Load reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if the YAML is missing or bad.
func Load(path string, log zerolog.Logger) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Debug().Str("path", path).Msg("no config file, using defaults")
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("bad config file, using defaults")
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Debug().Str("path", path).Msg("config loaded")
	}

	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep, log)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
// Variables already in the real environment win.
func loadEnvFile(path string, log zerolog.Logger) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Debug().Str("path", path).Msg("loading .env")
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads KIWI_* environment variables.
// Supported: KIWI_PORT, KIWI_BAUD, KIWI_TIMEOUT_MS, KIWI_DATA_DIR,
// KIWI_CHUNK_PAGES, KIWI_LISTEN_ADDR, KIWI_LOG_LEVEL
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("KIWI_PORT"); v != "" {
		c.Serial.PortPath = v
	}
	if v := os.Getenv("KIWI_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Serial.BaudRate = n
		}
	}
	if v := os.Getenv("KIWI_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Serial.TimeoutMS = n
		}
	}
	if v := os.Getenv("KIWI_DATA_DIR"); v != "" {
		c.Extract.DataDir = v
	}
	if v := os.Getenv("KIWI_CHUNK_PAGES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Extract.ChunkPages = n
		}
	}
	if v := os.Getenv("KIWI_LISTEN_ADDR"); v != "" {
		c.Monitor.ListenAddr = v
	}
	if v := os.Getenv("KIWI_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// Path is the file Save writes to.
func (c *Config) Path() string { return c.path }

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		c.path = DefaultPath
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if dir := filepath.Dir(c.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("config: create dir: %w", err)
		}
	}
	return os.WriteFile(c.path, data, 0644)
}

// Remember records the port and logger id last used. Empty values leave
// the stored hint alone.
func (c *Config) Remember(port, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if port != "" {
		c.Hints.LastPort = port
	}
	if id != "" {
		c.Hints.LastID = id
	}
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// SerialSettings is the transport configuration for port.
func (c *Config) SerialSettings(port string) transport.SerialConfig {
	return transport.SerialConfig{PortPath: port, BaudRate: c.Serial.BaudRate}
}

// SessionOptions builds kiwi.Options. Zero values fall through to the
// session defaults.
func (c *Config) SessionOptions(log zerolog.Logger) kiwi.Options {
	d := c.Device
	opts := kiwi.Options{
		Attempts:      d.MaxRetry,
		ProbeAttempts: d.ProbeAttempts,
		RangeAttempts: d.RangeAttempts,
		LineTimeout:   ms(c.Serial.TimeoutMS),
		RangeTimeout:  ms(d.RangeTimeoutMS),
		Settle:        ms(d.SettleMS),
		Logger:        log,
	}
	if d.SettleMS < 0 {
		opts.Settle = -1
	}
	if d.BackoffMinMS > 0 {
		opts.BackOff = func() backoff.BackOff {
			b := kiwi.DefaultBackOff().(*backoff.ExponentialBackOff)
			b.InitialInterval = ms(d.BackoffMinMS)
			if d.BackoffMaxMS >= d.BackoffMinMS {
				b.MaxInterval = ms(d.BackoffMaxMS)
			}
			b.Reset()
			return b
		}
	}
	return opts
}

// Extractor builds a bulk extractor with no reader bound.
func (c *Config) Extractor(log zerolog.Logger) kiwi.Extractor {
	e := c.Extract
	return kiwi.Extractor{
		ChunkSize:     e.ChunkPages * record.PageSize,
		MaxRetry:      e.MaxRetry,
		RetryDelay:    ms(e.RetryDelayMS),
		StopOnEmpty:   e.StopOnEmpty,
		KeepEmptyTail: e.KeepEmptyTail,
		Logger:        log,
	}
}

// PollInterval is the monitor's sensor polling period.
func (c *Config) PollInterval() time.Duration {
	if c.Monitor.PollMS <= 0 {
		return time.Second
	}
	return ms(c.Monitor.PollMS)
}

// NewLogger builds the root logger: a console writer when pretty, JSON
// otherwise. Unknown levels fall back to info.
func (c LogConfig) NewLogger(w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(c.Level))
	if err != nil || c.Level == "" {
		level = zerolog.InfoLevel
	}
	if c.Pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
