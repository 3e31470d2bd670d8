package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"

	"github.com/seantiz/accelrt/internal/driver/sim"
	"github.com/seantiz/accelrt/internal/engine"
	"github.com/seantiz/accelrt/internal/model"
	"github.com/seantiz/accelrt/internal/stream"
)

const (
	defaultListenAddr = ":8080"
	defaultDBPath     = "accelrt.db"
	defaultDevices    = 1

	envConfigFile        = "ACCELRT_CONFIG"
	envListenAddr        = "ACCELRT_LISTEN_ADDR"
	envDBPath            = "ACCELRT_DB_PATH"
	envLogLevel          = "ACCELRT_LOG_LEVEL"
	envLogFile           = "ACCELRT_LOG_FILE"
	envDevices           = "ACCELRT_DEVICES"
	envStrategy          = "ACCELRT_STRATEGY"
	envInline            = "ACCELRT_INLINE"
	envQueueDepth        = "ACCELRT_QUEUE_DEPTH"
	envStreamCapacity    = "ACCELRT_STREAM_CAPACITY"
	envFailureMode       = "ACCELRT_FAILURE_MODE"
	envPollInterval      = "ACCELRT_POLL_INTERVAL"
	envSendRetries       = "ACCELRT_SEND_RETRIES"
	envHeartbeatInterval = "ACCELRT_HEARTBEAT_INTERVAL"
	envHeartbeatMisses   = "ACCELRT_HEARTBEAT_MISSES"
	envSimLatency        = "ACCELRT_SIM_LATENCY"
)

// Config holds application configuration. Values come from an optional YAML
// file named by ACCELRT_CONFIG, then environment variables, then defaults.
type Config struct {
	ListenAddr   string     `yaml:"listen_addr"`
	DBPath       string     `yaml:"db_path"`
	LogLevelName string     `yaml:"log_level"`
	LogLevel     slog.Level `yaml:"-"`
	LogFile      string     `yaml:"log_file"`
	Devices      int        `yaml:"devices"`

	Engine EngineConfig `yaml:"engine"`
	Stream StreamConfig `yaml:"stream"`
	Sim    SimConfig    `yaml:"sim"`
}

// EngineConfig configures every device's engine.
type EngineConfig struct {
	Strategy          string        `yaml:"strategy"`
	QueueDepth        int           `yaml:"queue_depth"`
	Inline            bool          `yaml:"inline"`
	Recycle           bool          `yaml:"recycle"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	ReclaimBatch      int           `yaml:"reclaim_batch"`
	SendRetries       int           `yaml:"send_retries"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatMisses   int           `yaml:"heartbeat_misses"`
}

// StreamConfig holds defaults for new streams.
type StreamConfig struct {
	Capacity    int    `yaml:"capacity"`
	FailureMode string `yaml:"failure_mode"`
}

// SimConfig configures the simulated device.
type SimConfig struct {
	Queues            int           `yaml:"queues"`
	Depth             int           `yaml:"depth"`
	AuxIDs            int           `yaml:"aux_ids"`
	Latency           time.Duration `yaml:"latency"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// Load reads configuration from the optional config file and environment
// variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr: defaultListenAddr,
		DBPath:     defaultDBPath,
		LogLevel:   slog.LevelInfo,
		Devices:    defaultDevices,
		Engine: EngineConfig{
			Strategy:   engine.StrategyCQReport,
			QueueDepth: engine.DefaultQueueDepth,
			Recycle:    true,
		},
		Stream: StreamConfig{
			Capacity:    stream.DefaultCapacity,
			FailureMode: model.FailureContinue.String(),
		},
	}

	if path := os.Getenv(envConfigFile); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return cfg, err
		}
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevelName = v
	}
	if v := os.Getenv(envLogFile); v != "" {
		cfg.LogFile = v
	}
	if v := os.Getenv(envStrategy); v != "" {
		cfg.Engine.Strategy = v
	}
	if v := os.Getenv(envFailureMode); v != "" {
		cfg.Stream.FailureMode = v
	}

	var errs []string
	setInt := func(env string, dst *int) {
		if v := os.Getenv(env); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", env, err))
				return
			}
			*dst = n
		}
	}
	setDuration := func(env string, dst *time.Duration) {
		if v := os.Getenv(env); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", env, err))
				return
			}
			*dst = d
		}
	}

	setInt(envDevices, &cfg.Devices)
	setInt(envQueueDepth, &cfg.Engine.QueueDepth)
	setInt(envStreamCapacity, &cfg.Stream.Capacity)
	setInt(envSendRetries, &cfg.Engine.SendRetries)
	setInt(envHeartbeatMisses, &cfg.Engine.HeartbeatMisses)
	setDuration(envPollInterval, &cfg.Engine.PollInterval)
	setDuration(envHeartbeatInterval, &cfg.Engine.HeartbeatInterval)
	setDuration(envSimLatency, &cfg.Sim.Latency)

	if v := os.Getenv(envInline); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", envInline, err))
		} else {
			cfg.Engine.Inline = b
		}
	}

	if cfg.LogLevelName != "" {
		cfg.LogLevel = parseLogLevel(cfg.LogLevelName)
	}
	if _, err := model.ParseFailureMode(cfg.Stream.FailureMode); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.Devices < 1 {
		errs = append(errs, fmt.Sprintf("devices must be at least 1, got %d", cfg.Devices))
	}

	if len(errs) > 0 {
		return cfg, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// EngineOptions converts the engine section for engine.New.
func (c Config) EngineOptions() engine.Config {
	return engine.Config{
		Strategy:          c.Engine.Strategy,
		QueueDepth:        c.Engine.QueueDepth,
		Inline:            c.Engine.Inline,
		Recycle:           c.Engine.Recycle,
		PollInterval:      c.Engine.PollInterval,
		ReclaimBatch:      c.Engine.ReclaimBatch,
		SendRetries:       c.Engine.SendRetries,
		HeartbeatInterval: c.Engine.HeartbeatInterval,
		HeartbeatMisses:   c.Engine.HeartbeatMisses,
	}
}

// StreamDefaults converts the stream section. The failure mode has already
// been validated by Load.
func (c Config) StreamDefaults() stream.Options {
	mode, _ := model.ParseFailureMode(c.Stream.FailureMode)
	return stream.Options{
		Capacity:    c.Stream.Capacity,
		FailureMode: mode,
	}
}

// SimOptions converts the sim section for sim.New.
func (c Config) SimOptions() sim.Config {
	return sim.Config{
		Queues:            c.Sim.Queues,
		Depth:             c.Sim.Depth,
		AuxIDs:            c.Sim.AuxIDs,
		Latency:           c.Sim.Latency,
		HeartbeatInterval: c.Sim.HeartbeatInterval,
	}
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogOutput returns where logs are written: a size-rotated file when LogFile
// is set, otherwise fallback.
func (c Config) LogOutput(fallback io.Writer) io.Writer {
	if c.LogFile == "" {
		return fallback
	}
	return &lumberjack.Logger{
		Filename:   c.LogFile,
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     28,
		Compress:   true,
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
