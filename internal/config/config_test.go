package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/seantiz/accelrt/internal/engine"
	"github.com/seantiz/accelrt/internal/model"
	"github.com/seantiz/accelrt/internal/stream"
)

var allEnv = []string{
	envConfigFile, envListenAddr, envDBPath, envLogLevel, envLogFile, envDevices,
	envStrategy, envInline, envQueueDepth, envStreamCapacity, envFailureMode,
	envPollInterval, envSendRetries, envHeartbeatInterval, envHeartbeatMisses, envSimLatency,
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range allEnv {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != defaultListenAddr {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, defaultListenAddr)
	}
	if cfg.DBPath != defaultDBPath {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, defaultDBPath)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelInfo)
	}
	if cfg.Devices != 1 {
		t.Errorf("Devices = %d, want 1", cfg.Devices)
	}
	if cfg.Engine.Strategy != engine.StrategyCQReport {
		t.Errorf("Strategy = %q, want %q", cfg.Engine.Strategy, engine.StrategyCQReport)
	}
	if cfg.Stream.Capacity != stream.DefaultCapacity {
		t.Errorf("Stream.Capacity = %d, want %d", cfg.Stream.Capacity, stream.DefaultCapacity)
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(envListenAddr, ":9090")
	t.Setenv(envDBPath, "/tmp/test.db")
	t.Setenv(envLogLevel, "debug")
	t.Setenv(envDevices, "2")
	t.Setenv(envStrategy, engine.StrategyHeadPoll)
	t.Setenv(envInline, "true")
	t.Setenv(envQueueDepth, "128")
	t.Setenv(envHeartbeatInterval, "20ms")
	t.Setenv(envFailureMode, "abort")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9090")
	}
	if cfg.DBPath != "/tmp/test.db" {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, "/tmp/test.db")
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelDebug)
	}
	if cfg.Devices != 2 {
		t.Errorf("Devices = %d, want 2", cfg.Devices)
	}

	ec := cfg.EngineOptions()
	if ec.Strategy != engine.StrategyHeadPoll || !ec.Inline || ec.QueueDepth != 128 {
		t.Errorf("EngineOptions = %+v", ec)
	}
	if ec.HeartbeatInterval != 20*time.Millisecond {
		t.Errorf("HeartbeatInterval = %v, want 20ms", ec.HeartbeatInterval)
	}
	if mode := cfg.StreamDefaults().FailureMode; mode != model.FailureAbort {
		t.Errorf("FailureMode = %v, want abort", mode)
	}
}

func TestLoadInvalidEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(envQueueDepth, "deep")
	t.Setenv(envPollInterval, "often")
	t.Setenv(envFailureMode, "explode")

	if _, err := Load(); err == nil {
		t.Fatal("Load succeeded with invalid values")
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "accelrt.yaml")
	data := []byte(`
listen_addr: ":7070"
log_level: warn
devices: 3
engine:
  strategy: head-poll
  queue_depth: 32
  poll_interval: 2ms
stream:
  capacity: 256
  failure_mode: stop
sim:
  queues: 8
  latency: 150us
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(envConfigFile, path)
	t.Setenv(envListenAddr, ":6060")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != ":6060" {
		t.Errorf("ListenAddr = %q, want env override :6060", cfg.ListenAddr)
	}
	if cfg.LogLevel != slog.LevelWarn {
		t.Errorf("LogLevel = %v, want warn", cfg.LogLevel)
	}
	if cfg.Devices != 3 {
		t.Errorf("Devices = %d, want 3", cfg.Devices)
	}
	if cfg.Engine.Strategy != engine.StrategyHeadPoll || cfg.Engine.QueueDepth != 32 {
		t.Errorf("Engine = %+v", cfg.Engine)
	}
	if cfg.Engine.PollInterval != 2*time.Millisecond {
		t.Errorf("PollInterval = %v, want 2ms", cfg.Engine.PollInterval)
	}
	if !cfg.Engine.Recycle {
		t.Error("Recycle default lost when file omits it")
	}
	if got := cfg.StreamDefaults(); got.Capacity != 256 || got.FailureMode != model.FailureStop {
		t.Errorf("StreamDefaults = %+v", got)
	}
	if got := cfg.SimOptions(); got.Queues != 8 || got.Latency != 150*time.Microsecond {
		t.Errorf("SimOptions = %+v", got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	t.Setenv(envConfigFile, filepath.Join(t.TempDir(), "missing.yaml"))

	if _, err := Load(); err == nil {
		t.Fatal("Load succeeded with a missing config file")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		got := parseLogLevel(tt.input)
		if got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestLogOutput(t *testing.T) {
	var buf bytes.Buffer
	if w := (Config{}).LogOutput(&buf); w != &buf {
		t.Errorf("LogOutput without LogFile = %T, want fallback", w)
	}

	path := filepath.Join(t.TempDir(), "accelrt.log")
	w := Config{LogFile: path}.LogOutput(&buf)
	lj, ok := w.(*lumberjack.Logger)
	if !ok {
		t.Fatalf("LogOutput = %T, want *lumberjack.Logger", w)
	}
	defer lj.Close()

	NewLogger(w, slog.LevelInfo).Info("rotated")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !bytes.Contains(data, []byte(`"msg":"rotated"`)) {
		t.Errorf("log file = %s", data)
	}
}

func TestNewLoggerOutputsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)
	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}

	logger.Info("test message", "key", "value")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("logger output is not valid JSON: %v\noutput: %s", err, buf.String())
	}

	for _, key := range []string{"time", "level", "msg"} {
		if _, ok := entry[key]; !ok {
			t.Errorf("JSON output missing expected key %q", key)
		}
	}
	if entry["msg"] != "test message" {
		t.Errorf("msg = %v, want %q", entry["msg"], "test message")
	}
	if entry["key"] != "value" {
		t.Errorf("key = %v, want %q", entry["key"], "value")
	}
}
