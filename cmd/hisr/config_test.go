package main

import (
	"os"
	"path/filepath"
	"testing"
)

type setFlags map[string]bool

func (s setFlags) IsSet(name string) bool { return s[name] }

func TestLoadConfigFrom(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "model_config: /models/swin.yaml\nseed: 7\nworkers: 3\nlog_format: json\nserver_address: 0.0.0.0:9000\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg := loadConfigFrom(path)
	if cfg.ModelConfig != "/models/swin.yaml" || cfg.LogFormat != "json" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Seed == nil || *cfg.Seed != 7 || cfg.Workers == nil || *cfg.Workers != 3 {
		t.Fatalf("pointer fields not decoded: %+v", cfg)
	}

	if got := loadConfigFrom(filepath.Join(t.TempDir(), "missing.yaml")); got.ModelConfig != "" {
		t.Fatalf("missing file should give zero config, got %+v", got)
	}
	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("seed: [\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if got := loadConfigFrom(bad); got.Seed != nil {
		t.Fatalf("invalid file should give zero config, got %+v", got)
	}
}

func TestApplyConfigRespectsFlags(t *testing.T) {
	seedVal, workersVal, capacityVal := int64(9), 5, 12
	cfg := Config{
		ModelConfig:   "from-file.yaml",
		Weights:       "from-file.safetensors",
		Seed:          &seedVal,
		Backend:       "cpu",
		Workers:       &workersVal,
		ServerAddress: "0.0.0.0:1234",
		StoreCapacity: &capacityVal,
	}

	modelConfigPath, weightsPath, seed, backendName, workers = "", "flag.safetensors", 0, "auto", 0
	addr, capacity := "127.0.0.1:8080", 64
	applyServeConfig(setFlags{"weights": true, "store-capacity": true}, cfg, &addr, &capacity)

	if modelConfigPath != "from-file.yaml" {
		t.Errorf("model config = %q", modelConfigPath)
	}
	if weightsPath != "flag.safetensors" {
		t.Errorf("explicit --weights was overridden: %q", weightsPath)
	}
	if seed != 9 || workers != 5 || backendName != "cpu" {
		t.Errorf("seed %d workers %d backend %q", seed, workers, backendName)
	}
	if addr != "0.0.0.0:1234" {
		t.Errorf("addr = %q", addr)
	}
	if capacity != 64 {
		t.Errorf("explicit --store-capacity was overridden: %d", capacity)
	}

	logLevel, logFormat = "info", "pretty"
	applyLogConfig(setFlags{"log-level": true}, Config{LogLevel: "debug", LogFormat: "json"})
	if logLevel != "info" || logFormat != "json" {
		t.Errorf("log level %q format %q", logLevel, logFormat)
	}
}

func TestModelID(t *testing.T) {
	weightsPath = ""
	if got := modelID(); got != "hisr-seeded" {
		t.Fatalf("modelID() = %q", got)
	}
	weightsPath = "/ckpt/swin_pool_v30.safetensors"
	if got := modelID(); got != "swin_pool_v30" {
		t.Fatalf("modelID() = %q", got)
	}
	weightsPath = ""
}

func TestSummarize(t *testing.T) {
	lo, hi, mean := summarize([]float32{2, -1, 5, 2})
	if lo != -1 || hi != 5 || mean != 2 {
		t.Fatalf("summarize = %v %v %v", lo, hi, mean)
	}
	if lo, hi, mean := summarize(nil); lo != 0 || hi != 0 || mean != 0 {
		t.Fatalf("summarize(nil) = %v %v %v", lo, hi, mean)
	}
}
