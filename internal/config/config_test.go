package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsValidate(t *testing.T) {
	cfg := Load()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate, got %v", err)
	}
	if cfg.OCRLanguages != "vie+eng" || cfg.OCRFallbackLanguages != "vie" {
		t.Fatalf("unexpected language defaults: %q / %q", cfg.OCRLanguages, cfg.OCRFallbackLanguages)
	}
	if cfg.Correction.DetectionThreshold != 2 || cfg.Correction.SampleLimit != 100 {
		t.Fatalf("unexpected correction defaults: %+v", cfg.Correction)
	}
	if cfg.AllowPrivateDownloads {
		t.Fatal("private downloads must be off by default")
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("CHECKPOINT_EVERY", "3")
	t.Setenv("RASTER_DPI", "200")
	t.Setenv("CHECKPOINT_BACKEND", "REDIS")
	t.Setenv("OCR_ENGINE_MODE", "0")
	t.Setenv("CLEAN_PAGES", "yes")
	t.Setenv("RETENTION_PERIOD", "36h")
	t.Setenv("ALLOW_PRIVATE_DOWNLOAD_URLS", "true")

	cfg := Load()
	if cfg.CheckpointEvery != 3 || cfg.RasterDPI != 200 {
		t.Fatalf("env ints not applied: %+v", cfg)
	}
	if cfg.CheckpointBackend != "redis" {
		t.Fatalf("backend = %q, want redis", cfg.CheckpointBackend)
	}
	if cfg.OCREngineMode != 0 {
		t.Fatalf("engine mode = %d, want 0", cfg.OCREngineMode)
	}
	if !cfg.CleanPages {
		t.Fatalf("CLEAN_PAGES not applied")
	}
	if cfg.RetentionPeriod != 36*time.Hour {
		t.Fatalf("retention = %v", cfg.RetentionPeriod)
	}
	if !cfg.AllowPrivateDownloads {
		t.Fatalf("ALLOW_PRIVATE_DOWNLOAD_URLS not applied")
	}
}

func TestInvalidEnvFallsBack(t *testing.T) {
	t.Setenv("CHECKPOINT_EVERY", "-4")
	t.Setenv("RASTER_DPI", "lots")
	cfg := Load()
	if cfg.CheckpointEvery != 5 || cfg.RasterDPI != 300 {
		t.Fatalf("expected fallbacks, got every=%d dpi=%d", cfg.CheckpointEvery, cfg.RasterDPI)
	}
}

func TestApplyFileOverlaysOnlyGivenKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	doc := `
checkpointEvery: 7
ocrTimeout: 45s
correction:
  detectionThreshold: 3
  weights:
    domain: 0.5
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := Load()
	if err := cfg.ApplyFile(path); err != nil {
		t.Fatalf("ApplyFile: %v", err)
	}
	if cfg.CheckpointEvery != 7 {
		t.Fatalf("checkpointEvery = %d", cfg.CheckpointEvery)
	}
	if cfg.OCRTimeout != 45*time.Second {
		t.Fatalf("ocrTimeout = %v", cfg.OCRTimeout)
	}
	if cfg.Correction.DetectionThreshold != 3 || cfg.Correction.Weights.Domain != 0.5 {
		t.Fatalf("correction overlay not applied: %+v", cfg.Correction)
	}
	if cfg.Correction.Weights.Length != 0.3 || cfg.RasterDPI != 300 {
		t.Fatalf("keys absent from the file must keep their values: %+v", cfg)
	}
}

func TestLoadWithFileUsesConfigFileEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	if err := os.WriteFile(path, []byte("rasterDpi: 150\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)
	cfg, err := LoadWithFile()
	if err != nil {
		t.Fatalf("LoadWithFile: %v", err)
	}
	if cfg.RasterDPI != 150 {
		t.Fatalf("rasterDpi = %d", cfg.RasterDPI)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"backend":   func(c *Config) { c.CheckpointBackend = "s3" },
		"dpi":       func(c *Config) { c.RasterDPI = 10 },
		"cadence":   func(c *Config) { c.CheckpointEvery = 0 },
		"output":    func(c *Config) { c.OCROutput = "pdf" },
		"threshold": func(c *Config) { c.Correction.DetectionThreshold = 0 },
		"weights":   func(c *Config) { c.Correction.Weights = Weights{} },
		"redis":     func(c *Config) { c.CheckpointBackend = "redis"; c.RedisAddr = "" },
	}
	for name, mutate := range cases {
		cfg := Load()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}
