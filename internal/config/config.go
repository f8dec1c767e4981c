package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Server
	Port string `yaml:"port"`
	// InternalSharedSecret, when set, must arrive in X-Internal-Auth on
	// every route except /health.
	InternalSharedSecret string        `yaml:"internalSharedSecret"`
	DownloadTimeout      time.Duration `yaml:"downloadTimeout"`
	CleanupInterval      time.Duration `yaml:"cleanupInterval"`
	// AllowPrivateDownloads lets URL intake reach loopback and private
	// hosts. Local testing only.
	AllowPrivateDownloads bool `yaml:"allowPrivateDownloads"`

	// Storage
	DataDir           string        `yaml:"dataDir"`
	CheckpointBackend string        `yaml:"checkpointBackend"` // file | redis
	RedisAddr         string        `yaml:"redisAddr"`
	RedisPassword     string        `yaml:"redisPassword"`
	RedisDB           int           `yaml:"redisDb"`
	RedisKeyPrefix    string        `yaml:"redisKeyPrefix"`
	RetentionPeriod   time.Duration `yaml:"retentionPeriod"`
	SweepInterval     time.Duration `yaml:"sweepInterval"`
	ResumeOnStart     bool          `yaml:"resumeOnStart"`

	// Pipeline
	RasterDPI         int  `yaml:"rasterDpi"`
	CheckpointEvery   int  `yaml:"checkpointEvery"`
	MemoryThresholdMB int  `yaml:"memoryThresholdMb"`
	CleanPages        bool `yaml:"cleanPages"`

	// External binaries
	PDFInfoBinary   string `yaml:"pdfinfoBinary"`
	PDFToPPMBinary  string `yaml:"pdftoppmBinary"`
	TesseractBinary string `yaml:"tesseractBinary"`

	// External tool timeouts
	PDFInfoTimeout time.Duration `yaml:"pdfinfoTimeout"`
	RasterTimeout  time.Duration `yaml:"rasterTimeout"`
	OCRTimeout     time.Duration `yaml:"ocrTimeout"`

	// OCR
	OCRLanguages         string `yaml:"ocrLanguages"`
	OCRFallbackLanguages string `yaml:"ocrFallbackLanguages"`
	OCREngineMode        int    `yaml:"ocrEngineMode"`
	OCRPageSegMode       int    `yaml:"ocrPageSegMode"`
	OCROutput            string `yaml:"ocrOutput"` // txt | hocr

	// Concurrency
	MaxOCRConcurrent      int64 `yaml:"maxOcrConcurrent"`
	MaxConcurrentSessions int64 `yaml:"maxConcurrentSessions"`

	// HTTP limits
	MaxUploadBytes    int64         `yaml:"maxUploadBytes"`
	MaxJSONBodyBytes  int64         `yaml:"maxJsonBodyBytes"`
	RateLimitEvery    time.Duration `yaml:"rateLimitEvery"`
	RateLimitBurst    int           `yaml:"rateLimitBurst"`
	ReadHeaderTimeout time.Duration `yaml:"readHeaderTimeout"`
	ReadTimeout       time.Duration `yaml:"readTimeout"`
	WriteTimeout      time.Duration `yaml:"writeTimeout"`
	IdleTimeout       time.Duration `yaml:"idleTimeout"`
	MaxHeaderBytes    int           `yaml:"maxHeaderBytes"`

	// Logging
	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`

	Correction Correction `yaml:"correction"`
}

// Correction holds the heuristic constants of the text correction engine.
type Correction struct {
	DetectionThreshold int     `yaml:"detectionThreshold"`
	SampleLimit        int     `yaml:"sampleLimit"`
	ContextWidth       int     `yaml:"contextWidth"`
	Weights            Weights `yaml:"weights"`
}

type Weights struct {
	Length       float64 `yaml:"length"`
	DocumentType float64 `yaml:"documentType"`
	ChangeCount  float64 `yaml:"changeCount"`
	Domain       float64 `yaml:"domain"`
}

func Load() Config {
	return Config{
		Port:                  envStr("PORT", "8080"),
		InternalSharedSecret:  envStr("INTERNAL_SHARED_SECRET", ""),
		DownloadTimeout:       envDur("DOWNLOAD_TIMEOUT", 2*time.Minute),
		CleanupInterval:       envDur("CLEANUP_INTERVAL", 5*time.Minute),
		AllowPrivateDownloads: envBool("ALLOW_PRIVATE_DOWNLOAD_URLS", false),

		DataDir:           envStr("DATA_DIR", "./data"),
		CheckpointBackend: strings.ToLower(envStr("CHECKPOINT_BACKEND", "file")),
		RedisAddr:         envStr("REDIS_ADDR", "localhost:6379"),
		RedisPassword:     envStr("REDIS_PASSWORD", ""),
		RedisDB:           envIntAllowZero("REDIS_DB", 0),
		RedisKeyPrefix:    envStr("REDIS_KEY_PREFIX", "vnocr:checkpoint:"),
		RetentionPeriod:   envDur("RETENTION_PERIOD", 7*24*time.Hour),
		SweepInterval:     envDur("SWEEP_INTERVAL", time.Hour),
		ResumeOnStart:     envBool("RESUME_ON_START", true),

		RasterDPI:         envInt("RASTER_DPI", 300),
		CheckpointEvery:   envInt("CHECKPOINT_EVERY", 5),
		MemoryThresholdMB: envInt("MEMORY_THRESHOLD_MB", 512),
		CleanPages:        envBool("CLEAN_PAGES", false),

		PDFInfoBinary:   envStr("PDFINFO_BINARY", "pdfinfo"),
		PDFToPPMBinary:  envStr("PDFTOPPM_BINARY", "pdftoppm"),
		TesseractBinary: envStr("TESSERACT_BINARY", "tesseract"),

		PDFInfoTimeout: envDur("PDFINFO_TIMEOUT", 10*time.Second),
		RasterTimeout:  envDur("RASTER_TIMEOUT", 60*time.Second),
		OCRTimeout:     envDur("OCR_TIMEOUT", 120*time.Second),

		OCRLanguages:         envStr("OCR_LANGUAGES", "vie+eng"),
		OCRFallbackLanguages: envStr("OCR_FALLBACK_LANGUAGES", "vie"),
		OCREngineMode:        envIntAllowZero("OCR_ENGINE_MODE", 1),
		OCRPageSegMode:       envIntAllowZero("OCR_PAGE_SEG_MODE", 3),
		OCROutput:            strings.ToLower(envStr("OCR_OUTPUT", "txt")),

		MaxOCRConcurrent:      int64(envInt("MAX_OCR_CONCURRENT", 2)),
		MaxConcurrentSessions: int64(envInt("MAX_CONCURRENT_SESSIONS", 4)),

		MaxUploadBytes:    int64(envInt("MAX_UPLOAD_BYTES", int(500<<20))),
		MaxJSONBodyBytes:  int64(envInt("MAX_JSON_BODY_BYTES", 8<<20)),
		RateLimitEvery:    envDur("RATE_LIMIT_EVERY", 600*time.Millisecond),
		RateLimitBurst:    envInt("RATE_LIMIT_BURST", 20),
		ReadHeaderTimeout: envDur("READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:       envDur("READ_TIMEOUT", 5*time.Minute),
		WriteTimeout:      envDur("WRITE_TIMEOUT", 5*time.Minute),
		IdleTimeout:       envDur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    envInt("MAX_HEADER_BYTES", 1<<20),

		LogLevel:  envStr("LOG_LEVEL", "info"),
		LogFormat: envStr("LOG_FORMAT", "text"),

		Correction: Correction{
			DetectionThreshold: envInt("CORRECTION_DETECTION_THRESHOLD", 2),
			SampleLimit:        envInt("CORRECTION_SAMPLE_LIMIT", 100),
			ContextWidth:       envInt("CORRECTION_CONTEXT_WIDTH", 20),
			Weights: Weights{
				Length:       envFloat("CORRECTION_WEIGHT_LENGTH", 0.3),
				DocumentType: envFloat("CORRECTION_WEIGHT_DOCTYPE", 0.2),
				ChangeCount:  envFloat("CORRECTION_WEIGHT_CHANGES", 0.3),
				Domain:       envFloat("CORRECTION_WEIGHT_DOMAIN", 0.2),
			},
		},
	}
}

// LoadWithFile loads the environment and then overlays the YAML file named
// by CONFIG_FILE, if any.
func LoadWithFile() (Config, error) {
	c := Load()
	if path := envStr("CONFIG_FILE", ""); path != "" {
		if err := c.ApplyFile(path); err != nil {
			return c, err
		}
	}
	return c, nil
}

// ApplyFile overlays the YAML document at path. Keys absent from the file
// keep their current values.
func (c *Config) ApplyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", filepath.Base(path), err)
	}
	c.CheckpointBackend = strings.ToLower(strings.TrimSpace(c.CheckpointBackend))
	c.OCROutput = strings.ToLower(strings.TrimSpace(c.OCROutput))
	return nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("DATA_DIR must not be empty")
	}
	switch c.CheckpointBackend {
	case "file":
	case "redis":
		if strings.TrimSpace(c.RedisAddr) == "" {
			return fmt.Errorf("REDIS_ADDR is required when CHECKPOINT_BACKEND=redis")
		}
	default:
		return fmt.Errorf("CHECKPOINT_BACKEND must be file or redis, got %q", c.CheckpointBackend)
	}
	if c.RasterDPI < 72 || c.RasterDPI > 1200 {
		return fmt.Errorf("RASTER_DPI must be between 72 and 1200, got %d", c.RasterDPI)
	}
	if c.CheckpointEvery < 1 {
		return fmt.Errorf("CHECKPOINT_EVERY must be at least 1")
	}
	if strings.TrimSpace(c.OCRLanguages) == "" {
		return fmt.Errorf("OCR_LANGUAGES must not be empty")
	}
	if c.OCREngineMode < 0 || c.OCREngineMode > 3 {
		return fmt.Errorf("OCR_ENGINE_MODE must be between 0 and 3")
	}
	if c.OCRPageSegMode < 0 || c.OCRPageSegMode > 13 {
		return fmt.Errorf("OCR_PAGE_SEG_MODE must be between 0 and 13")
	}
	if c.OCROutput != "txt" && c.OCROutput != "hocr" {
		return fmt.Errorf("OCR_OUTPUT must be txt or hocr, got %q", c.OCROutput)
	}
	if c.Correction.DetectionThreshold < 1 {
		return fmt.Errorf("correction detection threshold must be at least 1")
	}
	w := c.Correction.Weights
	if w.Length < 0 || w.DocumentType < 0 || w.ChangeCount < 0 || w.Domain < 0 {
		return fmt.Errorf("correction weights must not be negative")
	}
	if w.Length+w.DocumentType+w.ChangeCount+w.Domain <= 0 {
		return fmt.Errorf("correction weights must not all be zero")
	}
	return nil
}

func (c Config) CheckpointDir() string { return filepath.Join(c.DataDir, "checkpoints") }
func (c Config) OutputDir() string     { return filepath.Join(c.DataDir, "outputs") }
func (c Config) WorkDir() string       { return filepath.Join(c.DataDir, "work") }
func (c Config) DocumentsDir() string  { return filepath.Join(c.DataDir, "documents") }

// MemoryThresholdBytes converts the MB knob; zero disables the GC hint.
func (c Config) MemoryThresholdBytes() uint64 {
	if c.MemoryThresholdMB <= 0 {
		return 0
	}
	return uint64(c.MemoryThresholdMB) << 20
}

func envStr(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func envIntAllowZero(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return fallback
	}
	return f
}

func envDur(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func envBool(key string, fallback bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
