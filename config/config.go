package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const (
	DefaultAddr               = "127.0.0.1:8080"
	DefaultModelPath          = "best.onnx"
	DefaultInferenceImageSize = 640
	DefaultMaxUploadMB        = 10
	DefaultRateLimit          = 5
	DefaultRateBurst          = 10
)

type Config struct {
	Addr              string `validate:"required,hostname_port"`
	ModelPath         string `validate:"required"`
	SharedLibraryPath string
	ClassNamesPath    string

	// InferenceImageSize is the resize hint passed to the model; 0 leaves
	// the choice to the model.
	InferenceImageSize int     `validate:"gte=0,lte=1280"`
	ConfThreshold      float32 `validate:"gt=0,lt=1"`
	IouThreshold       float64 `validate:"gt=0,lt=1"`
	MaxDetections      int     `validate:"gt=0"`
	PoolSize           int     `validate:"gte=1,lte=64"`
	Threads            int     `validate:"gte=0"`
	MaxUploadMB        int     `validate:"gt=0,lte=100"`

	TempDir   string
	RateLimit float64 `validate:"gte=0"`
	RateBurst int     `validate:"gte=0"`
	LogLevel  string  `validate:"oneof=trace debug info warn warning error fatal panic"`
	LogFile   string
	Debug     bool
}

func Default() *Config {
	return &Config{
		Addr:               DefaultAddr,
		ModelPath:          DefaultModelPath,
		SharedLibraryPath:  DefaultSharedLibraryPath(),
		InferenceImageSize: DefaultInferenceImageSize,
		ConfThreshold:      0.25,
		IouThreshold:       0.45,
		MaxDetections:      300,
		PoolSize:           2,
		MaxUploadMB:        DefaultMaxUploadMB,
		TempDir:            os.TempDir(),
		RateLimit:          DefaultRateLimit,
		RateBurst:          DefaultRateBurst,
		LogLevel:           "info",
	}
}

// DefaultSharedLibraryPath is where the ONNX Runtime library is expected when
// ORT_LIB_PATH is not set.
func DefaultSharedLibraryPath() string {
	switch runtime.GOOS {
	case "windows":
		return "./third_party/onnxruntime.dll"
	case "darwin":
		return "./third_party/libonnxruntime.dylib"
	default:
		if runtime.GOARCH == "arm64" {
			return "./third_party/libonnxruntime_arm64.so"
		}
		return "./third_party/libonnxruntime.so"
	}
}

// Load reads .env (when present) and the process environment on top of the
// defaults, then validates the result.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a config from lookup, which has the signature of os.LookupEnv.
func FromEnv(lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	p := &parser{lookup: lookup}

	p.str("ADDR", &cfg.Addr)
	p.str("MODEL_PATH", &cfg.ModelPath)
	p.str("ORT_LIB_PATH", &cfg.SharedLibraryPath)
	p.str("CLASS_NAMES_PATH", &cfg.ClassNamesPath)
	p.imageSize("INFERENCE_IMAGE_SIZE", &cfg.InferenceImageSize)
	p.f32("CONF_THRESHOLD", &cfg.ConfThreshold)
	p.f64("IOU_THRESHOLD", &cfg.IouThreshold)
	p.integer("MAX_DETECTIONS", &cfg.MaxDetections)
	p.integer("POOL_SIZE", &cfg.PoolSize)
	p.integer("THREADS", &cfg.Threads)
	p.integer("MAX_UPLOAD_MB", &cfg.MaxUploadMB)
	p.str("TEMP_DIR", &cfg.TempDir)
	p.f64("RATE_LIMIT", &cfg.RateLimit)
	p.integer("RATE_BURST", &cfg.RateBurst)
	p.str("LOG_LEVEL", &cfg.LogLevel)
	p.str("LOG_FILE", &cfg.LogFile)
	p.boolean("DEBUG", &cfg.Debug)

	if p.err != nil {
		return nil, p.err
	}

	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) MaxUploadBytes() int64 {
	return int64(c.MaxUploadMB) << 20
}

type parser struct {
	lookup func(string) (string, bool)
	err    error
}

func (p *parser) value(key string) (string, bool) {
	if p.err != nil {
		return "", false
	}
	v, ok := p.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (p *parser) fail(key, v string, err error) {
	p.err = fmt.Errorf("invalid %s=%q: %w", key, v, err)
}

func (p *parser) str(key string, dst *string) {
	if v, ok := p.value(key); ok {
		*dst = v
	}
}

func (p *parser) integer(key string, dst *int) {
	if v, ok := p.value(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			p.fail(key, v, err)
			return
		}
		*dst = n
	}
}

// imageSize accepts a positive integer, or 0/none to defer to the model.
func (p *parser) imageSize(key string, dst *int) {
	if v, ok := p.value(key); ok {
		if strings.EqualFold(v, "none") {
			*dst = 0
			return
		}
		p.integer(key, dst)
	}
}

func (p *parser) f32(key string, dst *float32) {
	if v, ok := p.value(key); ok {
		f, err := strconv.ParseFloat(v, 32)
		if err != nil {
			p.fail(key, v, err)
			return
		}
		*dst = float32(f)
	}
}

func (p *parser) f64(key string, dst *float64) {
	if v, ok := p.value(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			p.fail(key, v, err)
			return
		}
		*dst = f
	}
}

func (p *parser) boolean(key string, dst *bool) {
	if v, ok := p.value(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			p.fail(key, v, err)
			return
		}
		*dst = b
	}
}
