// ============================================================================
// Docflow Config - YAML configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Function: load configs/*.yaml over built-in defaults, validate, and hand
// each component its own config struct
//
// Sections:
//   - engine:  worker count, extraction timeout, dispatch interval
//   - policy:  auto-approve threshold, field weights, required fields
//   - retry:   retry cap and named profiles (estimated duration in ms)
//   - masks:   page bounds used when a case has no page size
//   - storage: WAL and snapshot paths, snapshot cadence
//   - ocr:     OCR engine endpoint
//   - export:  file or s3 sink, ledger path
//   - server:  gRPC listen address
//   - metrics: Prometheus endpoint
//   - log:     level and format
//
// Keys absent from the file keep their Default() value. Map sections
// (policy.weights, retry.profiles) merge with the defaults.
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ChuLiYu/docflow/internal/engine"
	"github.com/ChuLiYu/docflow/internal/export"
	"github.com/ChuLiYu/docflow/internal/logging"
	"github.com/ChuLiYu/docflow/internal/masks"
	"github.com/ChuLiYu/docflow/internal/ocr"
	"github.com/ChuLiYu/docflow/internal/policy"
	"github.com/ChuLiYu/docflow/internal/retry"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Environment variables that override secrets from the file.
const (
	EnvOCRToken = "DOCFLOW_OCR_TOKEN"
)

// Config is the complete system configuration.
type Config struct {
	Engine  EngineConfig  `yaml:"engine"`
	Policy  PolicyConfig  `yaml:"policy"`
	Retry   RetryConfig   `yaml:"retry"`
	Masks   MasksConfig   `yaml:"masks"`
	Storage StorageConfig `yaml:"storage"`
	OCR     OCRConfig     `yaml:"ocr"`
	Export  ExportConfig  `yaml:"export"`
	Server  ServerConfig  `yaml:"server"`
	Metrics MetricsConfig `yaml:"metrics"`
	Log     LogConfig     `yaml:"log"`
}

type EngineConfig struct {
	WorkerCount       int           `yaml:"worker_count" validate:"min=1,max=1024"`
	ExtractionTimeout time.Duration `yaml:"extraction_timeout" validate:"gt=0"`
	DispatchInterval  time.Duration `yaml:"dispatch_interval" validate:"gt=0"`
}

type PolicyConfig struct {
	AutoApproveThreshold float64            `yaml:"auto_approve_threshold" validate:"gt=0,max=100"`
	Weights              map[string]float64 `yaml:"weights" validate:"dive,keys,required,endkeys,min=0"`
	DefaultWeight        float64            `yaml:"default_weight" validate:"gt=0"`
	RequiredFields       []string           `yaml:"required_fields" validate:"dive,required"`
}

type RetryConfig struct {
	MaxRetries     int              `yaml:"max_retries" validate:"min=0"`
	DefaultProfile string           `yaml:"default_profile" validate:"required"`
	Profiles       map[string]int64 `yaml:"profiles" validate:"required,min=1,dive,keys,required,endkeys,min=0"`
}

type MasksConfig struct {
	DefaultPageWidth  int `yaml:"default_page_width" validate:"min=1"`
	DefaultPageHeight int `yaml:"default_page_height" validate:"min=1"`
}

type StorageConfig struct {
	WALPath          string        `yaml:"wal_path" validate:"required"`
	SyncWAL          bool          `yaml:"sync_wal"`
	SnapshotPath     string        `yaml:"snapshot_path" validate:"required"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval" validate:"gt=0"`
	SnapshotBackups  int           `yaml:"snapshot_backups" validate:"min=0"`
}

type OCRConfig struct {
	Endpoint string        `yaml:"endpoint" validate:"omitempty,url"`
	Token    string        `yaml:"token"`
	Timeout  time.Duration `yaml:"timeout" validate:"gte=0"`
}

type ExportConfig struct {
	Sink       string   `yaml:"sink" validate:"oneof=file s3"`
	Dir        string   `yaml:"dir" validate:"required_if=Sink file"`
	LedgerPath string   `yaml:"ledger_path" validate:"required"`
	S3         S3Config `yaml:"s3"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
	Endpoint        string `yaml:"endpoint" validate:"omitempty,url"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" validate:"required_with=AccessKeyID"`
}

type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr" validate:"required,hostname_port"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port" validate:"min=0,max=65535"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// Default returns a configuration that runs a single node against a local
// OCR engine with file export.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			WorkerCount:       4,
			ExtractionTimeout: 60 * time.Second,
			DispatchInterval:  100 * time.Millisecond,
		},
		Policy: PolicyConfig{
			AutoApproveThreshold: policy.DefaultThreshold,
			Weights: map[string]float64{
				"total":          3,
				"invoice_number": 3,
				"vendor_name":    3,
				"invoice_date":   2,
				"currency":       1,
			},
			DefaultWeight:  0.5,
			RequiredFields: []string{"invoice_number", "total", "vendor_name"},
		},
		Retry: RetryConfig{
			MaxRetries:     3,
			DefaultProfile: "standard",
			Profiles: map[string]int64{
				"standard":       15000,
				"high_accuracy":  45000,
				"handwriting":    60000,
				"low_resolution": 30000,
			},
		},
		Masks: MasksConfig{
			DefaultPageWidth:  2480,
			DefaultPageHeight: 3508,
		},
		Storage: StorageConfig{
			WALPath:          "data/docflow.wal",
			SnapshotPath:     "data/snapshot.json",
			SnapshotInterval: 30 * time.Second,
			SnapshotBackups:  3,
		},
		OCR: OCRConfig{
			Endpoint: "http://localhost:8000",
			Timeout:  60 * time.Second,
		},
		Export: ExportConfig{
			Sink:       "file",
			Dir:        "data/exports",
			LedgerPath: "data/export_ledger.db",
		},
		Server:  ServerConfig{GRPCAddr: "localhost:50051"},
		Metrics: MetricsConfig{Enabled: true, Port: 9090},
		Log:     LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path over Default(), applies environment overrides and
// validates. An empty path yields the validated defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}
	if tok := os.Getenv(EnvOCRToken); tok != "" {
		cfg.OCR.Token = tok
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the cross-field rules the tags
// cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return fmt.Errorf("invalid config: %s: failed %q", verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, ok := c.Retry.Profiles[c.Retry.DefaultProfile]; !ok {
		return fmt.Errorf("invalid config: retry.default_profile %q is not a configured profile", c.Retry.DefaultProfile)
	}
	if c.Metrics.Enabled && c.Metrics.Port == 0 {
		return fmt.Errorf("invalid config: metrics.port is required when metrics are enabled")
	}
	if c.Export.Sink == "s3" && (c.Export.S3.Bucket == "" || c.Export.S3.Region == "") {
		return fmt.Errorf("invalid config: export.s3 bucket and region are required for the s3 sink")
	}
	return nil
}

// EngineConfig converts to the engine's tunables.
func (c *Config) EngineConfig() engine.Config {
	profiles := make(retry.Profiles, len(c.Retry.Profiles))
	for name, ms := range c.Retry.Profiles {
		profiles[name] = ms
	}
	weights := make(map[string]float64, len(c.Policy.Weights))
	for f, w := range c.Policy.Weights {
		weights[f] = w
	}
	return engine.Config{
		WorkerCount:       c.Engine.WorkerCount,
		ExtractionTimeout: c.Engine.ExtractionTimeout,
		DispatchInterval:  c.Engine.DispatchInterval,
		SnapshotInterval:  c.Storage.SnapshotInterval,
		SnapshotBackups:   c.Storage.SnapshotBackups,
		WALPath:           c.Storage.WALPath,
		SnapshotPath:      c.Storage.SnapshotPath,
		SyncWAL:           c.Storage.SyncWAL,
		DefaultBounds: masks.Bounds{
			Width:  c.Masks.DefaultPageWidth,
			Height: c.Masks.DefaultPageHeight,
		},
		Policy: policy.Config{
			Threshold:      c.Policy.AutoApproveThreshold,
			Weights:        weights,
			DefaultWeight:  c.Policy.DefaultWeight,
			RequiredFields: append([]string(nil), c.Policy.RequiredFields...),
		},
		Retry: retry.Config{
			MaxRetries:     c.Retry.MaxRetries,
			DefaultProfile: c.Retry.DefaultProfile,
			Profiles:       profiles,
		},
	}
}

// OCRClientConfig converts to the HTTP OCR client's config.
func (c *Config) OCRClientConfig() ocr.ClientConfig {
	return ocr.ClientConfig{
		Endpoint: c.OCR.Endpoint,
		Token:    c.OCR.Token,
		Timeout:  c.OCR.Timeout,
	}
}

// S3Config converts to the S3 exporter's config.
func (c *Config) S3Config() export.S3Config {
	return export.S3Config{
		Bucket:          c.Export.S3.Bucket,
		Region:          c.Export.S3.Region,
		Prefix:          c.Export.S3.Prefix,
		Endpoint:        c.Export.S3.Endpoint,
		AccessKeyID:     c.Export.S3.AccessKeyID,
		SecretAccessKey: c.Export.S3.SecretAccessKey,
	}
}

// LogConfig converts to the logging package's config.
func (c *Config) LogConfig() logging.Config {
	return logging.Config{Level: c.Log.Level, Format: c.Log.Format}
}
