// Package config loads the service configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/Brownie44l1/resq-ai/internal/classifier"
	"github.com/Brownie44l1/resq-ai/internal/logging"
)

type Config struct {
	HTTP       HTTPConfig       `yaml:"http"`
	Model      ModelConfig      `yaml:"model"`
	Classifier ClassifierConfig `yaml:"classifier"`
	// Disasters replaces the built-in keyword table when non-empty. Order
	// matters: earlier entries win when a label matches several.
	Disasters []DisasterRule `yaml:"disasters"`
	Log       logging.Config `yaml:"log"`
}

type HTTPConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
}

type ModelConfig struct {
	Path     string `yaml:"path"`
	Metadata string `yaml:"metadata"`
	Library  string `yaml:"library"`
	Threads  int    `yaml:"threads"`
}

type ClassifierConfig struct {
	TopK      int `yaml:"top_k"`
	CacheSize int `yaml:"cache_size"`
	// MaxPixels rejects uploads whose width*height exceeds it.
	MaxPixels int `yaml:"max_pixels"`
}

type DisasterRule struct {
	Type     string   `yaml:"type"`
	Keywords []string `yaml:"keywords"`
}

func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Host:           "0.0.0.0",
			Port:           8000,
			MaxUploadBytes: 10 << 20,
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   60 * time.Second,
		},
		Model: ModelConfig{
			Path:     "models/resnet50.onnx",
			Metadata: "models/resnet50_metadata.json",
		},
		Classifier: ClassifierConfig{
			TopK:      classifier.DefaultTopK,
			CacheSize: 256,
			MaxPixels: classifier.DefaultMaxPixels,
		},
		Log: logging.Config{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load decodes path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer file.Close()

	if err := yaml.NewDecoder(file).Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port %d out of range", c.HTTP.Port)
	}
	if c.HTTP.MaxUploadBytes <= 0 {
		return fmt.Errorf("http.max_upload_bytes must be positive")
	}
	if c.Model.Path == "" {
		return fmt.Errorf("model.path is required")
	}
	if c.Model.Metadata == "" {
		return fmt.Errorf("model.metadata is required")
	}
	if c.Model.Threads < 0 {
		return fmt.Errorf("model.threads must not be negative")
	}
	if c.Classifier.TopK <= 0 {
		return fmt.Errorf("classifier.top_k must be positive")
	}
	if c.Classifier.CacheSize < 0 {
		return fmt.Errorf("classifier.cache_size must not be negative")
	}
	if c.Classifier.MaxPixels <= 0 {
		return fmt.Errorf("classifier.max_pixels must be positive")
	}
	if _, err := c.Taxonomy(); err != nil {
		return fmt.Errorf("disasters: %w", err)
	}
	return nil
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}

// Taxonomy builds the keyword table, falling back to the built-in one.
func (c *Config) Taxonomy() (*classifier.Taxonomy, error) {
	if len(c.Disasters) == 0 {
		return classifier.NewTaxonomy(classifier.DefaultRules())
	}
	rules := make([]classifier.Rule, len(c.Disasters))
	for i, d := range c.Disasters {
		rules[i] = classifier.Rule{Type: classifier.DisasterType(d.Type), Keywords: d.Keywords}
	}
	return classifier.NewTaxonomy(rules)
}
