package config

import (
	"fmt"
	"math/rand"
	"os"
	"time"

	"YoloDataAug/dataset"
	"YoloDataAug/engine"
	"YoloDataAug/logger"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	DefaultHTTPPort      = 8080
	DefaultRPCPort       = 50051
	DefaultMetricsPort   = 9090
	DefaultNotifyTimeout = 5
)

type CategoryConfig struct {
	Tokens    []string `yaml:"tokens"`
	Separator string   `yaml:"separator"`
}

type NotifyConfig struct {
	URL            string `yaml:"url"`
	TimeoutSeconds int    `yaml:"timeoutSeconds"`
}

type Config struct {
	SourceRoot       string               `yaml:"sourceRoot"`
	DestRoot         string               `yaml:"destRoot"`
	ValFraction      float64              `yaml:"valFraction"`
	Seed             int64                `yaml:"seed"`
	ValidateOnDecode *bool                `yaml:"validateOnDecode"`
	CopyValTest      bool                 `yaml:"copyValTest"`
	Categories       CategoryConfig       `yaml:"categories"`
	Stages           []engine.StageConfig `yaml:"stages"`
	LogMode          string               `yaml:"logMode"`
	HTTPPort         int                  `yaml:"HTTPPort"`
	RPCPort          int                  `yaml:"RPCPort"`
	MetricsPort      int                  `yaml:"MetricsPort"`
	Notify           NotifyConfig         `yaml:"notify"`
	UseRegServer     bool                 `yaml:"UseRegServer"`
	RegServerHost    string               `yaml:"RegServerHost"`
	RegServerPort    int                  `yaml:"RegServerPort"`
}

// Default is the configuration used when no file is given.
func Default() *Config {
	c := &Config{}
	c.normalize(nil)
	return c
}

// Load reads a yaml file. A missing file is an error; zero or out-of-range
// values fall back to defaults with a warning.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	c := &Config{}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	c.normalize(logger.Log())
	return c, nil
}

func (c *Config) normalize(log *zap.Logger) {
	warn := func(msg string, fields ...zap.Field) {
		if log != nil {
			log.Warn(msg, fields...)
		}
	}
	if c.ValFraction == 0 {
		c.ValFraction = dataset.DefaultValFraction
	} else if c.ValFraction < 0 || c.ValFraction > 1 {
		warn("invalid valFraction, defaulting", zap.Float64("valFraction", c.ValFraction), zap.Float64("default", dataset.DefaultValFraction))
		c.ValFraction = dataset.DefaultValFraction
	}
	if c.ValidateOnDecode == nil {
		v := true
		c.ValidateOnDecode = &v
	}
	if len(c.Categories.Tokens) == 0 {
		c.Categories.Tokens = append([]string(nil), dataset.DefaultTokens...)
	}
	if c.Categories.Separator == "" {
		c.Categories.Separator = dataset.DefaultSeparator
	}
	if len(c.Stages) == 0 {
		c.Stages = engine.DefaultStages()
	}
	if c.LogMode == "" {
		c.LogMode = "production"
	}
	fixPort := func(name string, p *int, def int) {
		if *p == 0 {
			*p = def
		} else if *p < 0 || *p > 65535 {
			warn("invalid port, defaulting", zap.String("field", name), zap.Int("port", *p), zap.Int("default", def))
			*p = def
		}
	}
	fixPort("HTTPPort", &c.HTTPPort, DefaultHTTPPort)
	fixPort("RPCPort", &c.RPCPort, DefaultRPCPort)
	fixPort("MetricsPort", &c.MetricsPort, DefaultMetricsPort)
	if c.Notify.TimeoutSeconds <= 0 {
		c.Notify.TimeoutSeconds = DefaultNotifyTimeout
	}
	if c.UseRegServer && c.RegServerHost == "" {
		warn("UseRegServer set without RegServerHost, registration disabled")
		c.UseRegServer = false
	}
}

// StrictLabels reports whether label geometry is range-checked on decode.
func (c *Config) StrictLabels() bool {
	return c.ValidateOnDecode == nil || *c.ValidateOnDecode
}

// BuildCategories turns the categories section into a matcher.
func (c *Config) BuildCategories() (*dataset.Categories, error) {
	return dataset.NewCategories(c.Categories.Tokens, c.Categories.Separator)
}

// Rand returns a seeded source when seed is set, time-seeded otherwise.
func (c *Config) Rand() *rand.Rand {
	if c.Seed != 0 {
		return rand.New(rand.NewSource(c.Seed))
	}
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}
