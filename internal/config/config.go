// Package config loads the server configuration from YAML.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Config is the full server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	AI        AIConfig        `yaml:"ai"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"` // postgres | sqlite
	DSN    string `yaml:"dsn"`
}

type AIConfig struct {
	SidecarAddr           string  `yaml:"sidecar_addr"`
	FaceDetection         string  `yaml:"face_detection"`
	FaceRecognition       string  `yaml:"face_recognition"`
	AntiSpoof             string  `yaml:"anti_spoof"`
	MatchThreshold        float64 `yaml:"match_threshold"`
	RecognizeWithLiveness *bool   `yaml:"recognize_with_liveness"`
}

type TelemetryConfig struct {
	RedisAddr    string `yaml:"redis_addr"`
	RedisChannel string `yaml:"redis_channel"`
}

// Default returns the configuration used where the file is silent.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 7788},
		Store:  StoreConfig{Driver: "sqlite", DSN: "facegate.db"},
		AI: AIConfig{
			FaceDetection:   "models/face_detection.onnx",
			FaceRecognition: "models/face_recognition.onnx",
			AntiSpoof:       "models/anti_spoof.onnx",
			MatchThreshold:  0.30,
		},
		Telemetry: TelemetryConfig{RedisChannel: "facegate:telemetry"},
	}
}

// Load reads path over the defaults. A missing file returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// RecognizeWithLiveness resolves the tri-state flag; it defaults to on.
func (c *Config) RecognizeWithLiveness() bool {
	if c.AI.RecognizeWithLiveness == nil {
		return true
	}
	return *c.AI.RecognizeWithLiveness
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	switch c.Store.Driver {
	case "postgres", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("unknown store driver: %q", c.Store.Driver)
	}
	if c.AI.MatchThreshold < 0 || c.AI.MatchThreshold > 1 {
		return fmt.Errorf("match_threshold must be in [0,1], got %f", c.AI.MatchThreshold)
	}
	return nil
}
