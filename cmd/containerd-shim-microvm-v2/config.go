package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"microshim/internal/engine/vmprocess"
	"microshim/internal/image"
	"microshim/internal/sandbox"
	"microshim/pkg/logger"
)

const (
	defaultConfigPath  = "/etc/containerd-shim-microvm/config.yaml"
	defaultMonitorPath = "microvm-monitor"
	defaultKillGrace   = 5 * time.Second
)

// MonitorConfig holds VM monitor helper settings.
type MonitorConfig struct {
	Path     string   `yaml:"path"`
	Args     []string `yaml:"args"`
	WorkRoot string   `yaml:"workRoot"`
}

// GuestConfig holds guest resolution settings.
type GuestConfig struct {
	MediaType    string `yaml:"mediaType"`
	MaxSizeBytes int64  `yaml:"maxSizeBytes"`
	// ContainerdAddress overrides the socket used for content-store
	// lookups. Empty disables image-layer resolution and only the bundle
	// rootfs is searched.
	ContainerdAddress string `yaml:"containerdAddress"`
}

// TaskConfig holds per-task lifecycle settings.
type TaskConfig struct {
	KillGrace    time.Duration `yaml:"killGrace"`
	IOBufferSize int           `yaml:"ioBufferSize"`
}

// AppConfig holds shim configuration.
type AppConfig struct {
	Logger  logger.Config `yaml:"logger"`
	Monitor MonitorConfig `yaml:"monitor"`
	Guest   GuestConfig   `yaml:"guest"`
	Task    TaskConfig    `yaml:"task"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

// loadAppConfig reads the config file when present and fills defaults. A
// missing file is not an error; the shim runs on defaults.
func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := loadYAML(path, &cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "info"
	}
	if cfg.Monitor.Path == "" {
		cfg.Monitor.Path = defaultMonitorPath
	}
	if cfg.Guest.MediaType == "" {
		cfg.Guest.MediaType = image.GuestMediaType
	}
	if cfg.Task.KillGrace == 0 {
		cfg.Task.KillGrace = defaultKillGrace
	}
	return &cfg, nil
}

func (c *AppConfig) monitorConfig() vmprocess.Config {
	return vmprocess.Config{
		MonitorPath: c.Monitor.Path,
		ExtraArgs:   c.Monitor.Args,
		WorkRoot:    c.Monitor.WorkRoot,
	}
}

func (c *AppConfig) loaderConfig() image.Config {
	return image.Config{
		MediaType:    c.Guest.MediaType,
		MaxGuestSize: c.Guest.MaxSizeBytes,
	}
}

func (c *AppConfig) sandboxConfig() sandbox.Config {
	return sandbox.Config{
		KillGrace:    c.Task.KillGrace,
		IOBufferSize: c.Task.IOBufferSize,
	}
}
