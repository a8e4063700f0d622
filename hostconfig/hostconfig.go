// Package hostconfig loads the YAML configuration a fluxrtd host process
// reads at startup: audio device selection, sample rate/channel count,
// the function to run by default, and logging verbosity.
package hostconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level host configuration document.
type Config struct {
	// Device names the portaudio output device to open. Empty selects the
	// system default output device.
	Device string `yaml:"device"`

	SampleRate float64 `yaml:"sample_rate"`
	Channels   int     `yaml:"channels"`

	// FramesPerBuffer sizes the portaudio callback buffer. 0 lets
	// portaudio pick its own default.
	FramesPerBuffer int `yaml:"frames_per_buffer"`

	// MainFunction is the registry name fluxrtd sends as SetMainFunction at
	// startup; the build fails with a logged warning unless that function
	// is already registered.
	MainFunction string `yaml:"main_function"`

	// LogLevel is one of charmbracelet/log's level names: debug, info,
	// warn, error.
	LogLevel string `yaml:"log_level"`
}

// Default returns the configuration fluxrtd falls back to when no config
// file is given.
func Default() Config {
	return Config{
		SampleRate:      48000,
		Channels:        2,
		FramesPerBuffer: 512,
		LogLevel:        "info",
	}
}

// Load reads and parses a YAML config file at path, applying it over
// Default() so an omitted field keeps its default rather than zeroing
// out.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("hostconfig: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("hostconfig: parsing %s: %w", path, err)
	}
	return cfg, nil
}
