package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v2"
)

// Config is the installer configuration.
type Config struct {
	InstallDir string        `yaml:"installDir"`
	Arch       string        `yaml:"arch"`
	UseModern  bool          `yaml:"useModern"`
	Restart    RestartConfig `yaml:"restart"`
	Extras     ExtrasConfig  `yaml:"extras"`
	Log        LogConfig     `yaml:"log"`
}

// RestartConfig bounds the wait for the radio after a restart.
type RestartConfig struct {
	TimeoutSec int `yaml:"timeoutSec"`
}

// ExtrasConfig toggles the optional install helpers.
type ExtrasConfig struct {
	Manifests bool `yaml:"manifests"`
	Updater   bool `yaml:"updater"`
}

// LogConfig holds the log sink settings. An empty File logs to stderr only.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMb"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	Compress   bool   `yaml:"compress"`
}

// Environment overrides.
const (
	EnvConfig     = "BTHPS3_CONFIG"
	EnvInstallDir = "BTHPS3_INSTALL_DIR"
	EnvUseModern  = "BTHPS3_USE_MODERN"
)

// Default returns the configuration used when no file is given.
func Default() *Config {
	dir := filepath.Join(os.Getenv("ProgramFiles"), "Nefarius Software Solutions", "BthPS3")
	return &Config{
		InstallDir: dir,
		Arch:       ArchShortName(runtime.GOARCH),
		UseModern:  true,
		Restart:    RestartConfig{TimeoutSec: 30},
		Extras:     ExtrasConfig{Manifests: true},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// ArchShortName maps a GOARCH to the directory suffix used by the driver
// packages.
func ArchShortName(goarch string) string {
	switch goarch {
	case "amd64":
		return "x64"
	case "386":
		return "x86"
	}
	return goarch
}

// Load reads path, or the file named by BTHPS3_CONFIG when path is empty,
// over the defaults and applies environment overrides. Without either the
// defaults are used.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	if path != "" {
		if err := loadFromFile(cfg, path); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	return yaml.UnmarshalStrict(data, cfg)
}

func applyEnvOverrides(cfg *Config) error {
	if dir := os.Getenv(EnvInstallDir); dir != "" {
		cfg.InstallDir = dir
	}
	if v := os.Getenv(EnvUseModern); v != "" {
		modern, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: invalid boolean %q", EnvUseModern, v)
		}
		cfg.UseModern = modern
	}
	return nil
}

// Validate checks the configuration for values no install can work with.
func (c *Config) Validate() error {
	var errs []error
	if c.InstallDir == "" {
		errs = append(errs, errors.New("installDir must be set"))
	}
	switch c.Arch {
	case "x64", "x86", "arm64":
	default:
		errs = append(errs, fmt.Errorf("unsupported arch %q, must be one of x64, x86, arm64", c.Arch))
	}
	if c.Restart.TimeoutSec <= 0 || c.Restart.TimeoutSec > 600 {
		errs = append(errs, fmt.Errorf("restart timeout %d seconds is outside range [1, 600]", c.Restart.TimeoutSec))
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		errs = append(errs, fmt.Errorf("log level: %w", err))
	}
	return errors.Join(errs...)
}

// Paths are the files of an unpacked install directory.
type Paths struct {
	Nefcon     string
	ProfileINF string
	NullINF    string
	FilterINF  string
	Manifests  []string
	Updater    string
}

// Paths derives the install layout: drivers\BthPS3_<arch>, drivers\BthPS3PSM_<arch>,
// nefcon\<arch>\nefconc.exe and manifests.
func (c *Config) Paths() Paths {
	drivers := filepath.Join(c.InstallDir, "drivers")
	profileDir := filepath.Join(drivers, "BthPS3_"+c.Arch)
	filterDir := filepath.Join(drivers, "BthPS3PSM_"+c.Arch)
	manifests := filepath.Join(c.InstallDir, "manifests")
	return Paths{
		Nefcon:     filepath.Join(c.InstallDir, "nefcon", c.Arch, "nefconc.exe"),
		ProfileINF: filepath.Join(profileDir, "BthPS3.inf"),
		NullINF:    filepath.Join(profileDir, "BthPS3_PDO_NULL_Device.inf"),
		FilterINF:  filepath.Join(filterDir, "BthPS3PSM.inf"),
		Manifests:  []string{filepath.Join(manifests, "BthPS3.man"), filepath.Join(manifests, "BthPS3PSM.man")},
		Updater:    filepath.Join(c.InstallDir, "nefarius_BthPS3_Updater.exe"),
	}
}

// NewLogger builds the text logger writing to stderr and, when configured,
// to a size-rotated log file. The returned closer releases the file.
func NewLogger(c LogConfig, stderr io.Writer) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return nil, nil, err
	}
	w := stderr
	var closer io.Closer = nopCloser{}
	if c.File != "" {
		file := &lumberjack.Logger{
			Filename:   c.File,
			MaxSize:    c.MaxSizeMB,
			MaxBackups: c.MaxBackups,
			MaxAge:     c.MaxAgeDays,
			Compress:   c.Compress,
		}
		w = io.MultiWriter(stderr, file)
		closer = file
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
