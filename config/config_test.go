package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bthps3.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func clearEnv(t *testing.T) {
	t.Setenv(EnvConfig, "")
	t.Setenv(EnvInstallDir, "")
	t.Setenv(EnvUseModern, "")
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.UseModern)
	assert.Equal(t, 30, cfg.Restart.TimeoutSec)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Empty(t, cfg.Log.File)
	assert.True(t, cfg.Extras.Manifests)
	assert.False(t, cfg.Extras.Updater)
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
installDir: /opt/bthps3
arch: arm64
useModern: false
restart:
  timeoutSec: 45
log:
  level: debug
  file: /var/log/bthps3.log
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/opt/bthps3", cfg.InstallDir)
	assert.Equal(t, "arm64", cfg.Arch)
	assert.False(t, cfg.UseModern)
	assert.Equal(t, 45, cfg.Restart.TimeoutSec)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 10, cfg.Log.MaxSizeMB, "unset keys keep their defaults")
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvConfig, writeConfig(t, "arch: x86\n"))
	t.Setenv(EnvInstallDir, "/srv/bthps3")
	t.Setenv(EnvUseModern, "false")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "x86", cfg.Arch)
	assert.Equal(t, "/srv/bthps3", cfg.InstallDir)
	assert.False(t, cfg.UseModern)
}

func TestLoadErrors(t *testing.T) {
	for name, tc := range map[string]struct {
		file string
		env  string
		want string
	}{
		"unknown key":  {file: "installdirectory: x\n", want: "load config"},
		"bad arch":     {file: "arch: mips\n", want: "unsupported arch"},
		"bad timeout":  {file: "restart:\n  timeoutSec: 0\n", want: "restart timeout"},
		"bad level":    {file: "log:\n  level: loud\n", want: "log level"},
		"bad env bool": {file: "arch: x64\n", env: "sometimes", want: EnvUseModern},
	} {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(EnvUseModern, tc.env)
			_, err := Load(writeConfig(t, tc.file))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}

	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestArchShortName(t *testing.T) {
	assert.Equal(t, "x64", ArchShortName("amd64"))
	assert.Equal(t, "x86", ArchShortName("386"))
	assert.Equal(t, "arm64", ArchShortName("arm64"))
}

func TestPaths(t *testing.T) {
	cfg := &Config{InstallDir: "root", Arch: "x64"}
	p := cfg.Paths()
	assert.Equal(t, filepath.Join("root", "nefcon", "x64", "nefconc.exe"), p.Nefcon)
	assert.Equal(t, filepath.Join("root", "drivers", "BthPS3_x64", "BthPS3.inf"), p.ProfileINF)
	assert.Equal(t, filepath.Join("root", "drivers", "BthPS3_x64", "BthPS3_PDO_NULL_Device.inf"), p.NullINF)
	assert.Equal(t, filepath.Join("root", "drivers", "BthPS3PSM_x64", "BthPS3PSM.inf"), p.FilterINF)
	assert.Equal(t, []string{
		filepath.Join("root", "manifests", "BthPS3.man"),
		filepath.Join("root", "manifests", "BthPS3PSM.man"),
	}, p.Manifests)
}

func TestNewLogger(t *testing.T) {
	var stderr bytes.Buffer
	path := filepath.Join(t.TempDir(), "setup.log")
	log, closer, err := NewLogger(LogConfig{Level: "warn", File: path, MaxSizeMB: 1}, &stderr)
	require.NoError(t, err)
	log.Info("dropped")
	log.Warn("radio not available after wait period")
	require.NoError(t, closer.Close())

	assert.NotContains(t, stderr.String(), "dropped")
	assert.Contains(t, stderr.String(), "radio not available after wait period")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "level=WARN"))

	_, _, err = NewLogger(LogConfig{Level: "chatty"}, &stderr)
	assert.Error(t, err)
}
