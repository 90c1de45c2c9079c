package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoad_DefaultsAndOverrides(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
server:
  port: 8080
  data_dir: `+filepath.Join(dir, "data")+`
  gallery_dir: `+filepath.Join(dir, "data", "faces")+`
  snapshot_dir: `+filepath.Join(dir, "data", "captures")+`
  settings_file: `+filepath.Join(dir, "config", "settings.json")+`
log:
  file: `+filepath.Join(dir, "logs", "app.log")+`
db:
  file: `+filepath.Join(dir, "data", "app.db")+`
recognition:
  provider: dlib
  max_dimension: 640
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "dlib", cfg.Recognition.Provider)
	assert.Equal(t, 640, cfg.Recognition.MaxDimension)
	assert.Equal(t, 20, cfg.Recognition.CaptureMargin)
	assert.Equal(t, 90, cfg.Recognition.JPEGQuality)
	assert.Equal(t, 1.1, cfg.OpenCV.ScaleFactor)
	assert.Equal(t, 5, cfg.OpenCV.MinNeighbors)
	assert.Equal(t, "info", cfg.Log.Level)

	assert.DirExists(t, filepath.Join(dir, "data", "faces"))
	assert.DirExists(t, filepath.Join(dir, "data", "captures"))
	assert.DirExists(t, filepath.Join(dir, "config"))
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
server:
  data_dir: `+filepath.Join(dir, "data")+`
  gallery_dir: `+filepath.Join(dir, "faces")+`
  snapshot_dir: `+filepath.Join(dir, "captures")+`
  settings_file: `+filepath.Join(dir, "settings.json")+`
log:
  file: ""
db:
  file: `+filepath.Join(dir, "app.db")+`
`)
	t.Setenv("FACE_GALLERY_SERVER_PORT", "9999")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
}

func TestLoad_RejectsUnknownProvider(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
recognition:
  provider: magic
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "magic")
}
