package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ransomguard/internal/pefixture"
)

func testConfig(t *testing.T, extra string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ransomguard.yaml")
	body := `model:
  classifier: testdata/bundle/classifier.json
  scaler: testdata/bundle/scaler.json
  schema: testdata/bundle/schema.yaml
logging:
  level: error
` + extra
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestRunCommands(t *testing.T) {
	cfg := "--config=" + testConfig(t, "")
	dir := t.TempDir()
	img, _ := pefixture.Build(pefixture.RansomwareSpec())
	sample := filepath.Join(dir, "locker.exe")
	require.NoError(t, os.WriteFile(sample, img, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("hello world"), 0o600))

	assert.Equal(t, 0, run([]string{cfg, "info"}))
	assert.Equal(t, 0, run([]string{cfg, "scan", sample}))
	assert.Equal(t, 0, run([]string{cfg, "features", sample}))
	assert.Equal(t, 0, run([]string{cfg, "scandir", dir}))

	assert.Equal(t, 1, run([]string{cfg, "scan"}))
	assert.Equal(t, 1, run([]string{cfg, "scan", filepath.Join(dir, "missing.exe")}))
	assert.Equal(t, 1, run([]string{cfg, "bogus"}))
	assert.Equal(t, 1, run([]string{cfg}))
}

func TestRunConfigFromEnv(t *testing.T) {
	t.Setenv("RANSOMGUARD_CONFIG", testConfig(t, ""))
	assert.Equal(t, 0, run([]string{"info"}))

	t.Setenv("RANSOMGUARD_SCHEMA", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Equal(t, 1, run([]string{"info"}), "a bundle that fails to load is fatal")
}

func TestRunWithCache(t *testing.T) {
	cfg := "--config=" + testConfig(t, "cache:\n  enabled: true\n  dir: "+filepath.Join(t.TempDir(), "cache")+"\n")
	img, _ := pefixture.Build(pefixture.BenignSpec())
	sample := filepath.Join(t.TempDir(), "tool.exe")
	require.NoError(t, os.WriteFile(sample, img, 0o600))

	assert.Equal(t, 0, run([]string{cfg, "scan", sample}))
	assert.Equal(t, 0, run([]string{cfg, "scan", sample}))
}
