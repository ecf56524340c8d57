package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", c.HTTPAddr)
	assert.Equal(t, ":50051", c.GRPCAddr)
	assert.Equal(t, ":9090", c.MetricsAddr)
	assert.Equal(t, 10*time.Second, c.ReconcileInterval)
	assert.Equal(t, "bookd", c.NATSSubject)
	assert.Equal(t, "https://api.github.com", c.GitHubAPIURL)
	assert.Empty(t, c.GitHubToken)
	require.NoError(t, c.Validate())
}

func TestLoadFromEnvAndDotenv(t *testing.T) {
	t.Setenv("BOOKD_HTTP_ADDR", ":9000")
	dir := t.TempDir()
	env := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(env, []byte("BOOKD_HTTP_ADDR=:1111\nBOOKD_RECONCILE_INTERVAL=3s\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("BOOKD_RECONCILE_INTERVAL") })

	c, err := Load(env)
	require.NoError(t, err)
	assert.Equal(t, ":9000", c.HTTPAddr, "real environment wins over .env")
	assert.Equal(t, 3*time.Second, c.ReconcileInterval)
}

func TestLoadMissingDotenvIsFine(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.env"))
	assert.NoError(t, err)
}

func TestLoadRejectsBadValue(t *testing.T) {
	t.Setenv("BOOKD_RECONCILE_INTERVAL", "soon")
	_, err := Load("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	bad := c
	bad.ReconcileInterval = 0
	assert.Error(t, bad.Validate())

	bad = c
	bad.LogFormat = "xml"
	assert.Error(t, bad.Validate())

	bad = c
	bad.HTTPAddr = ""
	assert.Error(t, bad.Validate())
}

func TestLoadSeed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
resources:
  - type: gpu
    identifier: gpu-1
  - type: big_machine
    identifier: floor_3
`), 0o600))

	got, err := LoadSeed(path)
	require.NoError(t, err)
	assert.Equal(t, []SeedResource{{"gpu", "gpu-1"}, {"big_machine", "floor_3"}}, got)

	require.NoError(t, os.WriteFile(path, []byte("resources:\n  - type: gpu\n"), 0o600))
	_, err = LoadSeed(path)
	assert.Error(t, err)

	_, err = LoadSeed(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
