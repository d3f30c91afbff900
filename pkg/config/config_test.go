package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.AttrCacheEnabled)
	assert.True(t, cfg.MethodCacheEnabled)
	assert.Equal(t, LayoutInline, cfg.DefaultLayout)
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "objcore.yaml")
	data := []byte("attr_cache_enabled: false\nmethod_cache_bits: 12\ndefault_layout: boxed\nverify_caches: true\n")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.False(t, cfg.AttrCacheEnabled)
	assert.Equal(t, 12, cfg.MethodCacheBits)
	assert.Equal(t, LayoutBoxed, cfg.DefaultLayout)
	assert.True(t, cfg.VerifyCaches)
	// Untouched fields keep their defaults.
	assert.Equal(t, 10, cfg.AttrCacheBits)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "objcore.yaml")
	require.NoError(t, os.WriteFile(path, []byte("attr_cache_bits: 8\n"), 0o644))

	t.Setenv("OBJCORE_ATTR_CACHE_BITS", "14")
	t.Setenv("OBJCORE_METHOD_CACHE", "false")
	t.Setenv("OBJCORE_DEFAULT_LAYOUT", "BOXED")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 14, cfg.AttrCacheBits)
	assert.False(t, cfg.MethodCacheEnabled)
	assert.Equal(t, LayoutBoxed, cfg.DefaultLayout)
}

func TestMalformedEnvIgnored(t *testing.T) {
	t.Setenv("OBJCORE_ATTR_CACHE", "maybe")
	t.Setenv("OBJCORE_METHOD_CACHE_BITS", "lots")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.AttrCacheEnabled)
	assert.Equal(t, 10, cfg.MethodCacheBits)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.AttrCacheBits = 2
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.MethodCacheBits = 40
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.DefaultLayout = "packed"
	assert.Error(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
