package buildat

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFileMissingPathReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfigFile("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigFileMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfigFile(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigFileTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "buildat.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
modules_path = "/opt/modules"
log_level = "debug"
`), 0o644))

	cfg, err := LoadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, "/opt/modules", cfg.ModulesPath)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, DefaultConfig().SharePath, cfg.SharePath, "fields absent from the file keep their default")
}

func TestLoadConfigFileYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "buildat.yaml")
	require.NoError(t, os.WriteFile(path, []byte("share_path: /srv/share\nlisten_address: \":9000\"\n"), 0o644))

	cfg, err := LoadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/share", cfg.SharePath)
	assert.Equal(t, ":9000", cfg.ListenAddress)
}

func TestLoadConfigFileRejectsUnknownExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "buildat.ini")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	_, err := LoadConfigFile(path)
	assert.Error(t, err)
}

func TestParseFlagsOverridesDefaults(t *testing.T) {
	cfg := DefaultConfig()
	err := ParseFlags(&cfg, []string{"-m", "/custom/modules", "--listen", ":5000", "-C"})
	require.NoError(t, err)
	assert.Equal(t, "/custom/modules", cfg.ModulesPath)
	assert.Equal(t, ":5000", cfg.ListenAddress)
	assert.True(t, cfg.SkipCompileModule)
}

func TestLoadFileMetaPrefersYAMLOverJSON(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "meta.yaml"), []byte("dependencies:\n  - module: network\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "meta.json"), []byte(`{"dependencies":[{"module":"decoy"}]}`), 0o644))

	meta, err := LoadFileMeta(dir)
	require.NoError(t, err)
	require.Len(t, meta.Dependencies, 1)
	assert.Equal(t, "network", meta.Dependencies[0].Module)
}

func TestLoadFileMetaFallsBackToJSON(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "meta.json"), []byte(`{"dependencies":[{"module":"network","optional":true}]}`), 0o644))

	meta, err := LoadFileMeta(dir)
	require.NoError(t, err)
	require.Len(t, meta.Dependencies, 1)
	assert.Equal(t, "network", meta.Dependencies[0].Module)
	assert.True(t, meta.Dependencies[0].Optional)
}

func TestLoadFileMetaErrorsWhenNeitherFileExists(t *testing.T) {
	_, err := LoadFileMeta(t.TempDir())
	assert.Error(t, err)
}
