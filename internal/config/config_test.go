package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Load_Returns_Defaults_When_No_File_Present(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir, "", Config{})
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func Test_Load_Project_File_Overrides_Defaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ConfigFileName)

	content := `{
  // trailing comments and commas are fine, it's JSONC
  "nbuf": 64,
  "nbucket": 17,
}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(dir, "", Config{})
	require.NoError(t, err)

	assert.Equal(t, 64, cfg.NBuf)
	assert.Equal(t, 17, cfg.NBucket)
	// Fields absent from the file must keep their default values.
	assert.Equal(t, Default().PageSize, cfg.PageSize)
}

func Test_Load_CLI_Overrides_Win_Over_Project_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ConfigFileName)

	require.NoError(t, os.WriteFile(path, []byte(`{"nbuf": 64}`), 0o644))

	cfg, err := Load(dir, "", Config{NBuf: 128})
	require.NoError(t, err)
	assert.Equal(t, 128, cfg.NBuf, "CLI override should win over project file")
}

func Test_Load_Explicit_Missing_Config_Path_Is_An_Error(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(dir, "does-not-exist.json", Config{})
	assert.Error(t, err)
}

func Test_Load_Rejects_Non_Positive_Sizes(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(dir, "", Config{NBuf: -1})
	assert.Error(t, err)
}

func Test_Save_Then_Load_Round_Trips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ConfigFileName)

	want := Default()
	want.NBuf = 99

	require.NoError(t, Save(path, want))

	got, err := Load(dir, "", Config{})
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
