package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	apperrors "github.com/mantonx/imgvault/internal/errors"
	"github.com/mantonx/imgvault/internal/modules/manifest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTempDir(t *testing.T) string {
	tmpDir, err := os.MkdirTemp("", "imgvault-storage-test-*")
	require.NoError(t, err)
	t.Cleanup(func() {
		os.RemoveAll(tmpDir)
	})
	return tmpDir
}

func writeModule(t *testing.T, dir string, files map[string]string) {
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
}

func TestListCreatesRootAndSorts(t *testing.T) {
	root := filepath.Join(createTempDir(t), "modules")
	s := New(root)

	dirs, err := s.ListModuleDirectories()
	require.NoError(t, err)
	assert.Empty(t, dirs)
	assert.DirExists(t, root)

	for _, name := range []string{"zeta", "alpha", ".hidden", "mid"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, name), 0755))
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "stray.txt"), nil, 0644))

	dirs, err = s.ListModuleDirectories()
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, dirs)
}

func TestWriteAndReadManifest(t *testing.T) {
	root := createTempDir(t)
	s := New(root)
	require.NoError(t, os.MkdirAll(s.ModulePath("resize"), 0755))

	m := &manifest.Manifest{Name: "resize", Version: "1.0.0", Entry: "index.js", Enabled: true}
	require.NoError(t, s.WriteManifest("resize", m))

	raw, err := s.ReadManifest("resize")
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"name": "resize"`)

	entries, err := os.ReadDir(s.ModulePath("resize"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")

	_, err = s.ReadManifest("missing")
	assert.Error(t, err)
}

func TestCopyDirectory(t *testing.T) {
	src := createTempDir(t)
	writeModule(t, src, map[string]string{
		"module.json":         `{"name":"crop"}`,
		"index.js":            "module.exports = {}",
		"lib/deep/helpers.js": "exports.x = 1",
	})

	s := New(filepath.Join(createTempDir(t), "modules"))
	require.NoError(t, s.CopyDirectory(src, "crop"))

	assert.FileExists(t, filepath.Join(s.ModulePath("crop"), "index.js"))
	data, err := os.ReadFile(filepath.Join(s.ModulePath("crop"), "lib", "deep", "helpers.js"))
	require.NoError(t, err)
	assert.Equal(t, "exports.x = 1", string(data))

	dirs, err := s.ListModuleDirectories()
	require.NoError(t, err)
	assert.Equal(t, []string{"crop"}, dirs, "staging directory must be gone")
}

func TestCopyDirectoryRejectsExistingDestination(t *testing.T) {
	src := createTempDir(t)
	writeModule(t, src, map[string]string{"index.js": "new"})

	s := New(createTempDir(t))
	writeModule(t, s.ModulePath("crop"), map[string]string{"index.js": "old"})

	err := s.CopyDirectory(src, "crop")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrExists))

	data, err := os.ReadFile(filepath.Join(s.ModulePath("crop"), "index.js"))
	require.NoError(t, err)
	assert.Equal(t, "old", string(data))
}

func TestCopyDirectoryMissingSource(t *testing.T) {
	s := New(createTempDir(t))
	err := s.CopyDirectory(filepath.Join(createTempDir(t), "nope"), "x")
	assert.Error(t, err)
	assert.False(t, s.Exists("x"))
}

func TestRemoveDirectory(t *testing.T) {
	s := New(createTempDir(t))
	writeModule(t, s.ModulePath("crop"), map[string]string{"index.js": "x"})
	require.True(t, s.Exists("crop"))

	require.NoError(t, s.RemoveDirectory("crop"))
	assert.False(t, s.Exists("crop"))

	assert.Error(t, s.RemoveDirectory("../etc"))
	assert.Error(t, s.RemoveDirectory(""))
}
