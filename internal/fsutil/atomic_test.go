package fsutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTempSiblingKeepsExtension(t *testing.T) {
	tmp := TempSibling(filepath.Join("out", "layer.shp"))
	assert.Equal(t, "out", filepath.Dir(tmp))
	assert.True(t, strings.HasPrefix(filepath.Base(tmp), ".tmp-"))
	assert.Equal(t, ".shp", filepath.Ext(tmp))
	assert.NotEqual(t, tmp, TempSibling(filepath.Join("out", "layer.shp")))
}

func TestWriteFileCreatesDirsAndLeavesNoTemp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a", "b", "results.json")

	require.NoError(t, WriteFile(path, []byte(`{"ok":true}`), 0644))
	assert.True(t, Exists(path))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "results.json", entries[0].Name())
}

func TestCommitOrder(t *testing.T) {
	dir := t.TempDir()
	a, b := filepath.Join(dir, "x.hdr"), filepath.Join(dir, "x.img")
	ta, tb := TempSibling(a), TempSibling(b)
	require.NoError(t, os.WriteFile(ta, []byte("h"), 0644))
	require.NoError(t, os.WriteFile(tb, []byte("i"), 0644))

	require.NoError(t, Commit([2]string{ta, a}, [2]string{tb, b}))
	assert.True(t, Exists(a))
	assert.True(t, Exists(b))
	assert.False(t, Exists(ta))
}

func TestCommitMissingTempFails(t *testing.T) {
	dir := t.TempDir()
	err := Commit([2]string{filepath.Join(dir, "nope"), filepath.Join(dir, "final")})
	assert.Error(t, err)
}
