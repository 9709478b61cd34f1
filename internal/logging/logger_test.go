package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetState() {
	CloseAll()
	loggers = make(map[Category]*Logger)
	logsDir = ""
	opts = Options{}
}

// TestAllCategoriesLog tests that all categories create log files when debug mode is on
func TestAllCategoriesLog(t *testing.T) {
	resetState()
	t.Cleanup(resetState)

	dir := filepath.Join(t.TempDir(), "logs")
	require.NoError(t, Initialize(dir, Options{DebugMode: true, Level: "debug"}))
	require.True(t, IsDebugMode())

	categories := []Category{
		CategoryResolver, CategoryCompat, CategoryLegacy, CategoryPolygonize,
		CategoryPostprocess, CategoryCoverage, CategoryClip, CategoryPipeline,
		CategoryProvenance, CategoryStore, CategoryBatch, CategoryPackaging,
	}
	for _, cat := range categories {
		assert.True(t, IsCategoryEnabled(cat), "category %s should be enabled", cat)
		l := Get(cat)
		l.Info("info for %s", cat)
		l.Debug("debug for %s", cat)
		l.Warn("warn for %s", cat)
	}
	Pipeline("convenience pipeline log")
	WithRunID(CategoryPipeline, "run-1").Info("scoped")

	CloseAll()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, cat := range categories {
		found := false
		for _, e := range entries {
			if strings.HasSuffix(e.Name(), "_"+string(cat)+".log") {
				content, err := os.ReadFile(filepath.Join(dir, e.Name()))
				require.NoError(t, err)
				assert.NotEmpty(t, content, "log file for %s is empty", cat)
				found = true
			}
		}
		assert.True(t, found, "no log file for %s", cat)
	}
}

// TestDebugModeDisabled tests that no logs are created when debug_mode is false
func TestDebugModeDisabled(t *testing.T) {
	resetState()
	t.Cleanup(resetState)

	dir := filepath.Join(t.TempDir(), "logs")
	require.NoError(t, Initialize(dir, Options{DebugMode: false}))

	Get(CategoryPipeline).Info("should not be written")
	Compat("nor this")

	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err), "logs dir should not be created in production mode")
}

func TestCategoryFilter(t *testing.T) {
	resetState()
	t.Cleanup(resetState)

	dir := filepath.Join(t.TempDir(), "logs")
	require.NoError(t, Initialize(dir, Options{
		DebugMode:  true,
		Categories: map[string]bool{"coverage": false},
	}))

	assert.False(t, IsCategoryEnabled(CategoryCoverage))
	assert.True(t, IsCategoryEnabled(CategoryClip), "unlisted categories default to enabled")
}

func TestJSONFormatWritesStructuredFields(t *testing.T) {
	resetState()
	t.Cleanup(resetState)

	dir := filepath.Join(t.TempDir(), "logs")
	require.NoError(t, Initialize(dir, Options{DebugMode: true, JSONFormat: true}))

	Get(CategoryClip).StructuredLog("info", "clip done", map[string]interface{}{"features": 3})
	CloseAll()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var body string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), "_clip.log") {
			b, err := os.ReadFile(filepath.Join(dir, e.Name()))
			require.NoError(t, err)
			body = string(b)
		}
	}
	assert.Contains(t, body, `"msg":"clip done"`)
	assert.Contains(t, body, `"features":3`)
}

func TestInitializeRequiresDir(t *testing.T) {
	assert.Error(t, Initialize("", Options{}))
}
