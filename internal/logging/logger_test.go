package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew_WritesRotatingFile(t *testing.T) {
	dir := t.TempDir()
	l, err := New(Config{Level: "debug", Format: "json", Dir: dir})
	require.NoError(t, err)

	l.Debug("written to file")
	_ = l.Sync()

	data, err := os.ReadFile(filepath.Join(dir, LogFileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")
	assert.Contains(t, string(data), `"timestamp"`)
}

func TestNew_LevelFallback(t *testing.T) {
	l, err := New(Config{Level: "loud"})
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zap.DebugLevel), "debug must be off when the level is unknown")
}

func TestNew_RejectsUnknownFormat(t *testing.T) {
	_, err := New(Config{Format: "xml"})
	assert.Error(t, err)
}
