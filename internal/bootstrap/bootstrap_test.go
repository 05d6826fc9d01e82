package bootstrap

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maauso/patina-api/internal/config"
	"github.com/maauso/patina-api/internal/engine"
	"github.com/maauso/patina-api/internal/patina"
	"github.com/maauso/patina-api/internal/storage"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		TempDir:           t.TempDir(),
		FFmpegPath:        "ffmpeg-not-installed-here",
		DefaultIterations: 7,
		Prescale:          true,
		VerifyOutput:      true,
	}
}

func TestNewDependencies_Local(t *testing.T) {
	cfg := testConfig(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	deps, err := NewDependencies(ctx, cfg, logger)
	require.NoError(t, err)
	require.NotNil(t, deps.Service)
	require.NotNil(t, deps.Metrics)
	t.Cleanup(func() { _ = deps.Service.Close(context.Background()) })

	// A missing binary leaves the session unloaded instead of failing creation.
	sess, err := deps.Service.CreateSession(ctx, patina.CreateSessionInput{})
	require.NoError(t, err)
	assert.Equal(t, patina.StateIdle, sess.GetState())
	assert.Equal(t, 7, sess.Iterations)
	assert.Contains(t, sess.Clone().Error, "locate ffmpeg")
}

func TestEngineFactory_UsesSessionWorkspace(t *testing.T) {
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	eng, err := engineFactory("ffmpeg", store)("abc123")
	require.NoError(t, err)

	ff, ok := eng.(*engine.FFmpegEngine)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(store.TempDir(), "workspaces", "abc123"), ff.Dir())
}

func TestEngineFactory_RejectsBadID(t *testing.T) {
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	_, err = engineFactory("ffmpeg", store)("../escape")
	assert.Error(t, err)
}
