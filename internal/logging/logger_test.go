package logging

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewDevelopmentLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(true, "")
	require.NoError(t, err)
	require.NotNil(t, logger)
	defer logger.Sync() //nolint:errcheck // best-effort flush
	logger.Info("development logger ready")
}

func TestNewProductionLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(false, "")
	require.NoError(t, err)
	require.NotNil(t, logger)
	defer logger.Sync() //nolint:errcheck // best-effort flush
	logger.Info("production logger ready")
}

func TestNewAppendsJSONLinesToFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "adnotifier.log")
	require.NoError(t, os.WriteFile(path, []byte(`{"msg":"earlier run"}`+"\n"), 0o600))

	logger, err := New(true, path)
	require.NoError(t, err)
	logger.Info("change detected", zap.String("entry_id", "e-1"))
	_ = logger.Sync()

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var line map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		lines = append(lines, line)
	}
	require.NoError(t, scanner.Err())
	require.Len(t, lines, 2)
	require.Equal(t, "earlier run", lines[0]["msg"])
	require.Equal(t, "change detected", lines[1]["msg"])
	require.Equal(t, "e-1", lines[1]["entry_id"])
	require.Contains(t, lines[1], "ts")
}

func TestNewRejectsUnwritableFile(t *testing.T) {
	t.Parallel()

	_, err := New(false, filepath.Join(t.TempDir(), "missing", "dir", "x.log"))
	require.Error(t, err)
}
