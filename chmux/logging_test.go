package chmux

import (
	"path/filepath"
	"testing"

	"github.com/chmux/chmux/internal/xlog"
	"github.com/stretchr/testify/require"
)

func TestWithFileLoggingBuildsLogger(t *testing.T) {
	cfg := DefaultConfig()
	cfg, err := WithFileLogging(cfg, xlog.Config{
		Level: "debug",
		File:  filepath.Join(t.TempDir(), "chmux.log"),
	})
	require.NoError(t, err)
	require.NotNil(t, cfg.Logger)
}

func TestWithFileLoggingRejectsBadLevel(t *testing.T) {
	_, err := WithFileLogging(DefaultConfig(), xlog.Config{Level: "not-a-level"})
	require.Error(t, err)
}
