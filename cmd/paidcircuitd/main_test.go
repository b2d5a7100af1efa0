package main

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, parseLevel("debug"))
	require.Equal(t, slog.LevelWarn, parseLevel("WARN"))
	require.Equal(t, slog.LevelError, parseLevel("error"))
	require.Equal(t, slog.LevelInfo, parseLevel("nonsense"))
}

func TestRunRejectsMissingMode(t *testing.T) {
	require.Equal(t, 2, run([]string{}))
}

func TestRunRejectsUnknownMode(t *testing.T) {
	require.Equal(t, 2, run([]string{"sideways"}))
}
