package main

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	t.Run("JSON", func(t *testing.T) {
		logger, err := newLogger(slog.LevelInfo, "json")
		require.NoError(t, err)
		require.NotEqual(t, (*slog.Logger)(nil), logger)
	})

	t.Run("Text", func(t *testing.T) {
		logger, err := newLogger(slog.LevelError, "text")
		require.NoError(t, err)
		require.NotEqual(t, (*slog.Logger)(nil), logger)
	})

	t.Run("Unknown", func(t *testing.T) {
		logger, err := newLogger(slog.LevelError, "gofmt")
		require.Error(t, err)
		require.Equal(t, "log format is not one of the supported values (json, text): gofmt", err.Error())
		require.Equal(t, (*slog.Logger)(nil), logger)
	})
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":      slog.LevelInfo,
		"info":  slog.LevelInfo,
		"debug": slog.LevelDebug,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for input, want := range cases {
		got, err := parseLogLevel(input)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	_, err := parseLogLevel("verbose")
	require.Error(t, err)
}

func TestApplyConfigOverrides(t *testing.T) {
	c := Config{}
	applyConfigOverrides(serveOptions{
		webHTTPAddr:   ":8080",
		webHTTPSAddr:  ":8443",
		telemetryAddr: ":9090",
	}, &c)

	require.Equal(t, ":8080", c.Route.HTTP)
	require.Equal(t, ":8443", c.Route.HTTPS)
	require.Equal(t, ":9090", c.Telemetry.HTTP)
}
