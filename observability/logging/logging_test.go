package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetupEmitsStructuredJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup("vestingd", "test", WithWriter(&buf))
	t.Cleanup(func() { slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil))) })

	logger.Info("claim processed", "asset", "VEST")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "claim processed", line["message"])
	require.Equal(t, "INFO", line["severity"])
	require.Equal(t, "vestingd", line["service"])
	require.Equal(t, "test", line["env"])
	require.Equal(t, "VEST", line["asset"])
	require.Contains(t, line, "timestamp")
}

func TestSetupHonoursLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup("vestingd", "", WithWriter(&buf), WithLevel(ParseLevel("warn")))
	t.Cleanup(func() { slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil))) })

	logger.Info("dropped")
	require.Zero(t, buf.Len())
	logger.Warn("kept")
	require.Contains(t, buf.String(), "kept")
}

func TestSetupWritesRotatedFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "vestingd.log")
	logger := Setup("vestingd", "", WithWriter(&buf), WithFile(path, 1, 1, 1))
	t.Cleanup(func() { slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil))) })

	logger.Info("to file")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(data), "to file"))
}

func TestMaskFieldRedactsSecrets(t *testing.T) {
	require.Equal(t, RedactedValue, MaskField("authorization", "Bearer abc").Value.String())
	require.Equal(t, "VEST", MaskField("asset", "VEST").Value.String())
	require.Equal(t, "", MaskField("token", "").Value.String())
	require.Equal(t, RedactedValue, MaskValue("secret"))
	for _, key := range RedactionAllowlist() {
		require.NotEqual(t, "authorization", key)
	}
}
