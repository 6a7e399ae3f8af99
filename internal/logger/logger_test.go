package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcavalcanti/bifrost/internal/config"
)

func TestNewWithWriter(t *testing.T) {
	t.Parallel()

	t.Run("Should emit JSON with identity attributes", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		log := NewWithWriter(&config.AppConfig{
			Name:        "bifrost-control",
			Version:     "1.2.3",
			Environment: "production",
			LogLevel:    "info",
			LogFormat:   "json",
		}, &buf)

		log.Info("hello")

		var line map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
		assert.Equal(t, "bifrost-control", line["service"])
		assert.Equal(t, "1.2.3", line["version"])
		assert.Equal(t, "production", line["env"])
		assert.Equal(t, "hello", line["msg"])
	})

	t.Run("Should honor the configured level", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		log := NewWithWriter(&config.AppConfig{LogLevel: "warn", LogFormat: "json"}, &buf)

		log.Info("suppressed")
		assert.Empty(t, buf.String())

		log.Warn("visible")
		assert.Contains(t, buf.String(), "visible")
	})

	t.Run("Should default to JSON for unknown formats", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		log := NewWithWriter(&config.AppConfig{LogLevel: "info", LogFormat: "xml"}, &buf)

		log.Info("hello")

		var line map[string]any
		assert.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	})

	t.Run("Should panic on nil config", func(t *testing.T) {
		t.Parallel()

		assert.Panics(t, func() {
			NewWithWriter(nil, &bytes.Buffer{})
		})
	})
}
