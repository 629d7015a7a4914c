package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func restore(t *testing.T) {
	logger, level := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = logger
		zerolog.SetGlobalLevel(level)
	})
}

func TestSetupJSON(t *testing.T) {
	restore(t)
	var buf bytes.Buffer
	require.NoError(t, SetupWriter(&buf, "warn", "json"))

	log.Info().Msg("dropped")
	log.Warn().Int("trees", 100).Msg("kept")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "kept", line["message"])
	assert.EqualValues(t, 100, line["trees"])
	assert.Contains(t, line, "time")
}

func TestSetupConsole(t *testing.T) {
	restore(t)
	var buf bytes.Buffer
	require.NoError(t, SetupWriter(&buf, "debug", "console"))

	log.Debug().Str("stage", "train").Msg("fitting")
	assert.Contains(t, buf.String(), "fitting")
	assert.Contains(t, buf.String(), "stage=")
}

func TestSetupErrors(t *testing.T) {
	restore(t)
	assert.Error(t, SetupWriter(&bytes.Buffer{}, "loud", "json"))
	assert.Error(t, SetupWriter(&bytes.Buffer{}, "info", "xml"))
}
