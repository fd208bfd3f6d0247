package logutil

import (
	"bytes"
	"testing"

	"github.com/phuslu/log"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, log.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, log.WarnLevel, ParseLevel("WARNING"))
	assert.Equal(t, log.InfoLevel, ParseLevel(""))
	assert.Equal(t, log.InfoLevel, ParseLevel("chatty"))
}

func TestSetupWritesToWriter(t *testing.T) {
	previous := log.DefaultLogger
	defer func() { log.DefaultLogger = previous }()

	var buf bytes.Buffer
	Setup("warn", &buf)
	log.Info().Msg("hidden")
	log.Warn().Str("model", "test/model").Msg("visible")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "visible")
	assert.Contains(t, buf.String(), "test/model")
}
