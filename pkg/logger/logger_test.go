package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComponentFieldIsEmitted(t *testing.T) {
	log := New(Options{Level: "debug", Format: "json"})
	var buf bytes.Buffer
	log.SetOutput(&buf)

	log.WithComponent("risk").WithField("pair", "DOGE_EUR").Info("assessed")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "risk", line["component"])
	assert.Equal(t, "DOGE_EUR", line["pair"])
	assert.Equal(t, "assessed", line["message"])
	assert.Equal(t, "info", line["level"])
}

func TestUnknownLevelFallsBackToInfo(t *testing.T) {
	log := New(Options{Level: "loud"})
	assert.Equal(t, "info", log.GetLevel().String())
}
