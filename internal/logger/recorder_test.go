package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderCountsLevels(t *testing.T) {
	var buf bytes.Buffer
	rec := NewRecorder(&buf)
	log := zerolog.New(rec)

	log.Info().Msg("starting")
	log.Warn().Int("record", 3).Msg("resync")
	log.Warn().Int("record", 9).Msg("resync")
	log.Error().Msg("boom")

	assert.Equal(t, 1, rec.Count(zerolog.InfoLevel))
	assert.Equal(t, 2, rec.Warnings())
	assert.Equal(t, 1, rec.Count(zerolog.ErrorLevel))
	assert.Equal(t, 4, strings.Count(buf.String(), "\n"))
}

func TestSetupWriter(t *testing.T) {
	var buf bytes.Buffer
	rec := SetupWriter(&buf, "warn", "json")
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })

	l := Get("test")
	l.Info().Msg("filtered")
	l.Warn().Msg("kept")

	require.Equal(t, 1, rec.Warnings())
	assert.Contains(t, buf.String(), `"component":"test"`)
	assert.NotContains(t, buf.String(), "filtered")
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"INFO":    zerolog.InfoLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
