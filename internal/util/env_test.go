package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseBoolEnv(t *testing.T) {
	tests := map[string]bool{
		"true": true,
		"YES":  true,
		" on ": true,
		"0":    false,
		"off":  false,
	}
	for raw, want := range tests {
		t.Setenv("FLOWPIPE_TEST_BOOL", raw)
		assert.Equal(t, want, ParseBoolEnv("FLOWPIPE_TEST_BOOL", !want), raw)
	}

	t.Setenv("FLOWPIPE_TEST_BOOL", "maybe")
	assert.True(t, ParseBoolEnv("FLOWPIPE_TEST_BOOL", true))
	assert.False(t, ParseBoolEnv("FLOWPIPE_TEST_UNSET_BOOL", false))
}

func TestParseDurationEnv(t *testing.T) {
	t.Setenv("FLOWPIPE_TEST_DURATION", "90s")
	assert.Equal(t, 90*time.Second, ParseDurationEnv("FLOWPIPE_TEST_DURATION", time.Minute))

	t.Setenv("FLOWPIPE_TEST_DURATION", "soon")
	assert.Equal(t, time.Minute, ParseDurationEnv("FLOWPIPE_TEST_DURATION", time.Minute))

	t.Setenv("FLOWPIPE_TEST_DURATION", "-5m")
	assert.Equal(t, time.Minute, ParseDurationEnv("FLOWPIPE_TEST_DURATION", time.Minute))

	assert.Equal(t, time.Hour, ParseDurationEnv("FLOWPIPE_TEST_UNSET_DURATION", time.Hour))
}

func TestParseIntEnv(t *testing.T) {
	t.Setenv("FLOWPIPE_TEST_INT", " 16 ")
	assert.Equal(t, 16, ParseIntEnv("FLOWPIPE_TEST_INT", 8))

	t.Setenv("FLOWPIPE_TEST_INT", "sixteen")
	assert.Equal(t, 8, ParseIntEnv("FLOWPIPE_TEST_INT", 8))
}
