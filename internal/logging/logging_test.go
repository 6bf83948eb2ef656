package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVerbosity(t *testing.T) {
	cases := map[string]Verbosity{
		"off": Off, "error": Error, "warn": Warn,
		"info": Info, "debug": Debug, "trace": Trace,
	}
	for s, want := range cases {
		got, err := ParseVerbosity(s)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestParseVerbosity_Invalid(t *testing.T) {
	_, err := ParseVerbosity("loud")
	assert.Error(t, err)
}

func TestSlogLevelOrdering(t *testing.T) {
	assert.Equal(t, LevelTrace, Trace.slogLevel())
	assert.Less(t, Trace.slogLevel(), Debug.slogLevel())
	assert.Less(t, Debug.slogLevel(), Info.slogLevel())
	assert.Less(t, Info.slogLevel(), Warn.slogLevel())
	assert.Less(t, Warn.slogLevel(), Error.slogLevel())
	assert.Less(t, Error.slogLevel(), Off.slogLevel())
}
