package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRun_MissingRequiredFlagsExitsTwo(t *testing.T) {
	code := run([]string{"--source-type", "http"})
	assert.Equal(t, 2, code)
}

func TestRun_UnknownFlagExitsNonZero(t *testing.T) {
	code := run([]string{"--not-a-real-flag"})
	assert.NotEqual(t, 0, code)
}
