package version

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatBuildTime(t *testing.T) {
	prev := BuildTime
	t.Cleanup(func() { BuildTime = prev })

	BuildTime = "unknown"
	assert.Equal(t, "unknown", formatBuildTime())

	BuildTime = "2026-03-01T10:20:30Z"
	assert.Equal(t, "Sun Mar 1 10:20:30 2026", formatBuildTime())

	BuildTime = "yesterday"
	assert.Equal(t, "yesterday", formatBuildTime())
}

func TestInfo(t *testing.T) {
	info := Info()
	assert.Equal(t, Version, info["Version"])
	assert.Equal(t, runtime.GOOS, info["OS"])
	assert.Contains(t, Short(), Version)
}
