//go:build !windows

package muxer

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelcloud/gbox/packages/extender/internal/util"
)

func requireTools(t *testing.T, tools ...string) {
	t.Helper()
	for _, tool := range tools {
		if _, err := exec.LookPath(tool); err != nil {
			t.Skipf("%s not available: %v", tool, err)
		}
	}
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.PipeDir = t.TempDir()
	cfg.TranscoderPath = "sh"
	cfg.PlayerPath = "cat"
	cfg.PlayerArgs = nil
	cfg.BufferingDelay = 100 * time.Millisecond
	cfg.GracePeriod = 200 * time.Millisecond
	cfg.StopTimeout = time.Second
	return cfg
}

// copyPipes makes sh copy each pipe into a file of dir.
func copyPipes(dir string) func(string, string) []string {
	return func(video, audio string) []string {
		return []string{
			"-c", `cat "$1" > "$3" & cat "$2" > "$4" & wait`,
			"transcoder", video, audio,
			filepath.Join(dir, "video.out"), filepath.Join(dir, "audio.out"),
		}
	}
}

func fileEquals(path string, want []byte) func() bool {
	return func() bool {
		got, err := os.ReadFile(path)
		return err == nil && bytes.Equal(got, want)
	}
}

func TestSessionRejectsSubmitWhenStopped(t *testing.T) {
	s := New(testConfig(t), WithLogger(util.DiscardLogger()))

	assert.False(t, s.Running())
	assert.Empty(t, s.ID())
	assert.False(t, s.SubmitVideoUnits([][]byte{{0x65}}, 0))
	assert.False(t, s.SubmitAudioData([]byte{1, 2}, 0))
	assert.Nil(t, s.Exited())
	assert.Equal(t, Stats{}, s.Stats())

	assert.NotPanics(t, func() {
		s.Stop()
		s.Stop()
	})
}

func TestSessionInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.AudioPipeName = cfg.VideoPipeName

	s := New(cfg, WithLogger(util.DiscardLogger()))
	err := s.Start()

	var cerr *ConfigError
	require.True(t, errors.As(err, &cerr))
	assert.False(t, s.Running())
}

func TestSessionStartFailureLeavesNothingRunning(t *testing.T) {
	cfg := testConfig(t)
	cfg.TranscoderPath = "extender-test-no-such-transcoder"

	s := New(cfg, WithLogger(util.DiscardLogger()))
	require.Error(t, s.Start())
	assert.False(t, s.Running())
	assert.False(t, s.SubmitAudioData([]byte{1}, 0))

	entries, err := os.ReadDir(cfg.PipeDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "session directory must be removed")
}

func TestSessionEndToEnd(t *testing.T) {
	requireTools(t, "sh", "cat")

	out := t.TempDir()
	cfg := testConfig(t)
	s := New(cfg, WithLogger(util.DiscardLogger()), WithTranscoderArgs(copyPipes(out)))
	diagnostics := s.Diagnostics()

	require.NoError(t, s.Start())
	defer s.Stop()

	assert.True(t, s.Running())
	assert.NotEmpty(t, s.ID())
	assert.Equal(t, ErrRunning, s.Start())

	sps := []byte{0x67, 0x42, 0xE0, 0x1E}
	idr := []byte{0x65, 0x88, 0x84}
	pcm := []byte{1, 2, 3, 4}

	assert.False(t, s.SubmitVideoUnits(nil, 0), "empty access unit")

	start := time.Now()
	require.True(t, s.SubmitVideoUnits([][]byte{sps, idr}, 0))
	require.True(t, s.SubmitAudioData(pcm, 0))
	require.True(t, s.SubmitVideoUnits([][]byte{idr}, 90000))
	pcm[0] = 9 // submitted audio is a copy

	first := []byte{0, 0, 0, 1, 0x67, 0x42, 0xE0, 0x1E, 0, 0, 0, 1, 0x65, 0x88, 0x84}
	second := []byte{0, 0, 0, 1, 0x65, 0x88, 0x84}

	videoOut := filepath.Join(out, "video.out")
	audioOut := filepath.Join(out, "audio.out")

	require.Eventually(t, fileEquals(audioOut, []byte{1, 2, 3, 4}), 3*time.Second, 5*time.Millisecond)
	require.Eventually(t, fileEquals(videoOut, first), 3*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond, "first units wait for the buffering delay")

	require.Eventually(t, fileEquals(videoOut, append(first, second...)), 5*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), time.Second, "second access unit is paced one second later")

	stats := s.Stats()
	assert.True(t, stats.Running)
	assert.Equal(t, uint64(2), stats.Streams["video"].Writer.Written)
	assert.Equal(t, uint64(1), stats.Streams["audio"].Writer.Written)
	assert.Equal(t, uint64(len(pcm)), stats.Streams["audio"].Writer.Bytes)

	id := s.ID()
	s.Stop()
	assert.False(t, s.Running())
	assert.False(t, s.SubmitAudioData(pcm, 960))
	assert.False(t, s.SubmitVideoUnits([][]byte{idr}, 180000))

	stats = s.Stats()
	assert.False(t, stats.Running)
	assert.Equal(t, id, stats.ID)

	entries, err := os.ReadDir(cfg.PipeDir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// restart reuses the diagnostics channel with a fresh run id
	require.NoError(t, s.Start())
	assert.NotEqual(t, id, s.ID())
	assert.Equal(t, diagnostics, s.Diagnostics())
}

func TestSessionStopIsBounded(t *testing.T) {
	requireTools(t, "sh", "cat")

	cfg := testConfig(t)
	// the transcoder never opens the pipes, so both writers stay waiting
	s := New(cfg, WithLogger(util.DiscardLogger()), WithTranscoderArgs(func(string, string) []string {
		return []string{"-c", "trap '' TERM; sleep 30"}
	}))
	require.NoError(t, s.Start())

	start := time.Now()
	s.Stop()
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.False(t, s.Running())
}

func TestSessionStopHasSingleDeadline(t *testing.T) {
	requireTools(t, "sh", "cat", "setsid", "sleep")

	cfg := testConfig(t)
	cfg.GracePeriod = 500 * time.Millisecond
	cfg.StopTimeout = time.Second
	// the detached sleep keeps the transcoder's stderr open after the kill
	s := New(cfg, WithLogger(util.DiscardLogger()), WithTranscoderArgs(func(string, string) []string {
		return []string{"-c", "setsid sleep 3 & trap '' TERM; sleep 30"}
	}))
	require.NoError(t, s.Start())

	start := time.Now()
	s.Stop()
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, cfg.GracePeriod)
	assert.Less(t, elapsed, cfg.StopTimeout+300*time.Millisecond)
	assert.False(t, s.Running())
}
