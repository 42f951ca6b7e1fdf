//go:build !windows

package supervisor

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelcloud/gbox/packages/extender/internal/media"
	"github.com/babelcloud/gbox/packages/extender/internal/util"
)

// syncBuffer is a bytes.Buffer safe for the player's stdout copier.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func requireTools(t *testing.T, tools ...string) {
	t.Helper()
	for _, tool := range tools {
		if _, err := exec.LookPath(tool); err != nil {
			t.Skipf("%s not available: %v", tool, err)
		}
	}
}

// catTranscoder copies both pipes into files and writes a marker to stdout,
// standing in for ffmpeg.
func catTranscoder(outVideo, outAudio string) func(string, string) []string {
	script := `echo ready >&2; cat "$1" > "$3" & cat "$2" > "$4" & wait; printf combined`
	return func(video, audio string) []string {
		return []string{"-c", script, "transcoder", video, audio, outVideo, outAudio}
	}
}

func newConfig(t *testing.T, diag chan Diagnostic) Config {
	t.Helper()
	return Config{
		Dir:           filepath.Join(t.TempDir(), "session"),
		VideoPipeName: "video.h264",
		AudioPipeName: "audio.pcm",
		Transcoder:    ProcessSpec{Path: "sh"},
		Player:        ProcessSpec{Path: "cat"},
		GracePeriod:   200 * time.Millisecond,
		StopTimeout:   time.Second,
		Diagnostics:   diag,
		Logger:        util.DiscardLogger(),
	}
}

func collect(diag <-chan Diagnostic, until func([]Diagnostic) bool, timeout time.Duration) []Diagnostic {
	var got []Diagnostic
	deadline := time.After(timeout)
	for !until(got) {
		select {
		case d := <-diag:
			got = append(got, d)
		case <-deadline:
			return got
		}
	}
	return got
}

func TestSupervisorPipesAndBridge(t *testing.T) {
	requireTools(t, "sh", "cat")

	out := t.TempDir()
	outVideo := filepath.Join(out, "video")
	outAudio := filepath.Join(out, "audio")

	diag := make(chan Diagnostic, 16)
	cfg := newConfig(t, diag)
	cfg.TranscoderArgs = catTranscoder(outVideo, outAudio)
	player := &syncBuffer{}
	cfg.PlayerOutput = player

	s := New(cfg)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Equal(t, ErrStarted, s.Start(context.Background()))

	video := s.Pipe(media.Video)
	audio := s.Pipe(media.Audio)
	require.NotNil(t, video)
	require.NotNil(t, audio)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, video.WaitConnected(ctx))
	require.NoError(t, audio.WaitConnected(ctx))

	_, err := video.Write([]byte{0, 0, 0, 1, 0x65})
	require.NoError(t, err)
	_, err = audio.Write([]byte("pcm"))
	require.NoError(t, err)
	video.Close()
	audio.Close()

	require.Eventually(t, func() bool { return player.String() == "combined" }, 5*time.Second, 10*time.Millisecond)

	data, err := os.ReadFile(outVideo)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 1, 0x65}, data)
	data, err = os.ReadFile(outAudio)
	require.NoError(t, err)
	assert.Equal(t, "pcm", string(data))

	got := collect(diag, func(d []Diagnostic) bool { return len(d) > 0 }, 2*time.Second)
	require.NotEmpty(t, got)
	assert.Equal(t, TranscoderName, got[0].Process)
	assert.Equal(t, "ready", got[0].Line)

	require.Eventually(t, func() bool {
		return s.Stats().BridgedBytes == uint64(len("combined"))
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSupervisorStopCleansUp(t *testing.T) {
	requireTools(t, "sh", "cat")

	cfg := newConfig(t, nil)
	cfg.Transcoder.Args = []string{"-c", "sleep 30"}

	s := New(cfg)
	require.NoError(t, s.Start(context.Background()))

	stats := s.Stats()
	require.Len(t, stats.Processes, 2)
	for _, p := range stats.Processes {
		assert.True(t, p.Running, p.Name)
	}

	start := time.Now()
	s.Stop()
	s.Stop()
	assert.Less(t, time.Since(start), 3*time.Second)

	_, err := os.Stat(cfg.Dir)
	assert.True(t, os.IsNotExist(err), "pipe directory should be removed")

	for _, p := range s.Stats().Processes {
		assert.False(t, p.Running, p.Name)
	}
}

func TestSupervisorStopWithoutStart(t *testing.T) {
	s := New(newConfig(t, nil))
	assert.NotPanics(t, func() {
		s.Stop()
		s.Stop()
	})
	assert.Nil(t, s.Pipe(media.Video))
}

func TestSupervisorMissingTranscoder(t *testing.T) {
	cfg := newConfig(t, nil)
	cfg.Transcoder.Path = "extender-test-no-such-binary"

	s := New(cfg)
	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), TranscoderName)

	_, statErr := os.Stat(cfg.Dir)
	assert.True(t, os.IsNotExist(statErr), "failed start must not leave pipes behind")
	assert.NotPanics(t, s.Stop)
}

func TestSupervisorMissingPlayerUnwindsTranscoder(t *testing.T) {
	requireTools(t, "sh")

	cfg := newConfig(t, nil)
	cfg.Transcoder.Args = []string{"-c", "sleep 30"}
	cfg.Player.Path = "extender-test-no-such-player"

	s := New(cfg)
	start := time.Now()
	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), PlayerName)
	assert.Less(t, time.Since(start), 3*time.Second)

	stats := s.Stats()
	require.Len(t, stats.Processes, 1)
	assert.False(t, stats.Processes[0].Running)

	_, statErr := os.Stat(cfg.Dir)
	assert.True(t, os.IsNotExist(statErr))
}

func TestSupervisorReportsUnexpectedExit(t *testing.T) {
	requireTools(t, "sh", "cat")

	diag := make(chan Diagnostic, 16)
	cfg := newConfig(t, diag)
	cfg.Transcoder.Args = []string{"-c", "echo boom >&2; exit 3"}

	s := New(cfg)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	select {
	case <-s.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("exit not observed")
	}

	got := collect(diag, func(d []Diagnostic) bool {
		for _, x := range d {
			if strings.Contains(x.Line, "exit status 3") {
				return true
			}
		}
		return false
	}, 5*time.Second)

	var lines []string
	for _, d := range got {
		assert.Equal(t, TranscoderName, d.Process)
		lines = append(lines, d.Line)
	}
	assert.Contains(t, lines, "boom")
	assert.Contains(t, lines, "process exited: exit status 3")
}

func TestSupervisorDropsDiagnosticsWhenFull(t *testing.T) {
	requireTools(t, "sh", "cat")

	diag := make(chan Diagnostic, 1)
	cfg := newConfig(t, diag)
	cfg.Transcoder.Args = []string{"-c", "for i in 1 2 3 4 5; do echo line$i >&2; done; sleep 30"}

	s := New(cfg)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool { return s.Stats().DroppedDiagnostics == 4 }, 5*time.Second, 10*time.Millisecond)
	d := <-diag
	assert.Equal(t, "line1", d.Line)
}

func TestSupervisorSurvivesLongDiagnosticLine(t *testing.T) {
	requireTools(t, "sh", "cat", "head", "tr")

	diag := make(chan Diagnostic, 64)
	cfg := newConfig(t, diag)
	cfg.Transcoder.Args = []string{"-c", `head -c 2000000 /dev/zero | tr "\0" x >&2; echo after >&2; sleep 30`}

	s := New(cfg)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	got := collect(diag, func(d []Diagnostic) bool {
		return len(d) > 0 && d[len(d)-1].Line == "after"
	}, 5*time.Second)
	require.NotEmpty(t, got)
	assert.Equal(t, "after", got[len(got)-1].Line)
	for _, d := range got[:len(got)-1] {
		assert.LessOrEqual(t, len(d.Line), maxDiagnosticLine)
	}

	var transcoder ProcessStatus
	for _, p := range s.Stats().Processes {
		if p.Name == TranscoderName {
			transcoder = p
		}
	}
	assert.True(t, transcoder.Running, "exit: %s", transcoder.Exit)
}

func TestSupervisorSplitsCarriageReturnLines(t *testing.T) {
	requireTools(t, "sh", "cat")

	diag := make(chan Diagnostic, 16)
	cfg := newConfig(t, diag)
	cfg.Transcoder.Args = []string{"-c", `printf 'frame=1\rframe=2\r\ndone\n' >&2; sleep 30`}

	s := New(cfg)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	got := collect(diag, func(d []Diagnostic) bool { return len(d) == 3 }, 5*time.Second)
	var lines []string
	for _, d := range got {
		lines = append(lines, d.Line)
	}
	assert.Equal(t, []string{"frame=1", "frame=2", "done"}, lines)
}

func TestSupervisorStopTimeoutCoversGracePeriod(t *testing.T) {
	requireTools(t, "sh", "cat", "sleep")

	cfg := newConfig(t, nil)
	cfg.GracePeriod = 5 * time.Second
	cfg.StopTimeout = time.Second
	cfg.Transcoder.Args = []string{"-c", "trap '' TERM; sleep 30"}

	s := New(cfg)
	require.NoError(t, s.Start(context.Background()))

	start := time.Now()
	s.Stop()
	assert.Less(t, time.Since(start), cfg.StopTimeout+300*time.Millisecond)
	assert.NoDirExists(t, cfg.Dir)
}
