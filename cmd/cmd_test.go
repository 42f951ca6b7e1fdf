package cmd

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelcloud/gbox/packages/extender/internal/version"
)

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	require.NoError(t, rootCmd.Execute())
	return out.String()
}

func TestShellQuote(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"ffmpeg", "ffmpeg"},
		{"-i", "-i"},
		{"pipe:1", "pipe:1"},
		{"", "''"},
		{"/tmp/my dir/v.h264", "'/tmp/my dir/v.h264'"},
		{"<session>", "'<session>'"},
		{"it's", `'it'\''s'`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, shellQuote(tt.in), tt.in)
	}
}

func TestArgsCommand(t *testing.T) {
	out := execute(t, "args", "--pipe-dir", "/run/ext", "--sample-rate", "44100", "--channels", "1", "--player", "mpv", "--player-arg", "--no-cache")

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)

	assert.True(t, strings.HasPrefix(lines[0], "transcoder: ffmpeg -hide_banner"))
	assert.Contains(t, lines[0], "-i '/run/ext/<session>/video.h264'")
	assert.Contains(t, lines[0], "-f s16le -ar 44100 -ac 1 -i '/run/ext/<session>/audio.raw'")
	assert.True(t, strings.HasSuffix(lines[0], "-f matroska pipe:1"))

	assert.Equal(t, "player:     mpv --no-cache -i pipe:0", lines[1])
}

func TestVersionCommandJSON(t *testing.T) {
	out := execute(t, "version", "--output", "json")

	var info map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, version.Version, info["Version"])
}

func TestRootVersionFlag(t *testing.T) {
	out := execute(t, "--version")
	assert.Equal(t, version.Short()+"\n", out)
}
