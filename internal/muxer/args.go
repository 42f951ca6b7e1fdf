package muxer

import "strconv"

// TranscoderArgs builds the transcoder command line that reads the two named
// pipes and writes a single Matroska stream to stdout. Both inputs are
// stamped with wall-clock time on arrival.
func (c Config) TranscoderArgs(videoPath, audioPath string) []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "warning",
		"-use_wallclock_as_timestamps", "1",
		"-f", "h264",
		"-i", videoPath,
		"-use_wallclock_as_timestamps", "1",
		"-f", string(c.Audio.Format),
	}
	if c.Audio.Format.IsPCM() {
		args = append(args,
			"-ar", strconv.FormatUint(uint64(c.Audio.SampleRate), 10),
			"-ac", strconv.Itoa(c.Audio.Channels),
		)
	}
	return append(args,
		"-i", audioPath,
		"-map", "0:v",
		"-map", "1:a",
		"-c", "copy",
		"-f", "matroska",
		"pipe:1",
	)
}

// PlayerCommandArgs returns the player arguments, which read the combined
// stream from stdin.
func (c Config) PlayerCommandArgs() []string {
	args := append([]string(nil), c.PlayerArgs...)
	return append(args, "-i", "pipe:0")
}
