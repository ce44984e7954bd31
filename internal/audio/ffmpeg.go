//go:build !linux

package audio

// buildFFmpegCaptureArgs constructs FFmpeg arguments for mono audio capture.
func buildFFmpegCaptureArgs(inputFormat, device string, sampleRate int) []string {
	return []string{
		"-f", inputFormat,
		"-i", device,
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-vn",
		"-f", "s16le",
		"-ac", "1",
		"-ar", rateArg(sampleRate),
		"pipe:1",
	}
}
