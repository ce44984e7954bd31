package util

import "os/exec"

// ResolveFFmpegPath returns the path to the FFmpeg binary.
// If customPath is set, it validates the path exists and is executable.
// Otherwise, it searches for "ffmpeg" in the system PATH.
// Returns an empty string if FFmpeg is not found.
func ResolveFFmpegPath(customPath string) string {
	return ResolveBinary(customPath, "ffmpeg")
}

// ResolvePlayerPath returns the path to the ffplay binary used for alarm sounds.
func ResolvePlayerPath(customPath string) string {
	return ResolveBinary(customPath, "ffplay")
}

// ResolveBinary returns customPath when it is executable, or the PATH lookup of
// name when customPath is empty. Returns an empty string when nothing is found.
func ResolveBinary(customPath, name string) string {
	if customPath != "" {
		if _, err := exec.LookPath(customPath); err == nil {
			return customPath
		}
		return ""
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return ""
	}
	return path
}
