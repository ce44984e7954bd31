package audio

import (
	"errors"
	"strconv"
)

// Capture format delivered on the capture command's stdout.
const (
	// CaptureChannels is the number of captured channels (mono).
	CaptureChannels = 1
	// DefaultSampleRate is the default capture sample rate in Hz.
	DefaultSampleRate = 48000
	// DefaultChunkFrames is the default number of frames per analyzed chunk.
	DefaultChunkFrames = 1024
)

// ErrNoAudioDevice is returned when no audio input device is available.
var ErrNoAudioDevice = errors.New("no audio input device found")

// CaptureConfig defines platform-specific audio capture configuration.
type CaptureConfig struct {
	// Command is the executable name (e.g., "arecord", "ffmpeg").
	Command string

	// DefaultDevice is used when no device is configured.
	DefaultDevice string

	// UsesFFmpeg indicates if this platform uses FFmpeg for capture.
	UsesFFmpeg bool

	// BuildArgs returns the command arguments for mono S16LE capture.
	BuildArgs func(device string, sampleRate int) []string
}

// BuildCaptureCommand returns the command and arguments for audio capture.
// If device is empty, it uses the platform default or the first detected device.
// The ffmpegPath parameter is used on platforms that use FFmpeg for capture.
func BuildCaptureCommand(device, ffmpegPath string, sampleRate int) (cmd string, args []string, err error) {
	cfg := getPlatformConfig()

	if device == "" {
		device = cfg.DefaultDevice
	}

	if device == "" {
		devices := Devices()
		if len(devices) == 0 {
			return "", nil, ErrNoAudioDevice
		}
		device = devices[0].ID
	}

	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}

	command := cfg.Command
	if cfg.UsesFFmpeg && ffmpegPath != "" {
		command = ffmpegPath
	}

	return command, cfg.BuildArgs(device, sampleRate), nil
}

// rateArg formats a sample rate for command-line use.
func rateArg(sampleRate int) string {
	return strconv.Itoa(sampleRate)
}
