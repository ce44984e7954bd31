package alarm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/oszuidwest/clapfinder/internal/util"
)

// Sentinel errors for alarm outputs.
var (
	ErrUnknownSound       = errors.New("unknown alarm sound")
	ErrSoundUnavailable   = errors.New("sound output not available")
	ErrTorchUnavailable   = errors.New("torch not available")
	ErrHapticsUnavailable = errors.New("vibration not available")
)

// Sounder plays alarm sounds.
type Sounder interface {
	Available() bool
	// Play blocks until the sound finished or ctx is cancelled.
	Play(ctx context.Context, sound string, volume int) error
}

// Torch drives a light used for flashing.
type Torch interface {
	Available() bool
	Set(on bool) error
}

// Vibrator produces a haptic pulse.
type Vibrator interface {
	Available() bool
	Pulse(ctx context.Context) error
}

// soundPresets maps alarm sounds to FFmpeg lavfi source graphs.
var soundPresets = map[string]string{
	"Alarm": "sine=frequency=1000:beep_factor=4:duration=1.5",
	"Bell":  "sine=frequency=1318:duration=1.2,afade=t=out:st=0:d=1.2",
	"Chime": "sine=frequency=1046:duration=0.8,afade=t=out:st=0.2:d=0.6",
	"Horn":  "sine=frequency=415:duration=1.0",
	"Siren": "aevalsrc=exprs=sin(2*PI*t*(700+250*sin(2*PI*t))):d=1.5",
}

// SoundSource returns the lavfi graph for a sound.
func SoundSource(sound string) (string, error) {
	src, ok := soundPresets[sound]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownSound, sound)
	}
	return src, nil
}

// CommandSounder plays generated tones with ffplay.
type CommandSounder struct {
	playerPath string
}

// NewCommandSounder creates a sounder for the given ffplay binary.
// An empty path makes the sounder unavailable.
func NewCommandSounder(playerPath string) *CommandSounder {
	return &CommandSounder{playerPath: playerPath}
}

// Available reports whether a player binary was found.
func (s *CommandSounder) Available() bool {
	return s.playerPath != ""
}

// Args returns the player arguments for a sound at volume percent.
func (s *CommandSounder) Args(sound string, volume int) ([]string, error) {
	src, err := SoundSource(sound)
	if err != nil {
		return nil, err
	}
	return []string{
		"-nodisp",
		"-autoexit",
		"-loglevel", "error",
		"-volume", strconv.Itoa(min(max(volume, 0), 100)),
		"-f", "lavfi",
		"-i", src,
	}, nil
}

// Play plays sound once.
func (s *CommandSounder) Play(ctx context.Context, sound string, volume int) error {
	if !s.Available() {
		return ErrSoundUnavailable
	}
	args, err := s.Args(sound, volume)
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, s.playerPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if msg := util.ExtractLastError(stderr.String()); msg != "" {
			return fmt.Errorf("play %s: %s", sound, msg)
		}
		return util.WrapError("play "+sound, err)
	}
	return nil
}

// DefaultLEDRoot is the sysfs directory of LED class devices.
const DefaultLEDRoot = "/sys/class/leds"

// LEDTorch switches a sysfs LED, such as a phone's flashlight.
type LEDTorch struct {
	dir string
}

// NewLEDTorch creates a torch for the LED class device name below root.
// An empty name makes the torch unavailable.
func NewLEDTorch(root, name string) *LEDTorch {
	if name == "" {
		return &LEDTorch{}
	}
	return &LEDTorch{dir: filepath.Join(root, name)}
}

// Available reports whether the LED brightness node exists.
func (t *LEDTorch) Available() bool {
	if t.dir == "" {
		return false
	}
	_, err := os.Stat(filepath.Join(t.dir, "brightness"))
	return err == nil
}

// Set switches the LED on at maximum brightness, or off.
func (t *LEDTorch) Set(on bool) error {
	if !t.Available() {
		return ErrTorchUnavailable
	}
	value := "0"
	if on {
		value = t.maxBrightness()
	}
	if err := os.WriteFile(filepath.Join(t.dir, "brightness"), []byte(value), 0o644); err != nil {
		return util.WrapError("set torch brightness", err)
	}
	return nil
}

func (t *LEDTorch) maxBrightness() string {
	data, err := os.ReadFile(filepath.Join(t.dir, "max_brightness"))
	if err != nil {
		return "1"
	}
	if v := strings.TrimSpace(string(data)); v != "" {
		return v
	}
	return "1"
}

// CommandVibrator runs an external command for each haptic pulse.
type CommandVibrator struct {
	argv []string
}

// NewCommandVibrator creates a vibrator from a command line such as
// "termux-vibrate -d 500". An empty command makes it unavailable.
func NewCommandVibrator(command string) *CommandVibrator {
	return &CommandVibrator{argv: strings.Fields(command)}
}

// Available reports whether the configured command can be found.
func (v *CommandVibrator) Available() bool {
	if len(v.argv) == 0 {
		return false
	}
	_, err := exec.LookPath(v.argv[0])
	return err == nil
}

// Pulse runs the vibration command once.
func (v *CommandVibrator) Pulse(ctx context.Context) error {
	if !v.Available() {
		return ErrHapticsUnavailable
	}
	if err := exec.CommandContext(ctx, v.argv[0], v.argv[1:]...).Run(); err != nil {
		return util.WrapError("vibrate", err)
	}
	return nil
}
