package relay

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEncoderPath       = "ffmpeg"
	defaultFrameRate         = 30
	defaultSampleRate        = 44100
	defaultSegmentSeconds    = 2
	defaultPlaylistSize      = 6
	defaultAudioPortBase     = 45000
	defaultAudioPortLimit    = 65000
	defaultAudioQueueDepth   = 32
	defaultStopTimeout       = 10 * time.Second
	defaultRetention         = 24 * time.Hour
	defaultOutputRoot        = "./streams"
	defaultStderrTailLines   = 20
)

// Config stores tuning parameters for the relay pipeline.
type Config struct {
	// EncoderPath is the ffmpeg binary invoked per session.
	EncoderPath string

	// OutputRoot is the directory under which each session gets its own
	// segment directory.
	OutputRoot string

	// FrameRate declares the rate of the incoming frame stream to the
	// encoder.
	FrameRate int

	// SampleRate is the PCM sample rate assumed for audio chunks that do
	// not declare one.
	SampleRate int

	// SegmentSeconds and PlaylistSize control the emitted HLS ladder.
	SegmentSeconds int
	PlaylistSize   int

	// AudioEnabled selects between the TCP audio relay and a generated
	// silent source. Disabling audio is a degraded operating mode, not an
	// error.
	AudioEnabled bool

	// AudioPortBase and AudioPortLimit bound the sequential port counter
	// used to provision per-session audio listeners. The counter wraps
	// back to the base past the limit without checking for collisions
	// against still-active listeners.
	AudioPortBase  int
	AudioPortLimit int

	// AudioQueueDepth caps the per-session audio write queue. Past the
	// cap the oldest chunk is discarded.
	AudioQueueDepth int

	// StopTimeout bounds how long Stop waits for the encoder to exit
	// after the graceful termination signal before killing it.
	StopTimeout time.Duration

	// Retention is how long an ended session's on-disk artifacts are kept
	// before the janitor removes them.
	Retention time.Duration

	// StderrTailLines is how many encoder diagnostic lines are retained
	// for abnormal-exit reporting.
	StderrTailLines int
}

// LoadConfigFromEnv initialises a Config from environment variables, falling
// back to defaults for anything unset.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if path := strings.TrimSpace(os.Getenv("COURTSIDE_LIVE_ENCODER")); path != "" {
		cfg.EncoderPath = path
	}
	if root := strings.TrimSpace(os.Getenv("COURTSIDE_LIVE_OUTPUT_ROOT")); root != "" {
		cfg.OutputRoot = root
	}
	if err := overrideInt(&cfg.FrameRate, "COURTSIDE_LIVE_FRAME_RATE"); err != nil {
		return Config{}, err
	}
	if err := overrideInt(&cfg.SampleRate, "COURTSIDE_LIVE_SAMPLE_RATE"); err != nil {
		return Config{}, err
	}
	if err := overrideInt(&cfg.SegmentSeconds, "COURTSIDE_LIVE_SEGMENT_SECONDS"); err != nil {
		return Config{}, err
	}
	if err := overrideInt(&cfg.PlaylistSize, "COURTSIDE_LIVE_PLAYLIST_SIZE"); err != nil {
		return Config{}, err
	}
	if err := overrideInt(&cfg.AudioPortBase, "COURTSIDE_LIVE_AUDIO_PORT_BASE"); err != nil {
		return Config{}, err
	}
	if err := overrideInt(&cfg.AudioPortLimit, "COURTSIDE_LIVE_AUDIO_PORT_LIMIT"); err != nil {
		return Config{}, err
	}
	if err := overrideInt(&cfg.AudioQueueDepth, "COURTSIDE_LIVE_AUDIO_QUEUE_DEPTH"); err != nil {
		return Config{}, err
	}
	if err := overrideDuration(&cfg.StopTimeout, "COURTSIDE_LIVE_STOP_TIMEOUT"); err != nil {
		return Config{}, err
	}
	if err := overrideDuration(&cfg.Retention, "COURTSIDE_LIVE_RETENTION"); err != nil {
		return Config{}, err
	}
	if raw := strings.TrimSpace(os.Getenv("COURTSIDE_LIVE_AUDIO_ENABLED")); raw != "" {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse COURTSIDE_LIVE_AUDIO_ENABLED: %w", err)
		}
		cfg.AudioEnabled = enabled
	}
	if cfg.AudioPortLimit <= cfg.AudioPortBase {
		return Config{}, fmt.Errorf("audio port limit %d must exceed base %d", cfg.AudioPortLimit, cfg.AudioPortBase)
	}
	return cfg, nil
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		EncoderPath:     defaultEncoderPath,
		OutputRoot:      defaultOutputRoot,
		FrameRate:       defaultFrameRate,
		SampleRate:      defaultSampleRate,
		SegmentSeconds:  defaultSegmentSeconds,
		PlaylistSize:    defaultPlaylistSize,
		AudioEnabled:    true,
		AudioPortBase:   defaultAudioPortBase,
		AudioPortLimit:  defaultAudioPortLimit,
		AudioQueueDepth: defaultAudioQueueDepth,
		StopTimeout:     defaultStopTimeout,
		Retention:       defaultRetention,
		StderrTailLines: defaultStderrTailLines,
	}
}

func overrideInt(target *int, name string) error {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	if parsed > 0 {
		*target = parsed
	}
	return nil
}

func overrideDuration(target *time.Duration, name string) error {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	if parsed > 0 {
		*target = parsed
	}
	return nil
}
