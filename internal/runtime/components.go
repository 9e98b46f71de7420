package runtime

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-tally/internal/audio"
	"github.com/loqalabs/loqa-tally/internal/config"
	"github.com/loqalabs/loqa-tally/internal/detect"
	"github.com/loqalabs/loqa-tally/internal/normalize"
	"github.com/loqalabs/loqa-tally/internal/serial"
	"github.com/loqalabs/loqa-tally/internal/stt"
)

// NewPattern builds the counted pattern from config.
func NewPattern(cfg config.PatternConfig) (detect.Pattern, error) {
	return detect.NewPattern(cfg.Phrase, cfg.MaxEditDistance, detect.Mode(cfg.Mode), cfg.RunWeight, normalize.Alphabet(cfg.Alphabet))
}

func newEngine(cfg config.RecognizerConfig, audioCfg config.AudioConfig, logger *slog.Logger) (stt.Engine, error) {
	switch cfg.Mode {
	case "mock":
		return stt.NewMockEngine(cfg.MockScript, cfg.MockFrames, cfg.PublishInterim), nil
	case "exec":
		return stt.NewExecEngine(logger, stt.ExecConfig{
			Command:        cfg.Command,
			Language:       cfg.Language,
			Channels:       audioCfg.Channels,
			PublishInterim: cfg.PublishInterim,
			PartialEvery:   time.Duration(cfg.PartialEveryMS) * time.Millisecond,
			EndSilence:     time.Duration(cfg.EndSilenceMS) * time.Millisecond,
			MaxUtterance:   time.Duration(cfg.MaxUtteranceMS) * time.Millisecond,
			VADMode:        cfg.VADMode,
			Timeout:        time.Duration(cfg.TimeoutMS) * time.Millisecond,
		})
	default:
		return nil, fmt.Errorf("unknown recognizer mode %q", cfg.Mode)
	}
}

func newSource(cfg config.AudioConfig, logger *slog.Logger) (audio.Source, error) {
	switch cfg.Mode {
	case "device":
		return audio.NewPlatformSource(logger), nil
	case "mock":
		src := audio.NewSilenceSource()
		src.ChunkSize = cfg.SampleRate * cfg.Channels * 2 * cfg.FrameDurationMS / 1000
		src.Pace = time.Duration(cfg.FrameDurationMS) * time.Millisecond
		return src, nil
	default:
		return nil, fmt.Errorf("unknown audio mode %q", cfg.Mode)
	}
}

func captureConfig(cfg config.AudioConfig) audio.PipelineConfig {
	return audio.PipelineConfig{
		Options: audio.Options{
			Device:           cfg.Device,
			SampleRate:       cfg.SampleRate,
			Channels:         cfg.Channels,
			EchoCancellation: cfg.EchoCancellation,
			NoiseSuppression: cfg.NoiseSuppression,
		},
		FrameDuration: time.Duration(cfg.FrameDurationMS) * time.Millisecond,
		BufferFrames:  cfg.BufferFrames,
	}
}

// newSerial returns nil when serial telemetry is disabled. With auto
// reconnect off, nothing is treated as authorized and only explicit
// connects open a device.
func newSerial(cfg config.SerialConfig, logger *slog.Logger) *serial.Channel {
	if !cfg.Enabled {
		return nil
	}
	var authorized []string
	if cfg.AutoReconnect {
		authorized = append(authorized, cfg.Authorized...)
		if cfg.Port != "" {
			authorized = append(authorized, cfg.Port)
		}
	}
	return serial.NewChannel(logger, serial.NewSystemPlatform(authorized), serial.Options{
		BaudRate:          cfg.BaudRate,
		ReconnectAttempts: cfg.ReconnectAttempts,
		WatchInterval:     time.Duration(cfg.WatchIntervalMS) * time.Millisecond,
		QueueSize:         cfg.QueueSize,
	})
}
