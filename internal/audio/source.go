// Package audio owns microphone capture and frames PCM for the recognizer.
package audio

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrPermissionDenied  = errors.New("audio: permission denied")
	ErrDeviceBusy        = errors.New("audio: device busy")
	ErrUnsupportedConfig = errors.New("audio: unsupported configuration")
)

// Options configures a capture stream. Samples are always signed 16-bit little endian.
type Options struct {
	Device           string
	SampleRate       int
	Channels         int
	EchoCancellation bool
	NoiseSuppression bool
}

// FrameFunc receives raw PCM from the platform callback. Implementations must not block.
type FrameFunc func(pcm []byte)

// Source opens platform capture streams.
type Source interface {
	Open(ctx context.Context, opts Options, fn FrameFunc) (Stream, error)
}

// Stream is a revocable capture handle. Close is safe to call more than once.
type Stream interface {
	Start() error
	Close() error
}

// DeviceLister is implemented by sources that can enumerate input devices.
type DeviceLister interface {
	Devices(ctx context.Context) ([]DeviceInfo, error)
}

type DeviceInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// classify maps platform failures onto the capture error taxonomy. Errors that
// already carry a sentinel pass through untouched.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrDeviceBusy) || errors.Is(err, ErrUnsupportedConfig) {
		return err
	}
	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "permission", "access denied", "not authorized", "eacces"):
		return fmt.Errorf("%s: %w: %w", op, ErrPermissionDenied, err)
	case containsAny(msg, "busy", "in use", "already", "no such entity", "connection refused", "no device", "no backend"):
		return fmt.Errorf("%s: %w: %w", op, ErrDeviceBusy, err)
	case containsAny(msg, "format", "not supported", "unsupported", "invalid", "sample rate", "channel"):
		return fmt.Errorf("%s: %w: %w", op, ErrUnsupportedConfig, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func validateOptions(opts Options) error {
	if opts.SampleRate <= 0 {
		return fmt.Errorf("%w: sample rate %d", ErrUnsupportedConfig, opts.SampleRate)
	}
	if opts.Channels < 1 || opts.Channels > 2 {
		return fmt.Errorf("%w: %d channels", ErrUnsupportedConfig, opts.Channels)
	}
	return nil
}
