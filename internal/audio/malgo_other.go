//go:build !linux

package audio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gen2brain/malgo"
)

type malgoSource struct {
	logger *slog.Logger
}

// NewPlatformSource returns the miniaudio capture source.
func NewPlatformSource(logger *slog.Logger) Source {
	return &malgoSource{logger: logger.With(slog.String("component", "audio"), slog.String("backend", "malgo"))}
}

func (s *malgoSource) Devices(ctx context.Context) ([]DeviceInfo, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, classify("malgo context", err)
	}
	defer func() {
		_ = mctx.Uninit()
		mctx.Free()
	}()
	infos, err := mctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("malgo devices: %w", err)
	}
	devices := make([]DeviceInfo, 0, len(infos))
	for _, d := range infos {
		devices = append(devices, DeviceInfo{ID: d.ID.String(), Name: d.Name()})
	}
	return devices, nil
}

func (s *malgoSource) Open(ctx context.Context, opts Options, fn FrameFunc) (Stream, error) {
	if err := validateOptions(opts); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, classify("malgo context", err)
	}
	release := func() {
		_ = mctx.Uninit()
		mctx.Free()
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(opts.Channels)
	deviceConfig.SampleRate = uint32(opts.SampleRate)

	if opts.Device != "" {
		infos, err := mctx.Devices(malgo.Capture)
		if err != nil {
			release()
			return nil, classify("malgo devices", err)
		}
		found := false
		for i := range infos {
			if infos[i].Name() == opts.Device || infos[i].ID.String() == opts.Device {
				deviceConfig.Capture.DeviceID = infos[i].ID.Pointer()
				found = true
				break
			}
		}
		if !found {
			release()
			return nil, fmt.Errorf("%w: input device %q not found", ErrDeviceBusy, opts.Device)
		}
	}
	if opts.EchoCancellation || opts.NoiseSuppression {
		s.logger.Info("echo cancellation and noise suppression unavailable on this backend")
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			if len(input) == 0 {
				return
			}
			data := make([]byte, len(input))
			copy(data, input)
			fn(data)
		},
	}
	device, err := malgo.InitDevice(mctx.Context, deviceConfig, callbacks)
	if err != nil {
		release()
		return nil, classify("malgo device", err)
	}
	return &malgoStream{device: device, release: release}, nil
}

type malgoStream struct {
	device  *malgo.Device
	release func()

	once sync.Once
}

func (m *malgoStream) Start() error {
	if err := m.device.Start(); err != nil {
		return classify("malgo start", err)
	}
	return nil
}

func (m *malgoStream) Close() error {
	m.once.Do(func() {
		_ = m.device.Stop()
		m.device.Uninit()
		m.release()
	})
	return nil
}
