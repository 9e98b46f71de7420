//go:build linux

package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jfreymuth/pulse"
)

type pulseSource struct {
	logger *slog.Logger
}

// NewPlatformSource returns the PulseAudio capture source.
func NewPlatformSource(logger *slog.Logger) Source {
	return &pulseSource{logger: logger.With(slog.String("component", "audio"), slog.String("backend", "pulse"))}
}

func (s *pulseSource) Devices(ctx context.Context) ([]DeviceInfo, error) {
	client, err := pulse.NewClient(pulse.ClientApplicationName("loqa-tally"))
	if err != nil {
		return nil, classify("pulse connect", err)
	}
	defer client.Close()
	sources, err := client.ListSources()
	if err != nil {
		return nil, fmt.Errorf("pulse list sources: %w", err)
	}
	devices := make([]DeviceInfo, 0, len(sources))
	for _, src := range sources {
		devices = append(devices, DeviceInfo{ID: src.ID(), Name: src.Name()})
	}
	return devices, nil
}

func (s *pulseSource) Open(ctx context.Context, opts Options, fn FrameFunc) (Stream, error) {
	if err := validateOptions(opts); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	client, err := pulse.NewClient(pulse.ClientApplicationName("loqa-tally"))
	if err != nil {
		return nil, classify("pulse connect", err)
	}

	writer := pulse.Int16Writer(func(buf []int16) (int, error) {
		if len(buf) == 0 {
			return 0, nil
		}
		data := make([]byte, len(buf)*2)
		for i, sample := range buf {
			binary.LittleEndian.PutUint16(data[i*2:], uint16(sample))
		}
		fn(data)
		return len(buf), nil
	})

	recordOpts := []pulse.RecordOption{
		pulse.RecordSampleRate(opts.SampleRate),
		pulse.RecordLatency(0.05),
	}
	if opts.Channels == 2 {
		recordOpts = append(recordOpts, pulse.RecordStereo)
	} else {
		recordOpts = append(recordOpts, pulse.RecordMono)
	}
	if opts.Device != "" {
		src, err := client.SourceByID(opts.Device)
		if err != nil {
			client.Close()
			return nil, classify("pulse source "+opts.Device, err)
		}
		recordOpts = append(recordOpts, pulse.RecordSource(src))
	}
	if opts.EchoCancellation || opts.NoiseSuppression {
		s.logger.Info("echo cancellation and noise suppression depend on the server's echo-cancel module",
			slog.Bool("echo_cancellation", opts.EchoCancellation),
			slog.Bool("noise_suppression", opts.NoiseSuppression),
		)
	}

	stream, err := client.NewRecord(writer, recordOpts...)
	if err != nil {
		client.Close()
		return nil, classify("pulse record", err)
	}
	return &pulseStream{client: client, stream: stream}, nil
}

type pulseStream struct {
	client *pulse.Client
	stream *pulse.RecordStream

	once sync.Once
}

func (p *pulseStream) Start() error {
	p.stream.Start()
	if err := p.stream.Error(); err != nil {
		return classify("pulse start", err)
	}
	return nil
}

func (p *pulseStream) Close() error {
	p.once.Do(func() {
		p.stream.Stop()
		p.stream.Close()
		p.client.Close()
	})
	return nil
}
