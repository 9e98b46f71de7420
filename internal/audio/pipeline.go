package audio

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Sink consumes whole frames on the delivery goroutine.
type Sink func(frame []byte)

type PipelineConfig struct {
	Options
	FrameDuration time.Duration
	BufferFrames  int
}

// FrameBytes is the byte size of one s16le frame.
func (c PipelineConfig) FrameBytes() int {
	samples := int(int64(c.SampleRate) * int64(c.FrameDuration) / int64(time.Second))
	channels := max(c.Channels, 1)
	return max(samples, 1) * channels * 2
}

// Pipeline runs one capture. The platform callback only slices frames and
// performs a non-blocking enqueue; a single goroutine drains the queue into the sink.
type Pipeline struct {
	logger *slog.Logger
	sink   Sink
	stream Stream

	frameBytes int
	pending    []byte
	pendingMu  sync.Mutex

	queue chan []byte
	stop  chan struct{}
	done  chan struct{}

	active    atomic.Bool
	dropped   atomic.Uint64
	delivered atomic.Uint64
	stopOnce  sync.Once

	dropCounter metric.Int64Counter
}

// StartPipeline opens the source, starts delivery and starts the stream. On
// failure everything acquired so far is released before the classified error
// is returned.
func StartPipeline(ctx context.Context, logger *slog.Logger, source Source, cfg PipelineConfig, sink Sink) (*Pipeline, error) {
	if source == nil {
		return nil, errors.New("audio: nil source")
	}
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = 20 * time.Millisecond
	}
	if cfg.BufferFrames <= 0 {
		cfg.BufferFrames = 256
	}
	if err := validateOptions(cfg.Options); err != nil {
		return nil, err
	}

	p := &Pipeline{
		logger:     logger.With(slog.String("component", "audio_pipeline")),
		sink:       sink,
		frameBytes: cfg.FrameBytes(),
		queue:      make(chan []byte, cfg.BufferFrames),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	counter, err := otel.Meter("github.com/loqalabs/loqa-tally/audio").Int64Counter(
		"tally.audio.frames_dropped",
		metric.WithDescription("Audio frames dropped because the delivery queue was full"),
	)
	if err != nil {
		p.logger.Warn("failed to register drop counter", slog.String("error", err.Error()))
	}
	p.dropCounter = counter

	stream, err := source.Open(ctx, cfg.Options, p.onData)
	if err != nil {
		return nil, classify("open microphone", err)
	}
	p.stream = stream
	p.active.Store(true)
	go p.deliver()

	if err := stream.Start(); err != nil {
		p.Stop()
		return nil, classify("start microphone", err)
	}

	p.logger.Info("capture started",
		slog.Int("sample_rate", cfg.SampleRate),
		slog.Int("channels", cfg.Channels),
		slog.Int("frame_bytes", p.frameBytes),
		slog.Int("buffer_frames", cfg.BufferFrames),
	)
	return p, nil
}

// onData runs on the platform audio thread.
func (p *Pipeline) onData(pcm []byte) {
	if !p.active.Load() {
		return
	}
	p.pendingMu.Lock()
	p.pending = append(p.pending, pcm...)
	for len(p.pending) >= p.frameBytes {
		frame := make([]byte, p.frameBytes)
		copy(frame, p.pending[:p.frameBytes])
		p.pending = p.pending[p.frameBytes:]
		p.enqueue(frame)
	}
	if len(p.pending) == 0 {
		p.pending = nil
	}
	p.pendingMu.Unlock()
}

func (p *Pipeline) enqueue(frame []byte) {
	select {
	case p.queue <- frame:
	default:
		p.dropped.Add(1)
		if p.dropCounter != nil {
			p.dropCounter.Add(context.Background(), 1)
		}
	}
}

func (p *Pipeline) deliver() {
	defer close(p.done)
	for {
		select {
		case <-p.stop:
			return
		case frame := <-p.queue:
			select {
			case <-p.stop:
				return
			default:
			}
			if p.sink != nil {
				p.sink(frame)
			}
			p.delivered.Add(1)
		}
	}
}

// Stop is idempotent. No frame reaches the sink after it returns.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.active.Store(false)
		if p.stream != nil {
			if err := p.stream.Close(); err != nil {
				p.logger.Warn("failed to close capture stream", slog.String("error", err.Error()))
			}
		}
		close(p.stop)
		<-p.done
		p.logger.Info("capture stopped",
			slog.Uint64("delivered", p.delivered.Load()),
			slog.Uint64("dropped", p.dropped.Load()),
		)
	})
}

func (p *Pipeline) Active() bool { return p.active.Load() }

func (p *Pipeline) Dropped() uint64 { return p.dropped.Load() }

func (p *Pipeline) Delivered() uint64 { return p.delivered.Load() }
