package audio

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() PipelineConfig {
	return PipelineConfig{
		Options:       Options{SampleRate: 16000, Channels: 1},
		FrameDuration: 20 * time.Millisecond,
		BufferFrames:  8,
	}
}

// manualSource hands the frame callback to the test.
type manualSource struct {
	mu       sync.Mutex
	fn       FrameFunc
	closed   int
	startErr error
}

func (m *manualSource) Open(_ context.Context, _ Options, fn FrameFunc) (Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fn = fn
	return &manualStream{src: m}, nil
}

func (m *manualSource) push(pcm []byte) {
	m.mu.Lock()
	fn := m.fn
	m.mu.Unlock()
	fn(pcm)
}

func (m *manualSource) closeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

type manualStream struct{ src *manualSource }

func (s *manualStream) Start() error { return s.src.startErr }
func (s *manualStream) Close() error {
	s.src.mu.Lock()
	s.src.closed++
	s.src.mu.Unlock()
	return nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestFrameBytes(t *testing.T) {
	t.Parallel()
	if got := testConfig().FrameBytes(); got != 640 {
		t.Fatalf("expected 640 bytes, got %d", got)
	}
	stereo := testConfig()
	stereo.Channels = 2
	if got := stereo.FrameBytes(); got != 1280 {
		t.Fatalf("expected 1280 bytes, got %d", got)
	}
}

func TestPipelineSlicesFixedFrames(t *testing.T) {
	t.Parallel()
	src := &manualSource{}
	var mu sync.Mutex
	var frames [][]byte
	p, err := StartPipeline(context.Background(), testLogger(), src, testConfig(), func(frame []byte) {
		mu.Lock()
		frames = append(frames, frame)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop()

	src.push(make([]byte, 1000))
	src.push(make([]byte, 300))

	waitFor(t, func() bool { return p.Delivered() == 2 })
	mu.Lock()
	defer mu.Unlock()
	for _, f := range frames {
		if len(f) != 640 {
			t.Fatalf("expected 640 byte frame, got %d", len(f))
		}
	}
}

func TestPipelineDropsWhenQueueFull(t *testing.T) {
	t.Parallel()
	src := &manualSource{}
	release := make(chan struct{})
	var once sync.Once
	p, err := StartPipeline(context.Background(), testLogger(), src, testConfig(), func([]byte) {
		<-release
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	done := make(chan struct{})
	go func() {
		// 1 frame held by the sink, 8 queued, the rest dropped
		for i := 0; i < 20; i++ {
			src.push(make([]byte, 640))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("frame callback blocked on a full queue")
	}
	if p.Dropped() == 0 {
		t.Fatal("expected dropped frames")
	}
	once.Do(func() { close(release) })
	p.Stop()
}

func TestPipelineStopIsIdempotentAndFinal(t *testing.T) {
	t.Parallel()
	src := &manualSource{}
	var after atomic.Bool
	var stopped atomic.Bool
	p, err := StartPipeline(context.Background(), testLogger(), src, testConfig(), func([]byte) {
		if stopped.Load() {
			after.Store(true)
		}
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	src.push(make([]byte, 640*4))
	p.Stop()
	stopped.Store(true)
	p.Stop()

	src.push(make([]byte, 640*4))
	time.Sleep(20 * time.Millisecond)
	if after.Load() {
		t.Fatal("frame delivered after Stop returned")
	}
	if p.Active() {
		t.Fatal("pipeline still active")
	}
	if src.closeCount() != 1 {
		t.Fatalf("expected stream closed once, got %d", src.closeCount())
	}
}

func TestPipelineReleasesStreamOnStartFailure(t *testing.T) {
	t.Parallel()
	src := &manualSource{startErr: errors.New("device or resource busy")}
	_, err := StartPipeline(context.Background(), testLogger(), src, testConfig(), nil)
	if !errors.Is(err, ErrDeviceBusy) {
		t.Fatalf("expected ErrDeviceBusy, got %v", err)
	}
	if src.closeCount() != 1 {
		t.Fatalf("expected partially acquired stream to be closed, got %d", src.closeCount())
	}
}

func TestClassifyOpenErrors(t *testing.T) {
	t.Parallel()
	cases := []struct {
		err  error
		want error
	}{
		{errors.New("Permission denied by user"), ErrPermissionDenied},
		{errors.New("device busy"), ErrDeviceBusy},
		{errors.New("format not supported"), ErrUnsupportedConfig},
	}
	for _, tc := range cases {
		src := &MockSource{OpenErr: tc.err}
		_, err := StartPipeline(context.Background(), testLogger(), src, testConfig(), nil)
		if !errors.Is(err, tc.want) {
			t.Fatalf("%v: expected %v, got %v", tc.err, tc.want, err)
		}
	}
}

func TestRejectsUnsupportedOptions(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Channels = 6
	if _, err := StartPipeline(context.Background(), testLogger(), &MockSource{}, cfg, nil); !errors.Is(err, ErrUnsupportedConfig) {
		t.Fatalf("expected ErrUnsupportedConfig, got %v", err)
	}
}

func TestMockSourceDeliversSilence(t *testing.T) {
	t.Parallel()
	src := &MockSource{ChunkSize: 320, Pace: time.Millisecond, Loop: true}
	var count atomic.Int64
	p, err := StartPipeline(context.Background(), testLogger(), src, testConfig(), func(frame []byte) {
		count.Add(1)
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, func() bool { return count.Load() >= 3 })
	p.Stop()
	if src.Opened() != 1 {
		t.Fatalf("expected one open, got %d", src.Opened())
	}
}
