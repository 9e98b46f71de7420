package audio

import (
	"context"
	"sync"
	"time"
)

// MockSource replays PCM (silence when empty) in chunks at real-time pace.
// A zero Pace delivers as fast as the consumer allows.
type MockSource struct {
	PCM       []byte
	ChunkSize int
	Pace      time.Duration
	Loop      bool
	OpenErr   error
	StartErr  error

	mu     sync.Mutex
	opened int
}

// NewSilenceSource emits 20ms of 16kHz mono silence every 20ms.
func NewSilenceSource() *MockSource {
	return &MockSource{ChunkSize: 640, Pace: 20 * time.Millisecond, Loop: true}
}

// Opened reports how many streams were opened.
func (m *MockSource) Opened() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opened
}

func (m *MockSource) Open(ctx context.Context, opts Options, fn FrameFunc) (Stream, error) {
	if m.OpenErr != nil {
		return nil, classify("mock open", m.OpenErr)
	}
	if err := validateOptions(opts); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.opened++
	m.mu.Unlock()

	chunk := m.ChunkSize
	if chunk <= 0 {
		chunk = 640
	}
	return &mockStream{src: m, fn: fn, chunk: chunk, stop: make(chan struct{}), done: make(chan struct{})}, nil
}

type mockStream struct {
	src   *MockSource
	fn    FrameFunc
	chunk int

	startOnce sync.Once
	closeOnce sync.Once
	started   bool
	stop      chan struct{}
	done      chan struct{}
}

func (s *mockStream) Start() error {
	if s.src.StartErr != nil {
		return classify("mock start", s.src.StartErr)
	}
	s.startOnce.Do(func() {
		s.started = true
		go s.run()
	})
	return nil
}

func (s *mockStream) run() {
	defer close(s.done)
	var ticker *time.Ticker
	if s.src.Pace > 0 {
		ticker = time.NewTicker(s.src.Pace)
		defer ticker.Stop()
	}
	offset := 0
	for {
		if ticker != nil {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
			}
		} else {
			select {
			case <-s.stop:
				return
			default:
			}
		}

		var data []byte
		if len(s.src.PCM) == 0 {
			data = make([]byte, s.chunk)
		} else {
			if offset >= len(s.src.PCM) {
				if !s.src.Loop {
					<-s.stop
					return
				}
				offset = 0
			}
			end := min(offset+s.chunk, len(s.src.PCM))
			data = append([]byte(nil), s.src.PCM[offset:end]...)
			offset = end
		}
		s.fn(data)
	}
}

func (s *mockStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		s.startOnce.Do(func() {})
		if s.started {
			<-s.done
		}
	})
	return nil
}
