package session

import (
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-tally/internal/audio"
	"github.com/loqalabs/loqa-tally/internal/stt"
)

// resources is everything a session owns. Acquisition order is serial,
// recognizer, pipeline; release walks it backwards. Every member is released
// at most once and may be nil.
type resources struct {
	serial     Serial
	recognizer stt.Recognizer
	adapter    *stt.Adapter
	pipeline   *audio.Pipeline
}

const adapterDrainTimeout = 2 * time.Second

func (r *resources) releaseCapture(logger *slog.Logger) {
	if r.pipeline == nil {
		return
	}
	r.pipeline.Stop()
	r.pipeline = nil
	logger.Debug("released capture pipeline")
}

func (r *resources) releaseRecognizer(logger *slog.Logger) {
	if r.recognizer != nil {
		if err := r.recognizer.Terminate(); err != nil {
			logger.Warn("failed to terminate recognizer", slogError(err))
		}
		r.recognizer = nil
		logger.Debug("released recognizer")
	}
	if r.adapter != nil {
		select {
		case <-r.adapter.Done():
		case <-time.After(adapterDrainTimeout):
			logger.Warn("recognizer adapter did not drain")
		}
		r.adapter = nil
	}
}

func (r *resources) releaseSerial(logger *slog.Logger) {
	if r.serial == nil {
		return
	}
	r.serial.Disconnect()
	r.serial = nil
	logger.Debug("released serial port")
}

// teardown releases everything in reverse acquisition order.
func (r *resources) teardown(logger *slog.Logger) {
	r.releaseCapture(logger)
	r.releaseRecognizer(logger)
	r.releaseSerial(logger)
}
