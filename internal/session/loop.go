package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-tally/internal/audio"
	"github.com/loqalabs/loqa-tally/internal/normalize"
	"github.com/loqalabs/loqa-tally/internal/serial"
	"github.com/loqalabs/loqa-tally/internal/stt"
)

type event interface{}

type cmdStart struct{ reply chan error }
type cmdStop struct{ reply chan error }
type cmdReset struct{ reply chan error }
type cmdClose struct{ reply chan error }
type cmdConnectSerial struct {
	name  string
	reply chan error
}

type evtModelLoaded struct {
	gen int64
	rec stt.Recognizer
	err error
}

type evtCaptureStarted struct {
	gen      int64
	pipeline *audio.Pipeline
	err      error
}

type evtTranscript struct {
	gen   int64
	chunk stt.TranscriptChunk
}

type evtRecognizerError struct {
	gen   int64
	err   error
	fatal bool
}

type evtAdapterDone struct{ gen int64 }

type evtCaptureError struct {
	gen int64
	err error
}

type evtSerialState struct{ state serial.State }

type evtSerialConnected struct {
	err   error
	reply chan error
}

func (s *Session) loop() {
	defer close(s.done)
	s.publish()
	for {
		select {
		case <-s.ctx.Done():
			s.shutdown("context cancelled")
			return
		case <-s.inbox.ready:
			batch := s.inbox.drain()
			for i, e := range batch {
				if s.handle(e) {
					s.rejectPending(batch[i+1:])
					return
				}
			}
			s.publish()
		}
	}
}

// handle applies one event and reports whether the loop must exit.
func (s *Session) handle(e event) bool {
	switch e := e.(type) {
	case cmdStart:
		s.onStart(e.reply)
	case cmdStop:
		s.onStop()
		s.respond(e.reply, nil)
	case cmdReset:
		s.onReset()
		s.respond(e.reply, nil)
	case cmdConnectSerial:
		s.onConnectSerial(e)
	case cmdClose:
		s.shutdown("closed")
		e.reply <- nil
		return true
	case evtModelLoaded:
		s.onModelLoaded(e)
	case evtCaptureStarted:
		s.onCaptureStarted(e)
	case evtTranscript:
		s.onTranscript(e)
	case evtRecognizerError:
		if e.gen != s.recGen || s.res.recognizer == nil {
			return false
		}
		if e.fatal {
			s.fail(fmt.Errorf("recognizer: %w", e.err))
		}
	case evtAdapterDone:
		if e.gen == s.recGen && s.res.recognizer != nil {
			s.fail(errors.New("recognizer stopped unexpectedly"))
		}
	case evtCaptureError:
		if e.gen == s.capGen && s.res.pipeline != nil {
			s.fail(fmt.Errorf("capture: %w", e.err))
		}
	case evtSerialState:
		s.serialState = e.state
	case evtSerialConnected:
		s.respond(e.reply, e.err)
	}
	return false
}

// respond publishes first so the caller observes the state its command
// produced.
func (s *Session) respond(reply chan error, err error) {
	s.publish()
	reply <- err
}

// begin starts a fresh session: serial reconnect in the background, then the
// model load. Capture follows once the recognizer is ready.
func (s *Session) begin(reason string) {
	s.id = newSessionID()
	s.lastErr = ""
	s.holdCapture = false
	s.recGen++
	gen := s.recGen
	s.transition(LoadingModel, reason)
	s.logger.Info("session starting", slog.String("session_id", s.id))

	if s.deps.Serial != nil {
		s.res.serial = s.deps.Serial
		if s.deps.Serial.State() != serial.Connected {
			s.deps.Serial.Reconnect(s.ctx)
		}
	}

	go func() {
		ctx, span := s.tracer.Start(s.ctx, "session.load_model")
		defer span.End()
		started := time.Now()
		rec, err := s.deps.Engine.Open(ctx, s.opts.ModelPath, s.opts.Capture.SampleRate)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			s.logger.Info("model loaded", slog.Duration("elapsed", time.Since(started)))
		}
		if !s.inbox.push(evtModelLoaded{gen: gen, rec: rec, err: err}) && rec != nil {
			_ = rec.Terminate()
		}
	}()
}

func (s *Session) onModelLoaded(e evtModelLoaded) {
	if e.gen != s.recGen || s.state != LoadingModel {
		if e.rec != nil {
			_ = e.rec.Terminate()
		}
		return
	}
	if e.err != nil {
		s.fail(fmt.Errorf("load model: %w", e.err))
		return
	}
	s.res.recognizer = e.rec
	adapter := stt.NewAdapter(s.deps.Logger, e.rec, adapterSink{s: s, gen: e.gen}, &s.seq)
	s.res.adapter = adapter
	adapter.Start()
	go func(gen int64) {
		<-adapter.Done()
		s.inbox.push(evtAdapterDone{gen: gen})
	}(e.gen)

	s.transition(Ready, "model loaded")
	if s.pendingStart || (s.opts.AutoStart && !s.holdCapture) {
		s.pendingStart = false
		s.holdCapture = false
		s.startCapture()
	}
}

func (s *Session) onStart(reply chan error) {
	switch s.state {
	case Listening:
		s.respond(reply, nil)
	case LoadingModel:
		s.pendingStart = true
		s.respond(reply, nil)
	case Error:
		s.pendingStart = true
		s.begin("restart")
		s.respond(reply, nil)
	case Ready:
		s.startWaiters = append(s.startWaiters, reply)
		if !s.starting {
			s.startCapture()
		}
	}
}

func (s *Session) startCapture() {
	s.starting = true
	s.capGen++
	gen := s.capGen
	rec := s.res.recognizer
	var reported atomic.Bool
	sink := func(frame []byte) {
		if err := rec.AcceptWaveform(frame); err != nil && !errors.Is(err, stt.ErrTerminated) {
			if reported.CompareAndSwap(false, true) {
				s.inbox.push(evtCaptureError{gen: gen, err: err})
			}
		}
	}

	go func() {
		ctx, span := s.tracer.Start(s.ctx, "session.open_microphone")
		defer span.End()
		p, err := audio.StartPipeline(ctx, s.deps.Logger, s.deps.Source, s.opts.Capture, sink)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		if !s.inbox.push(evtCaptureStarted{gen: gen, pipeline: p, err: err}) && p != nil {
			p.Stop()
		}
	}()
}

func (s *Session) onCaptureStarted(e evtCaptureStarted) {
	if e.gen != s.capGen || !s.starting || s.state != Ready {
		if e.pipeline != nil {
			e.pipeline.Stop()
		}
		return
	}
	s.starting = false
	if e.err != nil {
		s.fail(fmt.Errorf("open microphone: %w", e.err))
		return
	}
	s.res.pipeline = e.pipeline
	s.transition(Listening, "capture started")
	s.resolveStart(nil)
}

func (s *Session) resolveStart(err error) {
	if len(s.startWaiters) == 0 {
		return
	}
	s.publish()
	for _, w := range s.startWaiters {
		w <- err
	}
	s.startWaiters = nil
}

func (s *Session) onStop() {
	s.pendingStart = false
	if s.state == LoadingModel {
		s.holdCapture = true
	}
	if s.starting {
		// the pending capture result is discarded by its generation
		s.starting = false
		s.capGen++
		s.resolveStart(errors.New("capture start cancelled by stop"))
	}
	if s.state != Listening {
		return
	}
	s.capGen++
	s.res.releaseCapture(s.logger)
	s.partial = ""
	s.transition(Ready, "stopped")
}

func (s *Session) onReset() {
	state := s.counter.Reset()
	s.transcript = s.transcript[:0]
	s.partial = ""
	s.recordCount(state.Count)
	if s.deps.Serial != nil {
		s.deps.Serial.Send(state.Count)
	}
	s.logger.Info("count reset", slog.String("session_id", s.id))
}

func (s *Session) onConnectSerial(e cmdConnectSerial) {
	s.res.serial = s.deps.Serial
	ctx := s.ctx
	go func() {
		err := s.deps.Serial.Connect(ctx, e.name)
		if !s.inbox.push(evtSerialConnected{err: err, reply: e.reply}) {
			e.reply <- err
		}
	}()
}

func (s *Session) onTranscript(e evtTranscript) {
	if e.gen != s.recGen || s.state != Listening {
		return
	}
	chunk := e.chunk
	if !chunk.IsFinal {
		s.partial = chunk.Text
		return
	}
	s.partial = ""
	s.appendTranscript(chunk.Text)

	normalized := normalize.Normalize(chunk.Text, s.deps.Pattern.Alphabet())
	events := s.detector.Detect(chunk.Sequence, normalized)
	before := s.counter.Snapshot().Count
	state := s.counter.Apply(events)
	if state.Count != before {
		if s.detections != nil {
			s.detections.Add(s.ctx, 1, metric.WithAttributes(attribute.String("mode", string(s.deps.Pattern.Mode()))))
		}
		s.recordCount(state.Count)
		if s.deps.Serial != nil {
			s.deps.Serial.Send(state.Count)
		}
		s.logger.Info("occurrence counted",
			slog.String("session_id", s.id),
			slog.Int64("sequence", chunk.Sequence),
			slog.Int("count", state.Count),
		)
	}
	if s.deps.OnFinal != nil {
		s.deps.OnFinal(FinalReport{
			SessionID:  s.id,
			Sequence:   chunk.Sequence,
			Text:       chunk.Text,
			Normalized: normalized,
			Detections: len(events),
			Count:      state.Count,
		})
	}
}

func (s *Session) appendTranscript(text string) {
	if text == "" {
		return
	}
	if len(s.transcript) > 0 {
		s.transcript = append(s.transcript, ' ')
	}
	s.transcript = append(s.transcript, []rune(text)...)
	if over := len(s.transcript) - s.opts.TranscriptLimit; over > 0 {
		s.transcript = append(s.transcript[:0], s.transcript[over:]...)
	}
}

// fail releases every resource and enters Error.
func (s *Session) fail(err error) {
	s.logger.Error("session failed", slog.String("session_id", s.id), slogError(err))
	s.pendingStart = false
	s.starting = false
	s.capGen++
	s.recGen++
	s.res.teardown(s.logger)
	s.partial = ""
	s.lastErr = err.Error()
	s.transition(Error, err.Error())
	s.resolveStart(err)
}

func (s *Session) shutdown(reason string) {
	s.closing.Store(true)
	s.capGen++
	s.recGen++
	s.resolveStart(ErrClosed)
	s.res.teardown(s.logger)
	s.logger.Info("session closed", slog.String("session_id", s.id), slog.String("reason", reason))
	s.publish()
	s.closeSubscribers()
	s.cancel()
	s.rejectPending(s.inbox.close())
}

// rejectPending answers commands and releases resources carried by events
// that arrive after shutdown.
func (s *Session) rejectPending(events []event) {
	for _, e := range events {
		switch e := e.(type) {
		case cmdStart:
			e.reply <- ErrClosed
		case cmdStop:
			e.reply <- ErrClosed
		case cmdReset:
			e.reply <- ErrClosed
		case cmdConnectSerial:
			e.reply <- ErrClosed
		case cmdClose:
			e.reply <- nil
		case evtSerialConnected:
			e.reply <- e.err
		case evtModelLoaded:
			if e.rec != nil {
				_ = e.rec.Terminate()
			}
		case evtCaptureStarted:
			if e.pipeline != nil {
				e.pipeline.Stop()
			}
		}
	}
}

func (s *Session) transition(to State, reason string) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	s.logger.Info("session state changed",
		slog.String("session_id", s.id),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.String("reason", reason),
	)
	if s.transitions != nil {
		s.transitions.Add(s.ctx, 1, metric.WithAttributes(attribute.String("from", string(from)), attribute.String("to", string(to))))
	}
	if s.deps.Journal != nil {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), time.Second)
		defer cancel()
		err := s.deps.Journal.Record(ctx, Transition{
			SessionID: s.id,
			From:      from,
			To:        to,
			Reason:    reason,
			At:        time.Now().UTC(),
		})
		if err != nil {
			s.logger.Warn("failed to journal transition", slogError(err))
		}
	}
}

func (s *Session) recordCount(count int) {
	if s.countGauge != nil {
		s.countGauge.Record(s.ctx, int64(count))
	}
}

type adapterSink struct {
	s   *Session
	gen int64
}

func (a adapterSink) Transcript(chunk stt.TranscriptChunk) {
	a.s.inbox.push(evtTranscript{gen: a.gen, chunk: chunk})
}

func (a adapterSink) RecognizerError(err error, fatal bool) {
	a.s.inbox.push(evtRecognizerError{gen: a.gen, err: err, fatal: fatal})
}
