package stt

import (
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
)

// TranscriptChunk is one unit of transcript text. Partial chunks are provisional
// and carry the sequence the next final will use.
type TranscriptChunk struct {
	Text      string `json:"text"`
	IsFinal   bool   `json:"is_final"`
	Sequence  int64  `json:"sequence"`
	Utterance int64  `json:"utterance"`
}

// Sink receives adapter output. Calls happen on the adapter goroutine, in order.
type Sink interface {
	Transcript(chunk TranscriptChunk)
	RecognizerError(err error, fatal bool)
}

// Adapter drains a recognizer's results and enforces the transcript contract:
// at most one final per utterance, no partial after its final, and strictly
// increasing final sequence numbers.
type Adapter struct {
	logger *slog.Logger
	rec    Recognizer
	sink   Sink
	seq    *atomic.Int64

	lastFinal int64
	done      chan struct{}
}

// NewAdapter wires rec to sink. seq is shared across adapters so sequence
// numbers keep increasing when the recognizer is replaced.
func NewAdapter(logger *slog.Logger, rec Recognizer, sink Sink, seq *atomic.Int64) *Adapter {
	if seq == nil {
		seq = new(atomic.Int64)
	}
	return &Adapter{
		logger:    logger.With(slog.String("component", "recognizer_adapter")),
		rec:       rec,
		sink:      sink,
		seq:       seq,
		lastFinal: -1,
		done:      make(chan struct{}),
	}
}

func (a *Adapter) Start() {
	go a.run()
}

// Done is closed once the recognizer's result channel has been drained.
func (a *Adapter) Done() <-chan struct{} {
	return a.done
}

func (a *Adapter) run() {
	defer close(a.done)
	results := a.rec.Results()
	var held *Result
	for {
		var res Result
		if held != nil {
			res, held = *held, nil
		} else {
			r, ok := <-results
			if !ok {
				return
			}
			res = r
		}

		switch res.Kind {
		case ResultPartial:
			if res.Utterance <= a.lastFinal {
				a.logger.Debug("dropping partial for finalized utterance", slog.Int64("utterance", res.Utterance))
				continue
			}
			a.sink.Transcript(TranscriptChunk{
				Text:      res.Text,
				Sequence:  a.seq.Load() + 1,
				Utterance: res.Utterance,
			})
		case ResultFinal:
			if res.Utterance <= a.lastFinal {
				a.logger.Debug("dropping duplicate final", slog.Int64("utterance", res.Utterance))
				continue
			}
			a.lastFinal = res.Utterance
			texts := []string{res.Text}
			// finals already queued behind this one form a single chunk
			held = a.batchFinals(results, &texts)
			a.sink.Transcript(TranscriptChunk{
				Text:      joinNonEmpty(texts),
				IsFinal:   true,
				Sequence:  a.seq.Add(1),
				Utterance: a.lastFinal,
			})
		case ResultError:
			err := res.Err
			if err == nil {
				err = errors.New("recognizer reported an error")
			}
			if res.Fatal {
				a.logger.Error("recognizer failed", slogError(err))
			} else {
				a.logger.Warn("utterance dropped", slog.Int64("utterance", res.Utterance), slogError(err))
			}
			a.sink.RecognizerError(err, res.Fatal)
		}
	}
}

// batchFinals appends finals that are immediately available. The first
// non-final result pulled ends the batch and is returned for the next turn.
func (a *Adapter) batchFinals(results <-chan Result, texts *[]string) *Result {
	for {
		select {
		case next, ok := <-results:
			if !ok {
				return nil
			}
			if next.Kind != ResultFinal {
				return &next
			}
			if next.Utterance <= a.lastFinal {
				continue
			}
			a.lastFinal = next.Utterance
			*texts = append(*texts, next.Text)
		default:
			return nil
		}
	}
}

func joinNonEmpty(parts []string) string {
	var b strings.Builder
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(p)
	}
	return b.String()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
