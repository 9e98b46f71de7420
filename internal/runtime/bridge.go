package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-tally/internal/bus"
	"github.com/loqalabs/loqa-tally/internal/protocol"
	"github.com/loqalabs/loqa-tally/internal/session"
)

// snapshotSource is satisfied by *session.Session.
type snapshotSource interface {
	controller
	Subscribe(buffer int) (<-chan session.Snapshot, func())
}

// bridge mirrors the session onto the bus: snapshots to tally.status, counted
// finals to tally.transcript, and request/reply control on tally.control.*.
type bridge struct {
	bus    *bus.Client
	sess   snapshotSource
	logger *slog.Logger

	sub         *nats.Subscription
	unsubscribe func()
	wg          sync.WaitGroup
}

func newBridge(client *bus.Client, sess snapshotSource, logger *slog.Logger) *bridge {
	return &bridge{
		bus:    client,
		sess:   sess,
		logger: logger.With(slog.String("component", "bus-bridge")),
	}
}

func (b *bridge) Start(buffer int) error {
	sub, err := b.bus.Conn().Subscribe(protocol.SubjectControlAll, b.handleControl)
	if err != nil {
		return fmt.Errorf("subscribe control: %w", err)
	}
	b.sub = sub

	updates, cancel := b.sess.Subscribe(buffer)
	b.unsubscribe = cancel
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for snap := range updates {
			if err := b.bus.PublishJSON(protocol.SubjectStatus, statusFrom(snap)); err != nil {
				b.logger.Warn("failed to publish status", slogError(err))
			}
		}
	}()
	return nil
}

func (b *bridge) Close() {
	if b.sub != nil {
		_ = b.sub.Drain()
	}
	if b.unsubscribe != nil {
		b.unsubscribe()
	}
	b.wg.Wait()
}

func (b *bridge) Healthy() bool { return b.sub != nil && b.bus.Healthy() }

// PublishFinal runs on the session loop; NATS publishes are buffered.
func (b *bridge) PublishFinal(r session.FinalReport) {
	msg := protocol.Transcript{
		SessionID:  r.SessionID,
		Sequence:   r.Sequence,
		Text:       r.Text,
		Normalized: r.Normalized,
		Detections: r.Detections,
		Count:      r.Count,
		Timestamp:  time.Now().UTC(),
	}
	if err := b.bus.PublishJSON(protocol.SubjectTranscript, msg); err != nil {
		b.logger.Warn("failed to publish transcript", slogError(err))
	}
}

func (b *bridge) handleControl(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	var err error
	switch msg.Subject {
	case protocol.SubjectControlStart:
		err = b.sess.Start(ctx)
	case protocol.SubjectControlStop:
		err = b.sess.Stop(ctx)
	case protocol.SubjectControlReset:
		err = b.sess.Reset(ctx)
	default:
		err = fmt.Errorf("unknown control subject %q", msg.Subject)
	}
	if err != nil {
		b.logger.Warn("control request failed", slog.String("subject", msg.Subject), slogError(err))
	}
	if msg.Reply == "" {
		return
	}
	reply := protocol.ControlReply{OK: err == nil, Status: statusFrom(b.sess.Snapshot())}
	if err != nil {
		reply.Error = err.Error()
	}
	data, err := json.Marshal(reply)
	if err != nil {
		b.logger.Warn("failed to marshal control reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		b.logger.Warn("failed to respond to control request", slogError(err))
	}
}

func statusFrom(s session.Snapshot) protocol.Status {
	return protocol.Status{
		SessionID:   s.SessionID,
		State:       string(s.State),
		Count:       s.Count,
		Transcript:  s.Transcript,
		Partial:     s.Partial,
		SerialState: s.SerialState,
		SerialPort:  s.SerialPort,
		Error:       s.Error,
		Timestamp:   s.UpdatedAt,
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
