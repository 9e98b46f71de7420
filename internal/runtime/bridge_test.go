package runtime

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-tally/internal/audio"
	"github.com/loqalabs/loqa-tally/internal/bus"
	"github.com/loqalabs/loqa-tally/internal/config"
	"github.com/loqalabs/loqa-tally/internal/natsserver"
	"github.com/loqalabs/loqa-tally/internal/protocol"
	"github.com/loqalabs/loqa-tally/internal/session"
	"github.com/loqalabs/loqa-tally/internal/stt"
)

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	cfg := config.BusConfig{Enabled: true, Embedded: true, Port: -1, ConnectTimeout: 2000}
	srv, err := natsserver.Start(cfg, testLogger())
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	cfg.Servers = []string{srv.ClientURL()}
	client, err := bus.Connect(context.Background(), "bridge-test", cfg, testLogger())
	if err != nil {
		t.Fatalf("connect bus: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestBridgePublishesAndControls(t *testing.T) {
	client := startBus(t)

	statuses := make(chan *nats.Msg, 64)
	statusSub, err := client.Conn().ChanSubscribe(protocol.SubjectStatus, statuses)
	if err != nil {
		t.Fatalf("subscribe status: %v", err)
	}
	defer statusSub.Unsubscribe()
	transcripts := make(chan *nats.Msg, 64)
	transcriptSub, err := client.Conn().ChanSubscribe(protocol.SubjectTranscript, transcripts)
	if err != nil {
		t.Fatalf("subscribe transcript: %v", err)
	}
	defer transcriptSub.Unsubscribe()

	pattern, err := NewPattern(config.Default().Pattern)
	if err != nil {
		t.Fatalf("pattern: %v", err)
	}
	var b *bridge
	sess, err := session.New(context.Background(), session.Deps{
		Logger:  testLogger(),
		Engine:  stt.NewMockEngine([]string{"om ara pa cha na dhi"}, 3, false),
		Source:  &audio.MockSource{ChunkSize: 640, Pace: 2 * time.Millisecond, Loop: true},
		Pattern: pattern,
		OnFinal: func(r session.FinalReport) { b.PublishFinal(r) },
	}, session.Options{
		Capture: audio.PipelineConfig{
			Options:       audio.Options{SampleRate: 16000, Channels: 1},
			FrameDuration: 20 * time.Millisecond,
			BufferFrames:  16,
		},
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	b = newBridge(client, sess, testLogger())
	if err := b.Start(16); err != nil {
		t.Fatalf("start bridge: %v", err)
	}
	t.Cleanup(func() {
		b.Close()
		_ = sess.Close(context.Background())
	})
	if !b.Healthy() {
		t.Fatal("expected healthy bridge")
	}

	msg, err := client.Conn().Request(protocol.SubjectControlStart, nil, 5*time.Second)
	if err != nil {
		t.Fatalf("start request: %v", err)
	}
	var reply protocol.ControlReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if !reply.OK {
		t.Fatalf("start failed: %s", reply.Error)
	}

	deadline := time.After(5 * time.Second)
	var sawListening bool
	for !sawListening {
		select {
		case m := <-statuses:
			var status protocol.Status
			if err := json.Unmarshal(m.Data, &status); err != nil {
				t.Fatalf("decode status: %v", err)
			}
			sawListening = status.State == "listening"
		case <-deadline:
			t.Fatal("no listening status published")
		}
	}

	select {
	case m := <-transcripts:
		var tr protocol.Transcript
		if err := json.Unmarshal(m.Data, &tr); err != nil {
			t.Fatalf("decode transcript: %v", err)
		}
		if !strings.Contains(tr.Text, "om ara pa cha na dhi") || tr.Count < 1 || tr.Detections == 0 {
			t.Fatalf("unexpected transcript: %+v", tr)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no transcript published")
	}

	msg, err = client.Conn().Request(protocol.SubjectControlReset, nil, 5*time.Second)
	if err != nil {
		t.Fatalf("reset request: %v", err)
	}
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if !reply.OK {
		t.Fatalf("reset failed: %s", reply.Error)
	}
}
