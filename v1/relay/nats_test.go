package relay

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"

	"github.com/mirkobrombin/go-mural/v1/eventbus"
)

// newNATSSink connects to MURAL_TEST_NATS_ADDR when set, otherwise it
// starts an embedded server for the duration of the test.
func newNATSSink(t *testing.T) (*NATSSink, *nats.Conn) {
	t.Helper()

	addr := os.Getenv("MURAL_TEST_NATS_ADDR")
	var srv *server.Server
	if addr == "" {
		srv = natsserver.RunRandClientPortServer()
		addr = srv.ClientURL()
	}

	conn, err := nats.Connect(addr)
	if err != nil {
		if srv != nil {
			srv.Shutdown()
		}
		t.Fatalf("connect nats: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
		if srv != nil {
			srv.Shutdown()
		}
	})
	return NewNATSSink(conn), conn
}

func TestNATSSinkPublishesPerCanvasSubject(t *testing.T) {
	sink, conn := newNATSSink(t)

	got := make(chan *nats.Msg, 1)
	sub, err := conn.Subscribe("mural.events.c1", func(m *nats.Msg) { got <- m })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	ev := eventbus.Event{Canvas: "c1", Seq: 7, Kind: eventbus.KindTileLocked, At: time.Now()}
	if err := sink.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case m := <-got:
		var decoded eventbus.Event
		if err := json.Unmarshal(m.Data, &decoded); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if decoded.Canvas != "c1" || decoded.Seq != 7 || decoded.Kind != eventbus.KindTileLocked {
			t.Fatalf("unexpected event: %+v", decoded)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for relayed event")
	}

	if sink.Published() != 1 {
		t.Fatalf("published = %d, want 1", sink.Published())
	}
}

func TestNATSSinkThroughForwarder(t *testing.T) {
	sink, conn := newNATSSink(t)

	got := make(chan *nats.Msg, 4)
	sub, err := conn.Subscribe("mural.events.>", func(m *nats.Msg) { got <- m })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	fw := NewForwarder(sink)
	fw.Enqueue(eventbus.Event{Canvas: "c1", Seq: 1, Kind: eventbus.KindUserJoined})
	fw.Enqueue(eventbus.Event{Canvas: "c2", Seq: 1, Kind: eventbus.KindUserJoined})
	fw.Close()

	for i := 0; i < 2; i++ {
		select {
		case <-got:
		case <-time.After(2 * time.Second):
			t.Fatalf("received %d relayed events, want 2", i)
		}
	}
	if m := fw.Metrics(); m.Forwarded != 2 {
		t.Fatalf("forwarded = %d, want 2", m.Forwarded)
	}
}
