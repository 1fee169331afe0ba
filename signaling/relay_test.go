package signaling

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"peerlink/metrics"
)

type rawClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func newRelayServer(t *testing.T, options RelayOptions) (*Relay, string) {
	t.Helper()
	relay := NewRelay(options)
	server := httptest.NewServer(relay)
	t.Cleanup(server.Close)
	return relay, "ws" + strings.TrimPrefix(server.URL, "http")
}

func dialRaw(t *testing.T, url string) *rawClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &rawClient{t: t, conn: conn}
}

func (c *rawClient) send(frame Frame) {
	c.t.Helper()
	if err := c.conn.WriteJSON(frame); err != nil {
		c.t.Fatalf("write %s: %v", frame.Type, err)
	}
}

func (c *rawClient) read() Frame {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var frame Frame
	if err := c.conn.ReadJSON(&frame); err != nil {
		c.t.Fatalf("read frame: %v", err)
	}
	return frame
}

// readType skips frames until one of frameType arrives.
func (c *rawClient) readType(frameType string) Frame {
	c.t.Helper()
	for {
		frame := c.read()
		if frame.Type == frameType {
			return frame
		}
	}
}

func (c *rawClient) register(id string) {
	c.t.Helper()
	c.send(Frame{Type: TypeRegister, ReqID: "reg-" + id, ID: id, PublicKey: "pk-" + id})
	ack := c.readType(TypeAck)
	if !ack.OK || ack.ReqID != "reg-"+id {
		c.t.Fatalf("register %s rejected: %+v", id, ack)
	}
}

func (c *rawClient) join(room string) []PeerInfo {
	c.t.Helper()
	c.send(Frame{Type: TypeJoinRoom, ReqID: "join-" + room, RoomID: room})
	ack := c.readType(TypeAck)
	if !ack.OK {
		c.t.Fatalf("join %s rejected: %+v", room, ack)
	}
	return ack.Peers
}

func TestRelayRegisterAndJoinRoom(t *testing.T) {
	relay, url := newRelayServer(t, RelayOptions{})
	alice := dialRaw(t, url)
	bob := dialRaw(t, url)

	alice.register("alice")
	if peers := alice.join("lobby"); len(peers) != 0 {
		t.Fatalf("expected empty roster, got %+v", peers)
	}

	bob.register("bob")
	peers := bob.join("lobby")
	if len(peers) != 1 || peers[0].ID != "alice" || peers[0].PublicKey != "pk-alice" {
		t.Fatalf("unexpected roster %+v", peers)
	}

	joined := alice.readType(TypePeerJoined)
	if joined.PeerID != "bob" || joined.RoomID != "lobby" || joined.PublicKey != "pk-bob" {
		t.Fatalf("unexpected peer-joined %+v", joined)
	}
	if relay.Clients() != 2 {
		t.Fatalf("expected 2 clients, got %d", relay.Clients())
	}
}

func TestRelayRejectsJoinBeforeRegister(t *testing.T) {
	_, url := newRelayServer(t, RelayOptions{})
	client := dialRaw(t, url)

	client.send(Frame{Type: TypeJoinRoom, ReqID: "1", RoomID: "lobby"})
	ack := client.readType(TypeAck)
	if ack.OK || ack.Error != "not registered" {
		t.Fatalf("expected not registered, got %+v", ack)
	}
}

func TestRelayForwardsSignalWithoutDecoding(t *testing.T) {
	m := metrics.New(nil)
	_, url := newRelayServer(t, RelayOptions{Metrics: m})
	alice := dialRaw(t, url)
	bob := dialRaw(t, url)
	alice.register("alice")
	bob.register("bob")
	alice.join("lobby")
	bob.join("lobby")

	opaque := json.RawMessage(`{"kind":"relay-frame","payload":"AQID","extra":true}`)
	alice.send(Frame{Type: TypeSignal, ReqID: "s1", RoomID: "lobby", TargetID: "bob", Data: opaque})

	ack := alice.readType(TypeAck)
	if !ack.OK || ack.ReqID != "s1" {
		t.Fatalf("signal not acknowledged: %+v", ack)
	}
	signal := bob.readType(TypeSignal)
	if signal.From != "alice" || signal.RoomID != "lobby" {
		t.Fatalf("unexpected signal %+v", signal)
	}
	if string(signal.Data) != string(opaque) {
		t.Fatalf("signal data changed in transit: %s", signal.Data)
	}
	if got := testutil.ToFloat64(m.RelayFrames.WithLabelValues("forwarded")); got != 1 {
		t.Fatalf("expected 1 forwarded frame, got %v", got)
	}
}

func TestRelaySignalToOfflinePeer(t *testing.T) {
	_, url := newRelayServer(t, RelayOptions{})
	alice := dialRaw(t, url)
	alice.register("alice")

	alice.send(Frame{Type: TypeSignal, ReqID: "s1", TargetID: "nobody", Data: json.RawMessage(`{"kind":"close"}`)})
	ack := alice.readType(TypeAck)
	if ack.OK || ack.Error != "peer not online" {
		t.Fatalf("expected peer not online, got %+v", ack)
	}
}

func TestRelaySignalOutsideRoomRejected(t *testing.T) {
	_, url := newRelayServer(t, RelayOptions{})
	alice := dialRaw(t, url)
	bob := dialRaw(t, url)
	alice.register("alice")
	bob.register("bob")
	alice.join("lobby")
	bob.join("other")

	alice.send(Frame{Type: TypeSignal, ReqID: "s1", RoomID: "lobby", TargetID: "bob", Data: json.RawMessage(`{"kind":"close"}`)})
	ack := alice.readType(TypeAck)
	if ack.OK {
		t.Fatalf("expected rejection for target outside room")
	}
}

func TestRelaySignalRequiresRegistration(t *testing.T) {
	_, url := newRelayServer(t, RelayOptions{})
	client := dialRaw(t, url)

	client.send(Frame{Type: TypeSignal, ReqID: "s1", TargetID: "bob", Data: json.RawMessage(`{"kind":"close"}`)})
	ack := client.readType(TypeAck)
	if ack.OK || ack.Error != "not registered" {
		t.Fatalf("expected not registered, got %+v", ack)
	}
}

func TestRelayRateLimitsSignals(t *testing.T) {
	_, url := newRelayServer(t, RelayOptions{Rate: 0.001, Burst: 2})
	alice := dialRaw(t, url)
	bob := dialRaw(t, url)
	alice.register("alice")
	bob.register("bob")

	var acks []Frame
	for i := 0; i < 3; i++ {
		alice.send(Frame{Type: TypeSignal, ReqID: string(rune('a' + i)), TargetID: "bob", Data: json.RawMessage(`{"kind":"close"}`)})
		acks = append(acks, alice.readType(TypeAck))
	}
	if !acks[0].OK || !acks[1].OK {
		t.Fatalf("burst should pass: %+v", acks[:2])
	}
	if acks[2].OK || acks[2].Error != "rate limited" {
		t.Fatalf("expected rate limited, got %+v", acks[2])
	}
}

func TestRelayPresence(t *testing.T) {
	_, url := newRelayServer(t, RelayOptions{})
	alice := dialRaw(t, url)
	bob := dialRaw(t, url)
	alice.register("alice")
	bob.register("bob")

	alice.send(Frame{Type: TypePresence, ReqID: "p1", PeerID: "bob"})
	if ack := alice.readType(TypeAck); !ack.Online {
		t.Fatalf("expected bob online, got %+v", ack)
	}
	alice.send(Frame{Type: TypePresence, ReqID: "p2", PeerID: "carol"})
	if ack := alice.readType(TypeAck); ack.Online {
		t.Fatalf("expected carol offline, got %+v", ack)
	}
}

func TestRelayDisconnectBroadcastsPeerLeft(t *testing.T) {
	m := metrics.New(nil)
	relay, url := newRelayServer(t, RelayOptions{Metrics: m})
	alice := dialRaw(t, url)
	bob := dialRaw(t, url)
	alice.register("alice")
	bob.register("bob")
	alice.join("lobby")
	bob.join("lobby")
	alice.readType(TypePeerJoined)

	_ = bob.conn.Close()

	left := alice.readType(TypePeerLeft)
	if left.PeerID != "bob" || left.RoomID != "lobby" {
		t.Fatalf("unexpected peer-left %+v", left)
	}
	deadline := time.Now().Add(3 * time.Second)
	for relay.Clients() != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if relay.Clients() != 1 {
		t.Fatalf("expected 1 client after disconnect, got %d", relay.Clients())
	}
	if got := testutil.ToFloat64(m.RelayClients); got != 1 {
		t.Fatalf("expected relay clients gauge 1, got %v", got)
	}
}

func TestRelayLeaveRoom(t *testing.T) {
	_, url := newRelayServer(t, RelayOptions{})
	alice := dialRaw(t, url)
	bob := dialRaw(t, url)
	alice.register("alice")
	bob.register("bob")
	alice.join("lobby")
	bob.join("lobby")
	alice.readType(TypePeerJoined)

	bob.send(Frame{Type: TypeLeaveRoom, ReqID: "l1", RoomID: "lobby"})
	if ack := bob.readType(TypeAck); !ack.OK {
		t.Fatalf("leave not acknowledged: %+v", ack)
	}
	if left := alice.readType(TypePeerLeft); left.PeerID != "bob" {
		t.Fatalf("unexpected peer-left %+v", left)
	}
}

func TestRelayReRegisterReplacesStaleClient(t *testing.T) {
	relay, url := newRelayServer(t, RelayOptions{})
	first := dialRaw(t, url)
	first.register("alice")
	second := dialRaw(t, url)
	second.register("alice")

	_ = first.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := first.conn.ReadMessage(); err != nil {
			break
		}
	}
	if relay.Clients() != 1 {
		t.Fatalf("expected 1 client, got %d", relay.Clients())
	}

	second.send(Frame{Type: TypePresence, ReqID: "p", PeerID: "alice"})
	if ack := second.readType(TypeAck); !ack.Online {
		t.Fatalf("replacement registration should be online")
	}
}
