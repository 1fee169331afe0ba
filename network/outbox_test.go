package network

import (
	"bytes"
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"peerlink/crypto"
	"peerlink/models"
)

func newTestOutbox(t *testing.T, peer *testPeer) *Outbox {
	t.Helper()

	master := bytes.Repeat([]byte{0x42}, crypto.KeySize)
	queueKey, err := DeriveQueueKey(master)
	if err != nil {
		t.Fatalf("DeriveQueueKey failed: %v", err)
	}
	outbox, err := NewOutbox(OutboxOptions{Manager: peer.manager, Queue: peer.store, QueueKey: queueKey})
	if err != nil {
		t.Fatalf("NewOutbox failed: %v", err)
	}
	outbox.Start()
	t.Cleanup(outbox.Stop)
	return outbox
}

func TestOutboxQueuesWhileOfflineAndDrainsOnce(t *testing.T) {
	alice := newTestPeer(t, "alice", nil)
	bob := newTestPeer(t, "bob", nil)
	outbox := newTestOutbox(t, alice)

	messageID, err := outbox.SendMessage(context.Background(), "bob", "queued secret", 0)
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	record, err := alice.store.GetMessage(messageID)
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if record.Status != models.StatusPending {
		t.Fatalf("expected pending, got %s", record.Status)
	}
	entries, err := alice.store.PendingFor("bob")
	if err != nil {
		t.Fatalf("PendingFor failed: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != messageID {
		t.Fatalf("unexpected queue entries: %+v", entries)
	}
	if bytes.Contains(entries[0].Payload, []byte("queued secret")) {
		t.Fatalf("queue entry stored in plaintext")
	}
	if got := testutil.ToFloat64(alice.manager.metrics.OutboxDepth); got != 1 {
		t.Fatalf("expected outbox depth 1, got %v", got)
	}

	connectPeers(t, alice, bob)

	waitForStatus(t, alice.store, messageID, models.StatusDelivered)
	received := bob.events.waitFor(t, 3*time.Second, ofType(EventMessageReceived))
	if received.Message.Body != "queued secret" {
		t.Fatalf("unexpected body %q", received.Message.Body)
	}
	waitFor(t, 3*time.Second, func() bool {
		depth, err := outbox.Depth()
		return err == nil && depth == 0
	})

	// A second ready event must not resend anything.
	if err := outbox.Drain("bob"); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	sentinel, err := outbox.SendMessage(context.Background(), "bob", "sentinel", 0)
	if err != nil {
		t.Fatalf("SendMessage sentinel failed: %v", err)
	}
	waitForStatus(t, alice.store, sentinel, models.StatusDelivered)

	if events := bob.events.matching(func(e Event) bool {
		return e.Type == EventMessageReceived && e.MessageID == messageID
	}); len(events) != 1 {
		t.Fatalf("queued message delivered %d times", len(events))
	}
}

func TestOutboxPreservesQueueOrder(t *testing.T) {
	alice := newTestPeer(t, "alice", nil)
	bob := newTestPeer(t, "bob", nil)
	outbox := newTestOutbox(t, alice)

	var ids []string
	for _, text := range []string{"one", "two", "three"} {
		id, err := outbox.SendMessage(context.Background(), "bob", text, 0)
		if err != nil {
			t.Fatalf("SendMessage %s failed: %v", text, err)
		}
		ids = append(ids, id)
		time.Sleep(2 * time.Millisecond)
	}

	connectPeers(t, alice, bob)
	for _, id := range ids {
		waitForStatus(t, alice.store, id, models.StatusDelivered)
	}

	received := bob.events.matching(ofType(EventMessageReceived))
	if len(received) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(received))
	}
	for i, event := range received {
		if event.MessageID != ids[i] {
			t.Fatalf("message %d out of order: %s", i, event.MessageID)
		}
	}
}

func TestOutboxDropsExpiredEntries(t *testing.T) {
	alice := newTestPeer(t, "alice", func(o *Options) { o.SweepInterval = time.Hour })
	bob := newTestPeer(t, "bob", nil)
	outbox := newTestOutbox(t, alice)

	if _, err := outbox.SendMessage(context.Background(), "bob", "too late", 50); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	connectPeers(t, alice, bob)
	waitFor(t, 3*time.Second, func() bool {
		depth, err := outbox.Depth()
		return err == nil && depth == 0
	})

	sentinel, err := alice.manager.Send("bob", []byte("sentinel"), 0)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	waitForStatus(t, alice.store, sentinel, models.StatusDelivered)
	if events := bob.events.matching(ofType(EventMessageReceived)); len(events) != 1 {
		t.Fatalf("expired message was delivered")
	}
}

func TestOutboxSendsDirectlyWhenReady(t *testing.T) {
	alice, bob := newConnectedPair(t, nil)
	outbox := newTestOutbox(t, alice)

	messageID, err := outbox.SendMessage(context.Background(), "bob", "direct", 0)
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	waitForStatus(t, alice.store, messageID, models.StatusDelivered)
	bob.events.waitFor(t, 3*time.Second, ofType(EventMessageReceived))

	if depth, _ := outbox.Depth(); depth != 0 {
		t.Fatalf("direct send left %d queue entries", depth)
	}
}

func TestOutboxUnreadableEntryMarkedFailed(t *testing.T) {
	alice := newTestPeer(t, "alice", nil)
	bob := newTestPeer(t, "bob", nil)
	outbox := newTestOutbox(t, alice)

	messageID, err := outbox.SendMessage(context.Background(), "bob", "corrupt me", 0)
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	entries, _ := alice.store.PendingFor("bob")
	corrupted := entries[0]
	corrupted.Payload = append([]byte(nil), corrupted.Payload...)
	corrupted.Payload[len(corrupted.Payload)-1] ^= 0xff
	if err := alice.store.RemoveOutbound(messageID); err != nil {
		t.Fatalf("RemoveOutbound failed: %v", err)
	}
	if err := alice.store.Enqueue(corrupted); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	connectPeers(t, alice, bob)
	waitForStatus(t, alice.store, messageID, models.StatusFailed)
	waitFor(t, 3*time.Second, func() bool {
		depth, err := outbox.Depth()
		return err == nil && depth == 0
	})
}

func TestNewOutboxRejectsShortKey(t *testing.T) {
	alice := newTestPeer(t, "alice", nil)
	if _, err := NewOutbox(OutboxOptions{Manager: alice.manager, Queue: alice.store, QueueKey: []byte("short")}); err == nil {
		t.Fatalf("expected error for short queue key")
	}
}

// lossyTransport swallows cipher frames while drop is set and reports success.
type lossyTransport struct {
	Transport
	drop atomic.Bool
}

func (l *lossyTransport) Send(payload []byte) error {
	if l.drop.Load() {
		if kind, err := DecodeMessageType(payload); err == nil && kind == TypeCipher {
			return nil
		}
	}
	return l.Transport.Send(payload)
}

func TestOutboxResendsUnackedMessagesAfterDisconnect(t *testing.T) {
	alice := newTestPeer(t, "alice", nil)
	bob := newTestPeer(t, "bob", nil)
	outbox := newTestOutbox(t, alice)

	left, right := pipeTransports()
	lossy := &lossyTransport{Transport: left}
	lossy.drop.Store(true)
	if _, err := alice.manager.CreateSession("bob", lossy, true); err != nil {
		t.Fatalf("alice CreateSession failed: %v", err)
	}
	if _, err := bob.manager.CreateSession("alice", right, false); err != nil {
		t.Fatalf("bob CreateSession failed: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool {
		return alice.manager.IsReady("bob") && bob.manager.IsReady("alice")
	})

	messageID, err := outbox.SendMessage(context.Background(), "bob", "lost in transit", 0)
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	waitForStatus(t, alice.store, messageID, models.StatusSent)
	if depth, _ := outbox.Depth(); depth != 0 {
		t.Fatalf("handed-off message should not be queued yet, depth=%d", depth)
	}

	alice.manager.CloseSession("bob")
	waitFor(t, 3*time.Second, func() bool {
		entries, err := alice.store.PendingFor("bob")
		return err == nil && len(entries) == 1 && entries[0].ID == messageID
	})
	waitFor(t, 3*time.Second, func() bool { return !bob.manager.IsReady("alice") })

	connectPeers(t, alice, bob)

	waitForStatus(t, alice.store, messageID, models.StatusDelivered)
	received := bob.events.waitFor(t, 3*time.Second, ofType(EventMessageReceived))
	if received.MessageID != messageID || received.Message.Body != "lost in transit" {
		t.Fatalf("unexpected received event %+v", received)
	}
	waitFor(t, 3*time.Second, func() bool {
		depth, err := outbox.Depth()
		return err == nil && depth == 0
	})
}

func TestOutboxRequeueSkipsAcknowledgedMessages(t *testing.T) {
	alice := newTestPeer(t, "alice", nil)
	bob := newTestPeer(t, "bob", nil)
	connectPeers(t, alice, bob)
	outbox := newTestOutbox(t, alice)

	messageID, err := outbox.SendMessage(context.Background(), "bob", "already here", 0)
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	waitForStatus(t, alice.store, messageID, models.StatusDelivered)

	alice.manager.CloseSession("bob")
	alice.events.waitFor(t, 3*time.Second, ofType(EventPeerDisconnected))

	if depth, _ := outbox.Depth(); depth != 0 {
		t.Fatalf("acknowledged message was requeued, depth=%d", depth)
	}
}
