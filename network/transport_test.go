package network

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"
)

func TestFrameTransportCarriesPayloads(t *testing.T) {
	left, right := pipeTransports()
	defer left.Close()
	defer right.Close()

	payload := []byte(`{"type":"cipher","id":"m1"}`)
	if err := left.Send(payload); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := right.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: %s", got)
	}
}

func TestFrameTransportAnswersPingInternally(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	ft := NewFrameTransport(local, FrameOptions{KeepAliveInterval: time.Hour, KeepAliveTimeout: time.Hour})
	defer ft.Close()

	ping, _ := EncodeJSON(PingMessage{Type: TypePing, Timestamp: 1})
	if err := WriteFrame(remote, ping); err != nil {
		t.Fatalf("WriteFrame ping failed: %v", err)
	}

	_ = remote.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply, err := ReadFrame(remote)
	if err != nil {
		t.Fatalf("ReadFrame pong failed: %v", err)
	}
	if msgType, _ := DecodeMessageType(reply); msgType != TypePong {
		t.Fatalf("expected pong, got %q", msgType)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := ft.Receive(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("ping surfaced to Receive: %v", err)
	}
}

func TestFrameTransportPongTimeout(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	// The remote reads frames but never answers.
	go func() {
		for {
			if _, err := ReadFrame(remote); err != nil {
				return
			}
		}
	}()

	ft := NewFrameTransport(local, FrameOptions{
		KeepAliveInterval: 50 * time.Millisecond,
		KeepAliveTimeout:  50 * time.Millisecond,
		FrameReadTimeout:  20 * time.Millisecond,
	})

	select {
	case <-ft.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("transport did not time out")
	}
	if !errors.Is(ft.Err(), ErrPongTimeout) {
		t.Fatalf("expected ErrPongTimeout, got %v", ft.Err())
	}
}

func TestFrameTransportDisconnectClosesRemoteCleanly(t *testing.T) {
	left, right := pipeTransports()

	if err := left.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}

	select {
	case <-right.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("remote did not observe disconnect")
	}
	if err := right.Err(); err != nil {
		t.Fatalf("expected clean close, got %v", err)
	}

	_, err := right.Receive(context.Background())
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF after close, got %v", err)
	}
	if err := right.Send([]byte(`{"type":"ack"}`)); !errors.Is(err, ErrTransportClosed) {
		t.Fatalf("expected ErrTransportClosed, got %v", err)
	}
}

func TestRelayTransportDeliverAndClose(t *testing.T) {
	var sent [][]byte
	var closes atomic.Int32
	rt := NewRelayTransport(func(payload []byte) error {
		sent = append(sent, payload)
		return nil
	}, func() { closes.Add(1) })

	select {
	case <-rt.Ready():
	default:
		t.Fatalf("relay transport not ready at construction")
	}

	if err := rt.Send([]byte("out")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if len(sent) != 1 || string(sent[0]) != "out" {
		t.Fatalf("send func not called: %q", sent)
	}

	if !rt.Deliver([]byte("in")) {
		t.Fatalf("Deliver rejected payload")
	}
	got, err := rt.Receive(context.Background())
	if err != nil || string(got) != "in" {
		t.Fatalf("Receive = %q, %v", got, err)
	}

	_ = rt.Close()
	_ = rt.Close()
	if closes.Load() != 1 {
		t.Fatalf("onClose ran %d times", closes.Load())
	}
	if rt.Deliver([]byte("late")) {
		t.Fatalf("Deliver accepted payload after close")
	}
	if err := rt.Send([]byte("late")); !errors.Is(err, ErrTransportClosed) {
		t.Fatalf("expected ErrTransportClosed, got %v", err)
	}
}

func TestRelayTransportFailRecordsError(t *testing.T) {
	rt := NewRelayTransport(func([]byte) error { return nil }, nil)
	cause := errors.New("relay link lost")
	rt.Fail(cause)

	if _, err := rt.Receive(context.Background()); !errors.Is(err, cause) {
		t.Fatalf("expected relay error, got %v", err)
	}
	if !errors.Is(rt.Err(), cause) {
		t.Fatalf("Err() = %v", rt.Err())
	}
}

func TestSessionOverRelayTransports(t *testing.T) {
	alice := newTestPeer(t, "alice", nil)
	bob := newTestPeer(t, "bob", nil)

	var aliceSide, bobSide *RelayTransport
	aliceSide = NewRelayTransport(func(payload []byte) error {
		bobSide.Deliver(payload)
		return nil
	}, nil)
	bobSide = NewRelayTransport(func(payload []byte) error {
		aliceSide.Deliver(payload)
		return nil
	}, nil)

	if _, err := alice.manager.CreateSession("bob", aliceSide, true); err != nil {
		t.Fatalf("alice CreateSession failed: %v", err)
	}
	if _, err := bob.manager.CreateSession("alice", bobSide, false); err != nil {
		t.Fatalf("bob CreateSession failed: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool {
		return alice.manager.IsReady("bob") && bob.manager.IsReady("alice")
	})

	messageID, err := bob.manager.Send("alice", []byte("via relay"), 0)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	waitForStatus(t, bob.store, messageID, "delivered")
}
