package network

import (
	"context"
	"io"
	"sync"
)

// RelaySendFunc forwards one session frame through the signaling relay.
type RelaySendFunc func(payload []byte) error

// RelayTransport tunnels session frames through the signaling relay. Frames
// are already sealed by the session, so the relay only ever sees key
// exchange public keys and ciphertext envelopes.
type RelayTransport struct {
	send    RelaySendFunc
	onClose func()

	inbound chan []byte
	ready   chan struct{}

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

var _ Transport = (*RelayTransport)(nil)

// NewRelayTransport creates a transport that is ready immediately. onClose,
// when set, runs once after the transport closes.
func NewRelayTransport(send RelaySendFunc, onClose func()) *RelayTransport {
	t := &RelayTransport{
		send:    send,
		onClose: onClose,
		inbound: make(chan []byte, 64),
		ready:   make(chan struct{}),
		closed:  make(chan struct{}),
	}
	close(t.ready)
	return t
}

// Deliver hands an inbound relay frame to the session. It reports false once
// the transport is closed or the buffer is full.
func (t *RelayTransport) Deliver(payload []byte) bool {
	select {
	case <-t.closed:
		return false
	default:
	}
	select {
	case t.inbound <- payload:
		return true
	case <-t.closed:
		return false
	default:
		return false
	}
}

// Send forwards payload through the relay.
func (t *RelayTransport) Send(payload []byte) error {
	select {
	case <-t.closed:
		if err := t.Err(); err != nil {
			return err
		}
		return ErrTransportClosed
	default:
	}
	return t.send(payload)
}

// Receive waits for the next relayed frame.
func (t *RelayTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case payload := <-t.inbound:
		return payload, nil
	case <-t.closed:
		if err := t.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ready is closed at construction.
func (t *RelayTransport) Ready() <-chan struct{} { return t.ready }

// Done is closed once the transport is closed.
func (t *RelayTransport) Done() <-chan struct{} { return t.closed }

// Err returns the failure passed to Fail, if any.
func (t *RelayTransport) Err() error {
	t.errMu.RLock()
	defer t.errMu.RUnlock()
	return t.closeErr
}

// Fail closes the transport with err, for example when the relay link drops.
func (t *RelayTransport) Fail(err error) {
	t.closeWithError(err)
}

// Close closes the transport.
func (t *RelayTransport) Close() error {
	t.closeWithError(nil)
	return nil
}

func (t *RelayTransport) closeWithError(err error) {
	t.closeOnce.Do(func() {
		t.errMu.Lock()
		t.closeErr = err
		t.errMu.Unlock()
		close(t.closed)
		if t.onClose != nil {
			t.onClose()
		}
	})
}
