package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrPongTimeout indicates keep-alive timed out waiting for pong.
	ErrPongTimeout = errors.New("network: pong timeout")
	// ErrTransportClosed is returned by Send after the transport is gone.
	ErrTransportClosed = errors.New("network: transport closed")
	// ErrTransportNotReady is returned by Send before the channel is open.
	ErrTransportNotReady = errors.New("network: transport not ready")
)

// Transport is an ordered, message-oriented channel to exactly one peer.
// Delivery is not guaranteed; a session owns its transport exclusively.
type Transport interface {
	// Send writes one frame.
	Send(payload []byte) error
	// Receive blocks for the next inbound frame.
	Receive(ctx context.Context) ([]byte, error)
	// Ready is closed once frames can flow in both directions.
	Ready() <-chan struct{}
	// Done is closed when the transport is finished.
	Done() <-chan struct{}
	// Err returns the terminal error, nil after a clean close.
	Err() error
	Close() error
}

// FrameOptions controls runtime behavior of FrameTransport.
type FrameOptions struct {
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration
}

// FrameTransport carries length-prefixed frames over any net.Conn and keeps
// the link alive with ping/pong.
type FrameTransport struct {
	conn net.Conn

	sendMu sync.Mutex

	waitMu       sync.Mutex
	waitingPong  bool
	pongDeadline time.Time

	lastActivity atomic.Int64

	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration
	frameReadTimeout  time.Duration

	inbound chan []byte
	ready   chan struct{}

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

var _ Transport = (*FrameTransport)(nil)

// NewFrameTransport wraps an established connection. The transport is ready
// immediately.
func NewFrameTransport(conn net.Conn, options FrameOptions) *FrameTransport {
	interval := options.KeepAliveInterval
	if interval <= 0 {
		interval = DefaultKeepAliveInterval
	}

	timeout := options.KeepAliveTimeout
	if timeout <= 0 {
		timeout = DefaultKeepAliveTimeout
	}

	readTimeout := options.FrameReadTimeout
	if readTimeout <= 0 {
		readTimeout = DefaultFrameReadTimeout
	}

	ft := &FrameTransport{
		conn:              conn,
		keepAliveInterval: interval,
		keepAliveTimeout:  timeout,
		frameReadTimeout:  readTimeout,
		inbound:           make(chan []byte, 64),
		ready:             make(chan struct{}),
		closed:            make(chan struct{}),
	}

	ft.touchActivity()
	close(ft.ready)
	go ft.readLoop()
	go ft.keepAliveLoop()

	return ft
}

// Ready is closed at construction.
func (ft *FrameTransport) Ready() <-chan struct{} {
	return ft.ready
}

// Done is closed when the connection is fully disconnected.
func (ft *FrameTransport) Done() <-chan struct{} {
	return ft.closed
}

// Err returns the terminal connection error, if any.
func (ft *FrameTransport) Err() error {
	ft.errMu.RLock()
	defer ft.errMu.RUnlock()
	return ft.closeErr
}

// Send writes a pre-marshaled payload as one frame.
func (ft *FrameTransport) Send(payload []byte) error {
	select {
	case <-ft.closed:
		if err := ft.Err(); err != nil {
			return err
		}
		return ErrTransportClosed
	default:
	}

	ft.sendMu.Lock()
	defer ft.sendMu.Unlock()
	if err := WriteFrame(ft.conn, payload); err != nil {
		ft.closeWithError(fmt.Errorf("write frame: %w", err))
		return err
	}

	ft.touchActivity()
	return nil
}

// Receive waits for the next non-keepalive inbound frame.
func (ft *FrameTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case payload := <-ft.inbound:
		return payload, nil
	case <-ft.closed:
		// Drain what the read loop queued before the close.
		select {
		case payload := <-ft.inbound:
			return payload, nil
		default:
		}
		if err := ft.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Disconnect sends peer_disconnect and closes the connection.
func (ft *FrameTransport) Disconnect() error {
	_ = ft.sendControl(PeerDisconnect{Type: TypePeerDisconnect, Timestamp: time.Now().UnixMilli()})
	return ft.Close()
}

// Close terminates the connection.
func (ft *FrameTransport) Close() error {
	ft.closeWithError(nil)
	return nil
}

func (ft *FrameTransport) sendControl(message any) error {
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}
	return ft.Send(payload)
}

func (ft *FrameTransport) readLoop() {
	for {
		select {
		case <-ft.closed:
			return
		default:
		}

		payload, err := ReadFrameWithTimeout(ft.conn, ft.frameReadTimeout)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				ft.closeWithError(nil)
				return
			}

			ft.closeWithError(fmt.Errorf("read frame: %w", err))
			return
		}

		ft.touchActivity()
		if len(payload) == 0 {
			continue
		}

		msgType, err := DecodeMessageType(payload)
		if err != nil {
			select {
			case ft.inbound <- payload:
			case <-ft.closed:
			}
			continue
		}

		switch msgType {
		case TypePing:
			_ = ft.sendControl(PongMessage{Type: TypePong, Timestamp: time.Now().UnixMilli()})
		case TypePong:
			ft.ackPong()
		case TypePeerDisconnect:
			ft.closeWithError(nil)
			return
		default:
			select {
			case ft.inbound <- payload:
			case <-ft.closed:
				return
			}
		}
	}
}

func (ft *FrameTransport) keepAliveLoop() {
	checkEvery := ft.keepAliveInterval / 2
	if checkEvery <= 0 {
		checkEvery = ft.keepAliveInterval
	}
	ticker := time.NewTicker(checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if ft.waitingPongExpired() {
				ft.closeWithError(ErrPongTimeout)
				return
			}

			idleFor := time.Since(time.Unix(0, ft.lastActivity.Load()))
			if idleFor < ft.keepAliveInterval {
				continue
			}

			if ft.isWaitingPong() {
				continue
			}

			if err := ft.sendControl(PingMessage{Type: TypePing, Timestamp: time.Now().UnixMilli()}); err != nil {
				return
			}
			ft.setWaitingPong(time.Now().Add(ft.keepAliveTimeout))
		case <-ft.closed:
			return
		}
	}
}

func (ft *FrameTransport) touchActivity() {
	ft.lastActivity.Store(time.Now().UnixNano())
}

func (ft *FrameTransport) setWaitingPong(deadline time.Time) {
	ft.waitMu.Lock()
	defer ft.waitMu.Unlock()
	ft.waitingPong = true
	ft.pongDeadline = deadline
}

func (ft *FrameTransport) ackPong() {
	ft.waitMu.Lock()
	defer ft.waitMu.Unlock()
	ft.waitingPong = false
	ft.pongDeadline = time.Time{}
}

func (ft *FrameTransport) isWaitingPong() bool {
	ft.waitMu.Lock()
	defer ft.waitMu.Unlock()
	return ft.waitingPong
}

func (ft *FrameTransport) waitingPongExpired() bool {
	ft.waitMu.Lock()
	defer ft.waitMu.Unlock()
	return ft.waitingPong && time.Now().After(ft.pongDeadline)
}

func (ft *FrameTransport) closeWithError(err error) {
	ft.closeOnce.Do(func() {
		ft.errMu.Lock()
		ft.closeErr = err
		ft.errMu.Unlock()

		_ = ft.conn.Close()
		close(ft.closed)
	})
}
