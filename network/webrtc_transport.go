package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

const dataChannelLabel = "peerlink"

// WebRTC signal kinds carried through the relay.
const (
	SignalOffer     = "offer"
	SignalAnswer    = "answer"
	SignalCandidate = "candidate"
)

// ErrUnexpectedSignal is returned for signals that do not fit the negotiation state.
var ErrUnexpectedSignal = errors.New("network: unexpected webrtc signal")

// WebRTCSignal is one negotiation message for the remote peer.
type WebRTCSignal struct {
	Kind      string                   `json:"kind"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

// WebRTCOptions configures a data channel transport.
type WebRTCOptions struct {
	ICEServers []string
	// Signal delivers negotiation messages to the remote peer.
	Signal func(WebRTCSignal) error
	Logger *zap.Logger
}

// WebRTCTransport carries session frames over an ordered pion data channel.
type WebRTCTransport struct {
	pc      *webrtc.PeerConnection
	signal  func(WebRTCSignal) error
	logger  *zap.Logger
	offerer bool

	mu                sync.Mutex
	dc                *webrtc.DataChannel
	pendingCandidates []webrtc.ICECandidateInit
	remoteSet         bool

	inbound   chan []byte
	ready     chan struct{}
	readyOnce sync.Once

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

var _ Transport = (*WebRTCTransport)(nil)

// NewWebRTCTransport creates the peer connection. The offerer creates the
// data channel and must call Offer; the answerer waits for HandleSignal.
func NewWebRTCTransport(options WebRTCOptions, offerer bool) (*WebRTCTransport, error) {
	if options.Signal == nil {
		return nil, errors.New("signal func is required")
	}
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}

	config := webrtc.Configuration{}
	if len(options.ICEServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: options.ICEServers}}
	}
	pc, err := webrtc.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	t := &WebRTCTransport{
		pc:      pc,
		signal:  options.Signal,
		logger:  options.Logger.Named("webrtc"),
		offerer: offerer,
		inbound: make(chan []byte, 64),
		ready:   make(chan struct{}),
		closed:  make(chan struct{}),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		candidate := c.ToJSON()
		if err := t.signal(WebRTCSignal{Kind: SignalCandidate, Candidate: &candidate}); err != nil {
			t.logger.Warn("send ice candidate", zap.Error(err))
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		t.logger.Debug("peer connection state", zap.String("state", state.String()))
		switch state {
		case webrtc.PeerConnectionStateFailed:
			t.closeWithError(errors.New("peer connection failed"))
		case webrtc.PeerConnectionStateClosed:
			t.closeWithError(nil)
		}
	})

	if offerer {
		ordered := true
		dc, err := pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("create data channel: %w", err)
		}
		t.attach(dc)
	} else {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			if dc.Label() != dataChannelLabel {
				return
			}
			t.attach(dc)
		})
	}

	return t, nil
}

// Offer creates the local offer and signals it. Only the offerer calls it.
func (t *WebRTCTransport) Offer() error {
	if !t.offerer {
		return fmt.Errorf("%w: answerer cannot offer", ErrUnexpectedSignal)
	}
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	return t.signal(WebRTCSignal{Kind: SignalOffer, SDP: offer.SDP})
}

// HandleSignal applies a negotiation message from the remote peer. Candidates
// that arrive before the remote description are buffered.
func (t *WebRTCTransport) HandleSignal(sig WebRTCSignal) error {
	switch sig.Kind {
	case SignalOffer:
		if t.offerer {
			return fmt.Errorf("%w: offer to offerer", ErrUnexpectedSignal)
		}
		if err := t.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sig.SDP}); err != nil {
			return fmt.Errorf("set remote offer: %w", err)
		}
		t.applyPendingCandidates()

		answer, err := t.pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("create answer: %w", err)
		}
		if err := t.pc.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("set local description: %w", err)
		}
		return t.signal(WebRTCSignal{Kind: SignalAnswer, SDP: answer.SDP})
	case SignalAnswer:
		if !t.offerer {
			return fmt.Errorf("%w: answer to answerer", ErrUnexpectedSignal)
		}
		if err := t.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sig.SDP}); err != nil {
			return fmt.Errorf("set remote answer: %w", err)
		}
		t.applyPendingCandidates()
		return nil
	case SignalCandidate:
		if sig.Candidate == nil {
			return nil
		}
		t.mu.Lock()
		if !t.remoteSet {
			t.pendingCandidates = append(t.pendingCandidates, *sig.Candidate)
			t.mu.Unlock()
			return nil
		}
		t.mu.Unlock()
		if err := t.pc.AddICECandidate(*sig.Candidate); err != nil {
			return fmt.Errorf("add ice candidate: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnexpectedSignal, sig.Kind)
	}
}

func (t *WebRTCTransport) applyPendingCandidates() {
	t.mu.Lock()
	t.remoteSet = true
	pending := t.pendingCandidates
	t.pendingCandidates = nil
	t.mu.Unlock()

	for _, c := range pending {
		if err := t.pc.AddICECandidate(c); err != nil {
			t.logger.Warn("apply buffered ice candidate", zap.Error(err))
		}
	}
}

func (t *WebRTCTransport) attach(dc *webrtc.DataChannel) {
	t.mu.Lock()
	t.dc = dc
	t.mu.Unlock()

	dc.OnOpen(func() {
		t.readyOnce.Do(func() { close(t.ready) })
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		// A message can be delivered before OnOpen runs on this side.
		t.readyOnce.Do(func() { close(t.ready) })
		select {
		case t.inbound <- msg.Data:
		case <-t.closed:
		}
	})
	dc.OnClose(func() {
		t.closeWithError(nil)
	})
}

// Send writes one frame on the data channel.
func (t *WebRTCTransport) Send(payload []byte) error {
	select {
	case <-t.closed:
		if err := t.Err(); err != nil {
			return err
		}
		return ErrTransportClosed
	case <-t.ready:
	default:
		return ErrTransportNotReady
	}

	t.mu.Lock()
	dc := t.dc
	t.mu.Unlock()
	if err := dc.Send(payload); err != nil {
		return fmt.Errorf("data channel send: %w", err)
	}
	return nil
}

// Receive waits for the next data channel message.
func (t *WebRTCTransport) Receive(ctx context.Context) ([]byte, error) {
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

// Ready is closed when the data channel opens.
func (t *WebRTCTransport) Ready() <-chan struct{} { return t.ready }

// Done is closed when the peer connection or data channel closes.
func (t *WebRTCTransport) Done() <-chan struct{} { return t.closed }

// Err returns the terminal error, if any.
func (t *WebRTCTransport) Err() error {
	t.errMu.RLock()
	defer t.errMu.RUnlock()
	return t.closeErr
}

// Close tears down the data channel and peer connection.
func (t *WebRTCTransport) Close() error {
	t.closeWithError(nil)
	return nil
}

func (t *WebRTCTransport) closeWithError(err error) {
	t.closeOnce.Do(func() {
		t.errMu.Lock()
		t.closeErr = err
		t.errMu.Unlock()
		close(t.closed)

		// pion fires callbacks from Close; run it off the caller's goroutine.
		go func() {
			if err := t.pc.Close(); err != nil {
				t.logger.Debug("close peer connection", zap.Error(err))
			}
		}()
	})
}
