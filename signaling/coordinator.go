package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"peerlink/crypto"
	"peerlink/metrics"
	"peerlink/network"
)

const (
	defaultConnectTimeout       = 10 * time.Second
	defaultRequestTimeout       = 5 * time.Second
	defaultPresenceTimeout      = 3 * time.Second
	defaultReconnectBaseDelay   = 500 * time.Millisecond
	defaultReconnectMaxDelay    = 30 * time.Second
	defaultMaxReconnectAttempts = 8
	defaultRelayFrameRate       = 40
	defaultRelayFrameBurst      = 80
)

// Status is the state of the relay link.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
)

var allStatuses = []Status{StatusDisconnected, StatusConnecting, StatusConnected, StatusReconnecting}

// TransportMode selects how sessions reach peers.
type TransportMode string

const (
	// TransportWebRTC opens a data channel and falls back to the relay when
	// it fails before the session is ready.
	TransportWebRTC TransportMode = "webrtc"
	// TransportRelay tunnels every session through the relay.
	TransportRelay TransportMode = "relay"
	// TransportDirect has the peer dial a TCP listener announced over the
	// relay, for peers on the same network. It falls back to the relay like
	// TransportWebRTC.
	TransportDirect TransportMode = "direct"
)

const defaultDirectListen = ":0"

// Valid reports whether mode is known.
func (mode TransportMode) Valid() bool {
	switch mode {
	case TransportWebRTC, TransportRelay, TransportDirect:
		return true
	}
	return false
}

// Options configures the coordinator.
type Options struct {
	URL         string
	LocalID     string
	PublicKey   string
	DisplayName string

	Manager *network.Manager
	// Queue and QueueKey back the outbox that holds messages for peers
	// without a ready session.
	Queue    network.OutboundQueue
	QueueKey []byte

	Transport  TransportMode
	ICEServers []string
	// DirectListen is the TCP listen address for direct links.
	// DirectAdvertise overrides the host (or host:port) announced to peers.
	DirectListen    string
	DirectAdvertise string
	DirectFrame     network.FrameOptions
	// PinPeerKeys pins each roster peer's advertised identity key, so its
	// key exchange must be signed by that key.
	PinPeerKeys bool

	ConnectTimeout       time.Duration
	RequestTimeout       time.Duration
	PresenceTimeout      time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int

	// RelayFrameRate and RelayFrameBurst bound relay-frame sends per peer.
	RelayFrameRate  float64
	RelayFrameBurst int

	Dialer  *websocket.Dialer
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

func (o Options) withDefaults() Options {
	out := o
	if out.Transport == "" {
		out.Transport = TransportWebRTC
	}
	if out.DirectListen == "" {
		out.DirectListen = defaultDirectListen
	}
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = defaultConnectTimeout
	}
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = defaultRequestTimeout
	}
	if out.PresenceTimeout <= 0 {
		out.PresenceTimeout = defaultPresenceTimeout
	}
	if out.ReconnectBaseDelay <= 0 {
		out.ReconnectBaseDelay = defaultReconnectBaseDelay
	}
	if out.ReconnectMaxDelay <= 0 {
		out.ReconnectMaxDelay = defaultReconnectMaxDelay
	}
	if out.MaxReconnectAttempts <= 0 {
		out.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if out.RelayFrameRate == 0 {
		out.RelayFrameRate = defaultRelayFrameRate
	}
	if out.RelayFrameBurst == 0 {
		out.RelayFrameBurst = defaultRelayFrameBurst
	}
	if out.Dialer == nil {
		out.Dialer = websocket.DefaultDialer
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return out
}

type linkKind string

const (
	linkWebRTC linkKind = "webrtc"
	linkRelay  linkKind = "relay"
	linkDirect linkKind = "direct"
)

// peerLink is one transport opened through the relay for a peer.
type peerLink struct {
	connID string
	peerID string
	kind   linkKind
	opener bool
	webrtc *network.WebRTCTransport
	relay  *network.RelayTransport
	direct *network.FrameTransport
}

func (l *peerLink) transport() network.Transport {
	switch {
	case l.relay != nil:
		return l.relay
	case l.direct != nil:
		return l.direct
	}
	return l.webrtc
}

// Coordinator keeps the relay link up, tracks room membership and opens one
// session per room peer.
type Coordinator struct {
	options Options
	manager *network.Manager
	outbox  *network.Outbox
	metrics *metrics.Metrics
	logger  *zap.Logger
	limiter *keyLimiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connMu  sync.RWMutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	closing bool

	pendingMu sync.Mutex
	pending   map[string]chan Frame

	statusMu    sync.Mutex
	status      Status
	subscribers map[int]func(Status)
	nextSub     int

	roomMu  sync.Mutex
	room    string
	members map[string]PeerInfo

	linkMu sync.Mutex
	links  map[string]*peerLink
	waits  map[string]*directWait

	directMu sync.Mutex
	listener net.Listener

	reconnectMu     sync.Mutex
	reconnectActive bool

	closeOnce sync.Once
}

// NewCoordinator validates options and creates a disconnected coordinator.
func NewCoordinator(options Options) (*Coordinator, error) {
	cfg := options.withDefaults()
	if cfg.URL == "" {
		return nil, errors.New("relay url is required")
	}
	if cfg.LocalID == "" {
		return nil, errors.New("local id is required")
	}
	if cfg.Manager == nil {
		return nil, errors.New("session manager is required")
	}
	if cfg.LocalID != cfg.Manager.LocalID() {
		return nil, fmt.Errorf("local id %q does not match session manager id %q", cfg.LocalID, cfg.Manager.LocalID())
	}
	if !cfg.Transport.Valid() {
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
	if cfg.Transport == TransportDirect {
		if _, _, err := net.SplitHostPort(cfg.DirectListen); err != nil {
			return nil, fmt.Errorf("direct listen address %q: %w", cfg.DirectListen, err)
		}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(nil)
	}

	var outbox *network.Outbox
	if cfg.Queue != nil {
		var err error
		outbox, err = network.NewOutbox(network.OutboxOptions{
			Manager:  cfg.Manager,
			Queue:    cfg.Queue,
			QueueKey: cfg.QueueKey,
			Metrics:  options.Metrics,
			Logger:   cfg.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("create outbox: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		options:     cfg,
		manager:     cfg.Manager,
		outbox:      outbox,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger.Named("coordinator"),
		limiter:     newKeyLimiter(cfg.RelayFrameRate, cfg.RelayFrameBurst),
		ctx:         ctx,
		cancel:      cancel,
		pending:     make(map[string]chan Frame),
		status:      StatusDisconnected,
		subscribers: make(map[int]func(Status)),
		members:     make(map[string]PeerInfo),
		links:       make(map[string]*peerLink),
		waits:       make(map[string]*directWait),
	}
	c.publishStatusMetric(StatusDisconnected)
	if outbox != nil {
		outbox.Start()
	}
	return c, nil
}

// Status returns the current link state.
func (c *Coordinator) Status() Status {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	return c.status
}

// Subscribe registers fn for status changes and returns a function that
// detaches it.
func (c *Coordinator) Subscribe(fn func(Status)) func() {
	c.statusMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subscribers[id] = fn
	c.statusMu.Unlock()

	return func() {
		c.statusMu.Lock()
		delete(c.subscribers, id)
		c.statusMu.Unlock()
	}
}

// Outbox returns the pending outbound queue driver, nil when no queue was configured.
func (c *Coordinator) Outbox() *network.Outbox { return c.outbox }

// Connect dials the relay and registers the local identity.
func (c *Coordinator) Connect(ctx context.Context) error {
	if c.ctx.Err() != nil {
		return ErrNotConnected
	}
	c.setStatus(StatusConnecting)
	if err := c.connectOnce(ctx); err != nil {
		c.setStatus(StatusDisconnected)
		return err
	}
	c.setStatus(StatusConnected)
	return nil
}

func (c *Coordinator) connectOnce(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.options.ConnectTimeout)
	defer cancel()

	conn, _, err := c.options.Dialer.DialContext(dialCtx, c.options.URL, nil)
	if err != nil {
		if dialCtx.Err() != nil && ctx.Err() == nil {
			return fmt.Errorf("%w: dial %s", ErrTimeout, c.options.URL)
		}
		return fmt.Errorf("dial relay: %w", err)
	}

	c.connMu.Lock()
	if c.closing {
		c.connMu.Unlock()
		_ = conn.Close()
		return ErrNotConnected
	}
	previous := c.conn
	c.conn = conn
	c.connMu.Unlock()
	if previous != nil {
		_ = previous.Close()
	}

	c.wg.Add(1)
	go c.readLoop(conn)

	resp, err := c.requestWithin(ctx, Frame{
		Type:        TypeRegister,
		ID:          c.options.LocalID,
		PublicKey:   c.options.PublicKey,
		DisplayName: c.options.DisplayName,
	}, c.options.ConnectTimeout)
	if err != nil {
		c.dropConn(conn)
		return fmt.Errorf("register: %w", err)
	}
	if !resp.OK {
		c.dropConn(conn)
		return fmt.Errorf("%w: register: %s", ErrRejected, resp.Error)
	}

	c.logger.Info("registered with relay", zap.String("url", c.options.URL))
	return nil
}

// dropConn closes conn without triggering reconnection.
func (c *Coordinator) dropConn(conn *websocket.Conn) {
	c.connMu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.connMu.Unlock()
	_ = conn.Close()
}

// JoinRoom joins roomID and opens sessions to the roster peers this side
// is responsible for opening.
func (c *Coordinator) JoinRoom(ctx context.Context, roomID string) ([]PeerInfo, error) {
	if roomID == "" {
		return nil, errors.New("room id is required")
	}
	resp, err := c.request(ctx, Frame{Type: TypeJoinRoom, RoomID: roomID})
	if err != nil {
		return nil, fmt.Errorf("join room %s: %w", roomID, err)
	}
	if !resp.OK {
		return nil, fmt.Errorf("%w: join room %s: %s", ErrRejected, roomID, resp.Error)
	}

	c.roomMu.Lock()
	c.room = roomID
	c.members = make(map[string]PeerInfo, len(resp.Peers))
	for _, peer := range resp.Peers {
		c.members[peer.ID] = peer
	}
	c.roomMu.Unlock()

	c.logger.Info("joined room", zap.String("room_id", roomID), zap.Int("peers", len(resp.Peers)))
	for _, peer := range resp.Peers {
		c.pin(peer)
		c.maybeOpen(peer.ID)
	}
	return resp.Peers, nil
}

// LeaveRoom leaves the current room and closes sessions with its members.
func (c *Coordinator) LeaveRoom(ctx context.Context) error {
	c.roomMu.Lock()
	roomID := c.room
	members := c.members
	c.room = ""
	c.members = make(map[string]PeerInfo)
	c.roomMu.Unlock()

	if roomID == "" {
		return nil
	}
	for peerID := range members {
		c.closePeer(peerID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.write(Frame{Type: TypeLeaveRoom, RoomID: roomID}); err != nil {
		return fmt.Errorf("leave room %s: %w", roomID, err)
	}
	return nil
}

// Room returns the current room id and a roster snapshot.
func (c *Coordinator) Room() (string, []PeerInfo) {
	c.roomMu.Lock()
	defer c.roomMu.Unlock()
	peers := make([]PeerInfo, 0, len(c.members))
	for _, peer := range c.members {
		peers = append(peers, peer)
	}
	return c.room, peers
}

// CheckPeerOnline asks the relay whether peerID is registered. It returns
// false on timeout or any error.
func (c *Coordinator) CheckPeerOnline(ctx context.Context, peerID string) bool {
	resp, err := c.requestWithin(ctx, Frame{Type: TypePresence, PeerID: peerID}, c.options.PresenceTimeout)
	if err != nil {
		c.logger.Debug("presence check failed", zap.String("peer_id", peerID), zap.Error(err))
		return false
	}
	return resp.OK && resp.Online
}

// SendViaRelay forwards an already sealed session frame to peerID over its
// relay link.
func (c *Coordinator) SendViaRelay(ctx context.Context, peerID string, envelope []byte) error {
	link := c.relayLinkFor(peerID)
	if link == nil {
		return fmt.Errorf("%w: %s", ErrNoRelayLink, peerID)
	}
	return c.sendRelayFrame(ctx, peerID, link.connID, envelope)
}

// SendMessage sends text now when the peer's session is ready and queues it
// otherwise.
func (c *Coordinator) SendMessage(ctx context.Context, peerID, text string, ttlMs int64) (string, error) {
	if c.outbox == nil {
		return c.manager.Send(peerID, []byte(text), ttlMs)
	}
	return c.outbox.SendMessage(ctx, peerID, text, ttlMs)
}

// Close leaves the relay, closes every link and stops background work.
func (c *Coordinator) Close() error {
	c.closeOnce.Do(func() {
		c.connMu.Lock()
		c.closing = true
		conn := c.conn
		c.conn = nil
		c.connMu.Unlock()

		if c.outbox != nil {
			c.outbox.Stop()
		}
		c.cancel()
		if conn != nil {
			c.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			c.writeMu.Unlock()
			_ = conn.Close()
		}

		c.linkMu.Lock()
		links := make([]*peerLink, 0, len(c.links))
		for _, link := range c.links {
			links = append(links, link)
		}
		c.links = make(map[string]*peerLink)
		waits := c.waits
		c.waits = make(map[string]*directWait)
		c.linkMu.Unlock()
		for _, link := range links {
			_ = link.transport().Close()
		}
		for _, wait := range waits {
			wait.cancel(false)
		}
		c.closeDirectListener()

		c.failPending()
		c.wg.Wait()
		c.setStatus(StatusDisconnected)
	})
	return nil
}

func (c *Coordinator) request(ctx context.Context, frame Frame) (Frame, error) {
	return c.requestWithin(ctx, frame, c.options.RequestTimeout)
}

func (c *Coordinator) requestWithin(ctx context.Context, frame Frame, timeout time.Duration) (Frame, error) {
	frame.ReqID = uuid.NewString()
	ch := make(chan Frame, 1)

	c.pendingMu.Lock()
	c.pending[frame.ReqID] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, frame.ReqID)
		c.pendingMu.Unlock()
	}()

	if err := c.write(frame); err != nil {
		return Frame{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp, ok := <-ch:
		if !ok {
			return Frame{}, ErrNotConnected
		}
		return resp, nil
	case <-timer.C:
		return Frame{}, fmt.Errorf("%w: %s", ErrTimeout, frame.Type)
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-c.ctx.Done():
		return Frame{}, ErrNotConnected
	}
}

func (c *Coordinator) write(frame Frame) error {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.options.RequestTimeout))
	if err := conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("write %s: %w", frame.Type, err)
	}
	return nil
}

// failPending wakes every waiting request with ErrNotConnected.
func (c *Coordinator) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *Coordinator) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				c.logger.Debug("dropping malformed relay frame", zap.Error(err))
				continue
			}
			c.handleLinkLoss(conn, err)
			return
		}
		c.dispatch(frame)
	}
}

func (c *Coordinator) dispatch(frame Frame) {
	switch frame.Type {
	case TypeAck:
		c.pendingMu.Lock()
		ch := c.pending[frame.ReqID]
		delete(c.pending, frame.ReqID)
		c.pendingMu.Unlock()
		if ch != nil {
			ch <- frame
		}
	case TypePeerJoined:
		c.handlePeerJoined(frame)
	case TypePeerLeft:
		c.handlePeerLeft(frame)
	case TypeSignal:
		c.handleSignal(frame)
	default:
		c.logger.Debug("dropping unknown relay frame", zap.String("type", frame.Type))
	}
}

func (c *Coordinator) handlePeerJoined(frame Frame) {
	if frame.PeerID == "" || frame.PeerID == c.options.LocalID {
		return
	}
	c.roomMu.Lock()
	if c.room == "" || (frame.RoomID != "" && frame.RoomID != c.room) {
		c.roomMu.Unlock()
		return
	}
	peer := PeerInfo{ID: frame.PeerID, PublicKey: frame.PublicKey, DisplayName: frame.DisplayName}
	c.members[frame.PeerID] = peer
	c.roomMu.Unlock()

	c.logger.Debug("peer joined", zap.String("peer_id", frame.PeerID))
	c.pin(peer)
	c.maybeOpen(frame.PeerID)
}

func (c *Coordinator) handlePeerLeft(frame Frame) {
	c.roomMu.Lock()
	if frame.RoomID != "" && frame.RoomID != c.room {
		c.roomMu.Unlock()
		return
	}
	delete(c.members, frame.PeerID)
	c.roomMu.Unlock()

	c.logger.Debug("peer left", zap.String("peer_id", frame.PeerID))
	c.closePeer(frame.PeerID)
}

func (c *Coordinator) pin(peer PeerInfo) {
	if !c.options.PinPeerKeys || peer.PublicKey == "" {
		return
	}
	key, err := crypto.DecodePublicKey(peer.PublicKey)
	if err != nil {
		c.logger.Warn("ignoring malformed peer key", zap.String("peer_id", peer.ID), zap.Error(err))
		return
	}
	c.manager.PinIdentity(peer.ID, key)
}

// maybeOpen opens a session to peerID when the local side is the initiator,
// so exactly one side of every pair opens a transport.
func (c *Coordinator) maybeOpen(peerID string) {
	if crypto.SelectRole(c.options.LocalID, peerID) != crypto.RoleInitiator {
		return
	}
	if _, ok := c.manager.Session(peerID); ok {
		return
	}
	if c.hasLink(peerID) {
		return
	}

	var err error
	switch c.options.Transport {
	case TransportRelay:
		err = c.openRelay(peerID)
	case TransportDirect:
		err = c.openDirect(peerID)
	default:
		err = c.openWebRTC(peerID)
	}
	if err != nil {
		c.logger.Warn("open session", zap.String("peer_id", peerID), zap.Error(err))
	}
}

func (c *Coordinator) openWebRTC(peerID string) error {
	connID := uuid.NewString()
	t, err := network.NewWebRTCTransport(network.WebRTCOptions{
		ICEServers: c.options.ICEServers,
		Signal:     c.webrtcSignaler(peerID, connID),
		Logger:     c.logger,
	}, true)
	if err != nil {
		return err
	}
	link := &peerLink{connID: connID, peerID: peerID, kind: linkWebRTC, opener: true, webrtc: t}
	if err := c.startSession(link, true); err != nil {
		return err
	}
	if err := t.Offer(); err != nil {
		_ = t.Close()
		return fmt.Errorf("send offer: %w", err)
	}
	return nil
}

func (c *Coordinator) openRelay(peerID string) error {
	connID := uuid.NewString()
	data, err := encodeSignal(SignalData{Kind: KindRelayOpen, ConnID: connID})
	if err != nil {
		return err
	}
	if err := c.write(Frame{Type: TypeSignal, RoomID: c.currentRoom(), TargetID: peerID, Data: data}); err != nil {
		return fmt.Errorf("send relay-open: %w", err)
	}
	link := &peerLink{connID: connID, peerID: peerID, kind: linkRelay, opener: true}
	link.relay = c.newRelayTransport(link)
	return c.startSession(link, true)
}

func (c *Coordinator) newRelayTransport(link *peerLink) *network.RelayTransport {
	return network.NewRelayTransport(func(payload []byte) error {
		ctx, cancel := context.WithTimeout(c.ctx, c.options.RequestTimeout)
		defer cancel()
		return c.sendRelayFrame(ctx, link.peerID, link.connID, payload)
	}, func() {
		c.removeLink(link)
	})
}

// startSession registers link and hands its transport to the session manager.
func (c *Coordinator) startSession(link *peerLink, initiator bool) error {
	c.linkMu.Lock()
	c.links[link.connID] = link
	c.linkMu.Unlock()

	session, err := c.manager.CreateSession(link.peerID, link.transport(), initiator)
	if err != nil {
		c.removeLink(link)
		return fmt.Errorf("create session: %w", err)
	}
	c.logger.Debug("session opened", zap.String("peer_id", link.peerID), zap.String("conn_id", link.connID), zap.String("kind", string(link.kind)))

	c.wg.Add(1)
	go c.watch(link, session)
	return nil
}

// watch cleans up after a session and falls back to the relay when a WebRTC
// or direct session this side opened never became ready.
func (c *Coordinator) watch(link *peerLink, session *network.Session) {
	defer c.wg.Done()
	select {
	case <-session.Done():
	case <-c.ctx.Done():
		return
	}

	c.removeLink(link)
	switch {
	case link.relay != nil:
		c.sendClose(link.peerID, link.connID)
	case link.direct != nil:
		_ = link.direct.Disconnect()
	default:
		_ = link.transport().Close()
	}

	if link.kind == linkRelay || !link.opener || session.Established() {
		return
	}
	if current, ok := c.manager.Session(link.peerID); ok && current != session {
		return
	}
	c.fallbackToRelay(link.kind, link.peerID, session.Err())
}

func (c *Coordinator) fallbackToRelay(kind linkKind, peerID string, cause error) {
	if c.Status() != StatusConnected || !c.isMember(peerID) {
		return
	}
	c.logger.Info("session failed, falling back to relay", zap.String("peer_id", peerID), zap.String("kind", string(kind)), zap.Error(cause))
	if err := c.openRelay(peerID); err != nil {
		c.logger.Warn("relay fallback", zap.String("peer_id", peerID), zap.Error(err))
	}
}

func (c *Coordinator) handleSignal(frame Frame) {
	from := frame.From
	if from == "" || from == c.options.LocalID {
		return
	}
	data, err := decodeSignal(frame.Data)
	if err != nil {
		c.logger.Debug("dropping signal", zap.String("peer_id", from), zap.Error(err))
		return
	}

	switch data.Kind {
	case KindOffer:
		c.acceptWebRTC(from, data)
	case KindAnswer, KindCandidate:
		link := c.linkByConn(data.ConnID, from)
		if link == nil || link.webrtc == nil {
			c.logger.Debug("signal for unknown connection", zap.String("peer_id", from), zap.String("kind", data.Kind))
			return
		}
		if err := link.webrtc.HandleSignal(network.WebRTCSignal{Kind: data.Kind, SDP: data.SDP, Candidate: data.Candidate}); err != nil {
			c.logger.Warn("apply webrtc signal", zap.String("peer_id", from), zap.String("kind", data.Kind), zap.Error(err))
		}
	case KindRelayOpen:
		c.acceptRelay(from, data.ConnID)
	case KindDirectOpen:
		c.acceptDirect(from, data)
	case KindRelayFrame:
		link := c.linkByConn(data.ConnID, from)
		if link == nil || link.relay == nil {
			c.logger.Debug("relay frame for unknown connection", zap.String("peer_id", from))
			return
		}
		c.metrics.RelayFrames.WithLabelValues("in").Inc()
		if !link.relay.Deliver(data.Payload) {
			c.logger.Warn("relay frame dropped", zap.String("peer_id", from))
		}
	case KindClose:
		if c.cancelWait(data.ConnID, from, true) {
			return
		}
		if link := c.linkByConn(data.ConnID, from); link != nil {
			c.removeLink(link)
			_ = link.transport().Close()
		}
	default:
		c.logger.Debug("dropping unknown signal kind", zap.String("kind", data.Kind))
	}
}

func (c *Coordinator) acceptWebRTC(from string, data SignalData) {
	if data.ConnID == "" {
		return
	}
	t, err := network.NewWebRTCTransport(network.WebRTCOptions{
		ICEServers: c.options.ICEServers,
		Signal:     c.webrtcSignaler(from, data.ConnID),
		Logger:     c.logger,
	}, false)
	if err != nil {
		c.logger.Warn("create answering transport", zap.String("peer_id", from), zap.Error(err))
		return
	}
	link := &peerLink{connID: data.ConnID, peerID: from, kind: linkWebRTC, webrtc: t}
	if err := c.startSession(link, false); err != nil {
		c.logger.Info("rejecting offer", zap.String("peer_id", from), zap.Error(err))
		return
	}
	if err := t.HandleSignal(network.WebRTCSignal{Kind: network.SignalOffer, SDP: data.SDP}); err != nil {
		c.logger.Warn("answer offer", zap.String("peer_id", from), zap.Error(err))
		_ = t.Close()
	}
}

func (c *Coordinator) acceptRelay(from, connID string) {
	if connID == "" {
		return
	}
	link := &peerLink{connID: connID, peerID: from, kind: linkRelay}
	link.relay = c.newRelayTransport(link)
	if err := c.startSession(link, false); err != nil {
		c.logger.Info("rejecting relay link", zap.String("peer_id", from), zap.Error(err))
	}
}

func (c *Coordinator) webrtcSignaler(peerID, connID string) func(network.WebRTCSignal) error {
	return func(sig network.WebRTCSignal) error {
		data, err := encodeSignal(SignalData{Kind: sig.Kind, ConnID: connID, SDP: sig.SDP, Candidate: sig.Candidate})
		if err != nil {
			return err
		}
		return c.write(Frame{Type: TypeSignal, RoomID: c.currentRoom(), TargetID: peerID, Data: data})
	}
}

func (c *Coordinator) sendRelayFrame(ctx context.Context, peerID, connID string, payload []byte) error {
	if limiter := c.limiter.Limiter(peerID); limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return fmt.Errorf("relay rate limit: %w", err)
		}
	}
	data, err := encodeSignal(SignalData{Kind: KindRelayFrame, ConnID: connID, Payload: payload})
	if err != nil {
		return err
	}
	resp, err := c.request(ctx, Frame{Type: TypeSignal, RoomID: c.currentRoom(), TargetID: peerID, Data: data})
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("%w: %s: %s", ErrPeerOffline, peerID, resp.Error)
	}
	c.metrics.RelayFrames.WithLabelValues("out").Inc()
	return nil
}

func (c *Coordinator) sendClose(peerID, connID string) {
	data, err := encodeSignal(SignalData{Kind: KindClose, ConnID: connID})
	if err != nil {
		return
	}
	_ = c.write(Frame{Type: TypeSignal, RoomID: c.currentRoom(), TargetID: peerID, Data: data})
}

func (c *Coordinator) closePeer(peerID string) {
	c.linkMu.Lock()
	var links []*peerLink
	for id, link := range c.links {
		if link.peerID == peerID {
			links = append(links, link)
			delete(c.links, id)
		}
	}
	var waits []*directWait
	for id, wait := range c.waits {
		if wait.peerID == peerID {
			waits = append(waits, wait)
			delete(c.waits, id)
		}
	}
	c.linkMu.Unlock()

	for _, wait := range waits {
		wait.cancel(false)
	}
	c.manager.CloseSession(peerID)
	for _, link := range links {
		_ = link.transport().Close()
	}
}

func (c *Coordinator) handleLinkLoss(conn *websocket.Conn, cause error) {
	c.connMu.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
	}
	closing := c.closing
	c.connMu.Unlock()
	if !current {
		return
	}

	c.failPending()
	c.failRelayLinks(cause)
	if closing || c.ctx.Err() != nil {
		return
	}

	c.logger.Warn("relay link lost", zap.Error(cause))
	c.startReconnect()
}

// failRelayLinks closes relay-tunnelled transports; their frames cannot flow
// until the link is back.
func (c *Coordinator) failRelayLinks(cause error) {
	c.linkMu.Lock()
	var relays []*network.RelayTransport
	for id, link := range c.links {
		if link.relay != nil {
			relays = append(relays, link.relay)
			delete(c.links, id)
		}
	}
	c.linkMu.Unlock()

	for _, t := range relays {
		t.Fail(fmt.Errorf("%w: %v", ErrNotConnected, cause))
	}
}

func (c *Coordinator) startReconnect() {
	c.reconnectMu.Lock()
	if c.reconnectActive {
		c.reconnectMu.Unlock()
		return
	}
	c.reconnectActive = true
	c.reconnectMu.Unlock()

	c.setStatus(StatusReconnecting)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.reconnectMu.Lock()
			c.reconnectActive = false
			c.reconnectMu.Unlock()
		}()

		for attempt := 0; attempt < c.options.MaxReconnectAttempts; attempt++ {
			timer := time.NewTimer(c.backoffForAttempt(attempt))
			select {
			case <-timer.C:
			case <-c.ctx.Done():
				timer.Stop()
				return
			}

			c.metrics.Reconnects.Inc()
			if err := c.connectOnce(c.ctx); err != nil {
				c.logger.Debug("reconnect attempt failed", zap.Int("attempt", attempt+1), zap.Error(err))
				continue
			}

			c.setStatus(StatusConnected)
			if room := c.currentRoom(); room != "" {
				ctx, cancel := context.WithTimeout(c.ctx, c.options.RequestTimeout)
				if _, err := c.JoinRoom(ctx, room); err != nil {
					c.logger.Warn("rejoin room", zap.String("room_id", room), zap.Error(err))
				}
				cancel()
			}
			return
		}

		c.logger.Warn("giving up on relay", zap.Int("attempts", c.options.MaxReconnectAttempts))
		c.setStatus(StatusDisconnected)
	}()
}

func (c *Coordinator) backoffForAttempt(attempt int) time.Duration {
	delay := c.options.ReconnectBaseDelay
	for i := 0; i < attempt && delay < c.options.ReconnectMaxDelay; i++ {
		delay *= 2
	}
	if delay > c.options.ReconnectMaxDelay {
		delay = c.options.ReconnectMaxDelay
	}
	return delay
}

func (c *Coordinator) setStatus(status Status) {
	c.statusMu.Lock()
	if c.status == status {
		c.statusMu.Unlock()
		return
	}
	c.status = status
	subscribers := make([]func(Status), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		subscribers = append(subscribers, fn)
	}
	c.statusMu.Unlock()

	c.publishStatusMetric(status)
	c.logger.Debug("status changed", zap.String("status", string(status)))
	for _, fn := range subscribers {
		fn(status)
	}
}

func (c *Coordinator) publishStatusMetric(status Status) {
	for _, s := range allStatuses {
		value := 0.0
		if s == status {
			value = 1
		}
		c.metrics.SignalingState.WithLabelValues(string(s)).Set(value)
	}
}

func (c *Coordinator) currentRoom() string {
	c.roomMu.Lock()
	defer c.roomMu.Unlock()
	return c.room
}

func (c *Coordinator) isMember(peerID string) bool {
	c.roomMu.Lock()
	defer c.roomMu.Unlock()
	_, ok := c.members[peerID]
	return ok
}

func (c *Coordinator) hasLink(peerID string) bool {
	c.linkMu.Lock()
	defer c.linkMu.Unlock()
	for _, link := range c.links {
		if link.peerID == peerID {
			return true
		}
	}
	for _, wait := range c.waits {
		if wait.peerID == peerID {
			return true
		}
	}
	return false
}

func (c *Coordinator) linkByConn(connID, peerID string) *peerLink {
	c.linkMu.Lock()
	defer c.linkMu.Unlock()
	link := c.links[connID]
	if link == nil || link.peerID != peerID {
		return nil
	}
	return link
}

func (c *Coordinator) relayLinkFor(peerID string) *peerLink {
	c.linkMu.Lock()
	defer c.linkMu.Unlock()
	for _, link := range c.links {
		if link.peerID == peerID && link.relay != nil {
			return link
		}
	}
	return nil
}

func (c *Coordinator) removeLink(link *peerLink) {
	c.linkMu.Lock()
	defer c.linkMu.Unlock()
	if c.links[link.connID] == link {
		delete(c.links, link.connID)
	}
}
