package signaling

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"peerlink/metrics"
)

const (
	relayWriteWait      = 10 * time.Second
	relayPongWait       = 60 * time.Second
	relayPingPeriod     = (relayPongWait * 9) / 10
	relayMaxMessageSize = 1 << 20
	relaySendBuffer     = 256

	defaultRelayRate  = 50
	defaultRelayBurst = 100
)

// RelayOptions configures the relay server.
type RelayOptions struct {
	// Rate and Burst bound signal frames per registered client.
	Rate  float64
	Burst int
	// CheckOrigin is passed to the WebSocket upgrader. Nil allows every origin.
	CheckOrigin func(r *http.Request) bool

	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Relay is a blind signaling relay. It tracks registrations and rooms and
// forwards signal data between clients without decoding it.
type Relay struct {
	upgrader websocket.Upgrader
	limiter  *keyLimiter
	metrics  *metrics.Metrics
	logger   *zap.Logger

	mu      sync.Mutex
	clients map[string]*relayClient
	rooms   map[string]map[string]*relayClient
}

type relayClient struct {
	relay *Relay
	conn  *websocket.Conn
	send  chan []byte

	closeOnce sync.Once
	done      chan struct{}

	// Guarded by relay.mu.
	info  PeerInfo
	rooms map[string]bool
}

// NewRelay creates a relay. Mount it as an http.Handler.
func NewRelay(options RelayOptions) *Relay {
	if options.Rate == 0 {
		options.Rate = defaultRelayRate
	}
	if options.Burst == 0 {
		options.Burst = defaultRelayBurst
	}
	if options.Metrics == nil {
		options.Metrics = metrics.New(nil)
	}
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}
	checkOrigin := options.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}

	return &Relay{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		limiter: newKeyLimiter(options.Rate, options.Burst),
		metrics: options.Metrics,
		logger:  options.Logger.Named("relay"),
		clients: make(map[string]*relayClient),
		rooms:   make(map[string]map[string]*relayClient),
	}
}

// ServeHTTP upgrades the request and serves one client until it disconnects.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Debug("websocket upgrade failed", zap.String("remote", req.RemoteAddr), zap.Error(err))
		return
	}

	client := &relayClient{
		relay: r,
		conn:  conn,
		send:  make(chan []byte, relaySendBuffer),
		done:  make(chan struct{}),
		rooms: make(map[string]bool),
	}
	go client.writeLoop()
	client.readLoop()
}

// Clients returns the number of registered clients.
func (r *Relay) Clients() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

func (c *relayClient) readLoop() {
	defer c.relay.unregister(c)

	c.conn.SetReadLimit(relayMaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(relayPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(relayPongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.relay.logger.Debug("client read failed", zap.String("peer_id", c.id()), zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(relayPongWait))

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.relay.logger.Debug("dropping malformed frame", zap.String("peer_id", c.id()), zap.Error(err))
			continue
		}
		c.relay.handle(c, frame)
	}
}

func (c *relayClient) writeLoop() {
	ticker := time.NewTicker(relayPingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(relayWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(relayWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(relayWriteWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// enqueue hands a frame to the writer. A client that cannot keep up is dropped.
func (c *relayClient) enqueue(frame Frame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		c.relay.logger.Error("marshal relay frame", zap.String("type", frame.Type), zap.Error(err))
		return
	}
	select {
	case <-c.done:
	case c.send <- payload:
	default:
		c.relay.logger.Warn("client send buffer full, dropping client", zap.String("peer_id", c.id()))
		c.close()
	}
}

func (c *relayClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *relayClient) id() string {
	c.relay.mu.Lock()
	defer c.relay.mu.Unlock()
	return c.info.ID
}

func (r *Relay) handle(c *relayClient, frame Frame) {
	switch frame.Type {
	case TypeRegister:
		r.handleRegister(c, frame)
	case TypeJoinRoom:
		r.handleJoinRoom(c, frame)
	case TypeLeaveRoom:
		r.handleLeaveRoom(c, frame)
	case TypeSignal:
		r.handleSignal(c, frame)
	case TypePresence:
		r.handlePresence(c, frame)
	default:
		r.logger.Debug("dropping unknown frame type", zap.String("type", frame.Type))
	}
}

func (r *Relay) handleRegister(c *relayClient, frame Frame) {
	if frame.ID == "" {
		c.enqueue(Frame{Type: TypeAck, ReqID: frame.ReqID, Error: "id is required"})
		return
	}

	r.mu.Lock()
	if c.info.ID != "" && c.info.ID != frame.ID {
		r.mu.Unlock()
		c.enqueue(Frame{Type: TypeAck, ReqID: frame.ReqID, Error: "already registered"})
		return
	}
	previous := r.clients[frame.ID]
	c.info = PeerInfo{ID: frame.ID, PublicKey: frame.PublicKey, DisplayName: frame.DisplayName}
	r.clients[frame.ID] = c
	clients := len(r.clients)
	r.mu.Unlock()

	if previous != nil && previous != c {
		r.logger.Info("replacing stale registration", zap.String("peer_id", frame.ID))
		r.detach(previous)
		previous.close()
	}

	r.metrics.RelayClients.Set(float64(clients))
	r.logger.Debug("client registered", zap.String("peer_id", frame.ID))
	c.enqueue(Frame{Type: TypeAck, ReqID: frame.ReqID, OK: true})
}

func (r *Relay) handleJoinRoom(c *relayClient, frame Frame) {
	if frame.RoomID == "" {
		c.enqueue(Frame{Type: TypeAck, ReqID: frame.ReqID, Error: "roomId is required"})
		return
	}

	r.mu.Lock()
	if c.info.ID == "" || r.clients[c.info.ID] != c {
		r.mu.Unlock()
		c.enqueue(Frame{Type: TypeAck, ReqID: frame.ReqID, Error: "not registered"})
		return
	}
	members := r.rooms[frame.RoomID]
	if members == nil {
		members = make(map[string]*relayClient)
		r.rooms[frame.RoomID] = members
	}
	peers := make([]PeerInfo, 0, len(members))
	others := make([]*relayClient, 0, len(members))
	for id, member := range members {
		if id == c.info.ID {
			continue
		}
		peers = append(peers, member.info)
		others = append(others, member)
	}
	_, already := members[c.info.ID]
	members[c.info.ID] = c
	c.rooms[frame.RoomID] = true
	info := c.info
	rooms := len(r.rooms)
	r.mu.Unlock()

	r.metrics.RelayRooms.Set(float64(rooms))
	c.enqueue(Frame{Type: TypeAck, ReqID: frame.ReqID, OK: true, Peers: peers})
	if already {
		return
	}
	for _, other := range others {
		other.enqueue(Frame{Type: TypePeerJoined, RoomID: frame.RoomID, PeerID: info.ID, PublicKey: info.PublicKey, DisplayName: info.DisplayName})
	}
}

func (r *Relay) handleLeaveRoom(c *relayClient, frame Frame) {
	r.mu.Lock()
	others, id := r.leaveLocked(c, frame.RoomID)
	rooms := len(r.rooms)
	r.mu.Unlock()

	r.metrics.RelayRooms.Set(float64(rooms))
	for _, other := range others {
		other.enqueue(Frame{Type: TypePeerLeft, RoomID: frame.RoomID, PeerID: id})
	}
	if frame.ReqID != "" {
		c.enqueue(Frame{Type: TypeAck, ReqID: frame.ReqID, OK: true})
	}
}

// leaveLocked removes c from roomID and returns the members left behind.
func (r *Relay) leaveLocked(c *relayClient, roomID string) ([]*relayClient, string) {
	members := r.rooms[roomID]
	if members == nil || members[c.info.ID] != c {
		return nil, c.info.ID
	}
	delete(members, c.info.ID)
	delete(c.rooms, roomID)
	others := make([]*relayClient, 0, len(members))
	for _, member := range members {
		others = append(others, member)
	}
	if len(members) == 0 {
		delete(r.rooms, roomID)
	}
	return others, c.info.ID
}

func (r *Relay) handleSignal(c *relayClient, frame Frame) {
	r.mu.Lock()
	from := c.info.ID
	registered := from != "" && r.clients[from] == c
	target := r.clients[frame.TargetID]
	if target != nil && frame.RoomID != "" {
		if members := r.rooms[frame.RoomID]; members == nil || members[from] != c || members[frame.TargetID] != target {
			target = nil
		}
	}
	r.mu.Unlock()

	reply := func(ok bool, reason string) {
		if frame.ReqID != "" {
			c.enqueue(Frame{Type: TypeAck, ReqID: frame.ReqID, OK: ok, Error: reason})
		}
	}

	switch {
	case !registered:
		reply(false, "not registered")
	case !r.limiter.Allow(from, time.Now()):
		reply(false, "rate limited")
	case target == nil:
		reply(false, "peer not online")
	default:
		target.enqueue(Frame{Type: TypeSignal, RoomID: frame.RoomID, From: from, Data: frame.Data})
		r.metrics.RelayFrames.WithLabelValues("forwarded").Inc()
		reply(true, "")
	}
}

func (r *Relay) handlePresence(c *relayClient, frame Frame) {
	r.mu.Lock()
	_, online := r.clients[frame.PeerID]
	r.mu.Unlock()
	c.enqueue(Frame{Type: TypeAck, ReqID: frame.ReqID, OK: true, Online: online})
}

// unregister runs when the client's read loop ends.
func (r *Relay) unregister(c *relayClient) {
	c.close()
	r.detach(c)
}

func (r *Relay) detach(c *relayClient) {
	type departure struct {
		room   string
		others []*relayClient
	}

	r.mu.Lock()
	var departures []departure
	for room := range c.rooms {
		others, _ := r.leaveLocked(c, room)
		departures = append(departures, departure{room: room, others: others})
	}
	id := c.info.ID
	if id != "" && r.clients[id] == c {
		delete(r.clients, id)
	}
	clients, rooms := len(r.clients), len(r.rooms)
	r.mu.Unlock()

	r.metrics.RelayClients.Set(float64(clients))
	r.metrics.RelayRooms.Set(float64(rooms))
	for _, d := range departures {
		for _, other := range d.others {
			other.enqueue(Frame{Type: TypePeerLeft, RoomID: d.room, PeerID: id})
		}
	}
	if id != "" {
		r.logger.Debug("client disconnected", zap.String("peer_id", id))
	}
}
