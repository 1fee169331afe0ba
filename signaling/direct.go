package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"peerlink/network"
)

// directHelloType is the first frame a peer writes after dialing a direct
// link. It names the connection the opener announced over the relay.
const directHelloType = "direct_hello"

type directHello struct {
	Type   string `json:"type"`
	ConnID string `json:"connId"`
	From   string `json:"from"`
}

// directWait is a direct link this side announced and is waiting for the
// peer to dial. Exactly one party claims it from Coordinator.waits: the
// accept loop hands over the conn, anyone else closes stop.
type directWait struct {
	connID   string
	peerID   string
	accepted chan net.Conn
	stop     chan struct{}
	stopOnce sync.Once
	fallback bool
}

func newDirectWait(peerID string) *directWait {
	return &directWait{
		connID:   uuid.NewString(),
		peerID:   peerID,
		accepted: make(chan net.Conn, 1),
		stop:     make(chan struct{}),
	}
}

// cancel stops the wait. fallback asks the waiter to open a relay link.
func (w *directWait) cancel(fallback bool) {
	w.stopOnce.Do(func() {
		w.fallback = fallback
		close(w.stop)
	})
}

// directListener starts the TCP listener on first use.
func (c *Coordinator) directListener() (net.Listener, error) {
	c.directMu.Lock()
	defer c.directMu.Unlock()
	if c.listener != nil {
		return c.listener, nil
	}
	if c.ctx.Err() != nil {
		return nil, ErrNotConnected
	}

	listener, err := net.Listen("tcp", c.options.DirectListen)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", c.options.DirectListen, err)
	}
	c.listener = listener
	c.logger.Info("direct listener started", zap.String("addr", listener.Addr().String()))

	c.wg.Add(1)
	go c.acceptDirectLoop(listener)
	return listener, nil
}

func (c *Coordinator) closeDirectListener() {
	c.directMu.Lock()
	listener := c.listener
	c.listener = nil
	c.directMu.Unlock()
	if listener != nil {
		_ = listener.Close()
	}
}

// advertisedAddr is the address sent to peers in direct-open.
func (c *Coordinator) advertisedAddr(listener net.Listener) string {
	tcp, ok := listener.Addr().(*net.TCPAddr)
	if !ok {
		return listener.Addr().String()
	}
	host := c.options.DirectAdvertise
	if host == "" {
		if !tcp.IP.IsUnspecified() {
			return tcp.String()
		}
		host = primaryIPv4()
	}
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(tcp.Port))
}

// primaryIPv4 returns the first non-loopback IPv4 address of an up
// interface, or 127.0.0.1.
func primaryIPv4() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ip := ipNet.IP.To4(); ip != nil && !ip.IsLoopback() {
				return ip.String()
			}
		}
	}
	return "127.0.0.1"
}

// openDirect announces a listener address to peerID and waits for it to
// dial in. A peer that never dials, or reports a failed dial, gets a relay
// link instead.
func (c *Coordinator) openDirect(peerID string) error {
	listener, err := c.directListener()
	if err != nil {
		return err
	}

	wait := newDirectWait(peerID)
	c.linkMu.Lock()
	c.waits[wait.connID] = wait
	c.linkMu.Unlock()

	data, err := encodeSignal(SignalData{Kind: KindDirectOpen, ConnID: wait.connID, Addr: c.advertisedAddr(listener)})
	if err == nil {
		err = c.write(Frame{Type: TypeSignal, RoomID: c.currentRoom(), TargetID: peerID, Data: data})
	}
	if err != nil {
		c.claimWait(wait)
		return fmt.Errorf("send direct-open: %w", err)
	}

	c.wg.Add(1)
	go c.awaitDirect(wait)
	return nil
}

func (c *Coordinator) awaitDirect(wait *directWait) {
	defer c.wg.Done()
	timer := time.NewTimer(c.options.ConnectTimeout)
	defer timer.Stop()

	var conn net.Conn
	select {
	case conn = <-wait.accepted:
	case <-wait.stop:
	case <-timer.C:
		if c.claimWait(wait) {
			wait.cancel(true)
			break
		}
		select {
		case conn = <-wait.accepted:
		case <-wait.stop:
		}
	}

	if conn == nil {
		if wait.fallback {
			c.fallbackToRelay(linkDirect, wait.peerID, errors.New("peer did not dial the direct link"))
		}
		return
	}
	if c.ctx.Err() != nil {
		_ = conn.Close()
		return
	}

	link := &peerLink{
		connID: wait.connID,
		peerID: wait.peerID,
		kind:   linkDirect,
		opener: true,
		direct: network.NewFrameTransport(conn, c.options.DirectFrame),
	}
	if err := c.startSession(link, true); err != nil {
		c.logger.Warn("open direct session", zap.String("peer_id", wait.peerID), zap.Error(err))
		_ = link.direct.Close()
	}
}

// claimWait removes wait from the pending set and reports whether the
// caller is the one that removed it.
func (c *Coordinator) claimWait(wait *directWait) bool {
	c.linkMu.Lock()
	defer c.linkMu.Unlock()
	if c.waits[wait.connID] != wait {
		return false
	}
	delete(c.waits, wait.connID)
	return true
}

// cancelWait ends the wait for connID from peerID, if one is pending.
func (c *Coordinator) cancelWait(connID, peerID string, fallback bool) bool {
	c.linkMu.Lock()
	wait := c.waits[connID]
	if wait == nil || wait.peerID != peerID {
		c.linkMu.Unlock()
		return false
	}
	delete(c.waits, connID)
	c.linkMu.Unlock()

	wait.cancel(fallback)
	return true
}

func (c *Coordinator) acceptDirectLoop(listener net.Listener) {
	defer c.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || c.ctx.Err() != nil {
				return
			}
			c.logger.Debug("accept direct connection", zap.Error(err))
			continue
		}

		c.wg.Add(1)
		go c.handleDirectConn(conn)
	}
}

// handleDirectConn reads the hello frame and hands conn to the matching wait.
func (c *Coordinator) handleDirectConn(conn net.Conn) {
	defer c.wg.Done()

	closeConn := true
	defer func() {
		if closeConn {
			_ = conn.Close()
		}
	}()
	stop := context.AfterFunc(c.ctx, func() { _ = conn.Close() })
	defer stop()

	payload, err := network.ReadFrameWithTimeout(conn, c.options.ConnectTimeout)
	if err != nil {
		c.logger.Debug("read direct hello", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
		return
	}
	var hello directHello
	if err := json.Unmarshal(payload, &hello); err != nil || hello.Type != directHelloType {
		c.logger.Debug("rejecting direct connection without hello", zap.String("remote", conn.RemoteAddr().String()))
		return
	}
	if !stop() {
		return
	}

	c.linkMu.Lock()
	wait := c.waits[hello.ConnID]
	if wait == nil || wait.peerID != hello.From {
		c.linkMu.Unlock()
		c.logger.Debug("rejecting direct connection for unknown link", zap.String("peer_id", hello.From), zap.String("conn_id", hello.ConnID))
		return
	}
	delete(c.waits, hello.ConnID)
	c.linkMu.Unlock()

	closeConn = false
	wait.accepted <- conn
}

// acceptDirect dials the address a peer announced and opens the session as
// the responder. A failed dial is reported back so the peer can fall back.
func (c *Coordinator) acceptDirect(from string, data SignalData) {
	if data.ConnID == "" || data.Addr == "" {
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		conn, err := c.dialDirect(data)
		if err != nil {
			c.logger.Info("direct dial failed", zap.String("peer_id", from), zap.String("addr", data.Addr), zap.Error(err))
			c.sendClose(from, data.ConnID)
			return
		}
		link := &peerLink{
			connID: data.ConnID,
			peerID: from,
			kind:   linkDirect,
			direct: network.NewFrameTransport(conn, c.options.DirectFrame),
		}
		if err := c.startSession(link, false); err != nil {
			c.logger.Info("rejecting direct link", zap.String("peer_id", from), zap.Error(err))
			_ = link.direct.Close()
		}
	}()
}

func (c *Coordinator) dialDirect(data SignalData) (net.Conn, error) {
	dialer := net.Dialer{Timeout: c.options.ConnectTimeout}
	conn, err := dialer.DialContext(c.ctx, "tcp", data.Addr)
	if err != nil {
		return nil, err
	}

	hello, err := network.EncodeJSON(directHello{Type: directHelloType, ConnID: data.ConnID, From: c.options.LocalID})
	if err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(c.options.RequestTimeout))
		err = network.WriteFrame(conn, hello)
		_ = conn.SetWriteDeadline(time.Time{})
	}
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("write direct hello: %w", err)
	}
	return conn, nil
}
