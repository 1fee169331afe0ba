package network

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"peerlink/crypto"
	"peerlink/metrics"
	"peerlink/models"
)

const (
	defaultHandshakeTimeout = 15 * time.Second
	defaultSweepInterval    = 2 * time.Second
	defaultFileIdleTimeout  = 60 * time.Second
	defaultSeenIDRetention  = 7 * 24 * time.Hour
	defaultChunkSize        = 16 * 1024
	defaultMaxFileSize      = 100 * 1024 * 1024
	defaultChunkRetries     = 3
	defaultChunkAckTimeout  = 10 * time.Second
)

// SessionStore is what the manager persists.
type SessionStore interface {
	MessageStore
	TransferLog
}

// Options configures the session manager.
type Options struct {
	LocalID string
	// Identity signs outgoing key exchanges when set.
	Identity *crypto.Identity
	Store    SessionStore
	Bus      *Bus
	Metrics  *metrics.Metrics
	Logger   *zap.Logger

	KeyMode          KeyMode
	HandshakeTimeout time.Duration
	SweepInterval    time.Duration
	FileIdleTimeout  time.Duration
	SeenIDRetention  time.Duration

	ChunkSize       int
	MaxFileSize     int64
	MaxChunkRetries int
	ChunkAckTimeout time.Duration

	Now func() time.Time
}

// Manager owns one encrypted session per peer.
type Manager struct {
	options Options
	logger  *zap.Logger
	bus     *Bus
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once

	mu       sync.Mutex
	sessions map[string]*Session

	pinMu  sync.RWMutex
	pinned map[string]ed25519.PublicKey

	fileMu          sync.Mutex
	inboundFiles    map[string]*inboundTransfer
	outboundWaiters map[string]*outboundWaiter
	abandonedFiles  map[string]time.Time
	finishedFiles   map[string]closedFile
}

// NewManager creates a session manager with validated configuration.
func NewManager(options Options) (*Manager, error) {
	if options.LocalID == "" {
		return nil, errors.New("local id is required")
	}
	if options.Store == nil {
		return nil, errors.New("store is required")
	}
	if options.KeyMode == "" {
		options.KeyMode = KeyModeDirectional
	}
	if !options.KeyMode.Valid() {
		return nil, fmt.Errorf("unknown key mode %q", options.KeyMode)
	}
	if options.Bus == nil {
		options.Bus = NewBus()
	}
	if options.Metrics == nil {
		options.Metrics = metrics.New(nil)
	}
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}
	if options.HandshakeTimeout <= 0 {
		options.HandshakeTimeout = defaultHandshakeTimeout
	}
	if options.SweepInterval <= 0 {
		options.SweepInterval = defaultSweepInterval
	}
	if options.FileIdleTimeout <= 0 {
		options.FileIdleTimeout = defaultFileIdleTimeout
	}
	if options.SeenIDRetention <= 0 {
		options.SeenIDRetention = defaultSeenIDRetention
	}
	if options.ChunkSize <= 0 {
		options.ChunkSize = defaultChunkSize
	}
	if options.ChunkSize < MinChunkSize || options.ChunkSize > MaxFrameSize/2 {
		return nil, fmt.Errorf("chunk size %d outside [%d, %d]", options.ChunkSize, MinChunkSize, MaxFrameSize/2)
	}
	if options.MaxFileSize <= 0 {
		options.MaxFileSize = defaultMaxFileSize
	}
	if options.MaxChunkRetries <= 0 {
		options.MaxChunkRetries = defaultChunkRetries
	}
	if options.ChunkAckTimeout <= 0 {
		options.ChunkAckTimeout = defaultChunkAckTimeout
	}
	if options.Now == nil {
		options.Now = time.Now
	} else if clocked, ok := options.Store.(Clocked); ok {
		clocked.SetClock(options.Now)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		options:         options,
		logger:          options.Logger.Named("session"),
		bus:             options.Bus,
		metrics:         options.Metrics,
		ctx:             ctx,
		cancel:          cancel,
		sessions:        make(map[string]*Session),
		pinned:          make(map[string]ed25519.PublicKey),
		inboundFiles:    make(map[string]*inboundTransfer),
		outboundWaiters: make(map[string]*outboundWaiter),
		abandonedFiles:  make(map[string]time.Time),
		finishedFiles:   make(map[string]closedFile),
	}, nil
}

// Start launches the periodic expiry sweep.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		m.wg.Add(1)
		go m.sweepLoop()
	})
}

// Stop closes every session without publishing events and waits for all
// goroutines.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		sessions := make([]*Session, 0, len(m.sessions))
		for _, s := range m.sessions {
			sessions = append(sessions, s)
		}
		m.mu.Unlock()

		for _, s := range sessions {
			s.teardown(nil, false)
		}
		m.cancel()
		m.wg.Wait()
	})
}

// Bus returns the event bus.
func (m *Manager) Bus() *Bus { return m.bus }

// LocalID returns the local peer id.
func (m *Manager) LocalID() string { return m.options.LocalID }

// PinIdentity requires future key exchanges from peerID to be signed by key.
func (m *Manager) PinIdentity(peerID string, key ed25519.PublicKey) {
	m.pinMu.Lock()
	defer m.pinMu.Unlock()
	if len(key) == 0 {
		delete(m.pinned, peerID)
		return
	}
	m.pinned[peerID] = append(ed25519.PublicKey(nil), key...)
}

// CreateSession registers a handshaking session over transport and starts
// its loop. initiator reports whether the local side opened transport.
//
// If the peer already has a ready session the new one is rejected. If it has
// a handshaking session, the transport opened by the lower id peer wins and
// the other is closed without events.
func (m *Manager) CreateSession(peerID string, transport Transport, initiator bool) (*Session, error) {
	if transport == nil {
		return nil, errors.New("transport is required")
	}
	if peerID == "" {
		_ = transport.Close()
		return nil, errors.New("peer id is required")
	}
	if peerID == m.options.LocalID {
		_ = transport.Close()
		return nil, ErrSelfSession
	}
	if m.ctx.Err() != nil {
		_ = transport.Close()
		return nil, ErrSessionClosed
	}

	keyPair, err := crypto.GenerateKeyPair()
	if err != nil {
		_ = transport.Close()
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}

	role := crypto.SelectRole(m.options.LocalID, peerID)
	openedByLower := initiator == (role == crypto.RoleInitiator)

	m.mu.Lock()
	var loser *Session
	if existing := m.sessions[peerID]; existing != nil {
		switch existing.State() {
		case SessionReady:
			m.mu.Unlock()
			_ = transport.Close()
			return nil, ErrSessionExists
		case SessionHandshaking:
			if !openedByLower {
				m.mu.Unlock()
				_ = transport.Close()
				return nil, ErrSessionExists
			}
			loser = existing
		}
	}

	session := newSession(m, peerID, transport, initiator, keyPair)
	m.sessions[peerID] = session
	m.metrics.Sessions.WithLabelValues(string(SessionHandshaking)).Inc()
	m.wg.Add(2)
	m.mu.Unlock()

	if loser != nil {
		m.logger.Debug("replacing handshaking session", zap.String("peer_id", peerID))
		loser.teardown(nil, false)
	}

	go session.pump()
	go session.run()
	return session, nil
}

// Session returns the live session for peerID.
func (m *Manager) Session(peerID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[peerID]
	return s, ok
}

// IsReady reports whether peerID has a ready session.
func (m *Manager) IsReady(peerID string) bool {
	s, ok := m.Session(peerID)
	return ok && s.State() == SessionReady
}

// Peers returns the ids of every live session.
func (m *Manager) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	return out
}

// CloseSession tears down the session for peerID, if any.
func (m *Manager) CloseSession(peerID string) {
	if s, ok := m.Session(peerID); ok {
		s.Close()
	}
}

// Send encrypts plaintext for peerID and records it as sent. A zero ttlMs
// means the message never expires.
func (m *Manager) Send(peerID string, plaintext []byte, ttlMs int64) (string, error) {
	id := uuid.NewString()
	if err := m.SendWithID(peerID, id, plaintext, ttlMs, m.options.Now().UnixMilli()); err != nil {
		return "", err
	}
	return id, nil
}

// SendWithID sends a message under a caller-chosen id and creation time. The
// local record is saved as pending before hand-off and advanced to sent after
// it, so a failed hand-off leaves it pending for the outbox.
func (m *Manager) SendWithID(peerID, id string, plaintext []byte, ttlMs, createdAt int64) error {
	s, ok := m.Session(peerID)
	if !ok || s.State() != SessionReady {
		return fmt.Errorf("%w: %s", ErrSessionNotReady, peerID)
	}

	record := models.Message{
		ID:          id,
		PeerID:      peerID,
		SenderID:    m.options.LocalID,
		RecipientID: peerID,
		Direction:   models.DirectionOutbound,
		Body:        string(plaintext),
		Status:      models.StatusPending,
		CreatedAt:   createdAt,
		TTLMs:       ttlMs,
		ExpiresAt:   models.ExpiryFor(createdAt, ttlMs),
	}
	if err := m.options.Store.SaveMessage(record); err != nil {
		return fmt.Errorf("save outbound message: %w", err)
	}

	ciphertext, nonce, err := s.seal(plaintext)
	if err != nil {
		return err
	}
	if err := s.send(Cipher{ID: id, Nonce: nonce, Ciphertext: ciphertext, TTLMs: ttlMs}); err != nil {
		return fmt.Errorf("send cipher: %w", err)
	}

	if _, err := m.options.Store.UpdateMessageStatus(id, models.StatusSent); err != nil {
		m.logger.Error("mark message sent", zap.String("message_id", id), zap.Error(err))
	}
	m.metrics.MessagesSent.Inc()
	return nil
}

// MarkRead marks a received message read and acks it to the sender.
func (m *Manager) MarkRead(peerID, messageID string) error {
	s, ok := m.Session(peerID)
	if !ok || s.State() != SessionReady {
		return fmt.Errorf("%w: %s", ErrSessionNotReady, peerID)
	}

	record, err := m.options.Store.GetMessage(messageID)
	if err != nil {
		return fmt.Errorf("load message %q: %w", messageID, err)
	}
	if record.PeerID != peerID || record.Direction != models.DirectionInbound {
		return fmt.Errorf("message %q was not received from %s", messageID, peerID)
	}

	changed, err := m.options.Store.UpdateMessageStatus(messageID, models.StatusRead)
	if err != nil {
		return fmt.Errorf("mark message read: %w", err)
	}
	if !changed {
		return nil
	}
	m.bus.Publish(Event{Type: EventMessageStatusChanged, PeerID: peerID, MessageID: messageID, Status: models.StatusRead})
	return s.send(Ack{ID: messageID, Status: string(models.StatusRead)})
}

// Messages lists stored, unexpired messages exchanged with peerID.
func (m *Manager) Messages(peerID string, limit int) ([]models.Message, error) {
	return m.options.Store.ListMessages(peerID, limit)
}

func (m *Manager) verifyKeyExchange(peerID string, msg KeyExchange) (ed25519.PublicKey, error) {
	m.pinMu.RLock()
	pinned := m.pinned[peerID]
	m.pinMu.RUnlock()

	signed := len(msg.IdentityKey) > 0 || len(msg.Signature) > 0
	if pinned == nil && !signed {
		return nil, nil
	}
	if len(msg.IdentityKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: missing identity key", ErrHandshake)
	}
	identity := ed25519.PublicKey(msg.IdentityKey)
	if pinned != nil && !bytes.Equal(pinned, identity) {
		return nil, fmt.Errorf("%w: identity key does not match pinned key", ErrHandshake)
	}
	if !crypto.VerifyKeyExchange(identity, msg.Pub, msg.Signature) {
		return nil, fmt.Errorf("%w: invalid key_exchange signature", ErrHandshake)
	}
	return append(ed25519.PublicKey(nil), identity...), nil
}

func (m *Manager) detach(s *Session, previous SessionState) {
	m.mu.Lock()
	if m.sessions[s.peerID] == s {
		delete(m.sessions, s.peerID)
	}
	m.mu.Unlock()

	if previous != SessionClosed {
		m.metrics.Sessions.WithLabelValues(string(previous)).Dec()
	}
	m.abandonSessionTransfers(s)
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.options.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep(m.options.Now())
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Manager) sweep(now time.Time) {
	nowMs := now.UnixMilli()

	ids, err := m.options.Store.PurgeExpired(nowMs)
	if err != nil {
		m.logger.Error("purge expired messages", zap.Error(err))
	}
	for _, id := range ids {
		m.metrics.MessagesExpired.Inc()
		m.bus.Publish(Event{Type: EventMessageExpired, MessageID: id})
	}

	m.abandonIdleTransfers(now)

	if _, err := m.options.Store.PruneSeen(now.Add(-m.options.SeenIDRetention).UnixMilli()); err != nil {
		m.logger.Error("prune seen message ids", zap.Error(err))
	}
}
