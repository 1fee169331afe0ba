package network

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"peerlink/crypto"
	"peerlink/models"
)

// SessionState is the lifecycle state of one peer session.
type SessionState string

const (
	SessionHandshaking SessionState = "handshaking"
	SessionReady       SessionState = "ready"
	SessionClosed      SessionState = "closed"
)

// KeyMode selects how derived keys are applied to traffic.
type KeyMode string

const (
	// KeyModeDirectional seals with the TX key and opens with the RX key.
	KeyModeDirectional KeyMode = "directional"
	// KeyModeCombined hashes both directional keys into one key used both
	// ways. Both peers must run the same mode.
	KeyModeCombined KeyMode = "combined"
)

// Valid reports whether mode is known.
func (mode KeyMode) Valid() bool {
	return mode == KeyModeDirectional || mode == KeyModeCombined
}

var (
	// ErrSessionNotReady is returned when traffic is attempted before key exchange.
	ErrSessionNotReady = errors.New("network: session not ready")
	// ErrSessionExists rejects a second session for a peer that already has one.
	ErrSessionExists = errors.New("network: session already exists")
	// ErrSelfSession rejects sessions whose peer id is the local id.
	ErrSelfSession = errors.New("network: session to self")
	// ErrSessionClosed is returned by operations on a torn down session.
	ErrSessionClosed = errors.New("network: session closed")
	// ErrHandshake wraps every key exchange failure.
	ErrHandshake = errors.New("network: handshake failed")
	// ErrHandshakeTimeout is the cause when key exchange does not finish in time.
	ErrHandshakeTimeout = fmt.Errorf("%w: timed out", ErrHandshake)
)

// Session is the encrypted state machine for one peer. All inbound handling
// runs on the session loop goroutine.
type Session struct {
	manager   *Manager
	logger    *zap.Logger
	peerID    string
	role      crypto.Role
	initiator bool
	transport Transport

	mu             sync.RWMutex
	state          SessionState
	local          *crypto.KeyPair
	localPub       []byte
	remotePub      []byte
	remoteIdentity ed25519.PublicKey
	keys           crypto.SessionKeys
	sealKey        []byte
	openKey        []byte
	closeErr       error

	sentKeyExchange bool
	established     atomic.Bool

	createdAt    time.Time
	lastActivity atomic.Int64

	ctx     context.Context
	cancel  context.CancelFunc
	frames  chan []byte
	pumpErr chan error

	closeOnce sync.Once
	done      chan struct{}
}

func newSession(m *Manager, peerID string, transport Transport, initiator bool, keyPair *crypto.KeyPair) *Session {
	ctx, cancel := context.WithCancel(m.ctx)
	now := m.options.Now()
	s := &Session{
		manager:   m,
		peerID:    peerID,
		role:      crypto.SelectRole(m.options.LocalID, peerID),
		initiator: initiator,
		transport: transport,
		state:     SessionHandshaking,
		local:     keyPair,
		localPub:  append([]byte(nil), keyPair.Public...),
		createdAt: now,
		ctx:       ctx,
		cancel:    cancel,
		frames:    make(chan []byte),
		pumpErr:   make(chan error, 1),
		done:      make(chan struct{}),
	}
	s.logger = m.logger.With(zap.String("peer_id", peerID), zap.String("role", string(s.role)))
	s.lastActivity.Store(now.UnixMilli())
	return s
}

// PeerID returns the remote peer id.
func (s *Session) PeerID() string { return s.peerID }

// Role returns the local role computed from both ids.
func (s *Session) Role() crypto.Role { return s.role }

// Initiator reports whether the local side opened the transport.
func (s *Session) Initiator() bool { return s.initiator }

// CreatedAt returns the session creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// LastActivity returns the time of the last inbound frame.
func (s *Session) LastActivity() time.Time {
	return time.UnixMilli(s.lastActivity.Load())
}

// State returns the current state.
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// RemoteIdentity returns the Ed25519 key the peer signed its key exchange
// with, or nil if it sent none.
func (s *Session) RemoteIdentity() ed25519.PublicKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.remoteIdentity
}

// Established reports whether the session ever reached ready.
func (s *Session) Established() bool { return s.established.Load() }

// Done is closed once the session is torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns why the session closed, nil for a local close.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closeErr
}

// Close tears the session down and emits PeerDisconnected.
func (s *Session) Close() {
	s.teardown(nil, true)
}

func (s *Session) run() {
	defer s.manager.wg.Done()

	timer := time.NewTimer(s.manager.options.HandshakeTimeout)
	defer timer.Stop()

	ready := s.transport.Ready()
	for {
		select {
		case <-ready:
			ready = nil
			if err := s.sendKeyExchange(); err != nil {
				s.teardown(fmt.Errorf("%w: send key_exchange: %v", ErrHandshake, err), true)
				return
			}
		case payload := <-s.frames:
			s.lastActivity.Store(s.manager.options.Now().UnixMilli())
			s.dispatch(payload)
		case err := <-s.pumpErr:
			s.teardown(err, true)
			return
		case <-timer.C:
			if s.State() == SessionHandshaking {
				s.teardown(ErrHandshakeTimeout, true)
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *Session) pump() {
	defer s.manager.wg.Done()
	for {
		payload, err := s.transport.Receive(s.ctx)
		if err != nil {
			if err := s.transport.Err(); err != nil {
				s.pumpErr <- err
				return
			}
			s.pumpErr <- fmt.Errorf("receive: %w", err)
			return
		}
		select {
		case s.frames <- payload:
		case <-s.done:
			return
		}
	}
}

func (s *Session) dispatch(payload []byte) {
	msg, err := DecodeMessage(payload)
	if err != nil {
		s.manager.metrics.UnknownFrames.Inc()
		s.logger.Debug("dropping malformed frame", zap.Error(err))
		return
	}

	switch m := msg.(type) {
	case KeyExchange:
		s.handleKeyExchange(m)
	case Cipher:
		s.handleCipher(m)
	case Ack:
		s.handleAck(m)
	case FileMeta:
		s.manager.handleFileMeta(s, m)
	case FileChunk:
		s.manager.handleFileChunk(s, m)
	case FileComplete:
		s.manager.handleFileComplete(s, m)
	case FileAck, FileMissing:
		s.manager.deliverFileSignal(s, m)
	case FileAbort:
		s.manager.handleFileAbort(s, m)
	default:
		s.manager.metrics.UnknownFrames.Inc()
		s.logger.Debug("dropping unknown frame", zap.String("type", msg.Kind()))
	}
}

func (s *Session) sendKeyExchange() error {
	if s.sentKeyExchange {
		return nil
	}
	s.sentKeyExchange = true

	msg := KeyExchange{Pub: s.localPub}
	if identity := s.manager.options.Identity; identity != nil {
		signature, err := crypto.SignKeyExchange(identity.PrivateKey, s.localPub)
		if err != nil {
			return err
		}
		msg.IdentityKey = identity.PublicKey
		msg.Signature = signature
	}
	return s.send(msg)
}

func (s *Session) handleKeyExchange(msg KeyExchange) {
	if s.State() != SessionHandshaking {
		s.teardown(fmt.Errorf("%w: unexpected key_exchange", ErrHandshake), true)
		return
	}
	// The peer's transport may report ready before ours.
	if err := s.sendKeyExchange(); err != nil {
		s.teardown(fmt.Errorf("%w: send key_exchange: %v", ErrHandshake, err), true)
		return
	}

	identity, err := s.manager.verifyKeyExchange(s.peerID, msg)
	if err != nil {
		s.teardown(err, true)
		return
	}

	s.mu.Lock()
	if s.state != SessionHandshaking {
		s.mu.Unlock()
		return
	}
	keys, err := crypto.DeriveSessionKeys(s.local, msg.Pub, s.role)
	if err != nil {
		s.mu.Unlock()
		s.teardown(fmt.Errorf("%w: %v", ErrHandshake, err), true)
		return
	}
	sealKey, openKey := keys.TX, keys.RX
	if s.manager.options.KeyMode == KeyModeCombined {
		combined, err := keys.Combined(s.role)
		if err != nil {
			keys.Wipe()
			s.mu.Unlock()
			s.teardown(fmt.Errorf("%w: %v", ErrHandshake, err), true)
			return
		}
		sealKey, openKey = combined, combined
	}
	s.keys = keys
	s.sealKey = sealKey
	s.openKey = openKey
	s.remotePub = append([]byte(nil), msg.Pub...)
	s.remoteIdentity = identity
	s.local = nil
	s.state = SessionReady
	s.established.Store(true)
	// teardown reads the state under mu, so the gauge must move with it.
	s.manager.metrics.Sessions.WithLabelValues(string(SessionHandshaking)).Dec()
	s.manager.metrics.Sessions.WithLabelValues(string(SessionReady)).Inc()
	s.mu.Unlock()

	s.logger.Info("session ready", zap.String("key_mode", string(s.manager.options.KeyMode)))
	s.manager.bus.Publish(Event{Type: EventSessionReady, PeerID: s.peerID})
}

func (s *Session) handleCipher(msg Cipher) {
	if msg.ID == "" {
		s.logger.Debug("dropping cipher without id")
		return
	}
	plaintext, err := s.open(msg.Nonce, msg.Ciphertext)
	if err != nil {
		if errors.Is(err, crypto.ErrAuthFailed) {
			s.manager.metrics.DecryptFailures.Inc()
		}
		s.logger.Warn("dropping undecryptable message", zap.String("message_id", msg.ID), zap.Error(err))
		return
	}

	store := s.manager.options.Store
	receivedAt := s.manager.options.Now().UnixMilli()
	fresh, err := store.MarkSeen(msg.ID, receivedAt)
	if err != nil {
		s.logger.Error("record seen message id", zap.String("message_id", msg.ID), zap.Error(err))
		fresh = true
	}
	if !fresh {
		s.logger.Debug("re-acking duplicate message", zap.String("message_id", msg.ID))
		s.sendAck(msg.ID, models.StatusDelivered)
		return
	}

	record := models.Message{
		ID:          msg.ID,
		PeerID:      s.peerID,
		SenderID:    s.peerID,
		RecipientID: s.manager.options.LocalID,
		Direction:   models.DirectionInbound,
		Body:        string(plaintext),
		Status:      models.StatusDelivered,
		CreatedAt:   receivedAt,
		TTLMs:       msg.TTLMs,
		ExpiresAt:   models.ExpiryFor(receivedAt, msg.TTLMs),
	}
	if err := store.SaveMessage(record); err != nil {
		s.logger.Error("save received message", zap.String("message_id", msg.ID), zap.Error(err))
	}

	s.manager.metrics.MessagesReceived.Inc()
	s.manager.bus.Publish(Event{Type: EventMessageReceived, PeerID: s.peerID, MessageID: msg.ID, Status: models.StatusDelivered, Message: &record})
	s.sendAck(msg.ID, models.StatusDelivered)
}

func (s *Session) handleAck(msg Ack) {
	status := models.MessageStatus(msg.Status)
	if status != models.StatusDelivered && status != models.StatusRead {
		s.logger.Debug("dropping ack with unexpected status", zap.String("status", msg.Status))
		return
	}

	store := s.manager.options.Store
	record, err := store.GetMessage(msg.ID)
	if err != nil {
		s.logger.Debug("ack for unknown message", zap.String("message_id", msg.ID), zap.Error(err))
		return
	}
	if record.PeerID != s.peerID || record.Direction != models.DirectionOutbound {
		s.logger.Warn("ack for message not sent to this peer", zap.String("message_id", msg.ID))
		return
	}

	changed, err := store.UpdateMessageStatus(msg.ID, status)
	if err != nil {
		s.logger.Error("apply ack", zap.String("message_id", msg.ID), zap.Error(err))
		return
	}
	if !changed {
		return
	}
	s.manager.bus.Publish(Event{Type: EventMessageStatusChanged, PeerID: s.peerID, MessageID: msg.ID, Status: status})
}

func (s *Session) sendAck(id string, status models.MessageStatus) {
	if err := s.send(Ack{ID: id, Status: string(status)}); err != nil {
		s.logger.Warn("send ack", zap.String("message_id", id), zap.Error(err))
	}
}

func (s *Session) send(msg Message) error {
	payload, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	return s.transport.Send(payload)
}

func (s *Session) seal(plaintext []byte) (ciphertext, nonce []byte, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != SessionReady {
		return nil, nil, ErrSessionNotReady
	}
	return crypto.Encrypt(s.sealKey, plaintext)
}

func (s *Session) open(nonce, ciphertext []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != SessionReady {
		return nil, ErrSessionNotReady
	}
	return crypto.Decrypt(s.openKey, nonce, ciphertext)
}

// teardown closes the transport, wipes key material and detaches the
// session. notify controls whether events are published.
func (s *Session) teardown(cause error, notify bool) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		previous := s.state
		s.state = SessionClosed
		s.closeErr = cause
		s.keys.Wipe()
		if s.manager.options.KeyMode == KeyModeCombined {
			crypto.Wipe(s.sealKey)
		}
		s.sealKey, s.openKey = nil, nil
		s.local = nil
		s.mu.Unlock()

		close(s.done)
		s.cancel()
		_ = s.transport.Close()
		s.manager.detach(s, previous)

		if cause != nil {
			s.logger.Info("session closed", zap.String("state", string(previous)), zap.Error(cause))
		} else {
			s.logger.Debug("session closed", zap.String("state", string(previous)))
		}

		if previous == SessionHandshaking && cause != nil {
			s.manager.metrics.HandshakeFailures.Inc()
			if notify {
				s.manager.bus.Publish(Event{Type: EventHandshakeFailed, PeerID: s.peerID, Err: cause})
			}
		}
		if notify {
			s.manager.bus.Publish(Event{Type: EventPeerDisconnected, PeerID: s.peerID, Err: cause})
		}
	})
}
