package network

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"peerlink/crypto"
	"peerlink/metrics"
	"peerlink/models"
)

// QueueKeyInfo is the HKDF info string for the outbound queue key.
const QueueKeyInfo = "outbound-queue"

// OutboxOptions configures the pending outbound queue driver.
type OutboxOptions struct {
	Manager *Manager
	Queue   OutboundQueue
	// QueueKey seals queued plaintext at rest. It is derived from the local
	// master key with QueueKeyInfo.
	QueueKey []byte
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

// Outbox sends messages over ready sessions and queues them otherwise. Queued
// entries drain in creation order when the peer's session becomes ready.
type Outbox struct {
	options OutboxOptions
	manager *Manager
	logger  *zap.Logger
	metrics *metrics.Metrics

	unsubscribe func()
	wg          sync.WaitGroup
	stopOnce    sync.Once

	drainMu      sync.Mutex
	activeDrains map[string]bool
	redrain      map[string]bool
}

// NewOutbox validates options and creates an outbox.
func NewOutbox(options OutboxOptions) (*Outbox, error) {
	if options.Manager == nil {
		return nil, errors.New("manager is required")
	}
	if options.Queue == nil {
		return nil, errors.New("queue is required")
	}
	if len(options.QueueKey) != crypto.KeySize {
		return nil, fmt.Errorf("queue key must be %d bytes", crypto.KeySize)
	}
	if options.Metrics == nil {
		options.Metrics = options.Manager.metrics
	}
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}

	return &Outbox{
		options:      options,
		manager:      options.Manager,
		logger:       options.Logger.Named("outbox"),
		metrics:      options.Metrics,
		activeDrains: make(map[string]bool),
		redrain:      make(map[string]bool),
	}, nil
}

// Start drains a peer's queue whenever its session becomes ready. When a
// session goes away, messages it carried that were never acknowledged are
// queued again so the next session resends them.
func (o *Outbox) Start() {
	o.unsubscribe = o.manager.Bus().Subscribe(func(event Event) {
		switch event.Type {
		case EventSessionReady:
			o.startDrain(event.PeerID)
		case EventPeerDisconnected:
			o.requeueUnacked(event.PeerID)
		}
	})
	o.refreshDepth()
}

// Stop detaches from the bus and waits for running drains.
func (o *Outbox) Stop() {
	o.stopOnce.Do(func() {
		if o.unsubscribe != nil {
			o.unsubscribe()
		}
		o.wg.Wait()
	})
}

// SendMessage sends text to peerID now when its session is ready, and queues
// it with status pending otherwise. Either way the returned id identifies the
// message record.
func (o *Outbox) SendMessage(ctx context.Context, peerID, text string, ttlMs int64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := uuid.NewString()
	createdAt := o.manager.options.Now().UnixMilli()

	if o.manager.IsReady(peerID) {
		err := o.manager.SendWithID(peerID, id, []byte(text), ttlMs, createdAt)
		if err == nil {
			return id, nil
		}
		o.logger.Info("direct send failed, queueing", zap.String("peer_id", peerID), zap.String("message_id", id), zap.Error(err))
	}

	if err := o.enqueue(peerID, id, []byte(text), ttlMs, createdAt); err != nil {
		return "", err
	}
	// The session may have become ready while the entry was being written.
	if o.manager.IsReady(peerID) {
		o.startDrain(peerID)
	}
	return id, nil
}

// Drain hands every queued entry for peerID to its session. It stops at the
// first failed hand-off.
func (o *Outbox) Drain(peerID string) error {
	o.drainMu.Lock()
	if o.activeDrains[peerID] {
		o.redrain[peerID] = true
		o.drainMu.Unlock()
		return nil
	}
	o.activeDrains[peerID] = true
	o.drainMu.Unlock()

	for {
		err := o.drainOnce(peerID)

		o.drainMu.Lock()
		again := err == nil && o.redrain[peerID]
		delete(o.redrain, peerID)
		if !again {
			delete(o.activeDrains, peerID)
			o.drainMu.Unlock()
			o.refreshDepth()
			return err
		}
		o.drainMu.Unlock()
	}
}

// Depth returns the number of queued entries across all peers.
func (o *Outbox) Depth() (int, error) {
	return o.options.Queue.OutboundDepth()
}

func (o *Outbox) startDrain(peerID string) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.Drain(peerID); err != nil {
			o.logger.Warn("drain stopped", zap.String("peer_id", peerID), zap.Error(err))
		}
	}()
}

func (o *Outbox) drainOnce(peerID string) error {
	entries, err := o.options.Queue.PendingFor(peerID)
	if err != nil {
		return fmt.Errorf("load queue for %s: %w", peerID, err)
	}

	nowMs := o.manager.options.Now().UnixMilli()
	for _, entry := range entries {
		if entry.Expired(nowMs) {
			if err := o.options.Queue.RemoveOutbound(entry.ID); err != nil {
				o.logger.Warn("remove expired queue entry", zap.String("message_id", entry.ID), zap.Error(err))
			}
			continue
		}

		plaintext, err := o.open(entry.Payload)
		if err != nil {
			o.logger.Error("dropping unreadable queue entry", zap.String("message_id", entry.ID), zap.Error(err))
			if _, err := o.manager.options.Store.UpdateMessageStatus(entry.ID, models.StatusFailed); err != nil {
				o.logger.Warn("mark queued message failed", zap.String("message_id", entry.ID), zap.Error(err))
			}
			_ = o.options.Queue.RemoveOutbound(entry.ID)
			continue
		}

		sendErr := o.manager.SendWithID(peerID, entry.ID, plaintext, entry.TTLMs, entry.CreatedAt)
		crypto.Wipe(plaintext)
		if sendErr != nil {
			retries, err := o.options.Queue.IncrementRetry(entry.ID)
			if err != nil {
				o.logger.Warn("increment retry", zap.String("message_id", entry.ID), zap.Error(err))
			}
			return fmt.Errorf("hand off %s (attempt %d): %w", entry.ID, retries, sendErr)
		}

		if err := o.options.Queue.RemoveOutbound(entry.ID); err != nil {
			o.logger.Warn("remove delivered queue entry", zap.String("message_id", entry.ID), zap.Error(err))
		}
		o.logger.Debug("queued message handed off", zap.String("peer_id", peerID), zap.String("message_id", entry.ID))
	}
	return nil
}

// requeueUnacked puts every pending or sent message to peerID back on the
// queue. The receiver drops redelivered ids, so a resend is never shown twice.
func (o *Outbox) requeueUnacked(peerID string) {
	messages, err := o.manager.options.Store.UnackedOutbound(peerID)
	if err != nil {
		o.logger.Error("list unacked messages", zap.String("peer_id", peerID), zap.Error(err))
		return
	}
	if len(messages) == 0 {
		return
	}

	for _, message := range messages {
		payload, err := o.seal([]byte(message.Body))
		if err != nil {
			o.logger.Error("seal unacked message", zap.String("message_id", message.ID), zap.Error(err))
			continue
		}
		if err := o.options.Queue.Enqueue(models.OutboundEntry{
			ID:        message.ID,
			PeerID:    peerID,
			Payload:   payload,
			TTLMs:     message.TTLMs,
			CreatedAt: message.CreatedAt,
		}); err != nil {
			o.logger.Error("requeue unacked message", zap.String("message_id", message.ID), zap.Error(err))
		}
	}
	o.logger.Debug("requeued unacked messages", zap.String("peer_id", peerID), zap.Int("count", len(messages)))
	o.refreshDepth()

	if o.manager.IsReady(peerID) {
		o.startDrain(peerID)
	}
}

func (o *Outbox) enqueue(peerID, id string, plaintext []byte, ttlMs, createdAt int64) error {
	record := models.Message{
		ID:          id,
		PeerID:      peerID,
		SenderID:    o.manager.LocalID(),
		RecipientID: peerID,
		Direction:   models.DirectionOutbound,
		Body:        string(plaintext),
		Status:      models.StatusPending,
		CreatedAt:   createdAt,
		TTLMs:       ttlMs,
		ExpiresAt:   models.ExpiryFor(createdAt, ttlMs),
	}
	if err := o.manager.options.Store.SaveMessage(record); err != nil {
		return fmt.Errorf("save queued message: %w", err)
	}

	payload, err := o.seal(plaintext)
	if err != nil {
		return err
	}
	if err := o.options.Queue.Enqueue(models.OutboundEntry{
		ID:        id,
		PeerID:    peerID,
		Payload:   payload,
		TTLMs:     ttlMs,
		CreatedAt: createdAt,
	}); err != nil {
		return fmt.Errorf("enqueue message: %w", err)
	}

	o.logger.Debug("message queued", zap.String("peer_id", peerID), zap.String("message_id", id))
	o.refreshDepth()
	return nil
}

// seal returns nonce || ciphertext under the queue key.
func (o *Outbox) seal(plaintext []byte) ([]byte, error) {
	ciphertext, nonce, err := crypto.Encrypt(o.options.QueueKey, plaintext)
	if err != nil {
		return nil, fmt.Errorf("seal queue entry: %w", err)
	}
	return append(nonce, ciphertext...), nil
}

func (o *Outbox) open(payload []byte) ([]byte, error) {
	if len(payload) < crypto.NonceSize {
		return nil, crypto.ErrAuthFailed
	}
	return crypto.Decrypt(o.options.QueueKey, payload[:crypto.NonceSize], payload[crypto.NonceSize:])
}

func (o *Outbox) refreshDepth() {
	depth, err := o.options.Queue.OutboundDepth()
	if err != nil {
		return
	}
	o.metrics.OutboxDepth.Set(float64(depth))
}

// DeriveQueueKey derives the queue key from a master key.
func DeriveQueueKey(master []byte) ([]byte, error) {
	return crypto.DeriveSubKey(master, QueueKeyInfo)
}
