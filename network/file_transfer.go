package network

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"peerlink/crypto"
	"peerlink/models"
)

// MinChunkSize is the smallest chunk size accepted for files of more than one
// chunk. It bounds the chunk count of any file to MaxFileSize/MinChunkSize.
const MinChunkSize = 1024

const (
	closedFileRetention = 30 * time.Minute
	fileSignalBuffer    = 64
)

var (
	// ErrFileTooLarge rejects files above MaxFileSize.
	ErrFileTooLarge = errors.New("network: file exceeds max size")
	// ErrTransferAborted is returned when the receiver aborts a transfer.
	ErrTransferAborted = errors.New("network: file transfer aborted")
	// ErrTransferFailed is returned when chunks cannot be delivered.
	ErrTransferFailed = errors.New("network: file transfer failed")

	errAckTimeout = errors.New("network: file ack timeout")
)

// FileOffer is an outbound file.
type FileOffer struct {
	Name string
	MIME string
	Data []byte
}

type inboundTransfer struct {
	session   *Session
	meta      FileMeta
	chunks    [][]byte
	received  int
	updatedAt time.Time
}

type outboundWaiter struct {
	session *Session
	signals chan Message
}

type closedFile struct {
	peerID    string
	completed bool
	at        time.Time
}

// SendFile sends offer to peerID in encrypted chunks, waiting for each chunk
// ack before sending the next. It returns once the receiver has acknowledged
// the whole file.
func (m *Manager) SendFile(ctx context.Context, peerID string, offer FileOffer) (string, error) {
	s, ok := m.Session(peerID)
	if !ok || s.State() != SessionReady {
		return "", fmt.Errorf("%w: %s", ErrSessionNotReady, peerID)
	}

	size := int64(len(offer.Data))
	if size > m.options.MaxFileSize {
		return "", ErrFileTooLarge
	}
	chunkSize := m.options.ChunkSize
	fileID := uuid.NewString()
	meta := FileMeta{
		FileID:      fileID,
		Name:        offer.Name,
		Size:        size,
		MIME:        offer.MIME,
		TotalChunks: chunkCount(size, chunkSize),
		ChunkSize:   chunkSize,
	}

	waiter := m.registerOutboundWaiter(fileID, s)
	defer m.unregisterOutboundWaiter(fileID, waiter)

	m.saveTransfer(transferRecord(peerID, models.DirectionOutbound, meta, models.TransferInProgress, m.options.Now()))

	logger := m.logger.With(zap.String("peer_id", peerID), zap.String("file_id", fileID))
	if err := m.runOutboundTransfer(ctx, s, waiter, meta, offer.Data); err != nil {
		logger.Warn("file transfer failed", zap.Error(err))
		m.updateTransfer(fileID, models.TransferFailed)
		m.metrics.FileTransfers.WithLabelValues(string(models.DirectionOutbound), "failed").Inc()
		m.bus.Publish(Event{Type: EventFileFailed, PeerID: peerID, Progress: &FileProgress{FileID: fileID, PeerID: peerID, Direction: models.DirectionOutbound, TotalChunks: meta.TotalChunks, TotalBytes: size}, Err: err})
		return fileID, err
	}

	logger.Info("file transfer complete", zap.Int64("size", size))
	m.updateTransfer(fileID, models.TransferComplete)
	m.metrics.FileTransfers.WithLabelValues(string(models.DirectionOutbound), "complete").Inc()
	return fileID, nil
}

func (m *Manager) runOutboundTransfer(ctx context.Context, s *Session, waiter *outboundWaiter, meta FileMeta, data []byte) error {
	if err := s.send(meta); err != nil {
		return fmt.Errorf("send file_meta: %w", err)
	}

	var sent int64
	for idx := 0; idx < meta.TotalChunks; idx++ {
		chunk := chunkSlice(data, meta.ChunkSize, idx)
		if err := m.sendChunk(ctx, s, waiter, meta.FileID, idx, chunk); err != nil {
			return err
		}
		sent += int64(len(chunk))
		m.bus.Publish(Event{Type: EventFileProgress, PeerID: s.peerID, Progress: &FileProgress{
			FileID:           meta.FileID,
			PeerID:           s.peerID,
			Direction:        models.DirectionOutbound,
			ChunksDone:       idx + 1,
			TotalChunks:      meta.TotalChunks,
			BytesTransferred: sent,
			TotalBytes:       meta.Size,
		}})
	}

	for round := 0; round < m.options.MaxChunkRetries; round++ {
		if err := s.send(FileComplete{FileID: meta.FileID}); err != nil {
			return fmt.Errorf("send file_complete: %w", err)
		}

		signal, err := m.waitFileSignal(ctx, s, waiter, func(msg Message) bool {
			switch v := msg.(type) {
			case FileAck:
				return v.Idx == nil
			case FileMissing:
				return true
			}
			return false
		})
		if errors.Is(err, errAckTimeout) {
			continue
		}
		if err != nil {
			return err
		}

		missing, ok := signal.(FileMissing)
		if !ok {
			return nil
		}
		for _, idx := range missing.Missing {
			if idx < 0 || idx >= meta.TotalChunks {
				continue
			}
			if err := m.sendChunk(ctx, s, waiter, meta.FileID, idx, chunkSlice(data, meta.ChunkSize, idx)); err != nil {
				return err
			}
		}
	}

	_ = s.send(FileAbort{FileID: meta.FileID, Reason: "incomplete after retries"})
	return fmt.Errorf("%w: receiver did not confirm %s after %d rounds", ErrTransferFailed, meta.FileID, m.options.MaxChunkRetries)
}

func (m *Manager) sendChunk(ctx context.Context, s *Session, waiter *outboundWaiter, fileID string, idx int, chunk []byte) error {
	for attempt := 0; attempt < m.options.MaxChunkRetries; attempt++ {
		ciphertext, nonce, err := s.seal(chunk)
		if err != nil {
			return err
		}
		if err := s.send(FileChunk{FileID: fileID, Idx: idx, Nonce: nonce, Ciphertext: ciphertext}); err != nil {
			return fmt.Errorf("send chunk %d: %w", idx, err)
		}

		_, err = m.waitFileSignal(ctx, s, waiter, func(msg Message) bool {
			ack, ok := msg.(FileAck)
			return ok && ack.Idx != nil && *ack.Idx == idx
		})
		if errors.Is(err, errAckTimeout) {
			continue
		}
		if err != nil {
			return err
		}
		m.metrics.FileChunks.WithLabelValues(string(models.DirectionOutbound)).Inc()
		return nil
	}
	return fmt.Errorf("%w: chunk %d unacknowledged after %d attempts", ErrTransferFailed, idx, m.options.MaxChunkRetries)
}

func (m *Manager) waitFileSignal(ctx context.Context, s *Session, waiter *outboundWaiter, match func(Message) bool) (Message, error) {
	timer := time.NewTimer(m.options.ChunkAckTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.Done():
			return nil, ErrSessionClosed
		case <-timer.C:
			return nil, errAckTimeout
		case msg := <-waiter.signals:
			if abort, ok := msg.(FileAbort); ok {
				return nil, fmt.Errorf("%w: %s", ErrTransferAborted, abort.Reason)
			}
			if match(msg) {
				return msg, nil
			}
		}
	}
}

func (m *Manager) registerOutboundWaiter(fileID string, s *Session) *outboundWaiter {
	waiter := &outboundWaiter{session: s, signals: make(chan Message, fileSignalBuffer)}
	m.fileMu.Lock()
	m.outboundWaiters[fileID] = waiter
	m.fileMu.Unlock()
	return waiter
}

func (m *Manager) unregisterOutboundWaiter(fileID string, waiter *outboundWaiter) {
	m.fileMu.Lock()
	defer m.fileMu.Unlock()
	if m.outboundWaiters[fileID] == waiter {
		delete(m.outboundWaiters, fileID)
	}
}

// deliverFileSignal routes a receiver reply to the waiting sender.
func (m *Manager) deliverFileSignal(s *Session, msg Message) bool {
	var fileID string
	switch v := msg.(type) {
	case FileAck:
		fileID = v.FileID
	case FileMissing:
		fileID = v.FileID
	case FileAbort:
		fileID = v.FileID
	default:
		return false
	}

	m.fileMu.Lock()
	waiter := m.outboundWaiters[fileID]
	m.fileMu.Unlock()
	if waiter == nil || waiter.session != s {
		return false
	}

	select {
	case waiter.signals <- msg:
	default:
		s.logger.Debug("file signal buffer full", zap.String("file_id", fileID))
	}
	return true
}

func (m *Manager) handleFileMeta(s *Session, meta FileMeta) {
	if s.State() != SessionReady || meta.FileID == "" {
		return
	}
	now := m.options.Now()

	m.fileMu.Lock()
	if closed, ok := m.lookupClosedFile(meta.FileID); ok {
		m.fileMu.Unlock()
		if closed.completed && closed.peerID == s.peerID {
			m.sendFinalAck(s, meta.FileID)
		}
		return
	}
	if _, exists := m.inboundFiles[meta.FileID]; exists {
		m.fileMu.Unlock()
		return
	}
	if err := m.validateFileMeta(meta); err != nil {
		m.abandonedFiles[meta.FileID] = now
		m.fileMu.Unlock()
		s.logger.Warn("rejecting file", zap.String("file_id", meta.FileID), zap.Error(err))
		_ = s.send(FileAbort{FileID: meta.FileID, Reason: err.Error()})
		return
	}
	if meta.Size == 0 {
		m.finishedFiles[meta.FileID] = closedFile{peerID: s.peerID, completed: true, at: now}
		m.fileMu.Unlock()

		m.saveTransfer(transferRecord(s.peerID, models.DirectionInbound, meta, models.TransferComplete, now))
		m.completeInbound(s, meta, []byte{})
		return
	}
	m.inboundFiles[meta.FileID] = &inboundTransfer{
		session:   s,
		meta:      meta,
		chunks:    make([][]byte, meta.TotalChunks),
		updatedAt: now,
	}
	m.fileMu.Unlock()

	s.logger.Debug("receiving file", zap.String("file_id", meta.FileID), zap.Int64("size", meta.Size), zap.Int("chunks", meta.TotalChunks))
	m.saveTransfer(transferRecord(s.peerID, models.DirectionInbound, meta, models.TransferInProgress, now))
}

func (m *Manager) handleFileChunk(s *Session, chunk FileChunk) {
	m.fileMu.Lock()
	transfer := m.inboundFiles[chunk.FileID]
	if transfer == nil || transfer.session != s {
		m.fileMu.Unlock()
		s.logger.Debug("dropping chunk for unknown transfer", zap.String("file_id", chunk.FileID), zap.Int("idx", chunk.Idx))
		return
	}
	meta := transfer.meta
	m.fileMu.Unlock()

	if chunk.Idx < 0 || chunk.Idx >= meta.TotalChunks {
		s.logger.Debug("dropping out of range chunk", zap.String("file_id", chunk.FileID), zap.Int("idx", chunk.Idx))
		return
	}

	plaintext, err := s.open(chunk.Nonce, chunk.Ciphertext)
	if err != nil {
		if errors.Is(err, crypto.ErrAuthFailed) {
			m.metrics.DecryptFailures.Inc()
		}
		s.logger.Warn("dropping undecryptable chunk", zap.String("file_id", chunk.FileID), zap.Int("idx", chunk.Idx), zap.Error(err))
		return
	}
	if int64(len(plaintext)) != chunkLength(meta.Size, meta.ChunkSize, chunk.Idx) {
		s.logger.Warn("dropping chunk with wrong length", zap.String("file_id", chunk.FileID), zap.Int("idx", chunk.Idx))
		return
	}

	m.fileMu.Lock()
	if m.inboundFiles[chunk.FileID] != transfer {
		m.fileMu.Unlock()
		return
	}
	if transfer.chunks[chunk.Idx] == nil {
		transfer.chunks[chunk.Idx] = plaintext
		transfer.received++
	}
	transfer.updatedAt = m.options.Now()
	received := transfer.received
	m.fileMu.Unlock()

	m.metrics.FileChunks.WithLabelValues(string(models.DirectionInbound)).Inc()
	idx := chunk.Idx
	if err := s.send(FileAck{FileID: chunk.FileID, Idx: &idx}); err != nil {
		s.logger.Warn("send chunk ack", zap.String("file_id", chunk.FileID), zap.Error(err))
	}
	m.bus.Publish(Event{Type: EventFileProgress, PeerID: s.peerID, Progress: &FileProgress{
		FileID:      meta.FileID,
		PeerID:      s.peerID,
		Direction:   models.DirectionInbound,
		ChunksDone:  received,
		TotalChunks: meta.TotalChunks,
		TotalBytes:  meta.Size,
	}})
}

func (m *Manager) handleFileComplete(s *Session, msg FileComplete) {
	m.fileMu.Lock()
	if closed, ok := m.lookupClosedFile(msg.FileID); ok {
		m.fileMu.Unlock()
		if closed.completed && closed.peerID == s.peerID {
			m.sendFinalAck(s, msg.FileID)
		}
		return
	}
	transfer := m.inboundFiles[msg.FileID]
	if transfer == nil || transfer.session != s {
		m.fileMu.Unlock()
		return
	}

	missing := make([]int, 0)
	for idx, chunk := range transfer.chunks {
		if chunk == nil {
			missing = append(missing, idx)
		}
	}
	if len(missing) > 0 {
		transfer.updatedAt = m.options.Now()
		m.fileMu.Unlock()
		s.logger.Debug("file incomplete, requesting chunks", zap.String("file_id", msg.FileID), zap.Ints("missing", missing))
		_ = s.send(FileMissing{FileID: msg.FileID, Missing: missing})
		return
	}

	data := make([]byte, 0, transfer.meta.Size)
	for _, chunk := range transfer.chunks {
		data = append(data, chunk...)
	}
	delete(m.inboundFiles, msg.FileID)
	if int64(len(data)) != transfer.meta.Size {
		m.abandonedFiles[msg.FileID] = m.options.Now()
		m.fileMu.Unlock()
		m.failInbound(s.peerID, transfer.meta, errors.New("assembled size mismatch"))
		_ = s.send(FileAbort{FileID: msg.FileID, Reason: "size mismatch"})
		return
	}
	m.finishedFiles[msg.FileID] = closedFile{peerID: s.peerID, completed: true, at: m.options.Now()}
	m.fileMu.Unlock()

	m.updateTransfer(msg.FileID, models.TransferComplete)
	m.completeInbound(s, transfer.meta, data)
}

func (m *Manager) handleFileAbort(s *Session, msg FileAbort) {
	if m.deliverFileSignal(s, msg) {
		return
	}

	m.fileMu.Lock()
	transfer := m.inboundFiles[msg.FileID]
	if transfer == nil || transfer.session != s {
		m.fileMu.Unlock()
		return
	}
	delete(m.inboundFiles, msg.FileID)
	m.abandonedFiles[msg.FileID] = m.options.Now()
	m.fileMu.Unlock()

	m.failInbound(s.peerID, transfer.meta, fmt.Errorf("%w: %s", ErrTransferAborted, msg.Reason))
}

func (m *Manager) completeInbound(s *Session, meta FileMeta, data []byte) {
	s.logger.Info("file received", zap.String("file_id", meta.FileID), zap.Int64("size", meta.Size))
	m.metrics.FileTransfers.WithLabelValues(string(models.DirectionInbound), "complete").Inc()
	m.bus.Publish(Event{Type: EventFileReceived, PeerID: s.peerID, File: &ReceivedFile{
		FileID: meta.FileID,
		Name:   meta.Name,
		MIME:   meta.MIME,
		Data:   data,
	}})
	m.sendFinalAck(s, meta.FileID)
}

func (m *Manager) sendFinalAck(s *Session, fileID string) {
	if err := s.send(FileAck{FileID: fileID}); err != nil {
		s.logger.Warn("send file ack", zap.String("file_id", fileID), zap.Error(err))
	}
}

func (m *Manager) failInbound(peerID string, meta FileMeta, cause error) {
	m.logger.Info("file transfer abandoned", zap.String("peer_id", peerID), zap.String("file_id", meta.FileID), zap.Error(cause))
	m.updateTransfer(meta.FileID, models.TransferFailed)
	m.metrics.FileTransfers.WithLabelValues(string(models.DirectionInbound), "failed").Inc()
	m.bus.Publish(Event{Type: EventFileFailed, PeerID: peerID, Progress: &FileProgress{
		FileID:      meta.FileID,
		PeerID:      peerID,
		Direction:   models.DirectionInbound,
		TotalChunks: meta.TotalChunks,
		TotalBytes:  meta.Size,
	}, Err: cause})
}

// abandonSessionTransfers drops inbound transfers bound to a closed session.
func (m *Manager) abandonSessionTransfers(s *Session) {
	m.abandonInbound(func(t *inboundTransfer) bool { return t.session == s }, ErrSessionClosed)
}

func (m *Manager) abandonIdleTransfers(now time.Time) {
	m.abandonInbound(func(t *inboundTransfer) bool {
		return now.Sub(t.updatedAt) > m.options.FileIdleTimeout
	}, errors.New("idle timeout"))

	m.fileMu.Lock()
	for id, at := range m.abandonedFiles {
		if now.Sub(at) > closedFileRetention {
			delete(m.abandonedFiles, id)
		}
	}
	for id, closed := range m.finishedFiles {
		if now.Sub(closed.at) > closedFileRetention {
			delete(m.finishedFiles, id)
		}
	}
	m.fileMu.Unlock()
}

func (m *Manager) abandonInbound(match func(*inboundTransfer) bool, cause error) {
	now := m.options.Now()
	abandoned := make([]*inboundTransfer, 0)

	m.fileMu.Lock()
	for id, transfer := range m.inboundFiles {
		if !match(transfer) {
			continue
		}
		delete(m.inboundFiles, id)
		m.abandonedFiles[id] = now
		abandoned = append(abandoned, transfer)
	}
	m.fileMu.Unlock()

	for _, transfer := range abandoned {
		m.failInbound(transfer.session.peerID, transfer.meta, cause)
	}
}

// lookupClosedFile reports whether fileID finished or was abandoned. Callers hold fileMu.
func (m *Manager) lookupClosedFile(fileID string) (closedFile, bool) {
	if closed, ok := m.finishedFiles[fileID]; ok {
		return closed, true
	}
	if at, ok := m.abandonedFiles[fileID]; ok {
		return closedFile{at: at}, true
	}
	return closedFile{}, false
}

func (m *Manager) validateFileMeta(meta FileMeta) error {
	if meta.Size < 0 {
		return fmt.Errorf("negative size %d", meta.Size)
	}
	if meta.Size > m.options.MaxFileSize {
		return ErrFileTooLarge
	}
	if meta.Size > 0 && meta.ChunkSize <= 0 {
		return fmt.Errorf("invalid chunk size %d", meta.ChunkSize)
	}
	if meta.ChunkSize > MaxFrameSize {
		return fmt.Errorf("chunk size %d exceeds frame size", meta.ChunkSize)
	}
	if want := chunkCount(meta.Size, meta.ChunkSize); meta.TotalChunks != want {
		return fmt.Errorf("total chunks %d, want %d", meta.TotalChunks, want)
	}
	if meta.TotalChunks > 1 && meta.ChunkSize < MinChunkSize {
		return fmt.Errorf("chunk size %d below minimum %d", meta.ChunkSize, MinChunkSize)
	}
	return nil
}

func (m *Manager) saveTransfer(record models.FileTransfer) {
	if err := m.options.Store.SaveTransfer(record); err != nil {
		m.logger.Error("save file transfer", zap.String("file_id", record.FileID), zap.Error(err))
	}
}

func (m *Manager) updateTransfer(fileID string, status models.TransferStatus) {
	if err := m.options.Store.UpdateTransferStatus(fileID, status); err != nil {
		m.logger.Error("update file transfer", zap.String("file_id", fileID), zap.Error(err))
	}
}

func transferRecord(peerID string, direction models.Direction, meta FileMeta, status models.TransferStatus, now time.Time) models.FileTransfer {
	return models.FileTransfer{
		FileID:      meta.FileID,
		PeerID:      peerID,
		Direction:   direction,
		Name:        meta.Name,
		Size:        meta.Size,
		MIME:        meta.MIME,
		TotalChunks: meta.TotalChunks,
		ChunkSize:   meta.ChunkSize,
		Status:      status,
		UpdatedAt:   now.UnixMilli(),
	}
}

func chunkCount(size int64, chunkSize int) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	chunks := int(size / int64(chunkSize))
	if size%int64(chunkSize) != 0 {
		chunks++
	}
	return chunks
}

func chunkLength(size int64, chunkSize, idx int) int64 {
	start := int64(idx) * int64(chunkSize)
	remaining := size - start
	if remaining > int64(chunkSize) {
		return int64(chunkSize)
	}
	return remaining
}

func chunkSlice(data []byte, chunkSize, idx int) []byte {
	start := idx * chunkSize
	end := start + chunkSize
	if end > len(data) {
		end = len(data)
	}
	return data[start:end]
}
