package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"peerlink/models"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

type scanner interface {
	Scan(dest ...any) error
}

func validateMessageStatus(status models.MessageStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid message status %q", status)
	}
	return nil
}

func validateDirection(direction models.Direction) error {
	switch direction {
	case models.DirectionOutbound, models.DirectionInbound:
		return nil
	default:
		return fmt.Errorf("invalid direction %q", direction)
	}
}

func validateTransferStatus(status models.TransferStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid transfer status %q", status)
	}
	return nil
}

func nullableTimestamp(ts int64) sql.NullInt64 {
	if ts <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: ts, Valid: true}
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}

// clock is the time source for default timestamps and expiry filtering.
type clock struct {
	now atomic.Pointer[func() time.Time]
}

// SetClock replaces the wall clock. A nil now restores it.
func (c *clock) SetClock(now func() time.Time) {
	if now == nil {
		c.now.Store(nil)
		return
	}
	c.now.Store(&now)
}

func (c *clock) nowUnixMilli() int64 {
	if now := c.now.Load(); now != nil {
		return (*now)().UnixMilli()
	}
	return nowUnixMilli()
}
