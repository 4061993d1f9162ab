// Package outbox implements the durable outbound message queue. Messages
// are enqueued regardless of connection state and drained by the transport
// whenever the connection reaches connected.
package outbox

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mlourenco/cipherchat/internal/store"
	"go.uber.org/zap"
)

// Status is the lifecycle state of a queued message.
type Status string

const (
	StatusPending   Status = "pending"   // waiting to be sent
	StatusSending   Status = "sending"   // a send attempt is in flight
	StatusSent      Status = "sent"      // server acknowledged receipt
	StatusDelivered Status = "delivered" // server confirmed delivery
	StatusFailed    Status = "failed"    // retry ceiling exceeded
)

// MaxAttempts is the per-message send retry ceiling. The attempts counter
// on each entry is the sole retry authority; there is no separate global
// or per-conversation budget.
const MaxAttempts = 3

// DefaultSentRetention is how long acknowledged entries linger before
// ClearOldSent purges them.
const DefaultSentRetention = 24 * time.Hour

// ErrNotFound is returned by Remove for an unknown local id.
var ErrNotFound = errors.New("outbox: message not found")

// ServerData carries the server-assigned identity recorded on acknowledgment.
type ServerData struct {
	ID        int64
	Timestamp time.Time
}

// Queue is the durable outbox. It is the only writer of the outbox table.
//
// Persistence failures on enqueue trigger a lossy degrade: the oldest half
// of the queue is dropped and the write retried once. Message loss is
// therefore possible only under storage exhaustion, never during normal
// operation.
type Queue struct {
	db     *store.DB
	logger *zap.Logger
}

// NewQueue creates a queue backed by the session store.
func NewQueue(db *store.DB, logger *zap.Logger) *Queue {
	return &Queue{db: db, logger: logger}
}

// Enqueue appends a message in StatusPending and returns the stored record,
// including its generated local id, so callers can correlate UI state with
// queue state.
func (q *Queue) Enqueue(kind string, targetID int64, encryptedContent string) (*store.OutboxEntry, error) {
	e := &store.OutboxEntry{
		LocalID:          newLocalID(),
		Kind:             kind,
		TargetID:         targetID,
		EncryptedContent: encryptedContent,
		Status:           string(StatusPending),
		QueuedAt:         time.Now(),
	}

	if err := q.db.InsertOutbox(e); err != nil {
		q.logger.Warn("outbox write failed, dropping oldest half", zap.Error(err))
		if dropErr := q.db.DropOldestOutboxHalf(); dropErr != nil {
			return nil, fmt.Errorf("enqueue: %w", err)
		}
		if err := q.db.InsertOutbox(e); err != nil {
			return nil, fmt.Errorf("enqueue after degrade: %w", err)
		}
	}
	return e, nil
}

// NextPending returns the oldest pending message, or nil when the queue
// holds none.
func (q *Queue) NextPending() (*store.OutboxEntry, error) {
	pending, err := q.db.OutboxByStatus(string(StatusPending))
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}
	return &pending[0], nil
}

// AllPending returns every pending message in FIFO enqueue order. Ordering
// is a correctness property: the receiving side renders messages in the
// order they arrive.
func (q *Queue) AllPending() ([]store.OutboxEntry, error) {
	return q.db.OutboxByStatus(string(StatusPending))
}

// UpdateStatus transitions a single entry and stamps the status-specific
// bookkeeping fields. StatusSending increments the attempt counter.
// Unknown ids are a no-op returning (nil, nil).
func (q *Queue) UpdateStatus(localID string, status Status, serverData *ServerData) (*store.OutboxEntry, error) {
	e, err := q.db.GetOutbox(localID)
	if err != nil || e == nil {
		return nil, err
	}

	now := time.Now()
	e.Status = string(status)
	switch status {
	case StatusSending:
		e.Attempts++
		e.LastAttempt = now
	case StatusSent, StatusDelivered:
		e.SentAt = now
		if serverData != nil {
			e.ServerID = serverData.ID
			e.ServerTimestamp = serverData.Timestamp
		}
	case StatusFailed:
		e.FailedAt = now
	}

	if _, err := q.db.UpdateOutbox(e); err != nil {
		return nil, err
	}
	return e, nil
}

// Remove deletes an entry and returns it, or ErrNotFound.
func (q *Queue) Remove(localID string) (*store.OutboxEntry, error) {
	e, err := q.db.GetOutbox(localID)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, ErrNotFound
	}
	if _, err := q.db.DeleteOutbox(localID); err != nil {
		return nil, err
	}
	return e, nil
}

// ClearOldSent purges acknowledged entries older than maxAge. Everything
// else is retained, including failed entries awaiting a manual retry.
func (q *Queue) ClearOldSent(maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge)
	return q.db.DeleteOutboxSentBefore([]string{string(StatusSent), string(StatusDelivered)}, cutoff)
}

// ResetFailed transitions every failed entry back to pending for a manual
// retry-all, returning the affected set.
func (q *Queue) ResetFailed() ([]store.OutboxEntry, error) {
	failed, err := q.db.OutboxByStatus(string(StatusFailed))
	if err != nil {
		return nil, err
	}

	var reset []store.OutboxEntry
	for i := range failed {
		e := failed[i]
		e.Status = string(StatusPending)
		if _, err := q.db.UpdateOutbox(&e); err != nil {
			return reset, err
		}
		reset = append(reset, e)
	}
	return reset, nil
}

// newLocalID generates a locally unique message id: a timestamp for rough
// ordering plus a random suffix to avoid collision.
func newLocalID() string {
	return fmt.Sprintf("local_%d_%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}
