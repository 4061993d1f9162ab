// Package client is the application-facing surface of the pipeline:
// sending messages, reading cached history, and tracking which
// conversation the user has open.
package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mlourenco/cipherchat/internal/bus"
	"github.com/mlourenco/cipherchat/internal/conn"
	"github.com/mlourenco/cipherchat/internal/crypto"
	"github.com/mlourenco/cipherchat/internal/outbox"
	"github.com/mlourenco/cipherchat/internal/store"
	"github.com/mlourenco/cipherchat/internal/transport"
	"go.uber.org/zap"
)

// Messenger composes the pipeline into the operations a UI needs. It also
// owns conversation focus, which the transport consults to route inbound
// messages between render-now and unread-counter paths.
type Messenger struct {
	db     *store.DB
	queue  *outbox.Queue
	sealer *crypto.Envelope
	cm     *conn.Manager
	bus    *bus.Bus
	logger *zap.Logger

	mu         sync.Mutex
	handler    *transport.Handler
	activeKind string
	activePeer int64
	hasActive  bool
}

// NewMessenger creates the messenger. The transport handler is attached
// separately because the two reference each other: the handler asks the
// messenger for focus, the messenger kicks the handler's drain.
func NewMessenger(db *store.DB, queue *outbox.Queue, sealer *crypto.Envelope, cm *conn.Manager, b *bus.Bus, logger *zap.Logger) *Messenger {
	return &Messenger{
		db:     db,
		queue:  queue,
		sealer: sealer,
		cm:     cm,
		bus:    b,
		logger: logger,
	}
}

// AttachTransport wires the socket layer in after construction.
func (m *Messenger) AttachTransport(h *transport.Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// Active implements transport.Focus.
func (m *Messenger) Active() (string, int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeKind, m.activePeer, m.hasActive
}

// SetActive marks a conversation as the one on screen and clears its
// unread counter.
func (m *Messenger) SetActive(kind string, peerID int64) error {
	m.mu.Lock()
	m.activeKind, m.activePeer, m.hasActive = kind, peerID, true
	m.mu.Unlock()
	return m.MarkRead(kind, peerID)
}

// ClearActive records that no conversation is on screen; every inbound
// message goes to the unread path.
func (m *Messenger) ClearActive() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hasActive = false
}

// SendMessage encrypts and enqueues a message. The message is accepted in
// any connection state; when connected, a drain is kicked immediately,
// otherwise the entry waits for the next one. The returned entry carries
// the local id the caller can correlate ack events with.
func (m *Messenger) SendMessage(ctx context.Context, kind string, targetID int64, plaintext string) (*store.OutboxEntry, error) {
	ciphertext, err := m.sealer.Seal(targetID, plaintext)
	if err != nil {
		return nil, fmt.Errorf("seal for %s %d: %w", kind, targetID, err)
	}

	entry, err := m.queue.Enqueue(kind, targetID, ciphertext)
	if err != nil {
		return nil, err
	}

	// Keep the local echo: the sender sees their own message immediately,
	// keyed negatively off the outbox row until a server id replaces it.
	if err := m.db.UpsertMessage(&store.Message{
		Kind:      kind,
		PeerID:    targetID,
		ServerID:  -entry.ID,
		SenderID:  0,
		Body:      plaintext,
		FromMe:    true,
		Timestamp: entry.QueuedAt,
	}); err != nil {
		m.logger.Warn("local echo failed", zap.String("local_id", entry.LocalID), zap.Error(err))
	}
	if err := m.db.UpsertConversation(&store.Conversation{
		Kind:          kind,
		PeerID:        targetID,
		LastMessageAt: entry.QueuedAt,
	}); err != nil {
		m.logger.Warn("conversation touch failed", zap.Error(err))
	}

	if m.cm.State() == conn.Connected {
		m.kickDrain(ctx)
	}
	return entry, nil
}

// RetryFailed moves every permanently failed message back to pending and
// kicks a drain when connected.
func (m *Messenger) RetryFailed(ctx context.Context) (int, error) {
	reset, err := m.queue.ResetFailed()
	if err != nil {
		return 0, err
	}
	if len(reset) > 0 && m.cm.State() == conn.Connected {
		m.kickDrain(ctx)
	}
	return len(reset), nil
}

func (m *Messenger) kickDrain(ctx context.Context) {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	if h == nil {
		return
	}
	go func() {
		if err := h.Drain(ctx); err != nil {
			m.logger.Warn("drain stopped", zap.Error(err))
		}
	}()
}

// MarkRead zeroes a conversation's unread counter and announces it.
func (m *Messenger) MarkRead(kind string, peerID int64) error {
	if err := m.db.ClearUnread(kind, peerID); err != nil {
		return err
	}
	m.bus.Publish(bus.Event{
		Kind:      bus.KindUnreadUpdated,
		Timestamp: time.Now(),
		Payload:   transport.UnreadUpdate{Kind: kind, PeerID: peerID, Count: 0},
	})
	return nil
}

// Messages returns the cached history of a conversation, oldest first.
func (m *Messenger) Messages(kind string, peerID int64, limit int) ([]store.Message, error) {
	return m.db.ListMessages(kind, peerID, limit)
}

// Conversations returns known conversations of a kind, most recent first.
func (m *Messenger) Conversations(kind string) ([]store.Conversation, error) {
	return m.db.ListConversations(kind)
}
