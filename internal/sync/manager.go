// Package sync reconciles the local message history against the server
// after any connectivity gap, using a last-successful-sync watermark as
// the lower bound for catch-up fetches.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mlourenco/cipherchat/internal/bus"
	"github.com/mlourenco/cipherchat/internal/chatapi"
	"github.com/mlourenco/cipherchat/internal/crypto"
	"github.com/mlourenco/cipherchat/internal/store"
	"go.uber.org/zap"
)

// Fetcher is the REST surface the manager needs from the API client.
type Fetcher interface {
	DirectMessages(ctx context.Context, contactID int64, since time.Time) ([]chatapi.WireMessage, error)
	GroupMessages(ctx context.Context, groupID int64, since time.Time) ([]chatapi.WireMessage, error)
}

// Entry identifies a conversation pending re-synchronization.
type Entry struct {
	Kind   string
	PeerID int64
}

// SyncedMessages is the payload of a bus.KindSyncedMessages event.
type SyncedMessages struct {
	Kind     string
	PeerID   int64
	Messages []store.Message
}

// Manager owns the sync watermark and the queue of conversations awaiting
// catch-up. Conversations are processed sequentially, never concurrently,
// which keeps watermark advancement deterministic and avoids hammering
// the server after a reconnect.
type Manager struct {
	api    Fetcher
	db     *store.DB
	opener *crypto.Envelope
	bus    *bus.Bus
	logger *zap.Logger

	mu       sync.Mutex
	queue    []Entry
	syncing  bool
	lastSync time.Time
	selfID   int64
}

// NewManager creates a sync manager, restoring the watermark persisted in
// the session store.
func NewManager(api Fetcher, db *store.DB, opener *crypto.Envelope, b *bus.Bus, logger *zap.Logger) (*Manager, error) {
	m := &Manager{
		api:    api,
		db:     db,
		opener: opener,
		bus:    b,
		logger: logger,
	}

	raw, err := db.GetState(store.StateKeyLastSync)
	if err != nil {
		return nil, fmt.Errorf("load watermark: %w", err)
	}
	if raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("parse watermark %q: %w", raw, err)
		}
		m.lastSync = t
	}
	return m, nil
}

// SetIdentity records the authenticated user id, used to mark own messages.
func (m *Manager) SetIdentity(userID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.selfID = userID
}

// LastSyncTime returns the current watermark. Zero means never synced.
func (m *Manager) LastSyncTime() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSync
}

// QueueSync enqueues a conversation for refresh. Duplicate pairs are
// collapsed.
func (m *Manager) QueueSync(kind string, peerID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.queue {
		if e.Kind == kind && e.PeerID == peerID {
			return
		}
	}
	m.queue = append(m.queue, Entry{Kind: kind, PeerID: peerID})
}

// QueueLen reports how many conversations await synchronization.
func (m *Manager) QueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// ProcessQueue synchronizes each queued conversation sequentially. An
// entry is removed only after its own sync succeeds; failures leave the
// entry for the next pass and do not block the remaining entries. A
// concurrent call while processing is underway is a no-op.
func (m *Manager) ProcessQueue(ctx context.Context) {
	m.mu.Lock()
	if m.syncing || len(m.queue) == 0 {
		m.mu.Unlock()
		return
	}
	m.syncing = true
	snapshot := make([]Entry, len(m.queue))
	copy(snapshot, m.queue)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.syncing = false
		m.mu.Unlock()
	}()

	for _, e := range snapshot {
		if ctx.Err() != nil {
			return
		}
		if err := m.SyncChat(ctx, e.Kind, e.PeerID); err != nil {
			m.logger.Warn("sync failed, will retry on next pass",
				zap.String("kind", e.Kind),
				zap.Int64("peer_id", e.PeerID),
				zap.Error(err))
			continue
		}
		m.dequeue(e)
	}
}

func (m *Manager) dequeue(target Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.queue {
		if e == target {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return
		}
	}
}

// SyncChat fetches everything for one conversation since the watermark
// (full history on first-ever sync), ingests it, and announces any new
// messages. The watermark advances to now only on success: it is a global
// clock bound, not a max-message-timestamp, because its only job is to
// avoid re-fetching already-seen data.
func (m *Manager) SyncChat(ctx context.Context, kind string, peerID int64) error {
	since := m.LastSyncTime()

	var wire []chatapi.WireMessage
	var err error
	switch kind {
	case store.KindDirect:
		wire, err = m.api.DirectMessages(ctx, peerID, since)
	case store.KindGroup:
		wire, err = m.api.GroupMessages(ctx, peerID, since)
	default:
		return fmt.Errorf("unknown chat kind %q", kind)
	}
	if err != nil {
		return fmt.Errorf("fetch %s %d: %w", kind, peerID, err)
	}

	if len(wire) > 0 {
		msgs, err := m.ingest(kind, peerID, wire)
		if err != nil {
			return err
		}
		m.bus.Publish(bus.Event{
			Kind:      bus.KindSyncedMessages,
			Timestamp: time.Now(),
			Payload:   SyncedMessages{Kind: kind, PeerID: peerID, Messages: msgs},
		})
	}

	m.logger.Info("conversation synced",
		zap.String("kind", kind),
		zap.Int64("peer_id", peerID),
		zap.Int("messages", len(wire)))

	return m.advanceWatermark()
}

// ingest decrypts and stores a batch. Decryption failures degrade to a
// placeholder record; they never abort the batch.
func (m *Manager) ingest(kind string, peerID int64, wire []chatapi.WireMessage) ([]store.Message, error) {
	m.mu.Lock()
	selfID := m.selfID
	m.mu.Unlock()

	msgs := make([]store.Message, 0, len(wire))
	var newest time.Time
	for _, w := range wire {
		msg := store.Message{
			Kind:      kind,
			PeerID:    peerID,
			ServerID:  w.ID,
			SenderID:  w.SenderID,
			FromMe:    w.SenderID == selfID,
			Timestamp: w.Time(),
		}

		// Box keys are symmetric pairwise: our own sent messages open with
		// the peer's key, everything else with the sender's.
		openWith := w.SenderID
		if msg.FromMe {
			openWith = peerID
		}
		body, err := m.opener.Open(openWith, w.EncryptedContent)
		if err != nil {
			if !errors.Is(err, crypto.ErrDecrypt) {
				return nil, fmt.Errorf("open message %d: %w", w.ID, err)
			}
			m.logger.Warn("undecryptable synced message",
				zap.Int64("server_id", w.ID),
				zap.Int64("sender_id", w.SenderID))
			msg.Body = crypto.PlaceholderBody
			msg.Undecryptable = true
		} else {
			msg.Body = body
		}

		if err := m.db.UpsertMessage(&msg); err != nil {
			return nil, fmt.Errorf("store message %d: %w", w.ID, err)
		}
		if msg.Timestamp.After(newest) {
			newest = msg.Timestamp
		}
		msgs = append(msgs, msg)
	}

	if err := m.db.UpsertConversation(&store.Conversation{
		Kind:          kind,
		PeerID:        peerID,
		LastMessageAt: newest,
	}); err != nil {
		return nil, fmt.Errorf("store conversation: %w", err)
	}
	return msgs, nil
}

func (m *Manager) advanceWatermark() error {
	now := time.Now()
	if err := m.db.SetState(store.StateKeyLastSync, now.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("persist watermark: %w", err)
	}
	m.mu.Lock()
	m.lastSync = now
	m.mu.Unlock()
	return nil
}

// SyncAllActive sweeps every known conversation: direct conversations
// first, then groups, sequentially.
func (m *Manager) SyncAllActive(ctx context.Context) error {
	for _, kind := range []string{store.KindDirect, store.KindGroup} {
		convs, err := m.db.ListConversations(kind)
		if err != nil {
			return err
		}
		for _, c := range convs {
			if err := m.SyncChat(ctx, kind, c.PeerID); err != nil {
				return err
			}
		}
	}
	return nil
}

// CatchUp runs the post-reconnect sequence: the currently open
// conversation is synchronized immediately so the visible screen becomes
// current first, then every other known conversation is queued and the
// queue processed.
func (m *Manager) CatchUp(ctx context.Context, activeKind string, activePeer int64) {
	if activeKind != "" {
		if err := m.SyncChat(ctx, activeKind, activePeer); err != nil {
			m.logger.Warn("active conversation sync failed",
				zap.String("kind", activeKind),
				zap.Int64("peer_id", activePeer),
				zap.Error(err))
			m.QueueSync(activeKind, activePeer)
		}
	}

	for _, kind := range []string{store.KindDirect, store.KindGroup} {
		convs, err := m.db.ListConversations(kind)
		if err != nil {
			m.logger.Error("list conversations", zap.String("kind", kind), zap.Error(err))
			continue
		}
		for _, c := range convs {
			if kind == activeKind && c.PeerID == activePeer {
				continue
			}
			m.QueueSync(kind, c.PeerID)
		}
	}

	m.ProcessQueue(ctx)
}
