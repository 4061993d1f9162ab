// Package transport owns the WebSocket connection to the chat server: the
// dial/authenticate handshake, the reader loop, heartbeats, reconnection
// scheduling, outbox draining, and ingestion of pushed messages.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/mlourenco/cipherchat/internal/bus"
	"github.com/mlourenco/cipherchat/internal/chatapi"
	"github.com/mlourenco/cipherchat/internal/conn"
	"github.com/mlourenco/cipherchat/internal/crypto"
	"github.com/mlourenco/cipherchat/internal/outbox"
	"github.com/mlourenco/cipherchat/internal/store"
	"go.uber.org/zap"
)

const (
	// ackTimeout bounds how long a request waits for the server to
	// acknowledge before the attempt counts as failed.
	ackTimeout = 10 * time.Second

	// heartbeatInterval is how often a ping is sent on an idle connection.
	heartbeatInterval = 30 * time.Second

	// removalGrace is how long an acknowledged outbox entry lingers after
	// the ack event, so observers can correlate the local id.
	removalGrace = 5 * time.Second
)

// ErrNotConnected is returned by operations that need a live socket.
var ErrNotConnected = errors.New("transport: not connected")

// frame is the wire envelope. Client frames carry op and seq; the server
// answers with op "ack" (or an error) echoing the seq, and pushes carry
// their own ops with no seq.
type frame struct {
	Op    string          `json:"op"`
	Seq   int64           `json:"seq,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Focus reports which conversation the user currently has open. Inbound
// messages for the focused conversation are rendered and receipted;
// everything else bumps the unread counter.
type Focus interface {
	Active() (kind string, peerID int64, ok bool)
}

// Syncer runs the post-reconnect catch-up.
type Syncer interface {
	CatchUp(ctx context.Context, activeKind string, activePeer int64)
}

// SendAck reports a server-acknowledged outbox entry.
type SendAck struct {
	LocalID   string
	ServerID  int64
	Timestamp time.Time
}

// SendFailure reports an outbox entry that exhausted its attempts.
type SendFailure struct {
	LocalID string
	Reason  string
}

// UnreadUpdate reports a conversation's new unread count.
type UnreadUpdate struct {
	Kind   string
	PeerID int64
	Count  int
}

// Notification asks the host to surface an inbound message.
type Notification struct {
	Kind     string
	PeerID   int64
	SenderID int64
	Body     string
}

// Options configures a Handler.
type Options struct {
	// URL is the WebSocket endpoint, e.g. ws://localhost:3000/ws.
	URL string
}

// Handler is the socket layer. It never decides state on its own: every
// transition goes through the connection manager, and reconnect permission
// is asked of the manager before each attempt.
type Handler struct {
	url    string
	conn   *conn.Manager
	queue  *outbox.Queue
	db     *store.DB
	opener *crypto.Envelope
	bus    *bus.Bus
	syncer Syncer
	focus  Focus
	logger *zap.Logger

	mu             sync.Mutex
	ws             *websocket.Conn
	connCancel     context.CancelFunc
	token          string
	selfID         int64
	seq            int64
	pending        map[int64]chan frame
	reconnectTimer *time.Timer
	serverBye      bool
	closed         bool

	writeMu sync.Mutex
	drainMu sync.Mutex
}

// NewHandler creates a transport handler. focus and syncer may be nil in
// tests; a nil focus means no conversation is ever considered open.
func NewHandler(opts Options, cm *conn.Manager, queue *outbox.Queue, db *store.DB, opener *crypto.Envelope, b *bus.Bus, syncer Syncer, focus Focus, logger *zap.Logger) *Handler {
	return &Handler{
		url:     opts.URL,
		conn:    cm,
		queue:   queue,
		db:      db,
		opener:  opener,
		bus:     b,
		syncer:  syncer,
		focus:   focus,
		logger:  logger,
		pending: make(map[int64]chan frame),
	}
}

// SetCredentials installs the bearer token and user id obtained from login.
// Must be called before Connect.
func (h *Handler) SetCredentials(token string, userID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.token = token
	h.selfID = userID
}

// Connect dials the server, authenticates, and starts the reader and
// heartbeat loops. On success the connection manager moves to Connected,
// the outbox drains, and catch-up sync runs. On failure the next attempt
// is scheduled through the manager's backoff.
func (h *Handler) Connect(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return errors.New("transport: handler closed")
	}
	if h.connCancel != nil {
		h.connCancel()
		h.connCancel = nil
	}
	h.serverBye = false
	token := h.token
	h.mu.Unlock()

	if h.conn.State() != conn.Reconnecting {
		h.conn.SetState(conn.Connecting, nil)
	}

	ws, _, err := websocket.Dial(ctx, h.url, nil) //nolint:bodyclose // Dial closes the response body internally
	if err != nil {
		h.logger.Warn("dial failed", zap.String("url", h.url), zap.Error(err))
		h.conn.SetState(conn.Disconnected, map[string]any{"reason": "dial_failed"})
		h.scheduleReconnect()
		return fmt.Errorf("dialing %s: %w", h.url, err)
	}

	if err := h.authenticate(ctx, ws, token); err != nil {
		ws.Close(websocket.StatusNormalClosure, "auth failed")
		h.conn.SetState(conn.Errored, map[string]any{"reason": "auth_failed"})
		return fmt.Errorf("authenticate: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	h.mu.Lock()
	h.ws = ws
	h.connCancel = cancel
	h.seq = 2 // seqs 1 and 2 are spent on the handshake
	selfID := h.selfID
	h.mu.Unlock()

	// Join the personal channel so the server routes our pushes. The ack
	// is consumed by the reader loop and discarded.
	join := frame{Op: "join", Seq: 2, Data: mustJSON(map[string]string{
		"channel": fmt.Sprintf("user_%d", selfID),
	})}
	if err := h.write(ctx, ws, join); err != nil {
		ws.Close(websocket.StatusInternalError, "join failed")
		cancel()
		h.mu.Lock()
		h.ws = nil
		h.connCancel = nil
		h.mu.Unlock()
		h.conn.SetState(conn.Disconnected, map[string]any{"reason": "join_failed"})
		h.scheduleReconnect()
		return fmt.Errorf("join: %w", err)
	}

	h.conn.ResetReconnectAttempts()
	h.conn.SetState(conn.Connected, nil)

	go h.readLoop(connCtx, ws)
	go h.heartbeatLoop(connCtx, ws)
	go h.afterConnect(connCtx)

	return nil
}

// authenticate runs the first exchange on a fresh socket, before the
// reader loop starts, so it reads the response directly.
func (h *Handler) authenticate(ctx context.Context, ws *websocket.Conn, token string) error {
	ctx, cancel := context.WithTimeout(ctx, ackTimeout)
	defer cancel()

	auth := frame{Op: "authenticate", Seq: 1, Data: mustJSON(map[string]string{"token": token})}
	if err := wsjson.Write(ctx, ws, auth); err != nil {
		return fmt.Errorf("sending auth: %w", err)
	}

	var resp frame
	if err := wsjson.Read(ctx, ws, &resp); err != nil {
		return fmt.Errorf("reading auth response: %w", err)
	}
	if resp.Op != "ack" || resp.Error != "" {
		msg := resp.Error
		if msg == "" {
			msg = resp.Op
		}
		return fmt.Errorf("server rejected auth: %s", msg)
	}
	return nil
}

// afterConnect runs the post-connect sequence: drain the outbox first so
// queued sends go out before any fetch traffic, then catch-up sync for
// every known conversation (the focused one first).
func (h *Handler) afterConnect(ctx context.Context) {
	if err := h.Drain(ctx); err != nil {
		h.logger.Warn("post-connect drain stopped", zap.Error(err))
	}

	activeKind, activePeer := "", int64(0)
	if h.focus != nil {
		if k, p, ok := h.focus.Active(); ok {
			activeKind, activePeer = k, p
		}
	}
	if h.syncer != nil {
		h.syncer.CatchUp(ctx, activeKind, activePeer)
	}
}

// Close shuts the handler down permanently.
func (h *Handler) Close() error {
	h.mu.Lock()
	h.closed = true
	if h.reconnectTimer != nil {
		h.reconnectTimer.Stop()
		h.reconnectTimer = nil
	}
	ws := h.ws
	h.ws = nil
	if h.connCancel != nil {
		h.connCancel()
		h.connCancel = nil
	}
	h.mu.Unlock()

	if ws != nil {
		return ws.Close(websocket.StatusNormalClosure, "bye")
	}
	return nil
}

// Reconnect performs a user-initiated reconnect: the attempt counter is
// reset so a parked ReconnectFailed machine gets a fresh budget, any
// scheduled attempt is cancelled, and the dial happens immediately.
func (h *Handler) Reconnect(ctx context.Context) error {
	h.mu.Lock()
	if h.reconnectTimer != nil {
		h.reconnectTimer.Stop()
		h.reconnectTimer = nil
	}
	h.mu.Unlock()

	h.conn.ResetReconnectAttempts()
	h.conn.SetState(conn.Reconnecting, map[string]any{"reason": "manual"})
	return h.Connect(ctx)
}

// readLoop consumes frames until the socket dies, dispatching acks to
// their waiting requests and pushes to the ingestion path.
func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn) {
	for {
		var f frame
		if err := wsjson.Read(ctx, ws, &f); err != nil {
			h.handleReadError(ctx, ws, err)
			return
		}

		switch f.Op {
		case "ack", "pong":
			h.resolve(f)
		case "new_message":
			h.handlePush(store.KindDirect, f.Data)
		case "new_group_message":
			h.handlePush(store.KindGroup, f.Data)
		case "bye":
			// Orderly server shutdown: do not fight it with retries.
			h.mu.Lock()
			h.serverBye = true
			h.mu.Unlock()
			h.logger.Info("server closing connection")
			ws.Close(websocket.StatusNormalClosure, "bye")
		default:
			h.logger.Warn("unknown frame op", zap.String("op", f.Op))
		}
	}
}

func (h *Handler) handleReadError(ctx context.Context, ws *websocket.Conn, err error) {
	h.mu.Lock()
	current := h.ws == ws
	serverBye := h.serverBye
	closed := h.closed
	// Capture before cancelling connCtx below, so we only bail out when the
	// cancellation came from outside (Close, or a newer Connect).
	cancelled := ctx.Err() != nil
	if current {
		h.ws = nil
		if h.connCancel != nil {
			h.connCancel() // stops the heartbeat for this connection
			h.connCancel = nil
		}
		// Fail this connection's in-flight requests so callers unblock
		// immediately. A stale socket's death must leave the live
		// connection's requests alone.
		for seq, ch := range h.pending {
			close(ch)
			delete(h.pending, seq)
		}
	}
	h.mu.Unlock()

	if !current || closed || cancelled {
		return
	}

	if serverBye {
		h.conn.SetState(conn.Disconnected, map[string]any{
			"reason":  "server_shutdown",
			"message": "server closed the connection",
		})
		return
	}

	// Unplanned drop: go straight to Reconnecting. Disconnected is reserved
	// for server-initiated shutdown and network-offline signals.
	h.logger.Warn("connection lost", zap.Error(err))
	h.scheduleReconnect()
}

// heartbeatLoop pings on an interval. A missed pong closes the socket,
// which funnels recovery through the single read-error path.
func (h *Handler) heartbeatLoop(ctx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := h.request(ctx, "ping", nil); err != nil {
				if ctx.Err() != nil {
					return
				}
				h.logger.Warn("heartbeat failed, closing socket", zap.Error(err))
				_ = ws.CloseNow()
				return
			}
		}
	}
}

// scheduleReconnect arms a single timer for the next automatic attempt,
// replacing any previously armed one. The connection manager decides
// whether an attempt is still allowed and how long to wait.
func (h *Handler) scheduleReconnect() {
	if !h.conn.CanAttemptReconnect() {
		return
	}

	delay := h.conn.ReconnectDelay()
	attempt := h.conn.IncrementReconnectAttempts()

	h.conn.SetState(conn.Reconnecting, map[string]any{
		"attempt": attempt,
		"delay":   delay.String(),
	})
	h.logger.Info("reconnect scheduled",
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay))

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if h.reconnectTimer != nil {
		h.reconnectTimer.Stop()
	}
	h.reconnectTimer = time.AfterFunc(delay, func() {
		if err := h.Connect(context.Background()); err != nil {
			h.logger.Warn("reconnect attempt failed", zap.Error(err))
		}
	})
}

// request writes a frame and waits for the server to echo its seq, up to
// ackTimeout.
func (h *Handler) request(ctx context.Context, op string, data any) (frame, error) {
	h.mu.Lock()
	ws := h.ws
	if ws == nil {
		h.mu.Unlock()
		return frame{}, ErrNotConnected
	}
	h.seq++
	seq := h.seq
	ch := make(chan frame, 1)
	h.pending[seq] = ch
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.pending, seq)
		h.mu.Unlock()
	}()

	if err := h.write(ctx, ws, frame{Op: op, Seq: seq, Data: mustJSON(data)}); err != nil {
		return frame{}, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return frame{}, ErrNotConnected
		}
		if resp.Error != "" {
			return resp, fmt.Errorf("server error: %s", resp.Error)
		}
		return resp, nil
	case <-time.After(ackTimeout):
		return frame{}, fmt.Errorf("%s: no ack within %s", op, ackTimeout)
	case <-ctx.Done():
		return frame{}, ctx.Err()
	}
}

func (h *Handler) resolve(f frame) {
	h.mu.Lock()
	ch, ok := h.pending[f.Seq]
	if ok {
		delete(h.pending, f.Seq)
	}
	h.mu.Unlock()
	if ok {
		ch <- f
	}
}

func (h *Handler) write(ctx context.Context, ws *websocket.Conn, f frame) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, ackTimeout)
	defer cancel()
	return wsjson.Write(ctx, ws, f)
}

// Drain sends every pending outbox entry in FIFO order. Each entry is
// marked sending before the attempt; an acknowledged entry becomes sent
// and is removed after a grace period, an entry out of attempts becomes
// failed, and anything else returns to pending. The first transport
// failure stops the pass, since later sends would break arrival order.
func (h *Handler) Drain(ctx context.Context) error {
	h.drainMu.Lock()
	defer h.drainMu.Unlock()

	for {
		if h.conn.State() != conn.Connected {
			return nil
		}
		entry, err := h.queue.NextPending()
		if err != nil {
			return fmt.Errorf("drain: %w", err)
		}
		if entry == nil {
			return nil
		}
		if err := h.sendEntry(ctx, entry); err != nil {
			return err
		}
	}
}

type sendPayload struct {
	LocalID          string `json:"local_id"`
	RecipientID      int64  `json:"recipient_id,omitempty"`
	GroupID          int64  `json:"group_id,omitempty"`
	EncryptedContent string `json:"encrypted_content"`
}

type ackPayload struct {
	ID        int64  `json:"id"`
	Timestamp string `json:"timestamp"`
}

func (h *Handler) sendEntry(ctx context.Context, entry *store.OutboxEntry) error {
	marked, err := h.queue.UpdateStatus(entry.LocalID, outbox.StatusSending, nil)
	if err != nil {
		return fmt.Errorf("mark sending: %w", err)
	}
	if marked == nil {
		return nil
	}

	op := "direct_message"
	payload := sendPayload{LocalID: entry.LocalID, EncryptedContent: entry.EncryptedContent}
	if entry.Kind == store.KindGroup {
		op = "group_message"
		payload.GroupID = entry.TargetID
	} else {
		payload.RecipientID = entry.TargetID
	}

	resp, err := h.request(ctx, op, payload)
	if err != nil {
		return h.sendFailed(marked, err)
	}

	var ack ackPayload
	if err := json.Unmarshal(resp.Data, &ack); err != nil {
		return h.sendFailed(marked, fmt.Errorf("bad ack payload: %w", err))
	}

	serverTime := chatapi.WireMessage{Timestamp: ack.Timestamp}.Time()
	if _, err := h.queue.UpdateStatus(entry.LocalID, outbox.StatusSent, &outbox.ServerData{
		ID:        ack.ID,
		Timestamp: serverTime,
	}); err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	if err := h.db.PromoteMessage(entry.Kind, entry.TargetID, -entry.ID, ack.ID, serverTime); err != nil {
		h.logger.Warn("echo promote failed", zap.String("local_id", entry.LocalID), zap.Error(err))
	}

	h.bus.Publish(bus.Event{
		Kind:      bus.KindSendAck,
		Timestamp: time.Now(),
		Payload:   SendAck{LocalID: entry.LocalID, ServerID: ack.ID, Timestamp: serverTime},
	})

	localID := entry.LocalID
	time.AfterFunc(removalGrace, func() {
		if _, err := h.queue.Remove(localID); err != nil && !errors.Is(err, outbox.ErrNotFound) {
			h.logger.Warn("grace removal failed", zap.String("local_id", localID), zap.Error(err))
		}
	})
	return nil
}

// sendFailed records the failed attempt: entries out of attempts park in
// failed and announce it; the rest return to pending for the next drain.
// The transport error is propagated either way to stop the current pass.
func (h *Handler) sendFailed(entry *store.OutboxEntry, cause error) error {
	if entry.Attempts >= outbox.MaxAttempts {
		if _, err := h.queue.UpdateStatus(entry.LocalID, outbox.StatusFailed, nil); err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
		h.logger.Warn("message failed permanently",
			zap.String("local_id", entry.LocalID),
			zap.Int("attempts", entry.Attempts),
			zap.Error(cause))
		h.bus.Publish(bus.Event{
			Kind:      bus.KindSendFailed,
			Timestamp: time.Now(),
			Payload:   SendFailure{LocalID: entry.LocalID, Reason: cause.Error()},
		})
	} else {
		if _, err := h.queue.UpdateStatus(entry.LocalID, outbox.StatusPending, nil); err != nil {
			return fmt.Errorf("requeue: %w", err)
		}
	}
	return fmt.Errorf("send %s: %w", entry.LocalID, cause)
}

// handlePush ingests one pushed message. Every failure is contained to the
// single message: a push that cannot be decrypted is stored with a
// placeholder body, and a push that cannot be parsed is logged and dropped.
func (h *Handler) handlePush(kind string, data json.RawMessage) {
	var w chatapi.WireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		h.logger.Error("malformed push", zap.String("kind", kind), zap.Error(err))
		return
	}

	h.mu.Lock()
	selfID := h.selfID
	h.mu.Unlock()

	peerID := w.SenderID
	if kind == store.KindGroup {
		peerID = w.GroupID
	} else if w.SenderID == selfID {
		peerID = w.RecipientID
	}

	msg := store.Message{
		Kind:      kind,
		PeerID:    peerID,
		ServerID:  w.ID,
		SenderID:  w.SenderID,
		FromMe:    w.SenderID == selfID,
		Timestamp: w.Time(),
	}

	openWith := w.SenderID
	if msg.FromMe {
		// Box keys are pairwise: our own echoes open with the peer's key.
		openWith = peerID
	}
	body, err := h.opener.Open(openWith, w.EncryptedContent)
	if err != nil {
		h.logger.Warn("undecryptable push",
			zap.Int64("server_id", w.ID),
			zap.Int64("sender_id", w.SenderID))
		msg.Body = crypto.PlaceholderBody
		msg.Undecryptable = true
	} else {
		msg.Body = body
	}

	if err := h.db.UpsertMessage(&msg); err != nil {
		h.logger.Error("store push", zap.Int64("server_id", w.ID), zap.Error(err))
		return
	}
	if err := h.db.UpsertConversation(&store.Conversation{
		Kind:          kind,
		PeerID:        peerID,
		LastMessageAt: msg.Timestamp,
	}); err != nil {
		h.logger.Error("store conversation", zap.Error(err))
	}

	if msg.FromMe {
		// Own message echoed back (sent from another session): record it
		// silently, no unread bump, no notification.
		return
	}

	if h.isActive(kind, peerID) {
		h.bus.Publish(bus.Event{
			Kind:      bus.KindMessageReceived,
			Timestamp: time.Now(),
			Payload:   msg,
		})
		h.sendReadReceipt(kind, peerID, w.ID)
		return
	}

	count, err := h.db.IncrementUnread(kind, peerID)
	if err != nil {
		h.logger.Error("unread increment", zap.Error(err))
	} else {
		h.bus.Publish(bus.Event{
			Kind:      bus.KindUnreadUpdated,
			Timestamp: time.Now(),
			Payload:   UnreadUpdate{Kind: kind, PeerID: peerID, Count: count},
		})
	}
	h.bus.Publish(bus.Event{
		Kind:      bus.KindNotify,
		Timestamp: time.Now(),
		Payload:   Notification{Kind: kind, PeerID: peerID, SenderID: w.SenderID, Body: msg.Body},
	})
}

func (h *Handler) isActive(kind string, peerID int64) bool {
	if h.focus == nil {
		return false
	}
	k, p, ok := h.focus.Active()
	return ok && k == kind && p == peerID
}

// sendReadReceipt tells the server a message was displayed. Fire and
// forget: the ack, if any, is discarded by the reader loop.
func (h *Handler) sendReadReceipt(kind string, peerID, messageID int64) {
	h.mu.Lock()
	ws := h.ws
	h.seq++
	seq := h.seq
	h.mu.Unlock()
	if ws == nil {
		return
	}

	receipt := frame{Op: "message_read", Seq: seq, Data: mustJSON(map[string]any{
		"kind":       kind,
		"peer_id":    peerID,
		"message_id": messageID,
	})}
	if err := h.write(context.Background(), ws, receipt); err != nil {
		h.logger.Warn("read receipt failed", zap.Error(err))
	}
}

func mustJSON(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		// All payloads are plain structs and maps; this cannot fail.
		panic(err)
	}
	return raw
}
