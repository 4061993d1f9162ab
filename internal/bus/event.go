package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the pipeline. Subscribers filter by namespace
// prefix, so "conn." receives every connection event and "" receives all.
const (
	// KindStateChanged carries a conn.StateChange payload.
	KindStateChanged = "conn.state_changed"

	// KindReconnectRequested asks the transport to dial immediately,
	// bypassing backoff. Published when the host network comes back or
	// the user requests a manual reconnect.
	KindReconnectRequested = "conn.reconnect_requested"

	// KindMessageReceived carries a live inbound message that belongs to
	// the currently focused conversation and should be rendered now.
	KindMessageReceived = "message.received"

	// KindSendAck and KindSendFailed report the fate of an outbox entry.
	KindSendAck    = "message.send_ack"
	KindSendFailed = "message.send_failed"

	// KindUnreadUpdated fires when a conversation's unread counter moves.
	KindUnreadUpdated = "message.unread_updated"

	// KindSyncedMessages carries a sync.SyncedMessages batch fetched
	// during catch-up after a connectivity gap.
	KindSyncedMessages = "sync.messages"

	// KindNotify asks the host to show a user-visible notification.
	KindNotify = "notify.message"
)
