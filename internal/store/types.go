package store

import "time"

// Conversation kinds. These mirror the server's two message routes.
const (
	KindDirect = "direct"
	KindGroup  = "group"
)

// Conversation is a known chat partner: a contact or a group.
type Conversation struct {
	ID            int64
	Kind          string
	PeerID        int64
	Name          string
	UnreadCount   int
	LastMessageAt time.Time
}

// Message is a locally cached, already-decrypted message.
// Undecryptable marks messages whose ciphertext could not be opened;
// Body holds a placeholder in that case.
type Message struct {
	ID            int64
	Kind          string
	PeerID        int64
	ServerID      int64
	SenderID      int64
	Body          string
	FromMe        bool
	Undecryptable bool
	Timestamp     time.Time
}

// OutboxEntry is one row of the durable outbound queue. Status strings
// and lifecycle semantics are owned by the outbox package; the store
// only persists them.
type OutboxEntry struct {
	ID               int64
	LocalID          string
	Kind             string
	TargetID         int64
	EncryptedContent string
	Status           string
	Attempts         int
	QueuedAt         time.Time
	LastAttempt      time.Time
	SentAt           time.Time
	FailedAt         time.Time
	ServerID         int64
	ServerTimestamp  time.Time
}

// Timestamps are stored as RFC 3339 strings so they compare correctly
// with the server's ISO 8601 wire format. The zero time is stored as "".
// timeLayout is RFC 3339 with fixed-width nanoseconds so stored values
// compare correctly as text in SQL (MAX, ORDER BY, range predicates).
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
