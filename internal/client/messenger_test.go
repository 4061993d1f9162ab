package client

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/mlourenco/cipherchat/internal/bus"
	"github.com/mlourenco/cipherchat/internal/conn"
	"github.com/mlourenco/cipherchat/internal/crypto"
	"github.com/mlourenco/cipherchat/internal/outbox"
	"github.com/mlourenco/cipherchat/internal/store"
	"github.com/mlourenco/cipherchat/internal/transport"
	"go.uber.org/zap"
)

type mapKeyring map[int64][]byte

func (k mapKeyring) ContactKey(id int64) ([]byte, error) {
	key, ok := k[id]
	if !ok {
		return nil, fmt.Errorf("no key for %d", id)
	}
	return key, nil
}

func newMessenger(t *testing.T) (*Messenger, *store.DB, *bus.Bus) {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	peerPub, _, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	_, ourPriv, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	cipher, err := crypto.NewBoxCipher(ourPriv)
	if err != nil {
		t.Fatal(err)
	}

	b := bus.New()
	cm := conn.NewManager(conn.Options{}, b, zap.NewNop())
	queue := outbox.NewQueue(db, zap.NewNop())
	sealer := crypto.NewEnvelope(cipher, mapKeyring{42: peerPub})

	return NewMessenger(db, queue, sealer, cm, b, zap.NewNop()), db, b
}

func TestSendWhileDisconnectedQueuesAndEchoes(t *testing.T) {
	m, db, _ := newMessenger(t)

	entry, err := m.SendMessage(context.Background(), store.KindDirect, 42, "hello")
	if err != nil {
		t.Fatal(err)
	}
	if entry.Status != string(outbox.StatusPending) {
		t.Errorf("status = %s, want pending (sends are accepted offline)", entry.Status)
	}
	if entry.EncryptedContent == "hello" {
		t.Error("plaintext leaked into the outbox")
	}

	// The sender sees their own message immediately.
	msgs, err := db.ListMessages(store.KindDirect, 42, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Body != "hello" || !msgs[0].FromMe {
		t.Errorf("local echo = %+v", msgs)
	}

	convs, err := db.ListConversations(store.KindDirect)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 || convs[0].PeerID != 42 {
		t.Errorf("conversations = %+v", convs)
	}
}

func TestSendToUnknownRecipientFails(t *testing.T) {
	m, db, _ := newMessenger(t)

	if _, err := m.SendMessage(context.Background(), store.KindDirect, 99, "hi"); err == nil {
		t.Fatal("expected error for recipient with no key")
	}

	// Nothing must reach the queue for a message we could not encrypt.
	entries, err := db.AllOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("outbox = %+v, want empty", entries)
	}
}

func TestSetActiveClearsUnread(t *testing.T) {
	m, db, b := newMessenger(t)

	for i := 0; i < 3; i++ {
		if _, err := db.IncrementUnread(store.KindDirect, 42); err != nil {
			t.Fatal(err)
		}
	}

	events, cancel := b.Subscribe(bus.KindUnreadUpdated, 4)
	defer cancel()

	if err := m.SetActive(store.KindDirect, 42); err != nil {
		t.Fatal(err)
	}

	kind, peer, ok := m.Active()
	if !ok || kind != store.KindDirect || peer != 42 {
		t.Errorf("Active() = %s/%d/%v", kind, peer, ok)
	}

	convs, err := db.ListConversations(store.KindDirect)
	if err != nil {
		t.Fatal(err)
	}
	if convs[0].UnreadCount != 0 {
		t.Errorf("unread = %d after SetActive, want 0", convs[0].UnreadCount)
	}

	select {
	case evt := <-events:
		u, ok := evt.Payload.(transport.UnreadUpdate)
		if !ok || u.Count != 0 {
			t.Errorf("payload = %+v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no unread event")
	}

	m.ClearActive()
	if _, _, ok := m.Active(); ok {
		t.Error("focus survived ClearActive")
	}
}

func TestRetryFailed(t *testing.T) {
	m, db, _ := newMessenger(t)
	queue := outbox.NewQueue(db, zap.NewNop())

	e, err := queue.Enqueue(store.KindDirect, 42, "blob")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := queue.UpdateStatus(e.LocalID, outbox.StatusFailed, nil); err != nil {
		t.Fatal(err)
	}

	n, err := m.RetryFailed(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("reset %d entries, want 1", n)
	}

	got, err := db.GetOutbox(e.LocalID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != string(outbox.StatusPending) {
		t.Errorf("status = %s, want pending", got.Status)
	}
}
