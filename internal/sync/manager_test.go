package sync

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/mlourenco/cipherchat/internal/bus"
	"github.com/mlourenco/cipherchat/internal/chatapi"
	"github.com/mlourenco/cipherchat/internal/crypto"
	"github.com/mlourenco/cipherchat/internal/store"
	"go.uber.org/zap"
)

type fakeFetcher struct {
	direct map[int64][]chatapi.WireMessage
	group  map[int64][]chatapi.WireMessage
	fail   map[string]error // "direct/42" -> err
	calls  []string
}

func (f *fakeFetcher) DirectMessages(_ context.Context, id int64, _ time.Time) ([]chatapi.WireMessage, error) {
	key := fmt.Sprintf("direct/%d", id)
	f.calls = append(f.calls, key)
	if err := f.fail[key]; err != nil {
		return nil, err
	}
	return f.direct[id], nil
}

func (f *fakeFetcher) GroupMessages(_ context.Context, id int64, _ time.Time) ([]chatapi.WireMessage, error) {
	key := fmt.Sprintf("group/%d", id)
	f.calls = append(f.calls, key)
	if err := f.fail[key]; err != nil {
		return nil, err
	}
	return f.group[id], nil
}

type mapKeyring map[int64][]byte

func (k mapKeyring) ContactKey(id int64) ([]byte, error) {
	key, ok := k[id]
	if !ok {
		return nil, fmt.Errorf("no key for %d", id)
	}
	return key, nil
}

type fixture struct {
	db     *store.DB
	bus    *bus.Bus
	api    *fakeFetcher
	mgr    *Manager
	sealer *crypto.Envelope // encrypts as contact 42 would, addressed to us
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	ourPub, ourPriv, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	theirPub, theirPriv, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	ourCipher, err := crypto.NewBoxCipher(ourPriv)
	if err != nil {
		t.Fatal(err)
	}
	theirCipher, err := crypto.NewBoxCipher(theirPriv)
	if err != nil {
		t.Fatal(err)
	}

	b := bus.New()
	api := &fakeFetcher{direct: map[int64][]chatapi.WireMessage{}, group: map[int64][]chatapi.WireMessage{}, fail: map[string]error{}}
	mgr, err := NewManager(api, db, crypto.NewEnvelope(ourCipher, mapKeyring{42: theirPub}), b, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	mgr.SetIdentity(1)

	return &fixture{
		db:     db,
		bus:    b,
		api:    api,
		mgr:    mgr,
		sealer: crypto.NewEnvelope(theirCipher, mapKeyring{1: ourPub}),
	}
}

func (f *fixture) sealFrom42(t *testing.T, plaintext string) string {
	t.Helper()
	ct, err := f.sealer.Seal(1, plaintext)
	if err != nil {
		t.Fatal(err)
	}
	return ct
}

func TestSyncChatIngestsAndAdvancesWatermark(t *testing.T) {
	f := newFixture(t)
	events, cancel := f.bus.Subscribe("sync.", 8)
	defer cancel()

	f.api.direct[42] = []chatapi.WireMessage{
		{ID: 10, SenderID: 42, EncryptedContent: f.sealFrom42(t, "hello"), Timestamp: "2026-01-02T03:04:05Z"},
		{ID: 11, SenderID: 42, EncryptedContent: f.sealFrom42(t, "again"), Timestamp: "2026-01-02T03:04:06Z"},
	}

	before := time.Now()
	if err := f.mgr.SyncChat(context.Background(), store.KindDirect, 42); err != nil {
		t.Fatal(err)
	}

	msgs, err := f.db.ListMessages(store.KindDirect, 42, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Body != "hello" || msgs[1].Body != "again" {
		t.Errorf("bodies = %q, %q", msgs[0].Body, msgs[1].Body)
	}
	if msgs[0].FromMe {
		t.Error("contact message marked FromMe")
	}

	if got := f.mgr.LastSyncTime(); got.Before(before) {
		t.Errorf("watermark = %v, want advanced past %v", got, before)
	}
	persisted, err := f.db.GetState(store.StateKeyLastSync)
	if err != nil {
		t.Fatal(err)
	}
	if persisted == "" {
		t.Error("watermark was not persisted")
	}

	select {
	case evt := <-events:
		payload, ok := evt.Payload.(SyncedMessages)
		if !ok {
			t.Fatalf("payload = %T", evt.Payload)
		}
		if payload.Kind != store.KindDirect || payload.PeerID != 42 || len(payload.Messages) != 2 {
			t.Errorf("payload = %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no sync event published")
	}
}

func TestSyncChatFailureLeavesWatermark(t *testing.T) {
	f := newFixture(t)
	f.api.fail["direct/42"] = errors.New("server unreachable")

	if err := f.mgr.SyncChat(context.Background(), store.KindDirect, 42); err == nil {
		t.Fatal("expected error")
	}
	if !f.mgr.LastSyncTime().IsZero() {
		t.Error("watermark advanced despite failed sync")
	}
}

func TestUndecryptableMessageGetsPlaceholder(t *testing.T) {
	f := newFixture(t)

	f.api.direct[42] = []chatapi.WireMessage{
		{ID: 20, SenderID: 42, EncryptedContent: f.sealFrom42(t, "readable"), Timestamp: "2026-01-02T03:04:05Z"},
		{ID: 21, SenderID: 42, EncryptedContent: "not-a-real-envelope", Timestamp: "2026-01-02T03:04:06Z"},
	}

	if err := f.mgr.SyncChat(context.Background(), store.KindDirect, 42); err != nil {
		t.Fatal(err)
	}

	msgs, err := f.db.ListMessages(store.KindDirect, 42, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2 (bad ciphertext must not abort the batch)", len(msgs))
	}
	if msgs[0].Body != "readable" || msgs[0].Undecryptable {
		t.Errorf("good message = %+v", msgs[0])
	}
	if msgs[1].Body != crypto.PlaceholderBody || !msgs[1].Undecryptable {
		t.Errorf("bad message = %+v", msgs[1])
	}
}

func TestQueueDedupes(t *testing.T) {
	f := newFixture(t)

	f.mgr.QueueSync(store.KindDirect, 42)
	f.mgr.QueueSync(store.KindDirect, 42)
	f.mgr.QueueSync(store.KindGroup, 42)

	if got := f.mgr.QueueLen(); got != 2 {
		t.Errorf("queue length = %d, want 2", got)
	}
}

func TestProcessQueueKeepsFailedEntries(t *testing.T) {
	f := newFixture(t)

	f.mgr.QueueSync(store.KindDirect, 42)
	f.mgr.QueueSync(store.KindDirect, 43)
	f.api.fail["direct/42"] = errors.New("flaky")

	f.mgr.ProcessQueue(context.Background())

	if got := f.mgr.QueueLen(); got != 1 {
		t.Fatalf("queue length = %d, want 1 (only the failed entry)", got)
	}

	// Next pass, after the fault clears, drains the remainder.
	delete(f.api.fail, "direct/42")
	f.mgr.ProcessQueue(context.Background())
	if got := f.mgr.QueueLen(); got != 0 {
		t.Errorf("queue length = %d after retry, want 0", got)
	}
}

func TestCatchUpSyncsActiveConversationFirst(t *testing.T) {
	f := newFixture(t)

	for _, peer := range []int64{7, 8, 9} {
		err := f.db.UpsertConversation(&store.Conversation{Kind: store.KindDirect, PeerID: peer, LastMessageAt: time.Now()})
		if err != nil {
			t.Fatal(err)
		}
	}

	f.mgr.CatchUp(context.Background(), store.KindDirect, 8)

	if len(f.api.calls) != 3 {
		t.Fatalf("calls = %v, want 3 fetches", f.api.calls)
	}
	if f.api.calls[0] != "direct/8" {
		t.Errorf("first fetch = %s, want direct/8 (active conversation)", f.api.calls[0])
	}
}
