package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/campuskit/unichat/internal/chat"
)

// blockingFetcher serves canned histories and can hold a fetch open until
// released, to simulate slow network calls.
type blockingFetcher struct {
	mu      sync.Mutex
	history map[string][]chat.Message
	err     error
	block   chan struct{} // if non-nil, fetch waits for close or ctx
	calls   int
}

func (f *blockingFetcher) FetchMessages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.history[conversationID], nil
}

func (f *blockingFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestGetOrFetchPopulatesAndCaches(t *testing.T) {
	f := &blockingFetcher{history: map[string][]chat.Message{
		"c1": {{ID: "m1", ConversationID: "c1", Content: "oi"}},
	}}
	c := New(f, nil)

	msgs, err := c.GetOrFetch(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].ID != "m1" {
		t.Fatalf("msgs = %+v", msgs)
	}

	// Second call is served from cache, no network.
	if _, err := c.GetOrFetch(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	if f.callCount() != 1 {
		t.Errorf("fetch calls = %d, want 1", f.callCount())
	}
}

func TestSupersededFetchNeverWrites(t *testing.T) {
	release := make(chan struct{})
	f := &blockingFetcher{
		history: map[string][]chat.Message{
			"old": {{ID: "stale", ConversationID: "old"}},
			"new": {{ID: "fresh", ConversationID: "new"}},
		},
		block: release,
	}
	c := New(f, nil)

	done := make(chan error, 1)
	go func() {
		_, err := c.GetOrFetch(context.Background(), "old")
		done <- err
	}()

	// Wait for the first fetch to be in flight, then switch selection.
	for f.callCount() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	f.mu.Lock()
	f.block = nil
	f.mu.Unlock()
	msgs, err := c.GetOrFetch(context.Background(), "new")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].ID != "fresh" {
		t.Fatalf("new selection msgs = %+v", msgs)
	}

	close(release)
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("superseded fetch err = %v, want context.Canceled", err)
	}

	// The stale result must not have been written under either key.
	if _, ok := c.Messages("old"); ok {
		t.Error("stale fetch wrote into the old conversation's cache")
	}
	got, _ := c.Messages("new")
	if len(got) != 1 || got[0].ID != "fresh" {
		t.Errorf("new cache = %+v", got)
	}
}

func TestFetchFailureLeavesCacheIntact(t *testing.T) {
	f := &blockingFetcher{history: map[string][]chat.Message{
		"c1": {{ID: "m1", ConversationID: "c1"}},
	}}
	c := New(f, nil)
	if _, err := c.GetOrFetch(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}

	f.err = errors.New("boom")
	if _, err := c.GetOrFetch(context.Background(), "c2"); err == nil {
		t.Fatal("expected error for failed fetch")
	}

	// Existing content untouched, failed conversation not cached.
	if _, ok := c.Messages("c1"); !ok {
		t.Error("existing cache entry cleared by unrelated failure")
	}
	if _, ok := c.Messages("c2"); ok {
		t.Error("failed fetch left a cache entry")
	}
}

func TestApplyIncomingDropsUncachedConversation(t *testing.T) {
	c := New(&blockingFetcher{}, nil)
	c.ApplyIncoming(chat.Message{ID: "m1", ConversationID: "never-fetched"})
	if _, ok := c.Messages("never-fetched"); ok {
		t.Error("event for uncached conversation created an entry")
	}
}

func TestApplyIncomingReplacesById(t *testing.T) {
	f := &blockingFetcher{history: map[string][]chat.Message{
		"c1": {{ID: "m1", ConversationID: "c1", Content: "v1"}},
	}}
	c := New(f, nil)
	if _, err := c.GetOrFetch(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}

	c.ApplyIncoming(chat.Message{ID: "m2", ConversationID: "c1", Content: "new"})
	c.ApplyIncoming(chat.Message{ID: "m1", ConversationID: "c1", Content: "edited"})

	msgs, _ := c.Messages("c1")
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Content != "edited" {
		t.Errorf("m1 content = %q, want edited (replaced in place)", msgs[0].Content)
	}
}

func TestLocalSendLifecycle(t *testing.T) {
	c := New(&blockingFetcher{}, nil)

	pending := chat.Message{
		ID: "tmp-1", ConversationID: "c1", SenderID: "me",
		SenderName: "Me", Content: "hello", Delivery: chat.DeliveryPending,
	}
	c.ApplyLocalSend(pending)

	msgs, ok := c.Messages("c1")
	if !ok || len(msgs) != 1 || msgs[0].Delivery != chat.DeliveryPending {
		t.Fatalf("pending insert missing: %+v", msgs)
	}

	// Server response omits the sender: locally known identity is preserved.
	confirmed := chat.Message{ID: "srv-9", ConversationID: "c1", Content: "hello", CreatedAt: time.Now()}
	if !c.ReconcileLocalSend("tmp-1", confirmed) {
		t.Fatal("ReconcileLocalSend did not find the pending record")
	}

	msgs, _ = c.Messages("c1")
	if len(msgs) != 1 {
		t.Fatalf("got %d records, want exactly 1 (no temp duplicate)", len(msgs))
	}
	got := msgs[0]
	if got.ID != "srv-9" || got.Delivery != chat.DeliveryConfirmed {
		t.Errorf("reconciled = %+v", got)
	}
	if got.SenderID != "me" || got.SenderName != "Me" {
		t.Errorf("sender identity lost: %+v", got)
	}
}

func TestMarkFailedKeepsRecordVisible(t *testing.T) {
	c := New(&blockingFetcher{}, nil)
	c.ApplyLocalSend(chat.Message{ID: "tmp-1", ConversationID: "c1", Delivery: chat.DeliveryPending})

	if !c.MarkFailed("c1", "tmp-1") {
		t.Fatal("MarkFailed did not find the record")
	}
	msgs, _ := c.Messages("c1")
	if len(msgs) != 1 || msgs[0].Delivery != chat.DeliveryFailed {
		t.Errorf("msgs = %+v, want one failed record", msgs)
	}
}

type memSelection struct {
	mu   sync.Mutex
	last string
}

func (m *memSelection) SetLastSelected(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = id
	return nil
}

func TestSelectionMarkerRecorded(t *testing.T) {
	f := &blockingFetcher{history: map[string][]chat.Message{
		"c1": {{ID: "m1", ConversationID: "c1"}},
	}}
	sel := &memSelection{}
	c := New(f, nil, WithSelectionMarker(sel))

	if _, err := c.GetOrFetch(context.Background(), "c1"); err != nil {
		t.Fatalf("GetOrFetch() error = %v", err)
	}

	sel.mu.Lock()
	defer sel.mu.Unlock()
	if sel.last != "c1" {
		t.Errorf("recorded selection = %q, want %q", sel.last, "c1")
	}
}

func TestPendingSurvivesInflightFetch(t *testing.T) {
	block := make(chan struct{})
	f := &blockingFetcher{
		history: map[string][]chat.Message{
			"c1": {{ID: "srv-1", ConversationID: "c1"}},
		},
		block: block,
	}
	c := New(f, nil)

	done := make(chan error, 1)
	go func() {
		_, err := c.GetOrFetch(context.Background(), "c1")
		done <- err
	}()

	// Wait for the fetch to be in flight, then send optimistically.
	for i := 0; f.callCount() == 0 && i < 200; i++ {
		time.Sleep(time.Millisecond)
	}
	pending := chat.Message{
		ID: "local-tmp", ConversationID: "c1",
		SenderID: "me", Content: "hello", Delivery: chat.DeliveryPending,
	}
	c.ApplyLocalSend(pending)

	close(block)
	if err := <-done; err != nil {
		t.Fatalf("GetOrFetch() error = %v", err)
	}

	msgs, _ := c.Messages("c1")
	if !containsID(msgs, "srv-1") {
		t.Errorf("fetched history missing: %+v", msgs)
	}
	if !containsID(msgs, "local-tmp") {
		t.Errorf("pending local send vanished when fetch completed: %+v", msgs)
	}
	if !c.ReconcileLocalSend("local-tmp", chat.Message{ID: "srv-2", ConversationID: "c1"}) {
		t.Error("ReconcileLocalSend could not find the pending record")
	}
}

func TestLocalSendToUnfetchedConversationStillFetches(t *testing.T) {
	f := &blockingFetcher{history: map[string][]chat.Message{
		"c2": {{ID: "old-1", ConversationID: "c2"}},
	}}
	c := New(f, nil)

	c.ApplyLocalSend(chat.Message{
		ID: "local-tmp", ConversationID: "c2", Delivery: chat.DeliveryPending,
	})

	msgs, err := c.GetOrFetch(context.Background(), "c2")
	if err != nil {
		t.Fatalf("GetOrFetch() error = %v", err)
	}
	if f.callCount() != 1 {
		t.Fatalf("fetch calls = %d, want 1 (seeded entry must not suppress history)", f.callCount())
	}
	if !containsID(msgs, "old-1") || !containsID(msgs, "local-tmp") {
		t.Errorf("messages = %+v, want both old-1 and local-tmp", msgs)
	}
}

func TestReconcileAfterServerEcho(t *testing.T) {
	f := &blockingFetcher{history: map[string][]chat.Message{"c1": {}}}
	c := New(f, nil)
	if _, err := c.GetOrFetch(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}

	c.ApplyLocalSend(chat.Message{
		ID: "tmp-1", ConversationID: "c1", Delivery: chat.DeliveryPending,
	})
	// The push channel echoes our own send before the confirm resolves.
	c.ApplyIncoming(chat.Message{
		ID: "srv-9", ConversationID: "c1", Delivery: chat.DeliveryConfirmed,
	})

	if !c.ReconcileLocalSend("tmp-1", chat.Message{ID: "srv-9", ConversationID: "c1"}) {
		t.Fatal("ReconcileLocalSend() = false, want true")
	}

	msgs, _ := c.Messages("c1")
	ids := make(map[string]int)
	for _, m := range msgs {
		ids[m.ID]++
	}
	if ids["srv-9"] != 1 {
		t.Errorf("srv-9 count = %d, want exactly 1", ids["srv-9"])
	}
	if ids["tmp-1"] != 0 {
		t.Errorf("temp record survived reconciliation: %+v", msgs)
	}
}

func containsID(msgs []chat.Message, id string) bool {
	for _, m := range msgs {
		if m.ID == id {
			return true
		}
	}
	return false
}
