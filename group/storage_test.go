package group

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func storedMessage(groupID, author string, seq uint64, at time.Time) *Message {
	return &Message{
		GroupID:        groupID,
		AuthorDeviceID: author,
		SequenceNumber: seq,
		Type:           MessageTypeText,
		Content:        fmt.Sprintf("msg %d", seq),
		Timestamp:      at,
	}
}

func TestMemoryStoreGroupLifecycle(t *testing.T) {
	ms := NewMemoryStore()
	g := testGroup("A", "A", "B")

	if err := ms.SaveGroup(g); err != nil {
		t.Fatalf("SaveGroup failed: %v", err)
	}

	got, err := ms.Group(g.ID)
	if err != nil {
		t.Fatalf("Group failed: %v", err)
	}
	if got.Name != g.Name || got.MemberCount() != 2 {
		t.Errorf("loaded group mismatch: %+v", got)
	}

	// Stored groups are copies.
	got.Members[0].DisplayName = "mutated"
	again, _ := ms.Group(g.ID)
	if again.Members[0].DisplayName == "mutated" {
		t.Error("store returned aliased group")
	}

	if err := ms.DeleteGroup(g.ID); err != nil {
		t.Fatalf("DeleteGroup failed: %v", err)
	}
	if _, err := ms.Group(g.ID); !errors.Is(err, ErrGroupNotFound) {
		t.Errorf("got %v, want ErrGroupNotFound", err)
	}
}

func TestMemoryStoreMessagesSortedByTimestamp(t *testing.T) {
	ms := NewMemoryStore()
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	// Saved out of order on purpose.
	_ = ms.SaveMessage(storedMessage("g1", "B", 1, base.Add(2*time.Minute)))
	_ = ms.SaveMessage(storedMessage("g1", "A", 1, base))
	_ = ms.SaveMessage(storedMessage("g1", "A", 2, base.Add(time.Minute)))

	msgs := ms.Messages("g1", 0)
	if len(msgs) != 3 {
		t.Fatalf("len = %d, want 3", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].Timestamp.Before(msgs[i-1].Timestamp) {
			t.Fatal("messages not sorted by timestamp")
		}
	}

	limited := ms.Messages("g1", 2)
	if len(limited) != 2 {
		t.Fatalf("limited len = %d, want 2", len(limited))
	}
	if limited[0].ID() != "A:2" {
		t.Errorf("limit must keep the most recent messages, got %s first", limited[0].ID())
	}
}

func TestMemoryStoreHasMessage(t *testing.T) {
	ms := NewMemoryStore()
	msg := storedMessage("g1", "A", 1, time.Now())
	_ = ms.SaveMessage(msg)

	if !ms.HasMessage("g1", "A:1") {
		t.Error("HasMessage = false for stored message")
	}
	if ms.HasMessage("g1", "A:2") {
		t.Error("HasMessage = true for unknown message")
	}
	if ms.HasMessage("g2", "A:1") {
		t.Error("HasMessage leaked across groups")
	}
}

func TestMemoryStoreEviction(t *testing.T) {
	ms := NewMemoryStore()
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	overflow := 3
	for seq := 1; seq <= MaxMessagesPerGroup+overflow; seq++ {
		_ = ms.SaveMessage(storedMessage("g1", "A", uint64(seq), base.Add(time.Duration(seq)*time.Second)))
	}

	msgs := ms.Messages("g1", 0)
	if len(msgs) != MaxMessagesPerGroup {
		t.Fatalf("len = %d, want %d", len(msgs), MaxMessagesPerGroup)
	}

	// The oldest messages are gone, including from the dedup set.
	for seq := 1; seq <= overflow; seq++ {
		id := fmt.Sprintf("A:%d", seq)
		if ms.HasMessage("g1", id) {
			t.Errorf("evicted message %s still in dedup set", id)
		}
		if _, ok := ms.MessageBySequence("g1", "A", uint64(seq)); ok {
			t.Errorf("evicted message %s still retrievable", id)
		}
	}
	if !ms.HasMessage("g1", fmt.Sprintf("A:%d", MaxMessagesPerGroup+overflow)) {
		t.Error("newest message missing after eviction")
	}
}

func TestMemoryStoreMessageBySequence(t *testing.T) {
	ms := NewMemoryStore()
	_ = ms.SaveMessage(storedMessage("g1", "A", 3, time.Now()))

	got, ok := ms.MessageBySequence("g1", "A", 3)
	if !ok {
		t.Fatal("MessageBySequence missed a stored message")
	}
	if got.Content != "msg 3" {
		t.Errorf("content = %q", got.Content)
	}
	if _, ok := ms.MessageBySequence("g1", "A", 4); ok {
		t.Error("MessageBySequence invented a message")
	}
}

func TestMemoryStoreNextSequence(t *testing.T) {
	ms := NewMemoryStore()

	if got := ms.NextSequence("g1", "A"); got != 1 {
		t.Errorf("first sequence = %d, want 1", got)
	}
	if got := ms.NextSequence("g1", "A"); got != 2 {
		t.Errorf("second sequence = %d, want 2", got)
	}
	// Counters are per author and per group.
	if got := ms.NextSequence("g1", "B"); got != 1 {
		t.Errorf("other author sequence = %d, want 1", got)
	}
	if got := ms.NextSequence("g2", "A"); got != 1 {
		t.Errorf("other group sequence = %d, want 1", got)
	}
}

func TestMemoryStoreClock(t *testing.T) {
	ms := NewMemoryStore()

	if !ms.Clock("g1").Equal(NewVectorClock()) {
		t.Error("unknown group must report an empty clock")
	}

	clock := NewVectorClock().Set("A", 4)
	if err := ms.SetClock("g1", clock); err != nil {
		t.Fatalf("SetClock failed: %v", err)
	}
	if got := ms.Clock("g1").Get("A"); got != 4 {
		t.Errorf("clock entry = %d, want 4", got)
	}
}
