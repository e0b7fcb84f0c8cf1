package transport

import (
	"errors"
	"testing"
	"time"
)

func collectStates(t *testing.T, a *MemoryAdapter, n int) []StateEvent {
	t.Helper()
	events := make([]StateEvent, 0, n)
	for i := 0; i < n; i++ {
		select {
		case ev := <-a.StateEvents():
			events = append(events, ev)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for state event %d of %d", i+1, n)
		}
	}
	return events
}

func TestMemoryAdapterConnectLifecycle(t *testing.T) {
	hub := NewMemoryHub()
	alice := hub.Adapter("alice")
	hub.Adapter("bob")

	if err := alice.ConnectToPeer("bob"); err != nil {
		t.Fatalf("ConnectToPeer failed: %v", err)
	}

	events := collectStates(t, alice, 2)
	if events[0].State != StateConnecting || events[1].State != StateConnected {
		t.Errorf("got transitions %s, %s; want connecting, connected", events[0].State, events[1].State)
	}
	if alice.ConnectionState("bob") != StateConnected {
		t.Errorf("state = %s, want connected", alice.ConnectionState("bob"))
	}
}

func TestMemoryAdapterConnectUnknownPeerFails(t *testing.T) {
	hub := NewMemoryHub()
	alice := hub.Adapter("alice")

	if err := alice.ConnectToPeer("ghost"); err != nil {
		t.Fatalf("ConnectToPeer failed: %v", err)
	}

	events := collectStates(t, alice, 2)
	if events[1].State != StateFailed {
		t.Errorf("got %s, want failed", events[1].State)
	}
}

func TestMemoryAdapterSendRequiresConnection(t *testing.T) {
	hub := NewMemoryHub()
	alice := hub.Adapter("alice")
	hub.Adapter("bob")

	err := alice.SendData("bob", []byte("too early"))
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("got %v, want ErrNotConnected", err)
	}
}

func TestMemoryAdapterDelivery(t *testing.T) {
	hub := NewMemoryHub()
	alice := hub.Adapter("alice")
	bob := hub.Adapter("bob")

	if err := alice.ConnectToPeer("bob"); err != nil {
		t.Fatalf("ConnectToPeer failed: %v", err)
	}
	if err := alice.SendData("bob", []byte("hello bob")); err != nil {
		t.Fatalf("SendData failed: %v", err)
	}

	select {
	case ev := <-bob.DataEvents():
		if ev.PeerID != "alice" {
			t.Errorf("sender = %s, want alice", ev.PeerID)
		}
		if string(ev.Data) != "hello bob" {
			t.Errorf("data = %q", ev.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestMemoryAdapterDisconnect(t *testing.T) {
	hub := NewMemoryHub()
	alice := hub.Adapter("alice")
	hub.Adapter("bob")

	if err := alice.ConnectToPeer("bob"); err != nil {
		t.Fatalf("ConnectToPeer failed: %v", err)
	}
	if err := alice.DisconnectPeer("bob"); err != nil {
		t.Fatalf("DisconnectPeer failed: %v", err)
	}
	if alice.ConnectionState("bob") != StateDisconnected {
		t.Errorf("state = %s, want disconnected", alice.ConnectionState("bob"))
	}
	if err := alice.SendData("bob", []byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("got %v, want ErrNotConnected", err)
	}
}

func TestMemoryAdapterDedupesStateEvents(t *testing.T) {
	hub := NewMemoryHub()
	alice := hub.Adapter("alice")

	alice.FailPeer("ghost")
	alice.FailPeer("ghost")

	events := collectStates(t, alice, 1)
	if events[0].State != StateFailed {
		t.Fatalf("got %s, want failed", events[0].State)
	}

	select {
	case ev := <-alice.StateEvents():
		t.Fatalf("unexpected duplicate event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}
