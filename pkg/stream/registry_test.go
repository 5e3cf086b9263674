package stream

import (
	"errors"
	"testing"
	"time"
)

func recvSnapshot(t *testing.T, s *Sink) Snapshot {
	t.Helper()
	select {
	case snap, ok := <-s.C():
		if !ok {
			t.Fatalf("sink %d closed; want a snapshot", s.Handle())
		}
		return snap
	case <-time.After(2 * time.Second):
		t.Fatalf("sink %d: no snapshot", s.Handle())
	}
	return nil
}

func expectNothing(t *testing.T, s *Sink) {
	t.Helper()
	select {
	case snap, ok := <-s.C():
		if ok {
			t.Errorf("sink %d received %#v; want nothing", s.Handle(), snap)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func expectClosed(t *testing.T, s *Sink) {
	t.Helper()
	select {
	case snap, ok := <-s.C():
		if ok {
			t.Errorf("sink %d received %#v; want end of stream", s.Handle(), snap)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("sink %d not closed", s.Handle())
	}
}

func TestHandleIsolation(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	a, err := r.Register(1)
	if err != nil {
		t.Fatalf("Register(1) error = %v", err)
	}
	b, err := r.Register(2)
	if err != nil {
		t.Fatalf("Register(2) error = %v", err)
	}

	snap := &QuerySnapshot{Handle: 1}
	if !r.Deliver(1, snap) {
		t.Fatal("Deliver(1) = false; want true")
	}
	if got := recvSnapshot(t, a); got != snap {
		t.Errorf("sink A received %#v; want %#v", got, snap)
	}
	expectNothing(t, b)
}

func TestDeliverAfterUnregister(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	s, _ := r.Register(5)
	if !r.Unregister(5) {
		t.Fatal("Unregister(5) = false; want true")
	}
	if r.Deliver(5, &QuerySnapshot{Handle: 5}) {
		t.Error("Deliver after Unregister = true; want false")
	}
	expectClosed(t, s)

	select {
	case <-s.Done():
	default:
		t.Error("Done() not closed after Unregister")
	}
}

func TestDeliverUnknownHandle(t *testing.T) {
	r := NewRegistry()
	if r.Deliver(99, NewDocumentSnapshot("a/b", nil)) {
		t.Error("Deliver(unknown) = true; want false")
	}
}

func TestDuplicateHandle(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	if _, err := r.Register(3); err != nil {
		t.Fatalf("Register(3) error = %v", err)
	}
	if _, err := r.Register(3); !errors.Is(err, ErrDuplicateHandle) {
		t.Errorf("second Register(3) error = %v; want ErrDuplicateHandle", err)
	}

	// The handle is free again once unregistered.
	r.Unregister(3)
	if _, err := r.Register(3); err != nil {
		t.Errorf("Register(3) after Unregister error = %v", err)
	}
}

func TestUnregisterIdempotent(t *testing.T) {
	r := NewRegistry()
	r.Register(1)

	if !r.Unregister(1) {
		t.Error("first Unregister = false; want true")
	}
	if r.Unregister(1) {
		t.Error("second Unregister = true; want false")
	}
	if r.Unregister(42) {
		t.Error("Unregister(never registered) = true; want false")
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d; want 0", r.Len())
	}
}

func TestPerHandleOrder(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	s, _ := r.Register(1)
	const n = 1000
	snaps := make([]*DocumentSnapshot, n)
	for i := range snaps {
		snaps[i] = NewDocumentSnapshot("docs/x", map[string]any{"i": int64(i)})
		r.Deliver(1, snaps[i])
	}
	for i := 0; i < n; i++ {
		if got := recvSnapshot(t, s); got != snaps[i] {
			t.Fatalf("snapshot #%d out of order", i)
		}
	}
}

func TestDeliverDoesNotBlockOnSlowConsumer(t *testing.T) {
	r := NewRegistry()
	defer r.Close()
	r.Register(1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			r.Deliver(1, &QuerySnapshot{Handle: 1})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Deliver blocked without a reader")
	}
}

func TestUnregisterDiscardsQueued(t *testing.T) {
	r := NewRegistry()
	s, _ := r.Register(1)
	for i := 0; i < 10; i++ {
		r.Deliver(1, &QuerySnapshot{Handle: 1})
	}
	r.Unregister(1)

	count := 0
	for range s.C() {
		count++
	}
	if count > 1 {
		t.Errorf("received %d snapshots after Unregister; want at most the one in flight", count)
	}
}

func TestRegistryClose(t *testing.T) {
	r := NewRegistry()
	a, _ := r.Register(1)
	b, _ := r.Register(2)

	r.Close()
	expectClosed(t, a)
	expectClosed(t, b)

	if r.Len() != 0 {
		t.Errorf("Len() = %d; want 0", r.Len())
	}
	if _, err := r.Register(3); !errors.Is(err, ErrRegistryClosed) {
		t.Errorf("Register after Close error = %v; want ErrRegistryClosed", err)
	}
}
