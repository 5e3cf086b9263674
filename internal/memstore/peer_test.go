package memstore

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vango-dev/docwire/pkg/protocol"
	"github.com/vango-dev/docwire/pkg/session"
	"github.com/vango-dev/docwire/pkg/stream"
	"github.com/vango-dev/docwire/pkg/transport"
	"github.com/vango-dev/docwire/pkg/txn"
)

func connect(t *testing.T, st *Store) *session.Session {
	t.Helper()
	local, remote := transport.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan struct{})
	go func() {
		_ = st.Serve(ctx, remote)
		close(served)
	}()
	s := session.New(local)
	go func() { _ = s.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		_ = s.Close()
		<-served
	})
	return s
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func next(t *testing.T, sink *stream.Sink) stream.Snapshot {
	t.Helper()
	select {
	case snap, ok := <-sink.C():
		if !ok {
			t.Fatal("sink closed")
		}
		return snap
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return nil
	}
}

func nextQuery(t *testing.T, sink *stream.Sink) *stream.QuerySnapshot {
	t.Helper()
	qs, ok := next(t, sink).(*stream.QuerySnapshot)
	if !ok {
		t.Fatal("snapshot is not a *stream.QuerySnapshot")
	}
	return qs
}

func nextDocument(t *testing.T, sink *stream.Sink) *stream.DocumentSnapshot {
	t.Helper()
	ds, ok := next(t, sink).(*stream.DocumentSnapshot)
	if !ok {
		t.Fatal("snapshot is not a *stream.DocumentSnapshot")
	}
	return ds
}

func TestQueryListener(t *testing.T) {
	st := New()
	_ = st.Set("rooms/a", map[string]any{"name": "A"})
	_ = st.Set("rooms/b", map[string]any{"name": "B"})
	s := connect(t, st)
	ctx := testContext(t)

	sink, err := s.ListenQuery(ctx, "rooms")
	if err != nil {
		t.Fatalf("ListenQuery() error = %v", err)
	}

	qs := nextQuery(t, sink)
	if len(qs.Documents) != 2 || len(qs.Changes) != 2 || qs.Changes[1].Type != stream.ChangeAdded {
		t.Fatalf("initial snapshot = %+v", qs)
	}
	if qs.Handle != sink.Handle() {
		t.Errorf("Handle = %d; want %d", qs.Handle, sink.Handle())
	}

	// Subcollection writes do not touch the parent query.
	_ = st.Set("rooms/a/messages/m1", map[string]any{"text": "hi"})
	_ = st.Set("rooms/c", map[string]any{"name": "C"})
	qs = nextQuery(t, sink)
	if len(qs.Changes) != 1 || qs.Changes[0].Type != stream.ChangeAdded || qs.Changes[0].Document.Path != "rooms/c" {
		t.Errorf("after add: changes = %+v", qs.Changes)
	}

	_ = st.Update("rooms/a", map[string]any{"name": "A2"})
	qs = nextQuery(t, sink)
	if len(qs.Changes) != 1 || qs.Changes[0].Type != stream.ChangeModified {
		t.Fatalf("after update: changes = %+v", qs.Changes)
	}
	if name, _ := qs.Changes[0].Document.Get("name"); name != "A2" {
		t.Errorf("modified name = %v; want A2", name)
	}

	_ = st.Delete("rooms/b")
	qs = nextQuery(t, sink)
	if len(qs.Changes) != 1 || qs.Changes[0].Type != stream.ChangeRemoved || qs.Changes[0].OldIndex != 1 {
		t.Errorf("after delete: changes = %+v", qs.Changes)
	}
	if len(qs.Documents) != 2 {
		t.Errorf("after delete: %d documents; want 2", len(qs.Documents))
	}
}

func TestDocumentListener(t *testing.T) {
	st := New()
	s := connect(t, st)
	ctx := testContext(t)

	sink, err := s.ListenDocument(ctx, "users/ann")
	if err != nil {
		t.Fatalf("ListenDocument() error = %v", err)
	}
	if ds := nextDocument(t, sink); ds.Exists {
		t.Errorf("initial snapshot exists; want missing")
	}

	if err := s.SetDocument(ctx, "users/ann", map[string]any{"age": int64(30)}); err != nil {
		t.Fatalf("SetDocument() error = %v", err)
	}
	ds := nextDocument(t, sink)
	if age, _ := ds.Get("age"); !ds.Exists || age != int64(30) {
		t.Errorf("after set: %+v", ds)
	}

	if err := s.DeleteDocument(ctx, "users/ann"); err != nil {
		t.Fatalf("DeleteDocument() error = %v", err)
	}
	if ds := nextDocument(t, sink); ds.Exists {
		t.Error("after delete: document exists")
	}
}

func TestListenersAcrossPeers(t *testing.T) {
	st := New()
	reader := connect(t, st)
	writer := connect(t, st)
	ctx := testContext(t)

	sink, err := reader.ListenDocument(ctx, "counters/c")
	if err != nil {
		t.Fatalf("ListenDocument() error = %v", err)
	}
	nextDocument(t, sink)

	if err := writer.SetDocument(ctx, "counters/c", map[string]any{"n": int64(1)}); err != nil {
		t.Fatalf("SetDocument() error = %v", err)
	}
	if n, _ := nextDocument(t, sink).Get("n"); n != int64(1) {
		t.Errorf("n = %v; want 1", n)
	}
	if got := st.Peers(); got != 2 {
		t.Errorf("Peers() = %d; want 2", got)
	}
}

func TestCancelRemovesListener(t *testing.T) {
	st := New()
	s := connect(t, st)
	ctx := testContext(t)

	sink, err := s.ListenQuery(ctx, "rooms")
	if err != nil {
		t.Fatalf("ListenQuery() error = %v", err)
	}
	nextQuery(t, sink)

	if err := s.Cancel(ctx, sink.Handle()); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	st.mu.Lock()
	listeners := 0
	for p := range st.peers {
		p.mu.Lock()
		listeners += len(p.listeners)
		p.mu.Unlock()
	}
	st.mu.Unlock()
	if listeners != 0 {
		t.Errorf("store has %d listeners after Cancel; want 0", listeners)
	}
	if _, ok := <-sink.C(); ok {
		t.Error("sink open after Cancel")
	}
}

func TestListenInvalidPath(t *testing.T) {
	s := connect(t, New())
	ctx := testContext(t)

	if _, err := s.ListenQuery(ctx, "rooms/a"); remoteCode(err) != protocol.CodeInvalidArg {
		t.Errorf("ListenQuery(document path) error = %v; want invalid-argument", err)
	}
	if _, err := s.ListenDocument(ctx, "rooms"); remoteCode(err) != protocol.CodeInvalidArg {
		t.Errorf("ListenDocument(collection path) error = %v; want invalid-argument", err)
	}
	if n := s.Streams().Len(); n != 0 {
		t.Errorf("Streams().Len() = %d; want 0", n)
	}
}

func TestReadsAndWrites(t *testing.T) {
	st := New()
	s := connect(t, st)
	ctx := testContext(t)

	if err := s.SetDocument(ctx, "cities/SF", map[string]any{"pop": int64(1)}); err != nil {
		t.Fatalf("SetDocument() error = %v", err)
	}
	if err := s.UpdateDocument(ctx, "cities/SF", map[string]any{"state": "CA"}); err != nil {
		t.Fatalf("UpdateDocument() error = %v", err)
	}
	doc, err := s.GetDocument(ctx, "cities/SF")
	if err != nil {
		t.Fatalf("GetDocument() error = %v", err)
	}
	if state, _ := doc.Get("state"); state != "CA" {
		t.Errorf("state = %v; want CA", state)
	}

	qs, err := s.GetQuery(ctx, "cities")
	if err != nil {
		t.Fatalf("GetQuery() error = %v", err)
	}
	if len(qs.Documents) != 1 || len(qs.Changes) != 1 {
		t.Errorf("GetQuery() = %+v", qs)
	}

	err = s.UpdateDocument(ctx, "cities/LA", map[string]any{"state": "CA"})
	if remoteCode(err) != protocol.CodeNotFound {
		t.Errorf("UpdateDocument(missing) error = %v; want not-found", err)
	}

	missing, err := s.GetDocument(ctx, "cities/LA")
	if err != nil || missing.Exists {
		t.Errorf("GetDocument(missing) = %+v, %v", missing, err)
	}
}

func increment(calls *atomic.Int32, before func(ctx context.Context, attempt int32) error) txn.Handler {
	return func(ctx context.Context, tx *txn.Transaction) (map[string]any, error) {
		attempt := calls.Add(1)
		doc, err := tx.Get(ctx, "counters/c")
		if err != nil {
			return nil, err
		}
		n, _ := doc.Get("n")
		count, _ := n.(int64)
		if before != nil {
			if err := before(ctx, attempt); err != nil {
				return nil, err
			}
		}
		if err := tx.Set(ctx, "counters/c", map[string]any{"n": count + 1}); err != nil {
			return nil, err
		}
		return map[string]any{"n": count + 1, "attempt": int64(attempt)}, nil
	}
}

func TestTransactionCommits(t *testing.T) {
	st := New()
	_ = st.Set("counters/c", map[string]any{"n": int64(41)})
	s := connect(t, st)
	ctx := testContext(t)

	var calls atomic.Int32
	result, err := s.RunTransaction(ctx, increment(&calls, nil), time.Second)
	if err != nil {
		t.Fatalf("RunTransaction() error = %v", err)
	}
	if result["n"] != int64(42) {
		t.Errorf("result = %v; want n=42", result)
	}
	if calls.Load() != 1 {
		t.Errorf("handler ran %d times; want 1", calls.Load())
	}
	doc, _ := st.Get("counters/c")
	if n, _ := doc.Get("n"); n != int64(42) {
		t.Errorf("stored n = %v; want 42", n)
	}
}

func TestTransactionRetriesOnContention(t *testing.T) {
	st := New()
	_ = st.Set("counters/c", map[string]any{"n": int64(0)})
	s := connect(t, st)
	ctx := testContext(t)

	var calls atomic.Int32
	h := increment(&calls, func(ctx context.Context, attempt int32) error {
		if attempt == 1 {
			// A write between the read and the commit forces a retry.
			return s.SetDocument(ctx, "counters/c", map[string]any{"n": int64(100)})
		}
		return nil
	})

	result, err := s.RunTransaction(ctx, h, txn.DefaultTimeout)
	if err != nil {
		t.Fatalf("RunTransaction() error = %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("handler ran %d times; want 2", got)
	}
	if result["attempt"] != int64(2) || result["n"] != int64(101) {
		t.Errorf("result = %v; want second attempt with n=101", result)
	}
	doc, _ := st.Get("counters/c")
	if n, _ := doc.Get("n"); n != int64(101) {
		t.Errorf("stored n = %v; want 101", n)
	}
}

func TestTransactionTooMuchContention(t *testing.T) {
	st := New(WithMaxAttempts(3))
	_ = st.Set("counters/c", map[string]any{"n": int64(0)})
	s := connect(t, st)
	ctx := testContext(t)

	var calls atomic.Int32
	h := increment(&calls, func(context.Context, int32) error {
		return st.Set("counters/c", map[string]any{"n": int64(-1)})
	})

	_, err := s.RunTransaction(ctx, h, time.Second)
	if remoteCode(err) != protocol.CodeAborted {
		t.Errorf("RunTransaction() error = %v; want aborted", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("handler ran %d times; want 3", got)
	}
}

func TestTransactionHandlerError(t *testing.T) {
	st := New()
	s := connect(t, st)
	ctx := testContext(t)

	_, err := s.RunTransaction(ctx, func(ctx context.Context, tx *txn.Transaction) (map[string]any, error) {
		if err := tx.Set(ctx, "a/b", map[string]any{"x": int64(1)}); err != nil {
			return nil, err
		}
		return nil, errors.New("insufficient funds")
	}, time.Second)
	if err == nil || !strings.Contains(err.Error(), "insufficient funds") {
		t.Errorf("RunTransaction() error = %v; want handler error", err)
	}
	if st.Len() != 0 {
		t.Error("failed transaction wrote a document")
	}
}

func TestTransactionFailedStepRetries(t *testing.T) {
	tests := []struct {
		name     string
		opts     []Option
		failures int32
		wantRuns int32
		wantErr  bool
	}{
		{"no_retry_by_default", nil, 100, 1, true},
		{"fails_every_attempt", []Option{WithRetryFailedSteps(true), WithMaxAttempts(3)}, 100, 3, true},
		{"recovers_on_second_attempt", []Option{WithRetryFailedSteps(true)}, 1, 2, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			st := New(tc.opts...)
			s := connect(t, st)
			ctx := testContext(t)

			var runs atomic.Int32
			_, err := s.RunTransaction(ctx, func(ctx context.Context, tx *txn.Transaction) (map[string]any, error) {
				n := runs.Add(1)
				if err := tx.Set(ctx, "ledger/entry", map[string]any{"run": int64(n)}); err != nil {
					return nil, err
				}
				if n <= tc.failures {
					return nil, errors.New("ledger locked")
				}
				return nil, nil
			}, time.Second)

			if got := runs.Load(); got != tc.wantRuns {
				t.Errorf("handler ran %d times; want %d", got, tc.wantRuns)
			}
			if tc.wantErr {
				if err == nil || !strings.Contains(err.Error(), "ledger locked") {
					t.Errorf("RunTransaction() error = %v; want handler error", err)
				}
				if st.Len() != 0 {
					t.Error("failed transaction wrote a document")
				}
				return
			}
			if err != nil {
				t.Fatalf("RunTransaction() error = %v", err)
			}
			doc, _ := st.Get("ledger/entry")
			if run, _ := doc.Get("run"); run != int64(tc.wantRuns) {
				t.Errorf("stored run = %v; want %d", run, tc.wantRuns)
			}
		})
	}
}

func TestTransactionReadAfterWrite(t *testing.T) {
	s := connect(t, New())
	ctx := testContext(t)

	_, err := s.RunTransaction(ctx, func(ctx context.Context, tx *txn.Transaction) (map[string]any, error) {
		if err := tx.Set(ctx, "a/b", map[string]any{}); err != nil {
			return nil, err
		}
		_, err := tx.Get(ctx, "a/b")
		return nil, err
	}, time.Second)
	if remoteCode(err) != protocol.CodeInvalidArg {
		t.Errorf("RunTransaction() error = %v; want invalid-argument", err)
	}
}

func TestTransactionDeadline(t *testing.T) {
	s := connect(t, New())
	ctx := testContext(t)

	_, err := s.RunTransaction(ctx, func(ctx context.Context, tx *txn.Transaction) (map[string]any, error) {
		time.Sleep(200 * time.Millisecond)
		return nil, nil
	}, 20*time.Millisecond)
	if remoteCode(err) != protocol.CodeDeadline {
		t.Errorf("RunTransaction() error = %v; want deadline-exceeded", err)
	}
}

func TestWebSocketHandler(t *testing.T) {
	st := New()
	srv := httptest.NewServer(st.Handler())
	defer srv.Close()
	ctx := testContext(t)

	ws, err := transport.DialWebSocket(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), transport.DefaultWebSocketConfig())
	if err != nil {
		t.Fatalf("DialWebSocket() error = %v", err)
	}
	s := session.New(ws)
	go func() { _ = s.Run(context.Background()) }()
	defer s.Close()

	if err := s.SetDocument(ctx, "cities/SF", map[string]any{"pop": int64(870000)}); err != nil {
		t.Fatalf("SetDocument() error = %v", err)
	}
	doc, err := s.GetDocument(ctx, "cities/SF")
	if err != nil {
		t.Fatalf("GetDocument() error = %v", err)
	}
	if pop, _ := doc.Get("pop"); pop != int64(870000) {
		t.Errorf("pop = %v; want 870000", pop)
	}
}
