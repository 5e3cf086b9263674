package memstore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vango-dev/docwire/pkg/channel"
	"github.com/vango-dev/docwire/pkg/protocol"
	"github.com/vango-dev/docwire/pkg/stream"
	"github.com/vango-dev/docwire/pkg/transport"
	"github.com/vango-dev/docwire/pkg/txn"
)

// Peer serves one client connection.
type Peer struct {
	id     uuid.UUID
	st     *Store
	d      *channel.Dispatcher
	out    *outbox
	logger *slog.Logger

	// mu is acquired after st.mu when both are held.
	mu         sync.Mutex
	nextHandle int64
	listeners  map[int64]*listener
	attempts   map[int64]*attempt
}

type listener struct {
	handle int64
	query  bool
	path   string
	active bool
	sent   bool
	last   []queryDoc
}

// Serve runs a peer over t until the transport closes or ctx ends.
func (st *Store) Serve(ctx context.Context, t transport.Transport) error {
	p := &Peer{
		id:        uuid.New(),
		st:        st,
		out:       newOutbox(),
		listeners: make(map[int64]*listener),
		attempts:  make(map[int64]*attempt),
	}
	p.logger = st.logger.With("peer_id", p.id.String())
	p.d = channel.New(t, p, channel.WithLogger(p.logger), channel.WithMetrics(st.metrics))

	st.addPeer(p)
	defer st.removePeer(p)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go p.out.run(ctx, p.send)

	p.logger.Info("peer connected")
	err := p.d.Run(ctx)
	cancel()
	<-p.out.exited
	p.logger.Info("peer disconnected", "error", err)
	return err
}

// ID returns the peer's unique identifier.
func (p *Peer) ID() uuid.UUID {
	return p.id
}

// ServeCall handles one call from the client.
func (p *Peer) ServeCall(ctx context.Context, mc *protocol.MethodCall, r channel.Replier) {
	switch mc.Method {
	case channel.MethodQueryListen, channel.MethodDocumentListen:
		p.listen(mc, r)

	case channel.MethodRemoveListener:
		handle, err := channel.IntArg(mc, channel.ArgHandle)
		if err != nil {
			_ = r.Fail(err)
			return
		}
		p.mu.Lock()
		delete(p.listeners, handle)
		p.mu.Unlock()
		p.logger.Debug("listener removed", "handle", handle)
		_ = r.Reply(nil)

	case channel.MethodDocumentGet:
		path, err := channel.PathArg(mc, channel.ArgPath)
		if err != nil {
			_ = r.Fail(err)
			return
		}
		snap, err := p.st.Get(path)
		if err != nil {
			_ = r.Fail(err)
			return
		}
		_ = r.Reply(snap.Encode())

	case channel.MethodQueryGet:
		path, err := channel.PathArg(mc, channel.ArgPath)
		if err != nil {
			_ = r.Fail(err)
			return
		}
		docs, err := p.st.Query(path)
		if err != nil {
			_ = r.Fail(err)
			return
		}
		qs := &stream.QuerySnapshot{Documents: docs}
		for i, d := range docs {
			qs.Changes = append(qs.Changes, stream.DocumentChange{Type: stream.ChangeAdded, Document: d, OldIndex: -1, NewIndex: i})
		}
		_ = r.Reply(qs.Encode())

	case channel.MethodDocumentSet, channel.MethodDocumentUpdate, channel.MethodDocumentDelete:
		w, err := parseWrite(mc)
		if err != nil {
			_ = r.Fail(err)
			return
		}
		if err := p.st.write(w); err != nil {
			_ = r.Fail(err)
			return
		}
		_ = r.Reply(nil)

	case channel.MethodRunTransaction:
		id, err := channel.IntArg(mc, channel.ArgTransactionID)
		if err != nil {
			_ = r.Fail(err)
			return
		}
		timeout := txn.DefaultTimeout
		if _, ok := mc.Arg(channel.ArgTransactionTimeout); ok {
			ms, err := channel.IntArg(mc, channel.ArgTransactionTimeout)
			if err != nil {
				_ = r.Fail(err)
				return
			}
			timeout = time.Duration(ms) * time.Millisecond
		}
		if timeout <= 0 {
			_ = r.Fail(protocol.NewRemoteError(protocol.CodeInvalidArg, "transaction timeout must be positive"))
			return
		}
		// Steps are calls to the client, so the transaction cannot run on
		// the receive loop.
		go p.runTransaction(ctx, id, timeout, r)

	case channel.MethodTransactionGet:
		p.transactionGet(mc, r)

	case channel.MethodTransactionSet, channel.MethodTransactionUpdate, channel.MethodTransactionDelete:
		p.transactionWrite(mc, r)

	default:
		if r.ExpectsReply() {
			_ = r.Fail(protocol.NewRemoteError(protocol.CodeUnimplemented, mc.Method))
		}
	}
}

func parseWrite(mc *protocol.MethodCall) (write, error) {
	path, err := channel.PathArg(mc, channel.ArgPath)
	if err != nil {
		return write{}, err
	}
	w := write{path: path}
	switch mc.Method {
	case channel.MethodDocumentSet, channel.MethodTransactionSet:
		w.op = opSet
	case channel.MethodDocumentUpdate, channel.MethodTransactionUpdate:
		w.op = opUpdate
	default:
		w.op = opDelete
	}
	if w.op != opDelete {
		if w.data, err = channel.MapArg(mc, channel.ArgData, false); err != nil {
			return write{}, err
		}
	}
	return w, w.validate()
}

// =============================================================================
// Listeners
// =============================================================================

func (p *Peer) listen(mc *protocol.MethodCall, r channel.Replier) {
	path, err := channel.PathArg(mc, channel.ArgPath)
	if err != nil {
		_ = r.Fail(err)
		return
	}
	query := mc.Method == channel.MethodQueryListen
	if query {
		err = validateCollectionPath(path)
	} else {
		err = validateDocumentPath(path)
	}
	if err != nil {
		_ = r.Fail(err)
		return
	}

	p.mu.Lock()
	p.nextHandle++
	l := &listener{handle: p.nextHandle, query: query, path: path}
	p.listeners[l.handle] = l
	p.mu.Unlock()

	// The handle must reach the client before any snapshot for it, so the
	// listener stays inactive until the reply is sent.
	if err := r.Reply(l.handle); err != nil {
		p.mu.Lock()
		delete(p.listeners, l.handle)
		p.mu.Unlock()
		return
	}

	p.st.mu.Lock()
	defer p.st.mu.Unlock()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listeners[l.handle] != l {
		return
	}
	l.active = true
	p.logger.Debug("listener added", "handle", l.handle, "path", path, "query", query)
	if query {
		p.pushQueryLocked(l, p.st.queryLocked(path))
	} else {
		snap, _ := p.st.getLocked(path)
		p.pushDocument(l, snap)
	}
}

// notify queues snapshots for every listener affected by the changed paths.
// The caller holds st.mu.
func (p *Peer) notify(changed map[string]bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, l := range p.listeners {
		if !l.active {
			continue
		}
		if !l.query {
			if changed[l.path] {
				snap, _ := p.st.getLocked(l.path)
				p.pushDocument(l, snap)
			}
			continue
		}
		for path := range changed {
			if parent(path) == l.path {
				p.pushQueryLocked(l, p.st.queryLocked(l.path))
				break
			}
		}
	}
}

func (p *Peer) pushDocument(l *listener, snap *stream.DocumentSnapshot) {
	var data any
	if snap.Exists {
		data = snap.Data
	}
	p.out.push(notification{
		method: channel.MethodDocumentSnapshot,
		args: map[string]any{
			channel.ArgHandle: l.handle,
			channel.ArgPath:   snap.Path,
			channel.ArgData:   data,
		},
	})
}

// pushQueryLocked queues the result set docs for l when it differs from the
// one last sent. The first result set is always sent.
func (p *Peer) pushQueryLocked(l *listener, docs []queryDoc) {
	changes := diff(l.last, docs)
	if l.sent && len(changes) == 0 {
		return
	}
	l.sent = true
	l.last = docs

	qs := &stream.QuerySnapshot{Handle: l.handle, Changes: changes}
	for _, d := range docs {
		qs.Documents = append(qs.Documents, d.snap)
	}
	p.out.push(notification{
		method: channel.MethodQuerySnapshot,
		args: map[string]any{
			channel.ArgHandle: l.handle,
			channel.ArgData:   qs.Encode(),
		},
	})
}

// diff lists removed documents first, then added and modified documents in
// their new order.
func diff(prev, next []queryDoc) []stream.DocumentChange {
	prevIndex := make(map[string]int, len(prev))
	for i, d := range prev {
		prevIndex[d.snap.Path] = i
	}
	nextIndex := make(map[string]int, len(next))
	for i, d := range next {
		nextIndex[d.snap.Path] = i
	}

	changes := []stream.DocumentChange{}
	for i, d := range prev {
		if _, ok := nextIndex[d.snap.Path]; !ok {
			changes = append(changes, stream.DocumentChange{Type: stream.ChangeRemoved, Document: d.snap, OldIndex: i, NewIndex: -1})
		}
	}
	for i, d := range next {
		j, ok := prevIndex[d.snap.Path]
		switch {
		case !ok:
			changes = append(changes, stream.DocumentChange{Type: stream.ChangeAdded, Document: d.snap, OldIndex: -1, NewIndex: i})
		case prev[j].version != d.version:
			changes = append(changes, stream.DocumentChange{Type: stream.ChangeModified, Document: d.snap, OldIndex: j, NewIndex: i})
		}
	}
	return changes
}

func (p *Peer) send(ctx context.Context, n notification) error {
	return p.d.Notify(ctx, n.method, n.args)
}

// =============================================================================
// Outbox
// =============================================================================

type notification struct {
	method string
	args   map[string]any
}

// outbox sends notifications in order without blocking the writers that
// queue them.
type outbox struct {
	mu     sync.Mutex
	queue  []notification
	wake   chan struct{}
	exited chan struct{}
}

func newOutbox() *outbox {
	return &outbox{
		wake:   make(chan struct{}, 1),
		exited: make(chan struct{}),
	}
}

func (o *outbox) push(n notification) {
	o.mu.Lock()
	o.queue = append(o.queue, n)
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *outbox) run(ctx context.Context, send func(context.Context, notification) error) {
	defer close(o.exited)
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.wake:
		}

		o.mu.Lock()
		batch := o.queue
		o.queue = nil
		o.mu.Unlock()

		for _, n := range batch {
			if err := send(ctx, n); err != nil && (transport.IsClosed(err) || ctx.Err() != nil) {
				return
			}
		}
	}
}
