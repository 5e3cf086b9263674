// Package memstore is an in-memory document store that speaks the docwire
// channel protocol from the store side.
//
// Documents live at slash-separated paths with an even number of segments
// ("rooms/lobby", "rooms/lobby/messages/m1"); collections have an odd number
// ("rooms", "rooms/lobby/messages"). Every write stamps the document with a
// new version from a store-wide counter. Versions let transactions detect
// that a document they read was changed before they committed.
//
// Each connection is served by a Peer. Peers push QuerySnapshot and
// DocumentSnapshot notifications to their listeners after every write and
// drive transactions by calling DoTransaction on the client.
package memstore

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/vango-dev/docwire/pkg/metrics"
	"github.com/vango-dev/docwire/pkg/protocol"
	"github.com/vango-dev/docwire/pkg/stream"
	"github.com/vango-dev/docwire/pkg/transport"
	"github.com/vango-dev/docwire/pkg/txn"
)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(st *Store) {
		st.logger = logger
	}
}

// WithMetrics sets the metrics sink shared by every peer.
func WithMetrics(m *metrics.Metrics) Option {
	return func(st *Store) {
		st.metrics = m
	}
}

// WithMaxAttempts bounds how often a transaction is attempted before it
// fails with "aborted". Default: txn.MaxAttempts.
func WithMaxAttempts(n int) Option {
	return func(st *Store) {
		if n > 0 {
			st.maxAttempts = n
		}
	}
}

// WithRetryFailedSteps makes the store rerun a transaction whose handler
// failed, up to the attempt limit, instead of failing it at once. The last
// attempt's error is returned when every attempt fails.
func WithRetryFailedSteps(retry bool) Option {
	return func(st *Store) {
		st.retryFailedSteps = retry
	}
}

// WithWebSocketConfig sets the transport settings Handler uses for upgraded
// connections.
func WithWebSocketConfig(cfg transport.WebSocketConfig) Option {
	return func(st *Store) {
		st.wsConfig = cfg
	}
}

type document struct {
	data    map[string]any
	version int64
}

// Store holds documents and the peers listening to them. It is safe for
// concurrent use.
type Store struct {
	mu      sync.Mutex
	docs    map[string]*document
	version int64
	peers   map[*Peer]struct{}

	maxAttempts      int
	retryFailedSteps bool
	wsConfig         transport.WebSocketConfig
	logger           *slog.Logger
	metrics          *metrics.Metrics
}

// New creates an empty store.
func New(opts ...Option) *Store {
	st := &Store{
		docs:        make(map[string]*document),
		peers:       make(map[*Peer]struct{}),
		maxAttempts: txn.MaxAttempts,
		wsConfig:    transport.DefaultWebSocketConfig(),
	}
	for _, opt := range opts {
		opt(st)
	}
	if st.logger == nil {
		st.logger = slog.Default()
	}
	st.logger = st.logger.With("component", "memstore")
	return st
}

// Len returns the number of stored documents.
func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.docs)
}

// Peers returns the number of connected peers.
func (st *Store) Peers() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.peers)
}

// Get returns the document at path. A missing document yields a snapshot
// with Exists unset.
func (st *Store) Get(path string) (*stream.DocumentSnapshot, error) {
	if err := validateDocumentPath(path); err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	snap, _ := st.getLocked(path)
	return snap, nil
}

// Query returns the documents directly inside the collection at path,
// ordered by path.
func (st *Store) Query(path string) ([]*stream.DocumentSnapshot, error) {
	if err := validateCollectionPath(path); err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	docs := st.queryLocked(path)
	out := make([]*stream.DocumentSnapshot, len(docs))
	for i, d := range docs {
		out[i] = d.snap
	}
	return out, nil
}

// Set replaces the document at path.
func (st *Store) Set(path string, data map[string]any) error {
	return st.write(write{op: opSet, path: path, data: data})
}

// Update merges data into the existing document at path. Keys containing
// dots address nested fields. Updating a missing document fails with
// "not-found".
func (st *Store) Update(path string, data map[string]any) error {
	return st.write(write{op: opUpdate, path: path, data: data})
}

// Delete removes the document at path. Deleting a missing document is not
// an error.
func (st *Store) Delete(path string) error {
	return st.write(write{op: opDelete, path: path})
}

func (st *Store) write(w write) error {
	if err := w.validate(); err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := st.checkLocked([]write{w}); err != nil {
		return err
	}
	st.applyLocked([]write{w})
	return nil
}

func (st *Store) getLocked(path string) (*stream.DocumentSnapshot, int64) {
	d := st.docs[path]
	if d == nil {
		return stream.NewDocumentSnapshot(path, nil), 0
	}
	return stream.NewDocumentSnapshot(path, d.data), d.version
}

type queryDoc struct {
	snap    *stream.DocumentSnapshot
	version int64
}

func (st *Store) queryLocked(collection string) []queryDoc {
	var out []queryDoc
	for path, d := range st.docs {
		if parent(path) == collection {
			out = append(out, queryDoc{snap: stream.NewDocumentSnapshot(path, d.data), version: d.version})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].snap.Path < out[j].snap.Path })
	return out
}

// checkLocked reports whether ws can be applied in order to the current
// state: every update must target a document that exists at that point.
func (st *Store) checkLocked(ws []write) error {
	exists := make(map[string]bool)
	for _, w := range ws {
		present, seen := exists[w.path]
		if !seen {
			present = st.docs[w.path] != nil
		}
		switch w.op {
		case opSet:
			exists[w.path] = true
		case opDelete:
			exists[w.path] = false
		case opUpdate:
			if !present {
				return protocol.NewRemoteError(protocol.CodeNotFound, "no document to update: "+w.path)
			}
		}
	}
	return nil
}

// applyLocked applies ws, which must have passed checkLocked, and notifies
// listeners of the touched paths.
func (st *Store) applyLocked(ws []write) {
	changed := make(map[string]bool, len(ws))
	for _, w := range ws {
		st.version++
		switch w.op {
		case opSet:
			st.docs[w.path] = &document{data: copyMap(w.data), version: st.version}
		case opUpdate:
			d := st.docs[w.path]
			st.docs[w.path] = &document{data: mergeFields(d.data, w.data), version: st.version}
		case opDelete:
			if st.docs[w.path] == nil {
				continue
			}
			delete(st.docs, w.path)
		}
		changed[w.path] = true
		st.logger.Debug("document written", "op", w.op, "path", w.path, "version", st.version)
	}
	if len(changed) > 0 {
		st.notifyLocked(changed)
	}
}

func (st *Store) notifyLocked(changed map[string]bool) {
	for p := range st.peers {
		p.notify(changed)
	}
}

func (st *Store) addPeer(p *Peer) {
	st.mu.Lock()
	st.peers[p] = struct{}{}
	st.mu.Unlock()
}

func (st *Store) removePeer(p *Peer) {
	st.mu.Lock()
	delete(st.peers, p)
	st.mu.Unlock()
}

// =============================================================================
// Writes
// =============================================================================

const (
	opSet    = "set"
	opUpdate = "update"
	opDelete = "delete"
)

type write struct {
	op   string
	path string
	data map[string]any
}

func (w write) validate() error {
	if err := validateDocumentPath(w.path); err != nil {
		return err
	}
	if w.op != opDelete && w.data == nil {
		return protocol.NewRemoteError(protocol.CodeInvalidArg, w.op+" without data: "+w.path)
	}
	return nil
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// mergeFields returns a copy of base with fields set. A dotted key such as
// "address.city" replaces one nested field and creates intermediate maps.
func mergeFields(base, fields map[string]any) map[string]any {
	out := copyMap(base)
	for key, v := range fields {
		setField(out, strings.Split(key, "."), v)
	}
	return out
}

func setField(m map[string]any, keys []string, v any) {
	if len(keys) == 1 {
		m[keys[0]] = v
		return
	}
	child, _ := m[keys[0]].(map[string]any)
	child = copyMap(child)
	m[keys[0]] = child
	setField(child, keys[1:], v)
}

// =============================================================================
// Paths
// =============================================================================

func segments(path string) ([]string, error) {
	if path == "" {
		return nil, protocol.NewRemoteError(protocol.CodeInvalidArg, "empty path")
	}
	segs := strings.Split(path, "/")
	for _, s := range segs {
		if s == "" {
			return nil, protocol.NewRemoteError(protocol.CodeInvalidArg, fmt.Sprintf("empty segment in path %q", path))
		}
	}
	return segs, nil
}

func validateDocumentPath(path string) error {
	segs, err := segments(path)
	if err != nil {
		return err
	}
	if len(segs)%2 != 0 {
		return protocol.NewRemoteError(protocol.CodeInvalidArg, fmt.Sprintf("%q is not a document path", path))
	}
	return nil
}

func validateCollectionPath(path string) error {
	segs, err := segments(path)
	if err != nil {
		return err
	}
	if len(segs)%2 != 1 {
		return protocol.NewRemoteError(protocol.CodeInvalidArg, fmt.Sprintf("%q is not a collection path", path))
	}
	return nil
}

func parent(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[:i]
	}
	return ""
}
