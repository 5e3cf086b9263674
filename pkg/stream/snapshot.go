package stream

import (
	"fmt"

	"github.com/vango-dev/docwire/pkg/protocol"
)

// Snapshot is a value delivered to a sink: *QuerySnapshot or *DocumentSnapshot.
type Snapshot interface {
	snapshot()
}

// DocumentSnapshot is the state of one document at one point in time.
type DocumentSnapshot struct {
	Path   string
	Data   map[string]any
	Exists bool
}

// NewDocumentSnapshot returns a snapshot of path. A nil data means the
// document does not exist.
func NewDocumentSnapshot(path string, data map[string]any) *DocumentSnapshot {
	return &DocumentSnapshot{Path: path, Data: data, Exists: data != nil}
}

// ID returns the last path segment.
func (d *DocumentSnapshot) ID() string {
	for i := len(d.Path) - 1; i >= 0; i-- {
		if d.Path[i] == '/' {
			return d.Path[i+1:]
		}
	}
	return d.Path
}

// Get returns a top-level field.
func (d *DocumentSnapshot) Get(field string) (any, bool) {
	if d.Data == nil {
		return nil, false
	}
	v, ok := d.Data[field]
	return v, ok
}

// Encode returns the wire form {"path": ..., "data": ...}.
func (d *DocumentSnapshot) Encode() map[string]any {
	var data any
	if d.Exists {
		data = d.Data
	}
	return map[string]any{"path": d.Path, "data": data}
}

func (*DocumentSnapshot) snapshot() {}

// ChangeType says how a document moved within a query result.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
)

// DocumentChange describes one document's change between two query results.
// OldIndex is -1 for added documents and NewIndex is -1 for removed ones.
type DocumentChange struct {
	Type     ChangeType
	Document *DocumentSnapshot
	OldIndex int
	NewIndex int
}

// QuerySnapshot is one result set of a live query.
type QuerySnapshot struct {
	Handle    int64
	Documents []*DocumentSnapshot
	Changes   []DocumentChange
}

func (*QuerySnapshot) snapshot() {}

// Encode returns the wire form of the snapshot data:
//
//	{"documents": [{path, data}...], "documentChanges": [{type, path, data, oldIndex, newIndex}...]}
func (q *QuerySnapshot) Encode() map[string]any {
	docs := make([]any, len(q.Documents))
	for i, d := range q.Documents {
		docs[i] = d.Encode()
	}
	changes := make([]any, len(q.Changes))
	for i, c := range q.Changes {
		m := c.Document.Encode()
		m["type"] = string(c.Type)
		m["oldIndex"] = int64(c.OldIndex)
		m["newIndex"] = int64(c.NewIndex)
		changes[i] = m
	}
	return map[string]any{"documents": docs, "documentChanges": changes}
}

// DecodeDocument reads a document from its wire form.
func DecodeDocument(v any) (*DocumentSnapshot, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: document is %T, not a map", protocol.ErrMalformed, v)
	}
	path, err := pathField(m)
	if err != nil {
		return nil, err
	}
	switch data := m["data"].(type) {
	case nil:
		return NewDocumentSnapshot(path, nil), nil
	case map[string]any:
		return NewDocumentSnapshot(path, data), nil
	default:
		return nil, fmt.Errorf("%w: document %s data is %T", protocol.ErrMalformed, path, data)
	}
}

// DecodeQuerySnapshot reads the data argument of a QuerySnapshot call.
func DecodeQuerySnapshot(handle int64, data map[string]any) (*QuerySnapshot, error) {
	qs := &QuerySnapshot{Handle: handle}

	docs, err := listField(data, "documents")
	if err != nil {
		return nil, err
	}
	for _, v := range docs {
		d, err := DecodeDocument(v)
		if err != nil {
			return nil, err
		}
		qs.Documents = append(qs.Documents, d)
	}

	changes, err := listField(data, "documentChanges")
	if err != nil {
		return nil, err
	}
	for _, v := range changes {
		d, err := DecodeDocument(v)
		if err != nil {
			return nil, err
		}
		m := v.(map[string]any)
		ct, _ := m["type"].(string)
		switch ChangeType(ct) {
		case ChangeAdded, ChangeModified, ChangeRemoved:
		default:
			return nil, fmt.Errorf("%w: change type %q", protocol.ErrMalformed, ct)
		}
		qs.Changes = append(qs.Changes, DocumentChange{
			Type:     ChangeType(ct),
			Document: d,
			OldIndex: indexField(m, "oldIndex"),
			NewIndex: indexField(m, "newIndex"),
		})
	}
	return qs, nil
}

func pathField(m map[string]any) (string, error) {
	switch p := m["path"].(type) {
	case string:
		return p, nil
	case protocol.DocumentReference:
		return p.Path(), nil
	default:
		return "", fmt.Errorf("%w: document path is %T", protocol.ErrMalformed, p)
	}
}

func listField(m map[string]any, key string) ([]any, error) {
	switch v := m[key].(type) {
	case nil:
		return nil, nil
	case []any:
		return v, nil
	default:
		return nil, fmt.Errorf("%w: %s is %T, not a list", protocol.ErrMalformed, key, v)
	}
}

func indexField(m map[string]any, key string) int {
	if n, ok := m[key].(int64); ok {
		return int(n)
	}
	return -1
}
