package channel

import (
	"github.com/vango-dev/docwire/pkg/protocol"
)

// InboundCall is the closed set of calls the remote store may send.
// Use a type switch over the concrete types below.
type InboundCall interface {
	inboundCall()
}

// QuerySnapshotCall carries a new result set for a live query.
type QuerySnapshotCall struct {
	Handle int64
	Data   map[string]any
}

// DocumentSnapshotCall carries the new state of a live document. Data is nil
// when the document does not exist.
type DocumentSnapshotCall struct {
	Handle int64
	Path   string
	Data   map[string]any
}

// DoTransactionCall asks the local side to run one step of a transaction.
type DoTransactionCall struct {
	TransactionID int64
}

// UnknownCall is any method this side does not serve.
type UnknownCall struct {
	Method    string
	Arguments any
}

func (QuerySnapshotCall) inboundCall()    {}
func (DocumentSnapshotCall) inboundCall() {}
func (DoTransactionCall) inboundCall()    {}
func (UnknownCall) inboundCall()          {}

// ParseInbound maps a decoded method call onto its variant. A known method
// with missing or ill-typed arguments yields an *ArgumentError.
func ParseInbound(mc *protocol.MethodCall) (InboundCall, error) {
	switch mc.Method {
	case MethodQuerySnapshot:
		handle, err := IntArg(mc, ArgHandle)
		if err != nil {
			return nil, err
		}
		data, err := MapArg(mc, ArgData, false)
		if err != nil {
			return nil, err
		}
		return QuerySnapshotCall{Handle: handle, Data: data}, nil

	case MethodDocumentSnapshot:
		handle, err := IntArg(mc, ArgHandle)
		if err != nil {
			return nil, err
		}
		path, err := PathArg(mc, ArgPath)
		if err != nil {
			return nil, err
		}
		data, err := MapArg(mc, ArgData, true)
		if err != nil {
			return nil, err
		}
		return DocumentSnapshotCall{Handle: handle, Path: path, Data: data}, nil

	case MethodDoTransaction:
		id, err := IntArg(mc, ArgTransactionID)
		if err != nil {
			return nil, err
		}
		return DoTransactionCall{TransactionID: id}, nil

	default:
		return UnknownCall{Method: mc.Method, Arguments: mc.Arguments}, nil
	}
}

// IntArg reads an integer argument.
func IntArg(mc *protocol.MethodCall, name string) (int64, error) {
	v, ok := mc.Arg(name)
	if !ok {
		return 0, &ArgumentError{Method: mc.Method, Arg: name, Reason: "is missing"}
	}
	n, ok := v.(int64)
	if !ok {
		return 0, &ArgumentError{Method: mc.Method, Arg: name, Reason: "is not an integer"}
	}
	return n, nil
}

// PathArg reads a document path given either as a string or as a document
// reference.
func PathArg(mc *protocol.MethodCall, name string) (string, error) {
	v, ok := mc.Arg(name)
	if !ok {
		return "", &ArgumentError{Method: mc.Method, Arg: name, Reason: "is missing"}
	}
	switch p := v.(type) {
	case string:
		return p, nil
	case protocol.DocumentReference:
		return p.Path(), nil
	default:
		return "", &ArgumentError{Method: mc.Method, Arg: name, Reason: "is not a path"}
	}
}

// MapArg reads a string-keyed map argument. A missing or nil value is
// allowed only when nilOK is set.
func MapArg(mc *protocol.MethodCall, name string, nilOK bool) (map[string]any, error) {
	v, ok := mc.Arg(name)
	if !ok || v == nil {
		if nilOK {
			return nil, nil
		}
		return nil, &ArgumentError{Method: mc.Method, Arg: name, Reason: "is missing"}
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, &ArgumentError{Method: mc.Method, Arg: name, Reason: "is not a map"}
	}
	return m, nil
}
