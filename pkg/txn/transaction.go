package txn

import (
	"context"
	"fmt"

	"github.com/vango-dev/docwire/pkg/channel"
	"github.com/vango-dev/docwire/pkg/stream"
)

// Transaction is the capability handed to one attempt of a Handler. Each
// operation is one round trip to the remote store.
//
// Get reads committed remote state only: it never reflects writes made
// earlier in the same transaction. Issue all reads before any writes.
type Transaction struct {
	id  int64
	inv Invoker
}

// ID returns the transaction ID.
func (t *Transaction) ID() int64 {
	return t.id
}

// Get reads the document at path.
func (t *Transaction) Get(ctx context.Context, path string) (*stream.DocumentSnapshot, error) {
	reply, err := t.inv.Call(ctx, channel.MethodTransactionGet, t.args(path, nil))
	if err != nil {
		return nil, fmt.Errorf("txn: get %s: %w", path, err)
	}
	if reply == nil {
		return stream.NewDocumentSnapshot(path, nil), nil
	}
	return stream.DecodeDocument(reply)
}

// Delete deletes the document at path.
func (t *Transaction) Delete(ctx context.Context, path string) error {
	if _, err := t.inv.Call(ctx, channel.MethodTransactionDelete, t.args(path, nil)); err != nil {
		return fmt.Errorf("txn: delete %s: %w", path, err)
	}
	return nil
}

// Update merges data into the existing document at path.
func (t *Transaction) Update(ctx context.Context, path string, data map[string]any) error {
	if _, err := t.inv.Call(ctx, channel.MethodTransactionUpdate, t.args(path, data)); err != nil {
		return fmt.Errorf("txn: update %s: %w", path, err)
	}
	return nil
}

// Set replaces the document at path with data.
func (t *Transaction) Set(ctx context.Context, path string, data map[string]any) error {
	if _, err := t.inv.Call(ctx, channel.MethodTransactionSet, t.args(path, data)); err != nil {
		return fmt.Errorf("txn: set %s: %w", path, err)
	}
	return nil
}

func (t *Transaction) args(path string, data map[string]any) map[string]any {
	args := map[string]any{
		channel.ArgTransactionID: t.id,
		channel.ArgPath:          path,
	}
	if data != nil {
		args[channel.ArgData] = data
	}
	return args
}
