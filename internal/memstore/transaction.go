package memstore

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/vango-dev/docwire/pkg/channel"
	"github.com/vango-dev/docwire/pkg/protocol"
)

var errContention = errors.New("memstore: document changed since it was read")

// attempt is the state of one run of a client transaction handler: the
// version of every document it read and the writes it buffered.
type attempt struct {
	reads  map[string]int64
	writes []write
}

func (p *Peer) beginAttempt(id int64) *attempt {
	a := &attempt{reads: make(map[string]int64)}
	p.mu.Lock()
	p.attempts[id] = a
	p.mu.Unlock()
	return a
}

func (p *Peer) endAttempt(id int64, a *attempt) {
	p.mu.Lock()
	if p.attempts[id] == a {
		delete(p.attempts, id)
	}
	p.mu.Unlock()
}

func (p *Peer) currentAttempt(mc *protocol.MethodCall) (int64, *attempt, error) {
	id, err := channel.IntArg(mc, channel.ArgTransactionID)
	if err != nil {
		return 0, nil, err
	}
	p.mu.Lock()
	a := p.attempts[id]
	p.mu.Unlock()
	if a == nil {
		return id, nil, protocol.NewRemoteError(protocol.CodeNotFound, fmt.Sprintf("no running transaction %d", id))
	}
	return id, a, nil
}

// runTransaction asks the client to run transaction id until one attempt
// commits, the attempts run out or the timeout passes.
func (p *Peer) runTransaction(ctx context.Context, id int64, timeout time.Duration, r channel.Replier) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logger := p.logger.With("transaction_id", id)
	for n := 1; n <= p.st.maxAttempts; n++ {
		a := p.beginAttempt(id)
		result, err := p.d.Call(ctx, channel.MethodDoTransaction, map[string]any{channel.ArgTransactionID: id})
		p.endAttempt(id, a)

		if err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				err = protocol.NewRemoteError(protocol.CodeDeadline,
					fmt.Sprintf("transaction %d did not finish within %v", id, timeout))
			}
			if p.retryStep(ctx, err) && n < p.st.maxAttempts {
				logger.Debug("transaction step failed, retrying", "attempt", n, "error", err)
				continue
			}
			logger.Debug("transaction failed", "attempt", n, "error", err)
			_ = r.Fail(err)
			return
		}

		p.mu.Lock()
		reads, writes := maps.Clone(a.reads), a.writes
		p.mu.Unlock()

		err = p.st.commit(reads, writes)
		switch {
		case err == nil:
			logger.Debug("transaction committed", "attempt", n, "writes", len(writes))
			_ = r.Reply(result)
			return
		case errors.Is(err, errContention):
			logger.Debug("transaction contended", "attempt", n)
		default:
			_ = r.Fail(err)
			return
		}
	}
	_ = r.Fail(protocol.NewRemoteError(protocol.CodeAborted,
		fmt.Sprintf("transaction %d: too much contention after %d attempts", id, p.st.maxAttempts)))
}

// retryStep reports whether a failed DoTransaction call may be attempted
// again. Only handler failures reported by a live client qualify.
func (p *Peer) retryStep(ctx context.Context, err error) bool {
	if !p.st.retryFailedSteps || ctx.Err() != nil {
		return false
	}
	var re *protocol.RemoteError
	return errors.As(err, &re) && re.Code != protocol.CodeNotFound
}

func (p *Peer) transactionGet(mc *protocol.MethodCall, r channel.Replier) {
	id, a, err := p.currentAttempt(mc)
	if err != nil {
		_ = r.Fail(err)
		return
	}
	path, err := channel.PathArg(mc, channel.ArgPath)
	if err != nil {
		_ = r.Fail(err)
		return
	}
	if err := validateDocumentPath(path); err != nil {
		_ = r.Fail(err)
		return
	}

	p.st.mu.Lock()
	snap, version := p.st.getLocked(path)
	p.st.mu.Unlock()

	p.mu.Lock()
	if len(a.writes) > 0 {
		p.mu.Unlock()
		_ = r.Fail(protocol.NewRemoteError(protocol.CodeInvalidArg,
			fmt.Sprintf("transaction %d: reads must come before writes", id)))
		return
	}
	if _, seen := a.reads[path]; !seen {
		a.reads[path] = version
	}
	p.mu.Unlock()

	_ = r.Reply(snap.Encode())
}

func (p *Peer) transactionWrite(mc *protocol.MethodCall, r channel.Replier) {
	_, a, err := p.currentAttempt(mc)
	if err != nil {
		_ = r.Fail(err)
		return
	}
	w, err := parseWrite(mc)
	if err != nil {
		_ = r.Fail(err)
		return
	}
	p.mu.Lock()
	a.writes = append(a.writes, w)
	p.mu.Unlock()
	_ = r.Reply(nil)
}

// commit applies writes if no document in reads has changed version since
// it was read.
func (st *Store) commit(reads map[string]int64, writes []write) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	for path, version := range reads {
		if _, current := st.getLocked(path); current != version {
			return fmt.Errorf("%w: %s", errContention, path)
		}
	}
	if err := st.checkLocked(writes); err != nil {
		return err
	}
	st.applyLocked(writes)
	return nil
}
