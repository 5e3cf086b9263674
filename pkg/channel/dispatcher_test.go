package channel

import (
	"context"
	"errors"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vango-dev/docwire/pkg/protocol"
	"github.com/vango-dev/docwire/pkg/transport"
)

// rawPeer drives the far end of a pipe frame by frame.
type rawPeer struct {
	t     *transport.PipeEnd
	codec *protocol.Codec
}

func (p *rawPeer) recv(t *testing.T) (*protocol.Frame, *protocol.MethodCall) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := p.t.Receive(ctx)
	if err != nil {
		t.Fatalf("peer Receive() error = %v", err)
	}
	f, err := protocol.DecodeFrame(msg)
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}
	if f.Type == protocol.FrameReply {
		return f, nil
	}
	mc, err := p.codec.DecodeMethodCall(f.Payload)
	if err != nil {
		t.Fatalf("DecodeMethodCall() error = %v", err)
	}
	return f, mc
}

func (p *rawPeer) send(t *testing.T, f *protocol.Frame) {
	t.Helper()
	if err := p.t.Send(context.Background(), f.Encode()); err != nil {
		t.Fatalf("peer Send() error = %v", err)
	}
}

func (p *rawPeer) reply(t *testing.T, id uint64, result any) {
	t.Helper()
	payload, err := p.codec.EncodeSuccess(result)
	if err != nil {
		t.Fatalf("EncodeSuccess() error = %v", err)
	}
	p.send(t, protocol.NewReplyFrame(id, payload))
}

func (p *rawPeer) call(t *testing.T, id uint64, method string, args any) {
	t.Helper()
	payload, err := p.codec.EncodeMethodCall(&protocol.MethodCall{Method: method, Arguments: args})
	if err != nil {
		t.Fatalf("EncodeMethodCall() error = %v", err)
	}
	if id == 0 {
		p.send(t, protocol.NewNotifyFrame(payload))
		return
	}
	p.send(t, protocol.NewCallFrame(id, payload))
}

func decodeReply(t *testing.T, p *rawPeer, f *protocol.Frame) (any, error) {
	t.Helper()
	if f.Type != protocol.FrameReply {
		t.Fatalf("frame type = %v; want Reply", f.Type)
	}
	return p.codec.DecodeReply(f.Payload)
}

func startDispatcher(t *testing.T, h Handler) (*Dispatcher, *rawPeer, <-chan error) {
	t.Helper()
	local, remote := transport.Pipe()
	d := New(local, h)
	errc := make(chan error, 1)
	go func() { errc <- d.Run(context.Background()) }()
	t.Cleanup(func() { _ = d.Close() })
	return d, &rawPeer{t: remote, codec: protocol.NewCodec(nil)}, errc
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestInvokeReply(t *testing.T) {
	d, peer, _ := startDispatcher(t, nil)

	call := d.Invoke(context.Background(), MethodRunTransaction, map[string]any{
		ArgTransactionID:      int64(0),
		ArgTransactionTimeout: int64(5000),
	})

	f, mc := peer.recv(t)
	if f.Type != protocol.FrameCall || f.ID != call.ID {
		t.Fatalf("frame = %v/%d; want Call/%d", f.Type, f.ID, call.ID)
	}
	if mc.Method != MethodRunTransaction {
		t.Errorf("Method = %q; want %q", mc.Method, MethodRunTransaction)
	}
	if v, _ := mc.Arg(ArgTransactionTimeout); v != int64(5000) {
		t.Errorf("transactionTimeout = %v; want 5000", v)
	}

	peer.reply(t, f.ID, map[string]any{"count": int64(2)})

	result, err := call.Wait(waitCtx(t))
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if !reflect.DeepEqual(result, map[string]any{"count": int64(2)}) {
		t.Errorf("Wait() = %#v", result)
	}
	if d.Pending() != 0 {
		t.Errorf("Pending() = %d; want 0", d.Pending())
	}
}

func TestCallIDsAreDistinct(t *testing.T) {
	d, peer, _ := startDispatcher(t, nil)

	a := d.Invoke(context.Background(), "a", nil)
	b := d.Invoke(context.Background(), "b", nil)
	if a.ID == b.ID || a.ID == 0 || b.ID == 0 {
		t.Fatalf("call IDs = %d, %d; want distinct non-zero", a.ID, b.ID)
	}
	peer.recv(t)
	peer.recv(t)

	// Replies out of order still reach the right call.
	peer.reply(t, b.ID, "for-b")
	peer.reply(t, a.ID, "for-a")

	if got, _ := a.Wait(waitCtx(t)); got != "for-a" {
		t.Errorf("a.Wait() = %v; want for-a", got)
	}
	if got, _ := b.Wait(waitCtx(t)); got != "for-b" {
		t.Errorf("b.Wait() = %v; want for-b", got)
	}
}

func TestInvokeRemoteError(t *testing.T) {
	d, peer, _ := startDispatcher(t, nil)

	call := d.Invoke(context.Background(), MethodTransactionGet, nil)
	f, _ := peer.recv(t)
	peer.send(t, protocol.NewReplyFrame(f.ID, peer.codec.EncodeError(protocol.NewRemoteError(protocol.CodeNotFound, "gone"))))

	_, err := call.Wait(waitCtx(t))
	var re *protocol.RemoteError
	if !errors.As(err, &re) || re.Code != protocol.CodeNotFound {
		t.Errorf("Wait() error = %v; want RemoteError not-found", err)
	}
}

func TestPendingCallsFailOnTransportClose(t *testing.T) {
	d, peer, errc := startDispatcher(t, nil)

	call := d.Invoke(context.Background(), "m", nil)
	peer.recv(t)
	peer.t.Close()

	_, err := call.Wait(waitCtx(t))
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("Wait() error = %v; want *TransportError", err)
	}
	if !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Wait() error = %v; want wrapping transport.ErrClosed", err)
	}

	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Run() = %v; want nil after transport close", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return")
	}

	late := d.Invoke(context.Background(), "late", nil)
	if _, err := late.Wait(waitCtx(t)); !errors.As(err, &terr) {
		t.Errorf("Invoke after close error = %v; want *TransportError", err)
	}
}

func TestRunStopsOnContext(t *testing.T) {
	local, remote := transport.Pipe()
	defer remote.Close()
	d := New(local, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- d.Run(ctx) }()

	call := d.Invoke(context.Background(), "m", nil)
	cancel()

	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Errorf("Run() = %v; want context.Canceled", err)
	}
	var terr *TransportError
	if _, err := call.Wait(waitCtx(t)); !errors.As(err, &terr) {
		t.Errorf("Wait() error = %v; want *TransportError", err)
	}
	if err := d.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Run() = %v; want ErrAlreadyRunning", err)
	}
}

func TestWaitAbandon(t *testing.T) {
	d, peer, _ := startDispatcher(t, nil)

	call := d.Invoke(context.Background(), "slow", nil)
	f, _ := peer.recv(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := call.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait() error = %v; want context.Canceled", err)
	}
	if d.Pending() != 0 {
		t.Errorf("Pending() = %d; want 0 after abandon", d.Pending())
	}

	// The late reply is dropped without disturbing the loop.
	peer.reply(t, f.ID, "late")
	next := d.Invoke(context.Background(), "next", nil)
	f2, _ := peer.recv(t)
	peer.reply(t, f2.ID, "ok")
	if got, err := next.Wait(waitCtx(t)); err != nil || got != "ok" {
		t.Errorf("next.Wait() = %v, %v; want ok", got, err)
	}
}

func TestInboundCallReply(t *testing.T) {
	h := HandlerFunc(func(ctx context.Context, mc *protocol.MethodCall, r Replier) {
		if !r.ExpectsReply() {
			t.Errorf("ExpectsReply() = false for a call frame")
		}
		_ = r.Reply(map[string]any{"echo": mc.Method})
	})
	_, peer, _ := startDispatcher(t, h)

	peer.call(t, 7, "Echo", nil)
	f, _ := peer.recv(t)
	if f.ID != 7 {
		t.Errorf("reply id = %d; want 7", f.ID)
	}
	got, err := decodeReply(t, peer, f)
	if err != nil || !reflect.DeepEqual(got, map[string]any{"echo": "Echo"}) {
		t.Errorf("reply = %#v, %v", got, err)
	}
}

func TestReplierAnswersOnce(t *testing.T) {
	second := make(chan error, 1)
	h := HandlerFunc(func(ctx context.Context, mc *protocol.MethodCall, r Replier) {
		_ = r.Reply(nil)
		second <- r.Fail(errors.New("again"))
	})
	_, peer, _ := startDispatcher(t, h)

	peer.call(t, 1, "m", nil)
	peer.recv(t)
	if err := <-second; !errors.Is(err, ErrAlreadyReplied) {
		t.Errorf("second answer = %v; want ErrAlreadyReplied", err)
	}
}

func TestInboundNotifyGetsNoReply(t *testing.T) {
	var served atomic.Int32
	h := HandlerFunc(func(ctx context.Context, mc *protocol.MethodCall, r Replier) {
		served.Add(1)
		if r.ExpectsReply() {
			t.Errorf("ExpectsReply() = true for a notify frame")
		}
		_ = r.Reply("ignored")
	})
	d, peer, _ := startDispatcher(t, h)

	peer.call(t, 0, "Tick", nil)

	// A round trip after the notify proves the loop processed it without replying.
	call := d.Invoke(context.Background(), "ping", nil)
	f, mc := peer.recv(t)
	if mc == nil || mc.Method != "ping" {
		t.Fatalf("first frame from dispatcher = %v; want the ping call", f.Type)
	}
	peer.reply(t, f.ID, nil)
	if _, err := call.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if served.Load() != 1 {
		t.Errorf("handler served %d notifies; want 1", served.Load())
	}
}

func TestHandlerPanicIsContained(t *testing.T) {
	h := HandlerFunc(func(ctx context.Context, mc *protocol.MethodCall, r Replier) {
		if mc.Method == "Boom" {
			panic("kaboom")
		}
		_ = r.Reply("fine")
	})
	_, peer, _ := startDispatcher(t, h)

	peer.call(t, 1, "Boom", nil)
	f, _ := peer.recv(t)
	_, err := decodeReply(t, peer, f)
	var re *protocol.RemoteError
	if !errors.As(err, &re) || re.Code != protocol.CodeInternal {
		t.Fatalf("reply error = %v; want internal", err)
	}

	peer.call(t, 2, "Fine", nil)
	f, _ = peer.recv(t)
	if got, err := decodeReply(t, peer, f); err != nil || got != "fine" {
		t.Errorf("reply after panic = %v, %v; want fine", got, err)
	}
}

func TestMalformedInboundIsContained(t *testing.T) {
	h := HandlerFunc(func(ctx context.Context, mc *protocol.MethodCall, r Replier) {
		_ = r.Reply("ok")
	})
	_, peer, _ := startDispatcher(t, h)

	// Garbage frame, then a call frame with an unknown value tag.
	if err := peer.t.Send(context.Background(), []byte{0x7F, 0x00}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	peer.send(t, protocol.NewCallFrame(3, []byte{0x01, 'm', 200}))

	f, _ := peer.recv(t)
	_, err := decodeReply(t, peer, f)
	var re *protocol.RemoteError
	if !errors.As(err, &re) || re.Code != protocol.CodeMalformed {
		t.Fatalf("reply error = %v; want malformed", err)
	}

	peer.call(t, 4, "m", nil)
	f, _ = peer.recv(t)
	if got, err := decodeReply(t, peer, f); err != nil || got != "ok" {
		t.Errorf("reply = %v, %v; want ok", got, err)
	}
}

func TestNilHandlerAnswersUnimplemented(t *testing.T) {
	_, peer, _ := startDispatcher(t, nil)

	peer.call(t, 1, "Anything", nil)
	f, _ := peer.recv(t)
	_, err := decodeReply(t, peer, f)
	var re *protocol.RemoteError
	if !errors.As(err, &re) || re.Code != protocol.CodeUnimplemented {
		t.Errorf("reply error = %v; want unimplemented", err)
	}
}

func TestReplyHookRunsBeforeNextFrame(t *testing.T) {
	var hooked atomic.Bool
	seen := make(chan bool, 1)
	h := HandlerFunc(func(ctx context.Context, mc *protocol.MethodCall, r Replier) {
		seen <- hooked.Load()
	})
	d, peer, _ := startDispatcher(t, h)

	call := d.Invoke(context.Background(), MethodQueryListen, nil, WithReplyHook(func(result any) error {
		hooked.Store(true)
		return nil
	}))
	f, _ := peer.recv(t)
	peer.reply(t, f.ID, map[string]any{ArgHandle: int64(1)})
	peer.call(t, 0, MethodQuerySnapshot, nil)

	select {
	case ok := <-seen:
		if !ok {
			t.Error("notify handled before the reply hook ran")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notify not handled")
	}
	if _, err := call.Wait(waitCtx(t)); err != nil {
		t.Errorf("Wait() error = %v", err)
	}
}

func TestReplyHookError(t *testing.T) {
	d, peer, _ := startDispatcher(t, nil)

	hookErr := errors.New("duplicate")
	call := d.Invoke(context.Background(), "m", nil, WithReplyHook(func(any) error { return hookErr }))
	f, _ := peer.recv(t)
	peer.reply(t, f.ID, nil)

	if _, err := call.Wait(waitCtx(t)); !errors.Is(err, hookErr) {
		t.Errorf("Wait() error = %v; want %v", err, hookErr)
	}
}

func TestNotifyAndEncodeErrors(t *testing.T) {
	d, peer, _ := startDispatcher(t, nil)

	if err := d.Notify(context.Background(), MethodRemoveListener, map[string]any{ArgHandle: int64(4)}); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	f, mc := peer.recv(t)
	if f.Type != protocol.FrameNotify || mc.Method != MethodRemoveListener {
		t.Errorf("frame = %v %q; want Notify %q", f.Type, mc.Method, MethodRemoveListener)
	}

	if err := d.Notify(context.Background(), "m", struct{}{}); !errors.Is(err, protocol.ErrUnsupportedType) {
		t.Errorf("Notify(struct) error = %v; want ErrUnsupportedType", err)
	}
	call := d.Invoke(context.Background(), "m", make(chan int))
	if _, err := call.Wait(waitCtx(t)); !errors.Is(err, protocol.ErrUnsupportedType) {
		t.Errorf("Invoke(chan) error = %v; want ErrUnsupportedType", err)
	}
}
