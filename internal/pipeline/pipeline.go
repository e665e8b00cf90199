package pipeline

import (
	"sync"

	"go.uber.org/zap"

	"cirrus-device/internal/ioterr"
)

// Transport is the narrow contract the root stage holds on the transport
// adapter installed by the transport-owning stage.
type Transport interface {
	Close() error
}

// Root is the terminal upward stage. It owns the executor handles through
// the pipeline, holds the transport pointer installed by the transport
// stage, and converts root-level events into the client-visible callbacks.
type Root struct {
	StageBase
	pl *Pipeline

	mu                       sync.Mutex
	transport                Transport
	onConnected              func(connected bool)
	onDisconnectedUnexpected func(err error)
	onEvent                  func(ev Event)
}

// SetTransport installs the transport adapter. Called by the transport-owning
// stage when connection arguments arrive.
func (r *Root) SetTransport(t Transport) {
	r.mu.Lock()
	r.transport = t
	r.mu.Unlock()
}

// OnConnected registers the callback observing connection state changes.
func (r *Root) OnConnected(fn func(connected bool)) {
	r.mu.Lock()
	r.onConnected = fn
	r.mu.Unlock()
}

// OnDisconnectedUnexpected registers the callback observing unrequested
// connection drops.
func (r *Root) OnDisconnectedUnexpected(fn func(err error)) {
	r.mu.Lock()
	r.onDisconnectedUnexpected = fn
	r.mu.Unlock()
}

// OnEvent registers the callback receiving all other events that reach the
// root (inbound domain messages).
func (r *Root) OnEvent(fn func(ev Event)) {
	r.mu.Lock()
	r.onEvent = fn
	r.mu.Unlock()
}

// HandleEvent dispatches root-level events to the registered client
// callbacks on the callback executor. Events nobody registered for are
// dropped.
func (r *Root) HandleEvent(ev Event) {
	r.mu.Lock()
	onConnected := r.onConnected
	onDropped := r.onDisconnectedUnexpected
	onEvent := r.onEvent
	r.mu.Unlock()

	switch e := ev.(type) {
	case *ConnectedChangedEvent:
		if onConnected != nil {
			r.pl.invokeCallback(func() { onConnected(e.Connected) })
		}
	case *DisconnectedUnexpectedEvent:
		if onDropped != nil {
			r.pl.invokeCallback(func() { onDropped(e.Err) })
		}
	default:
		if onEvent != nil {
			r.pl.invokeCallback(func() { onEvent(ev) })
			return
		}
		r.pl.logger.Debug("event dropped at root", zap.String("event", eventName(ev)))
	}
}

// Pipeline is an ordered chain of stages plus the root. It owns the two
// single-threaded executors: every RunOp/HandleEvent invocation runs on the
// pipeline executor, every completion callback and client event callback on
// the callback executor.
type Pipeline struct {
	logger *zap.Logger
	root   *Root
	stages []Stage

	pipelineExec *executor
	callbackExec *executor

	mu       sync.Mutex
	inflight map[*OperationBase]Operation
	closed   bool
}

// New links the stages top to bottom under a fresh root and starts the
// executors. The stage order is the operation flow order: the first stage
// receives operations right after the root.
func New(logger *zap.Logger, stages ...Stage) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{
		logger:       logger,
		inflight:     make(map[*OperationBase]Operation),
		pipelineExec: newExecutor("pipeline", logger),
		callbackExec: newExecutor("callback", logger),
	}
	root := &Root{StageBase: NewStageBase("root"), pl: p}
	p.root = root
	p.stages = stages

	chain := append([]Stage{root}, stages...)
	for i, st := range chain {
		var prev, next Stage
		if i > 0 {
			prev = chain[i-1]
		}
		if i+1 < len(chain) {
			next = chain[i+1]
		}
		st.attach(st, prev, next, root)
	}
	return p
}

// Root exposes the root stage for client callback registration.
func (p *Pipeline) Root() *Root { return p.root }

// RunOp submits the operation at the top of the pipeline. The operation's
// callback fires exactly once, on the callback executor.
func (p *Pipeline) RunOp(op Operation) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.completeOp(op, ioterr.New(ioterr.KindCancelled, "pipeline closed"))
		return
	}
	p.inflight[op.Base()] = op
	p.mu.Unlock()

	p.invokePipeline(func() {
		p.root.RunOp(op)
	})
}

// Close tears the pipeline down: outstanding operations complete with a
// Cancelled error, the transport closes, and both executors drain and stop.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	pending := make([]Operation, 0, len(p.inflight))
	for _, op := range p.inflight {
		pending = append(pending, op)
	}
	p.mu.Unlock()

	for _, op := range pending {
		p.completeOp(op, ioterr.New(ioterr.KindCancelled, "pipeline closed"))
	}

	p.root.mu.Lock()
	transport := p.root.transport
	p.root.mu.Unlock()

	var err error
	if transport != nil {
		err = transport.Close()
	}

	p.pipelineExec.close()
	p.callbackExec.close()
	return err
}

func (p *Pipeline) completeOp(op Operation, err error) {
	b := op.Base()
	if !b.markCompleted() {
		p.logger.Error("operation completed more than once", zap.String("op", opName(op)))
		return
	}
	b.Err = err

	p.mu.Lock()
	delete(p.inflight, b)
	p.mu.Unlock()

	cb := b.Callback
	if cb == nil {
		return
	}
	p.invokeCallback(func() { cb(op) })
}

// invokePipeline runs fn on the pipeline executor, falling back to inline
// execution during teardown so completions are never lost.
func (p *Pipeline) invokePipeline(fn func()) {
	if !p.pipelineExec.submit(fn) {
		fn()
	}
}

func (p *Pipeline) invokeCallback(fn func()) {
	if !p.callbackExec.submit(fn) {
		fn()
	}
}
