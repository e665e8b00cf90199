package pipeline

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cirrus-device/internal/ioterr"
)

// recordingStage completes every operation it receives, optionally with an
// error, and remembers them in arrival order.
type recordingStage struct {
	StageBase
	mu       sync.Mutex
	ops      []Operation
	failWith error
}

func newRecordingStage() *recordingStage {
	return &recordingStage{StageBase: NewStageBase("recording")}
}

func (s *recordingStage) RunOp(op Operation) {
	s.mu.Lock()
	s.ops = append(s.ops, op)
	s.mu.Unlock()
	s.Complete(op, s.failWith)
}

func (s *recordingStage) recorded() []Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Operation(nil), s.ops...)
}

// delegatingStage swaps every ConnectOperation for a publish, mirroring
// completion back to the original.
type delegatingStage struct {
	StageBase
}

func (s *delegatingStage) RunOp(op Operation) {
	if _, ok := op.(*ConnectOperation); ok {
		s.Delegate(op, &MQTTPublishOperation{Topic: "delegated"})
		return
	}
	s.PassDown(op)
}

func awaitOp(t *testing.T, p *Pipeline, op Operation) error {
	t.Helper()
	done := make(chan error, 1)
	op.Base().Callback = func(o Operation) {
		done <- o.Base().Err
	}
	p.RunOp(op)
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("operation never completed")
		return nil
	}
}

func TestOperationCompletesExactlyOnce(t *testing.T) {
	bottom := newRecordingStage()
	p := New(zap.NewNop(), bottom)
	defer p.Close()

	var mu sync.Mutex
	fired := 0
	op := &ConnectOperation{}
	op.Callback = func(Operation) {
		mu.Lock()
		fired++
		mu.Unlock()
	}
	p.RunOp(op)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fired == 1
	}, time.Second, 5*time.Millisecond)

	// A second completion attempt is swallowed.
	p.completeOp(op, errors.New("again"))
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, fired)
	mu.Unlock()
}

func TestUnknownOpsPassToNextStage(t *testing.T) {
	middle := &delegatingStage{StageBase: NewStageBase("middle")}
	bottom := newRecordingStage()
	p := New(zap.NewNop(), middle, bottom)
	defer p.Close()

	require.NoError(t, awaitOp(t, p, &MQTTSubscribeOperation{Topic: "t", QoS: 1}))

	ops := bottom.recorded()
	require.Len(t, ops, 1)
	sub, ok := ops[0].(*MQTTSubscribeOperation)
	require.True(t, ok)
	assert.Equal(t, "t", sub.Topic)
}

func TestUnhandledOpFailsAtBottom(t *testing.T) {
	// The delegating stage passes everything but Connect down; with no
	// stage below, unhandled operations fail.
	p := New(zap.NewNop(), &delegatingStage{StageBase: NewStageBase("only")})
	defer p.Close()

	err := awaitOp(t, p, &MQTTUnsubscribeOperation{Topic: "t"})
	require.Error(t, err)
	assert.Equal(t, ioterr.KindInvalidArgument, ioterr.KindOf(err))
}

func TestDelegateMirrorsChildCompletion(t *testing.T) {
	middle := &delegatingStage{StageBase: NewStageBase("middle")}
	bottom := newRecordingStage()
	p := New(zap.NewNop(), middle, bottom)
	defer p.Close()

	require.NoError(t, awaitOp(t, p, &ConnectOperation{}))
	ops := bottom.recorded()
	require.Len(t, ops, 1)
	pub, ok := ops[0].(*MQTTPublishOperation)
	require.True(t, ok)
	assert.Equal(t, "delegated", pub.Topic)
}

func TestDelegateMirrorsChildError(t *testing.T) {
	middle := &delegatingStage{StageBase: NewStageBase("middle")}
	bottom := newRecordingStage()
	bottom.failWith = ioterr.New(ioterr.KindNotConnected, "nope")
	p := New(zap.NewNop(), middle, bottom)
	defer p.Close()

	err := awaitOp(t, p, &ConnectOperation{})
	require.Error(t, err)
	assert.Equal(t, ioterr.KindNotConnected, ioterr.KindOf(err))
}

// serialStage drives two publishes for every Connect.
type serialStage struct {
	StageBase
}

func (s *serialStage) RunOp(op Operation) {
	if _, ok := op.(*ConnectOperation); ok {
		s.RunSerial(op,
			&MQTTPublishOperation{Topic: "first"},
			&MQTTPublishOperation{Topic: "second"})
		return
	}
	s.PassDown(op)
}

func TestRunSerialChainsChildren(t *testing.T) {
	middle := &serialStage{StageBase: NewStageBase("serial")}
	bottom := newRecordingStage()
	p := New(zap.NewNop(), middle, bottom)
	defer p.Close()

	require.NoError(t, awaitOp(t, p, &ConnectOperation{}))

	ops := bottom.recorded()
	require.Len(t, ops, 2)
	assert.Equal(t, "first", ops[0].(*MQTTPublishOperation).Topic)
	assert.Equal(t, "second", ops[1].(*MQTTPublishOperation).Topic)
}

func TestRunSerialStopsOnFirstError(t *testing.T) {
	middle := &serialStage{StageBase: NewStageBase("serial")}
	bottom := newRecordingStage()
	bottom.failWith = ioterr.New(ioterr.KindConnectionDropped, "gone")
	p := New(zap.NewNop(), middle, bottom)
	defer p.Close()

	err := awaitOp(t, p, &ConnectOperation{})
	require.Error(t, err)
	assert.Equal(t, ioterr.KindConnectionDropped, ioterr.KindOf(err))
	assert.Len(t, bottom.recorded(), 1)
}

// emittingStage emits an event upward when poked.
type emittingStage struct {
	StageBase
}

func TestEventsReachRootHandlers(t *testing.T) {
	bottom := &emittingStage{StageBase: NewStageBase("emitter")}
	p := New(zap.NewNop(), bottom)
	defer p.Close()

	connected := make(chan bool, 1)
	p.Root().OnConnected(func(c bool) { connected <- c })

	events := make(chan Event, 1)
	p.Root().OnEvent(func(ev Event) { events <- ev })

	bottom.EmitEvent(&ConnectedChangedEvent{Connected: true})
	select {
	case c := <-connected:
		assert.True(t, c)
	case <-time.After(time.Second):
		t.Fatal("connected handler never fired")
	}

	bottom.EmitEvent(&IncomingMQTTMessageEvent{Topic: "t", Payload: []byte("x")})
	select {
	case ev := <-events:
		msg, ok := ev.(*IncomingMQTTMessageEvent)
		require.True(t, ok)
		assert.Equal(t, "t", msg.Topic)
	case <-time.After(time.Second):
		t.Fatal("event handler never fired")
	}
}

func TestCloseCancelsInflightOperations(t *testing.T) {
	p := New(zap.NewNop(), newRecordingStage())

	done := make(chan error, 1)
	op := &MQTTPublishOperation{Topic: "t"}
	op.Callback = func(o Operation) { done <- o.Base().Err }

	// Register the operation as in-flight without letting a stage complete
	// it, simulating an operation still waiting on a broker ack.
	p.mu.Lock()
	p.inflight[op.Base()] = op
	p.mu.Unlock()

	require.NoError(t, p.Close())

	select {
	case err := <-done:
		assert.Equal(t, ioterr.KindCancelled, ioterr.KindOf(err))
	case <-time.After(time.Second):
		t.Fatal("in-flight operation not cancelled on close")
	}
}

func TestRunOpAfterCloseFailsCancelled(t *testing.T) {
	p := New(zap.NewNop(), newRecordingStage())
	require.NoError(t, p.Close())

	done := make(chan error, 1)
	op := &ConnectOperation{}
	op.Callback = func(o Operation) { done <- o.Base().Err }
	p.RunOp(op)

	select {
	case err := <-done:
		assert.Equal(t, ioterr.KindCancelled, ioterr.KindOf(err))
	case <-time.After(time.Second):
		t.Fatal("operation not failed after close")
	}
}
