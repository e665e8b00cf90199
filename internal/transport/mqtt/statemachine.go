package mqtt

import (
	"sync"

	"go.uber.org/zap"

	"cirrus-device/internal/ioterr"
)

// ConnectionState is the MQTT lifecycle state.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "invalid"
	}
}

type actionKind int

const (
	actionPublish actionKind = iota
	actionSubscribe
	actionUnsubscribe
)

// pendingAction is a publish/subscribe/unsubscribe queued until the
// transport is connected.
type pendingAction struct {
	kind    actionKind
	topic   string
	payload []byte
	qos     byte
	cb      AckCallback
}

// StateMachine serializes connect/disconnect/reconnect over the transport
// adapter and defers publish/subscribe/unsubscribe until connected. The
// pending queue is FIFO and drained only in the connected state. Triggers
// arriving while one is being processed are queued and run one at a time;
// every trigger in a non-applicable state is a no-op.
type StateMachine struct {
	logger  *zap.Logger
	adapter *Adapter

	// Observers, invoked from within trigger processing.
	OnStateChanged         func(from, to ConnectionState)
	OnUnexpectedDisconnect func(err error)

	mu       sync.Mutex
	triggers []func()
	running  bool

	// Fields below are touched only inside trigger processing, which is
	// serialized; they need no extra locking.
	state             ConnectionState
	queue             []pendingAction
	password          string
	connectWaiters    []func(err error)
	disconnectWaiters []func(err error)
}

// NewStateMachine hooks the machine up to the adapter's lifecycle events.
func NewStateMachine(adapter *Adapter, logger *zap.Logger) *StateMachine {
	m := &StateMachine{
		logger:  logger,
		adapter: adapter,
		state:   StateDisconnected,
	}
	adapter.OnConnected = m.onTransportConnected
	adapter.OnDisconnected = m.onTransportDisconnected
	return m
}

// SetPassword stores the password supplied to the transport at the next
// connect or reconnect (the current SAS token).
func (m *StateMachine) SetPassword(password string) {
	m.trigger(func() {
		m.password = password
	})
}

// State reports the current lifecycle state.
func (m *StateMachine) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect asks for a connection; cb fires when the transport reports
// connected. Connecting or already connected, the request piggybacks on the
// in-flight transition or completes immediately.
func (m *StateMachine) Connect(cb func(err error)) {
	m.trigger(func() {
		switch m.state {
		case StateDisconnected:
			m.addConnectWaiter(cb)
			m.transition(StateConnecting)
			m.callConnect()
		case StateConnecting:
			m.addConnectWaiter(cb)
		case StateConnected:
			if cb != nil {
				cb(nil)
			}
		default:
			m.logger.Debug("connect ignored", zap.Stringer("state", m.state))
			if cb != nil {
				cb(ioterr.New(ioterr.KindNotConnected, "connect while disconnecting"))
			}
		}
	})
}

// Disconnect asks for a disconnect; cb fires when the transport reports
// disconnected.
func (m *StateMachine) Disconnect(cb func(err error)) {
	m.trigger(func() {
		switch m.state {
		case StateConnected:
			m.addDisconnectWaiter(cb)
			m.transition(StateDisconnecting)
			if err := m.adapter.Disconnect(); err != nil {
				m.transition(StateDisconnected)
				m.failDisconnectWaiters(err)
			}
		case StateDisconnecting:
			m.addDisconnectWaiter(cb)
		case StateDisconnected:
			if cb != nil {
				cb(nil)
			}
		default:
			m.logger.Debug("disconnect ignored", zap.Stringer("state", m.state))
			if cb != nil {
				cb(ioterr.New(ioterr.KindNotConnected, "disconnect while connecting"))
			}
		}
	})
}

// Reconnect re-dials with the stored password while connected. While
// connecting, cb waits on the in-flight connect; in any other state no wire
// call is made and cb fails with a not-connected error.
func (m *StateMachine) Reconnect(cb func(err error)) {
	m.trigger(func() {
		switch m.state {
		case StateConnected:
			m.addConnectWaiter(cb)
			m.transition(StateConnecting)
			if err := m.adapter.Reconnect(m.password); err != nil {
				m.transition(StateDisconnected)
				m.failConnectWaiters(err)
			}
		case StateConnecting:
			m.addConnectWaiter(cb)
		default:
			m.logger.Debug("reconnect ignored", zap.Stringer("state", m.state))
			if cb != nil {
				cb(ioterr.New(ioterr.KindNotConnected, "reconnect while not connected"))
			}
		}
	})
}

// Publish enqueues a publish, auto-connecting if disconnected. cb is the
// broker-ack completion.
func (m *StateMachine) Publish(topic string, payload []byte, cb AckCallback) {
	m.submitAction(pendingAction{kind: actionPublish, topic: topic, payload: payload, cb: cb})
}

// Subscribe enqueues a subscribe, auto-connecting if disconnected.
func (m *StateMachine) Subscribe(topic string, qos byte, cb AckCallback) {
	m.submitAction(pendingAction{kind: actionSubscribe, topic: topic, qos: qos, cb: cb})
}

// Unsubscribe enqueues an unsubscribe, auto-connecting if disconnected.
func (m *StateMachine) Unsubscribe(topic string, cb AckCallback) {
	m.submitAction(pendingAction{kind: actionUnsubscribe, topic: topic, cb: cb})
}

func (m *StateMachine) submitAction(a pendingAction) {
	m.trigger(func() {
		switch m.state {
		case StateConnected:
			m.queue = append(m.queue, a)
			m.drain()
		case StateConnecting:
			m.queue = append(m.queue, a)
		case StateDisconnected:
			m.queue = append(m.queue, a)
			m.transition(StateConnecting)
			m.callConnect()
		default:
			if a.cb != nil {
				a.cb(ioterr.New(ioterr.KindNotConnected, "transport is disconnecting"))
			}
		}
	})
}

func (m *StateMachine) onTransportConnected() {
	m.trigger(func() {
		if m.state != StateConnecting {
			m.logger.Debug("transport-connected ignored", zap.Stringer("state", m.state))
			return
		}
		m.transition(StateConnected)
		m.failConnectWaiters(nil)
		m.drain()
	})
}

func (m *StateMachine) onTransportDisconnected(err error) {
	m.trigger(func() {
		if err != nil {
			m.logger.Warn("unexpected disconnect", zap.Error(err))
			if m.OnUnexpectedDisconnect != nil {
				m.OnUnexpectedDisconnect(err)
			}
			return
		}
		if m.state != StateDisconnecting {
			m.logger.Debug("transport-disconnected ignored", zap.Stringer("state", m.state))
			return
		}
		m.transition(StateDisconnected)
		m.failDisconnectWaiters(nil)
	})
}

func (m *StateMachine) callConnect() {
	if err := m.adapter.Connect(m.password); err != nil {
		m.transition(StateDisconnected)
		m.failConnectWaiters(err)
		m.failQueue(err)
	}
}

// drain hands every queued action to the transport, in FIFO order. Only
// called in the connected state.
func (m *StateMachine) drain() {
	for len(m.queue) > 0 {
		a := m.queue[0]
		m.queue = m.queue[1:]
		var err error
		switch a.kind {
		case actionPublish:
			err = m.adapter.Publish(a.topic, a.payload, a.cb)
		case actionSubscribe:
			err = m.adapter.Subscribe(a.topic, a.qos, a.cb)
		case actionUnsubscribe:
			err = m.adapter.Unsubscribe(a.topic, a.cb)
		}
		if err != nil && a.cb != nil {
			a.cb(err)
		}
	}
}

func (m *StateMachine) transition(to ConnectionState) {
	from := m.state
	m.mu.Lock()
	m.state = to
	m.mu.Unlock()
	m.logger.Debug("connection state changed",
		zap.Stringer("from", from), zap.Stringer("to", to))
	if m.OnStateChanged != nil {
		m.OnStateChanged(from, to)
	}
}

func (m *StateMachine) addConnectWaiter(cb func(err error)) {
	if cb != nil {
		m.connectWaiters = append(m.connectWaiters, cb)
	}
}

func (m *StateMachine) addDisconnectWaiter(cb func(err error)) {
	if cb != nil {
		m.disconnectWaiters = append(m.disconnectWaiters, cb)
	}
}

func (m *StateMachine) failConnectWaiters(err error) {
	waiters := m.connectWaiters
	m.connectWaiters = nil
	for _, cb := range waiters {
		cb(err)
	}
}

func (m *StateMachine) failDisconnectWaiters(err error) {
	waiters := m.disconnectWaiters
	m.disconnectWaiters = nil
	for _, cb := range waiters {
		cb(err)
	}
}

func (m *StateMachine) failQueue(err error) {
	queue := m.queue
	m.queue = nil
	for _, a := range queue {
		if a.cb != nil {
			a.cb(err)
		}
	}
}

// trigger serializes state machine work: if a trigger is already being
// processed the new one queues behind it, otherwise this call processes the
// queue until empty.
func (m *StateMachine) trigger(fn func()) {
	m.mu.Lock()
	m.triggers = append(m.triggers, fn)
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	for len(m.triggers) > 0 {
		next := m.triggers[0]
		m.triggers = m.triggers[1:]
		m.mu.Unlock()
		next()
		m.mu.Lock()
	}
	m.running = false
	m.mu.Unlock()
}
