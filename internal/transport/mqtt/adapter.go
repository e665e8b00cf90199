package mqtt

import (
	"crypto/tls"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"cirrus-device/internal/ioterr"
)

var (
	metricPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cirrus_mqtt_messages_published_total",
		Help: "Total number of MQTT messages published",
	})
	metricReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cirrus_mqtt_messages_received_total",
		Help: "Total number of MQTT messages received",
	})
	metricAcks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cirrus_mqtt_acks_total",
		Help: "Total number of broker acknowledgements resolved",
	})
	metricErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cirrus_mqtt_errors_total",
		Help: "Total number of MQTT wire errors",
	})
)

// AckCallback resolves a publish/subscribe/unsubscribe once its broker
// acknowledgement arrives.
type AckCallback func(err error)

// Config identifies the broker session the adapter maintains.
type Config struct {
	ClientID string
	Hostname string
	Username string
	CACert   string
}

// Adapter wraps the wire client behind the uniform transport contract:
// connect/reconnect/disconnect plus publish/subscribe/unsubscribe with
// per-operation ack callbacks, and inbound message and lifecycle events.
//
// The broker may deliver an ack before the wire call has returned the
// message id, so callbacks are correlated through two maps under one lock:
// pending (id -> callback, set at send) and early (id -> result, set when an
// ack arrives for an id not yet pending).
type Adapter struct {
	logger *zap.Logger
	cfg    Config
	wire   Wire

	// Raised from the wire client's network goroutine.
	OnConnected       func()
	OnDisconnected    func(err error)
	OnMessageReceived func(topic string, payload []byte)

	clientCert *tls.Certificate

	mu      sync.Mutex
	pending map[uint16]AckCallback
	early   map[uint16]error
}

// NewAdapter builds an adapter backed by the Paho wire client.
func NewAdapter(cfg Config, logger *zap.Logger) *Adapter {
	a := newAdapter(cfg, logger)
	a.wire = newPahoWire(logger, a.wireHandlers())
	return a
}

// NewAdapterWithWire builds an adapter over a caller-supplied wire client.
// The returned handlers must be installed on the wire so acks and messages
// reach the adapter.
func NewAdapterWithWire(cfg Config, wire Wire, logger *zap.Logger) (*Adapter, WireHandlers) {
	a := newAdapter(cfg, logger)
	a.wire = wire
	return a, a.wireHandlers()
}

func newAdapter(cfg Config, logger *zap.Logger) *Adapter {
	return &Adapter{
		logger:  logger,
		cfg:     cfg,
		pending: make(map[uint16]AckCallback),
		early:   make(map[uint16]error),
	}
}

func (a *Adapter) wireHandlers() WireHandlers {
	return WireHandlers{
		OnConnected: func() {
			if a.OnConnected != nil {
				a.OnConnected()
			}
		},
		OnConnectionLost: func(err error) {
			metricErrors.Inc()
			if a.OnDisconnected != nil {
				a.OnDisconnected(err)
			}
		},
		OnMessage: func(topic string, payload []byte) {
			metricReceived.Inc()
			if a.OnMessageReceived != nil {
				a.OnMessageReceived(topic, payload)
			}
		},
		OnAck: a.handleAck,
	}
}

// SetClientCertificate installs the client certificate used for mutual TLS.
// Must be called before Connect.
func (a *Adapter) SetClientCertificate(cert *tls.Certificate) {
	a.clientCert = cert
}

func (a *Adapter) connectConfig(password string) ConnectConfig {
	return ConnectConfig{
		ClientID:   a.cfg.ClientID,
		Hostname:   a.cfg.Hostname,
		Username:   a.cfg.Username,
		Password:   password,
		CACert:     a.cfg.CACert,
		ClientCert: a.clientCert,
	}
}

// Connect dials the broker with the given password (the current SAS token,
// or empty for X.509 auth) and starts the network loop.
func (a *Adapter) Connect(password string) error {
	a.logger.Info("connecting to broker",
		zap.String("hostname", a.cfg.Hostname),
		zap.String("client_id", a.cfg.ClientID))
	return a.wire.Connect(a.connectConfig(password))
}

// Reconnect rebinds credentials and reconnects.
func (a *Adapter) Reconnect(password string) error {
	a.logger.Info("reconnecting to broker", zap.String("hostname", a.cfg.Hostname))
	return a.wire.Reconnect(a.connectConfig(password))
}

// Disconnect drops the connection and reports it through OnDisconnected with
// a nil error, distinguishing a requested disconnect from a drop.
func (a *Adapter) Disconnect() error {
	a.logger.Info("disconnecting from broker")
	if err := a.wire.Disconnect(); err != nil {
		return err
	}
	if a.OnDisconnected != nil {
		a.OnDisconnected(nil)
	}
	return nil
}

// Publish sends the payload at QoS 1 and resolves cb on the PUBACK.
func (a *Adapter) Publish(topic string, payload []byte, cb AckCallback) error {
	id, err := a.wire.Publish(topic, 1, payload)
	if err != nil {
		metricErrors.Inc()
		return err
	}
	metricPublished.Inc()
	a.bind(id, cb)
	return nil
}

// Subscribe subscribes to the topic and resolves cb on the SUBACK.
func (a *Adapter) Subscribe(topic string, qos byte, cb AckCallback) error {
	id, err := a.wire.Subscribe(topic, qos)
	if err != nil {
		metricErrors.Inc()
		return err
	}
	a.bind(id, cb)
	return nil
}

// Unsubscribe unsubscribes from the topic and resolves cb on the UNSUBACK.
func (a *Adapter) Unsubscribe(topic string, cb AckCallback) error {
	id, err := a.wire.Unsubscribe(topic)
	if err != nil {
		metricErrors.Inc()
		return err
	}
	a.bind(id, cb)
	return nil
}

// Close tears the adapter down, failing any callbacks still waiting for an
// acknowledgement.
func (a *Adapter) Close() error {
	a.mu.Lock()
	orphaned := make([]AckCallback, 0, len(a.pending))
	for id, cb := range a.pending {
		if cb != nil {
			orphaned = append(orphaned, cb)
		}
		delete(a.pending, id)
	}
	a.early = make(map[uint16]error)
	a.mu.Unlock()

	for _, cb := range orphaned {
		cb(ioterr.New(ioterr.KindCancelled, "transport closed"))
	}
	return a.wire.Disconnect()
}

func (a *Adapter) bind(id uint16, cb AckCallback) {
	a.mu.Lock()
	if result, ok := a.early[id]; ok {
		delete(a.early, id)
		a.mu.Unlock()
		a.logger.Debug("ack arrived before send returned", zap.Uint16("mid", id))
		if cb != nil {
			cb(result)
		}
		return
	}
	a.pending[id] = cb
	a.mu.Unlock()
}

func (a *Adapter) handleAck(id uint16, err error) {
	metricAcks.Inc()
	a.mu.Lock()
	cb, ok := a.pending[id]
	if ok {
		delete(a.pending, id)
		a.mu.Unlock()
		if cb != nil {
			cb(err)
		}
		return
	}
	a.early[id] = err
	a.mu.Unlock()
	a.logger.Debug("ack received for unknown mid", zap.Uint16("mid", id))
}
