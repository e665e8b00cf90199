package mqtt

import (
	"crypto/tls"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"cirrus-device/internal/ioterr"
	"cirrus-device/internal/tlsutil"
)

const (
	mqttPort       = 8883
	connectTimeout = 30 * time.Second
	quiesceMillis  = 250
)

// ConnectConfig is the credential set handed to the wire client at connect
// and reconnect time. The password is the current SAS token; it is empty for
// X.509 authentication.
type ConnectConfig struct {
	ClientID   string
	Hostname   string
	Username   string
	Password   string
	CACert     string
	ClientCert *tls.Certificate
}

// WireHandlers are the callbacks a wire client raises. They are invoked from
// the wire client's network goroutine.
type WireHandlers struct {
	OnConnected      func()
	OnConnectionLost func(err error)
	OnMessage        func(topic string, payload []byte)
	OnAck            func(id uint16, err error)
}

// Wire is the boundary to the packet-level MQTT client. Publish, Subscribe
// and Unsubscribe return the message id that the matching ack will carry;
// the ack may arrive before the call returns.
type Wire interface {
	Connect(cfg ConnectConfig) error
	Reconnect(cfg ConnectConfig) error
	Disconnect() error
	Publish(topic string, qos byte, payload []byte) (uint16, error)
	Subscribe(topic string, qos byte) (uint16, error)
	Unsubscribe(topic string) (uint16, error)
}

// pahoWire implements Wire over the Eclipse Paho client. Paho owns the
// network loop; acks are surfaced by watching each token on its own
// goroutine, keyed by a locally assigned id.
type pahoWire struct {
	logger   *zap.Logger
	handlers WireHandlers

	mu     sync.Mutex
	client pahomqtt.Client

	nextID uint32
}

func newPahoWire(logger *zap.Logger, handlers WireHandlers) *pahoWire {
	return &pahoWire{logger: logger, handlers: handlers}
}

func (w *pahoWire) Connect(cfg ConnectConfig) error {
	tlsCfg, err := tlsutil.ClientConfig(cfg.CACert, cfg.ClientCert)
	if err != nil {
		return err
	}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tls://%s:%d", cfg.Hostname, mqttPort))
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetProtocolVersion(4) // MQTT 3.1.1
	opts.SetTLSConfig(tlsCfg)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetOnConnectHandler(func(pahomqtt.Client) {
		w.handlers.OnConnected()
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		w.handlers.OnConnectionLost(ioterr.Wrap(ioterr.KindConnectionDropped, err, "connection lost"))
	})
	opts.SetDefaultPublishHandler(func(_ pahomqtt.Client, m pahomqtt.Message) {
		w.handlers.OnMessage(m.Topic(), m.Payload())
	})

	client := pahomqtt.NewClient(opts)
	w.mu.Lock()
	w.client = client
	w.mu.Unlock()

	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return ioterr.New(ioterr.KindTimeout, "broker connect timed out")
	}
	if err := token.Error(); err != nil {
		return ioterr.Wrap(ioterr.KindConnectionFailed, err, "broker connect failed")
	}
	return nil
}

// Reconnect rebinds credentials by tearing the session down and dialing
// again; paho has no credential rebind on a live client.
func (w *pahoWire) Reconnect(cfg ConnectConfig) error {
	w.mu.Lock()
	client := w.client
	w.mu.Unlock()
	if client != nil && client.IsConnected() {
		client.Disconnect(quiesceMillis)
	}
	return w.Connect(cfg)
}

func (w *pahoWire) Disconnect() error {
	w.mu.Lock()
	client := w.client
	w.mu.Unlock()
	if client == nil {
		return nil
	}
	client.Disconnect(quiesceMillis)
	return nil
}

func (w *pahoWire) Publish(topic string, qos byte, payload []byte) (uint16, error) {
	w.mu.Lock()
	client := w.client
	w.mu.Unlock()
	if client == nil {
		return 0, ioterr.New(ioterr.KindNotConnected, "wire client not connected")
	}
	token := client.Publish(topic, qos, false, payload)
	return w.watch(token), nil
}

func (w *pahoWire) Subscribe(topic string, qos byte) (uint16, error) {
	w.mu.Lock()
	client := w.client
	w.mu.Unlock()
	if client == nil {
		return 0, ioterr.New(ioterr.KindNotConnected, "wire client not connected")
	}
	token := client.Subscribe(topic, qos, nil)
	return w.watch(token), nil
}

func (w *pahoWire) Unsubscribe(topic string) (uint16, error) {
	w.mu.Lock()
	client := w.client
	w.mu.Unlock()
	if client == nil {
		return 0, ioterr.New(ioterr.KindNotConnected, "wire client not connected")
	}
	token := client.Unsubscribe(topic)
	return w.watch(token), nil
}

// watch assigns a local id to the token and raises OnAck when the broker
// acknowledges. The ack goroutine races the id being returned to the caller,
// which is why the adapter keeps an early-ack table.
func (w *pahoWire) watch(token pahomqtt.Token) uint16 {
	id := uint16(atomic.AddUint32(&w.nextID, 1))
	go func() {
		token.Wait()
		var err error
		if terr := token.Error(); terr != nil {
			w.logger.Debug("broker ack failed", zap.Uint16("mid", id), zap.Error(terr))
			err = ioterr.Wrap(ioterr.KindConnectionDropped, terr, "broker ack failed")
		}
		w.handlers.OnAck(id, err)
	}()
	return id
}
