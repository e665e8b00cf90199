package device

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cirrus-device/internal/auth"
	"cirrus-device/internal/iothub"
	"cirrus-device/internal/provisioning"
	mqtttransport "cirrus-device/internal/transport/mqtt"
)

const testConnectionString = "HostName=h.example;DeviceId=d;SharedAccessKey=Zm9vYmFy"

// fakeWire is an in-memory stand-in for the broker connection: it records
// wire calls, connects and acks immediately, and lets tests inject inbound
// messages.
type fakeWire struct {
	mu       sync.Mutex
	handlers mqtttransport.WireHandlers
	calls    []string
	nextID   uint16

	onPublish func(topic string, payload []byte)
}

func (w *fakeWire) install(h mqtttransport.WireHandlers) {
	w.mu.Lock()
	w.handlers = h
	w.mu.Unlock()
}

func (w *fakeWire) recorded() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.calls...)
}

func (w *fakeWire) Connect(cfg mqtttransport.ConnectConfig) error {
	w.mu.Lock()
	w.calls = append(w.calls, "connect:"+cfg.Password)
	h := w.handlers
	w.mu.Unlock()
	h.OnConnected()
	return nil
}

func (w *fakeWire) Reconnect(cfg mqtttransport.ConnectConfig) error {
	w.mu.Lock()
	w.calls = append(w.calls, "reconnect:"+cfg.Password)
	h := w.handlers
	w.mu.Unlock()
	h.OnConnected()
	return nil
}

func (w *fakeWire) Disconnect() error {
	w.mu.Lock()
	w.calls = append(w.calls, "disconnect")
	w.mu.Unlock()
	return nil
}

func (w *fakeWire) send(call string) (uint16, error) {
	w.mu.Lock()
	w.nextID++
	id := w.nextID
	w.calls = append(w.calls, call)
	h := w.handlers
	w.mu.Unlock()
	h.OnAck(id, nil)
	return id, nil
}

func (w *fakeWire) Publish(topic string, qos byte, payload []byte) (uint16, error) {
	id, err := w.send("publish:" + topic)
	w.mu.Lock()
	hook := w.onPublish
	w.mu.Unlock()
	if hook != nil {
		hook(topic, payload)
	}
	return id, err
}

func (w *fakeWire) Subscribe(topic string, qos byte) (uint16, error) {
	return w.send("subscribe:" + topic)
}

func (w *fakeWire) Unsubscribe(topic string) (uint16, error) {
	return w.send("unsubscribe:" + topic)
}

// inject delivers an inbound message as if it arrived from the broker.
func (w *fakeWire) inject(topic string, payload []byte) {
	w.mu.Lock()
	h := w.handlers
	w.mu.Unlock()
	h.OnMessage(topic, payload)
}

func fakeClientStage(w *fakeWire) *mqtttransport.ClientStage {
	return mqtttransport.NewClientStageWithAdapter(
		func(cfg mqtttransport.Config, logger *zap.Logger) *mqtttransport.Adapter {
			a, handlers := mqtttransport.NewAdapterWithWire(cfg, w, logger)
			w.install(handlers)
			return a
		})
}

func newTestDeviceClient(t *testing.T, w *fakeWire) *DeviceClient {
	t.Helper()
	provider, err := auth.NewSymmetricKeyProvider(testConnectionString)
	require.NoError(t, err)

	c, err := newDeviceClient(Options{}, fakeClientStage(w))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	c.tokenSource = provider.SasToken
	require.NoError(t, c.await(&iothub.SetAuthProviderOperation{Provider: provider}))
	return c
}

func TestConnectPublishDisconnect(t *testing.T) {
	w := &fakeWire{}
	c := newTestDeviceClient(t, w)

	require.NoError(t, c.Connect())
	require.NoError(t, c.SendTelemetry(&iothub.Message{Body: []byte("x"), MessageID: "m1"}))
	require.NoError(t, c.Disconnect())

	calls := w.recorded()
	require.Len(t, calls, 3)
	assert.True(t, strings.HasPrefix(calls[0],
		"connect:SharedAccessSignature sr=h.example%2Fdevices%2Fd&sig="), calls[0])
	assert.Equal(t, "publish:devices/d/messages/events/%24.mid=m1", calls[1])
	assert.Equal(t, "disconnect", calls[2])
}

func TestSendBeforeConnectAutoConnects(t *testing.T) {
	w := &fakeWire{}
	c := newTestDeviceClient(t, w)

	require.NoError(t, c.SendTelemetry(&iothub.Message{Body: []byte("x"), MessageID: "m1"}))

	calls := w.recorded()
	require.Len(t, calls, 2)
	assert.True(t, strings.HasPrefix(calls[0], "connect:"), calls[0])
	assert.Equal(t, "publish:devices/d/messages/events/%24.mid=m1", calls[1])
}

func TestConnectionStateVisibleToClient(t *testing.T) {
	w := &fakeWire{}
	c := newTestDeviceClient(t, w)

	require.NoError(t, c.Connect())
	assert.Eventually(t, c.IsConnected, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Disconnect())
	assert.Eventually(t, func() bool { return !c.IsConnected() }, time.Second, 5*time.Millisecond)
}

func TestC2DMessageReachesHandler(t *testing.T) {
	w := &fakeWire{}
	c := newTestDeviceClient(t, w)
	require.NoError(t, c.Connect())

	received := make(chan *iothub.Message, 1)
	require.NoError(t, c.EnableC2DMessages(func(m *iothub.Message) { received <- m }))
	assert.Contains(t, w.recorded(), "subscribe:devices/d/messages/devicebound/#")

	w.inject("devices/d/messages/devicebound/%24.mid=c2d-1", []byte("hello"))

	select {
	case m := <-received:
		assert.Equal(t, "c2d-1", m.MessageID)
		assert.Equal(t, []byte("hello"), m.Body)
	case <-time.After(5 * time.Second):
		t.Fatal("c2d message never arrived")
	}
}

func TestMethodRequestAnsweredAutomatically(t *testing.T) {
	w := &fakeWire{}
	c := newTestDeviceClient(t, w)
	require.NoError(t, c.Connect())

	require.NoError(t, c.EnableMethods(func(name string, payload []byte) (int, []byte) {
		assert.Equal(t, "reboot", name)
		return 200, []byte(`{"ok":true}`)
	}))

	w.inject("$iothub/methods/POST/reboot/?$rid=7", []byte("{}"))

	assert.Eventually(t, func() bool {
		for _, call := range w.recorded() {
			if call == "publish:$iothub/methods/res/200/?$rid=7" {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEnableTwinSubscribesBothTopics(t *testing.T) {
	w := &fakeWire{}
	c := newTestDeviceClient(t, w)
	require.NoError(t, c.Connect())

	patches := make(chan []byte, 1)
	require.NoError(t, c.EnableTwin(func(p []byte) { patches <- p }))

	calls := w.recorded()
	assert.Contains(t, calls, "subscribe:$iothub/twin/res/#")
	assert.Contains(t, calls, "subscribe:$iothub/twin/PATCH/properties/desired/#")

	w.inject("$iothub/twin/PATCH/properties/desired/?$version=2", []byte(`{"rate":1}`))
	select {
	case p := <-patches:
		assert.Equal(t, []byte(`{"rate":1}`), p)
	case <-time.After(5 * time.Second):
		t.Fatal("twin patch never arrived")
	}
}

func TestProvisioningRegisterAssigned(t *testing.T) {
	w := &fakeWire{}
	c, err := newProvisioningClient("global.x", "0ne00000", "dev1", "Zm9vYmFy",
		Options{}, fakeClientStage(w))
	require.NoError(t, err)
	defer c.pl.Close()

	// Answer every register publish with an assigned response.
	w.onPublish = func(topic string, payload []byte) {
		if !strings.HasPrefix(topic, "$dps/registrations/PUT/iotdps-register/") {
			return
		}
		rid := topic[strings.Index(topic, "$rid=")+len("$rid="):]
		result, _ := json.Marshal(provisioning.RegistrationResult{
			OperationID: "op-1",
			Status:      provisioning.StatusAssigned,
			RegistrationState: &provisioning.RegistrationState{
				AssignedHub: "h.example",
				DeviceID:    "dev1",
			},
		})
		go w.inject("$dps/registrations/res/200/?$rid="+rid, result)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := c.Register(ctx)
	require.NoError(t, err)
	assert.Equal(t, provisioning.StatusAssigned, result.Status)
	assert.Equal(t, "h.example", result.RegistrationState.AssignedHub)
	assert.Equal(t, "dev1", result.RegistrationState.DeviceID)

	calls := w.recorded()
	assert.True(t, strings.HasPrefix(calls[0], "connect:SharedAccessSignature sr=0ne00000%2Fregistrations%2Fdev1"), calls[0])
	assert.Contains(t, calls, "subscribe:$dps/registrations/res/#")
}

func TestProvisioningRegisterUnauthorized(t *testing.T) {
	w := &fakeWire{}
	c, err := newProvisioningClient("global.x", "0ne00000", "dev1", "Zm9vYmFy",
		Options{}, fakeClientStage(w))
	require.NoError(t, err)
	defer c.pl.Close()

	w.onPublish = func(topic string, payload []byte) {
		if !strings.HasPrefix(topic, "$dps/registrations/PUT/iotdps-register/") {
			return
		}
		rid := topic[strings.Index(topic, "$rid=")+len("$rid="):]
		go w.inject("$dps/registrations/res/401/?$rid="+rid, []byte(`{"errorCode":401002}`))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err = c.Register(ctx)
	require.Error(t, err)
}
