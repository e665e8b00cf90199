package device

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"cirrus-device/internal/auth"
	"cirrus-device/internal/ioterr"
	"cirrus-device/internal/iothub"
	"cirrus-device/internal/pipeline"
	"cirrus-device/internal/retry"
	mqtttransport "cirrus-device/internal/transport/mqtt"
)

// Options configure a client.
type Options struct {
	Logger        *zap.Logger
	CACert        string
	TokenTTL      time.Duration
	AutoReconnect bool
}

func (o *Options) logger() *zap.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return zap.NewNop()
}

// MethodHandler answers a direct method request with a status code and
// response payload. It runs on the callback executor.
type MethodHandler func(methodName string, payload []byte) (status int, responsePayload []byte)

// DeviceClient is the blocking facade over an IoT Hub MQTT pipeline: each
// call submits an operation and waits for its completion.
type DeviceClient struct {
	logger *zap.Logger
	pl     *pipeline.Pipeline

	tokenSource func() (string, error)
	policy      *retry.ExponentialBackoff
	breaker     *gobreaker.CircuitBreaker

	mu            sync.Mutex
	onC2D         func(*iothub.Message)
	onInput       func(inputName string, msg *iothub.Message)
	onTwinPatch   func(payload []byte)
	methodHandler MethodHandler
	connected     bool
}

// NewDeviceClientFromConnectionString builds a device client authenticating
// with the connection string's shared access key.
func NewDeviceClientFromConnectionString(connectionString string, opts Options) (*DeviceClient, error) {
	provider, err := symmetricProvider(connectionString, opts)
	if err != nil {
		return nil, err
	}
	c, err := newDeviceClient(opts, mqtttransport.NewClientStage())
	if err != nil {
		return nil, err
	}
	c.tokenSource = provider.SasToken
	if err := c.await(&iothub.SetAuthProviderOperation{Provider: provider}); err != nil {
		c.pl.Close()
		return nil, err
	}
	return c, nil
}

// NewDeviceClientFromX509 builds a device client authenticating with a
// client certificate.
func NewDeviceClientFromX509(provider auth.X509Provider, opts Options) (*DeviceClient, error) {
	c, err := newDeviceClient(opts, mqtttransport.NewClientStage())
	if err != nil {
		return nil, err
	}
	if err := c.await(&iothub.SetX509AuthProviderOperation{Provider: provider}); err != nil {
		c.pl.Close()
		return nil, err
	}
	return c, nil
}

func symmetricProvider(connectionString string, opts Options) (*auth.SymmetricKeyProvider, error) {
	var pOpts []auth.SymmetricKeyOption
	if opts.CACert != "" {
		pOpts = append(pOpts, auth.WithCACert(opts.CACert))
	}
	if opts.TokenTTL > 0 {
		pOpts = append(pOpts, auth.WithTokenTTL(opts.TokenTTL))
	}
	return auth.NewSymmetricKeyProvider(connectionString, pOpts...)
}

func newDeviceClient(opts Options, bottom pipeline.Stage) (*DeviceClient, error) {
	logger := opts.logger()
	c := &DeviceClient{
		logger: logger,
		policy: retry.NewExponentialBackoff(retry.Config{}),
	}
	c.pl = pipeline.New(logger,
		iothub.NewUseAuthProviderStage(),
		iothub.NewMQTTConverterStage(),
		bottom,
	)

	root := c.pl.Root()
	root.OnEvent(c.dispatchEvent)
	root.OnConnected(func(connected bool) {
		c.mu.Lock()
		c.connected = connected
		c.mu.Unlock()
	})
	if opts.AutoReconnect {
		c.breaker = retry.NewConnectionBreaker("mqtt-reconnect", logger)
		root.OnDisconnectedUnexpected(func(err error) {
			go c.reconnectLoop(err)
		})
	}
	return c, nil
}

// await submits the operation and blocks until it completes.
func (c *DeviceClient) await(op pipeline.Operation) error {
	done := make(chan error, 1)
	op.Base().Callback = func(o pipeline.Operation) {
		done <- o.Base().Err
	}
	c.pl.RunOp(op)
	return <-done
}

// Connect establishes the connection to the service.
func (c *DeviceClient) Connect() error {
	return c.await(&pipeline.ConnectOperation{})
}

// Disconnect drops the connection.
func (c *DeviceClient) Disconnect() error {
	return c.await(&pipeline.DisconnectOperation{})
}

// IsConnected reports the last observed connection state.
func (c *DeviceClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// SendTelemetry sends a device-to-cloud message and blocks until the broker
// acknowledges it.
func (c *DeviceClient) SendTelemetry(msg *iothub.Message) error {
	return c.await(&iothub.SendTelemetryOperation{Message: msg})
}

// EnableC2DMessages subscribes to cloud-to-device messages.
func (c *DeviceClient) EnableC2DMessages(handler func(*iothub.Message)) error {
	c.mu.Lock()
	c.onC2D = handler
	c.mu.Unlock()
	return c.await(&pipeline.EnableFeatureOperation{Feature: iothub.FeatureC2D})
}

// EnableMethods subscribes to direct method requests; responses returned by
// the handler are published back automatically.
func (c *DeviceClient) EnableMethods(handler MethodHandler) error {
	c.mu.Lock()
	c.methodHandler = handler
	c.mu.Unlock()
	return c.await(&pipeline.EnableFeatureOperation{Feature: iothub.FeatureMethods})
}

// EnableTwin subscribes to twin responses and desired-property patches.
func (c *DeviceClient) EnableTwin(onPatch func(payload []byte)) error {
	c.mu.Lock()
	c.onTwinPatch = onPatch
	c.mu.Unlock()
	return c.await(&pipeline.EnableFeatureOperation{Feature: iothub.FeatureTwin})
}

// DisableFeature turns a previously enabled feature back off.
func (c *DeviceClient) DisableFeature(feature string) error {
	return c.await(&pipeline.DisableFeatureOperation{Feature: feature})
}

// Close tears the pipeline down; outstanding operations fail with a
// cancellation error.
func (c *DeviceClient) Close() error {
	return c.pl.Close()
}

// dispatchEvent routes root-level events to the registered handlers. Runs on
// the callback executor, so handlers must not block on pipeline completions.
func (c *DeviceClient) dispatchEvent(ev pipeline.Event) {
	c.mu.Lock()
	onC2D := c.onC2D
	onInput := c.onInput
	onTwinPatch := c.onTwinPatch
	methodHandler := c.methodHandler
	c.mu.Unlock()

	switch e := ev.(type) {
	case *iothub.C2DMessageEvent:
		if onC2D != nil {
			onC2D(e.Message)
		}
	case *iothub.InputMessageEvent:
		if onInput != nil {
			onInput(e.InputName, e.Message)
		}
	case *iothub.TwinPatchEvent:
		if onTwinPatch != nil {
			onTwinPatch(e.Payload)
		}
	case *iothub.MethodRequestEvent:
		if methodHandler == nil {
			return
		}
		status, payload := methodHandler(e.MethodName, e.Payload)
		resp := &iothub.SendMethodResponseOperation{
			RequestID: e.RequestID,
			Status:    status,
			Payload:   payload,
		}
		resp.Callback = func(o pipeline.Operation) {
			if err := o.Base().Err; err != nil {
				c.logger.Error("method response failed", zap.Error(err))
			}
		}
		c.pl.RunOp(resp)
	default:
		c.logger.Debug("unhandled event", zap.Any("event", ev))
	}
}

// reconnectLoop re-establishes a dropped connection with exponential backoff
// behind the connection breaker, refreshing the SAS token before each
// attempt.
func (c *DeviceClient) reconnectLoop(cause error) {
	c.logger.Warn("connection dropped, reconnecting", zap.Error(cause))
	for attempt := 0; ; attempt++ {
		throttled := ioterr.KindOf(cause) == ioterr.KindThrottled
		time.Sleep(c.policy.NextDelay(attempt, throttled))

		_, err := c.breaker.Execute(func() (interface{}, error) {
			if c.tokenSource != nil {
				token, err := c.tokenSource()
				if err != nil {
					return nil, err
				}
				if err := c.await(&pipeline.SetSasTokenOperation{Token: token}); err != nil {
					return nil, err
				}
			}
			return nil, c.await(&pipeline.ReconnectOperation{})
		})
		if err == nil {
			c.logger.Info("reconnected", zap.Int("attempts", attempt+1))
			return
		}
		if err != gobreaker.ErrOpenState && !c.policy.ShouldRetry(err) {
			c.logger.Error("giving up on reconnect", zap.Error(err))
			return
		}
		cause = err
	}
}
