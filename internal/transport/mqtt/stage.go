package mqtt

import (
	"crypto/tls"

	"go.uber.org/zap"

	"cirrus-device/internal/ioterr"
	"cirrus-device/internal/pipeline"
)

// ClientStage bridges the pipeline to the connection state machine and the
// transport adapter. It sits at the bottom of every MQTT pipeline.
type ClientStage struct {
	pipeline.StageBase

	adapter    *Adapter
	sm         *StateMachine
	sasToken   string
	clientCert *tls.Certificate

	// newAdapter is the construction seam tests swap for a fake wire.
	newAdapter func(cfg Config, logger *zap.Logger) *Adapter
}

// NewClientStage builds the transport-owning stage for MQTT pipelines.
func NewClientStage() *ClientStage {
	return &ClientStage{
		StageBase:  pipeline.NewStageBase("mqtt_client"),
		newAdapter: NewAdapter,
	}
}

// NewClientStageWithAdapter builds the stage over a caller-supplied adapter
// constructor. Used by tests to install a fake wire.
func NewClientStageWithAdapter(newAdapter func(cfg Config, logger *zap.Logger) *Adapter) *ClientStage {
	return &ClientStage{
		StageBase:  pipeline.NewStageBase("mqtt_client"),
		newAdapter: newAdapter,
	}
}

func (s *ClientStage) RunOp(op pipeline.Operation) {
	switch o := op.(type) {
	case *pipeline.SetMQTTConnectionArgsOperation:
		s.configure(o)

	case *pipeline.SetSasTokenOperation:
		s.sasToken = o.Token
		if s.sm != nil {
			s.sm.SetPassword(o.Token)
		}
		s.Complete(op, nil)

	case *pipeline.SetClientCertificateOperation:
		s.clientCert = o.Certificate
		if s.adapter != nil {
			s.adapter.SetClientCertificate(o.Certificate)
		}
		s.Complete(op, nil)

	case *pipeline.ConnectOperation:
		if s.sm == nil {
			s.Complete(op, ioterr.New(ioterr.KindNotConnected, "transport not configured"))
			return
		}
		s.sm.Connect(func(err error) { s.Complete(op, err) })

	case *pipeline.DisconnectOperation:
		if s.sm == nil {
			s.Complete(op, ioterr.New(ioterr.KindNotConnected, "transport not configured"))
			return
		}
		s.sm.Disconnect(func(err error) { s.Complete(op, err) })

	case *pipeline.ReconnectOperation:
		if s.sm == nil {
			s.Complete(op, ioterr.New(ioterr.KindNotConnected, "transport not configured"))
			return
		}
		s.sm.Reconnect(func(err error) { s.Complete(op, err) })

	case *pipeline.MQTTPublishOperation:
		if s.sm == nil {
			s.Complete(op, ioterr.New(ioterr.KindNotConnected, "transport not configured"))
			return
		}
		s.sm.Publish(o.Topic, o.Payload, func(err error) { s.Complete(op, err) })

	case *pipeline.MQTTSubscribeOperation:
		if s.sm == nil {
			s.Complete(op, ioterr.New(ioterr.KindNotConnected, "transport not configured"))
			return
		}
		s.sm.Subscribe(o.Topic, o.QoS, func(err error) { s.Complete(op, err) })

	case *pipeline.MQTTUnsubscribeOperation:
		if s.sm == nil {
			s.Complete(op, ioterr.New(ioterr.KindNotConnected, "transport not configured"))
			return
		}
		s.sm.Unsubscribe(o.Topic, func(err error) { s.Complete(op, err) })

	default:
		s.PassDown(op)
	}
}

func (s *ClientStage) configure(op *pipeline.SetMQTTConnectionArgsOperation) {
	cfg := Config{
		ClientID: op.ClientID,
		Hostname: op.Hostname,
		Username: op.Username,
		CACert:   op.CACert,
	}
	s.adapter = s.newAdapter(cfg, s.Logger())
	if op.ClientCert != nil {
		s.clientCert = op.ClientCert
	}
	if s.clientCert != nil {
		s.adapter.SetClientCertificate(s.clientCert)
	}

	s.adapter.OnMessageReceived = func(topic string, payload []byte) {
		s.EmitEvent(&pipeline.IncomingMQTTMessageEvent{Topic: topic, Payload: payload})
	}

	s.sm = NewStateMachine(s.adapter, s.Logger())
	s.sm.SetPassword(s.sasToken)
	s.sm.OnStateChanged = func(_, next ConnectionState) {
		switch next {
		case StateConnected:
			s.EmitEvent(&pipeline.ConnectedChangedEvent{Connected: true})
		case StateDisconnected:
			s.EmitEvent(&pipeline.ConnectedChangedEvent{Connected: false})
		}
	}
	s.sm.OnUnexpectedDisconnect = func(err error) {
		s.EmitEvent(&pipeline.DisconnectedUnexpectedEvent{Err: err})
	}

	s.Root().SetTransport(s.adapter)
	s.Complete(op, nil)
}
