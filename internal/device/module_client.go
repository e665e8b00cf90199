package device

import (
	"cirrus-device/internal/auth"
	"cirrus-device/internal/edge"
	"cirrus-device/internal/iothub"
	"cirrus-device/internal/pipeline"
	httptransport "cirrus-device/internal/transport/http"
	mqtttransport "cirrus-device/internal/transport/mqtt"
)

// ModuleClient extends DeviceClient with module I/O over MQTT and direct
// method invocation over the Edge gateway's HTTP surface. It runs two
// pipelines: the MQTT one inherited from DeviceClient and an Edge HTTP one.
type ModuleClient struct {
	*DeviceClient
	httpPL *pipeline.Pipeline
}

// NewModuleClientFromEnvironment builds a module client from the IOTEDGE_*
// environment, signing tokens through the given signer.
func NewModuleClientFromEnvironment(signer auth.Signer, opts Options) (*ModuleClient, error) {
	provider, err := auth.NewEdgeProviderFromEnvironment(signer)
	if err != nil {
		return nil, err
	}
	return NewModuleClient(provider, opts)
}

// NewModuleClient builds a module client over an explicit provider.
func NewModuleClient(provider auth.Provider, opts Options) (*ModuleClient, error) {
	dc, err := newDeviceClient(opts, mqtttransport.NewClientStage())
	if err != nil {
		return nil, err
	}
	dc.tokenSource = provider.SasToken
	if err := dc.await(&iothub.SetAuthProviderOperation{Provider: provider}); err != nil {
		dc.pl.Close()
		return nil, err
	}

	m := &ModuleClient{DeviceClient: dc}
	m.httpPL = pipeline.New(opts.logger(),
		edge.NewUseAuthProviderStage(),
		edge.NewHTTPConverterStage(),
		httptransport.NewTransportStage(),
	)
	if err := m.awaitHTTP(&iothub.SetAuthProviderOperation{Provider: provider}); err != nil {
		m.httpPL.Close()
		dc.pl.Close()
		return nil, err
	}
	return m, nil
}

func (m *ModuleClient) awaitHTTP(op pipeline.Operation) error {
	done := make(chan error, 1)
	op.Base().Callback = func(o pipeline.Operation) {
		done <- o.Base().Err
	}
	m.httpPL.RunOp(op)
	return <-done
}

// SendOutputMessage sends a message on the named module output.
func (m *ModuleClient) SendOutputMessage(outputName string, msg *iothub.Message) error {
	return m.await(&iothub.SendOutputMessageOperation{Message: msg, OutputName: outputName})
}

// EnableInputMessages subscribes to messages routed to this module's inputs.
func (m *ModuleClient) EnableInputMessages(handler func(inputName string, msg *iothub.Message)) error {
	m.mu.Lock()
	m.onInput = handler
	m.mu.Unlock()
	return m.await(&pipeline.EnableFeatureOperation{Feature: iothub.FeatureInput})
}

// InvokeMethod calls a direct method on another device or module through
// the Edge gateway and returns the method status and response payload.
func (m *ModuleClient) InvokeMethod(methodName, targetDeviceID, targetModuleID string, payload []byte) (int, []byte, error) {
	op := &edge.InvokeMethodOperation{
		MethodName:     methodName,
		TargetDeviceID: targetDeviceID,
		TargetModuleID: targetModuleID,
		Payload:        payload,
	}
	err := m.awaitHTTP(op)
	return op.Status, op.ResponsePayload, err
}

// Close tears both pipelines down.
func (m *ModuleClient) Close() error {
	err := m.DeviceClient.Close()
	if herr := m.httpPL.Close(); err == nil {
		err = herr
	}
	return err
}
