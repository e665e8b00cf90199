package iothub

import (
	"crypto/tls"

	"cirrus-device/internal/auth"
	"cirrus-device/internal/pipeline"
)

// SetAuthProviderOperation installs a symmetric-key authentication provider.
// The auth stage expands it into connection arguments and a SAS token.
type SetAuthProviderOperation struct {
	pipeline.OperationBase
	Provider auth.Provider
}

// SetX509AuthProviderOperation installs an X.509 authentication provider.
type SetX509AuthProviderOperation struct {
	pipeline.OperationBase
	Provider auth.X509Provider
}

// SetIoTHubConnectionArgsOperation carries the resolved connection identity
// down to the protocol converter.
type SetIoTHubConnectionArgsOperation struct {
	pipeline.OperationBase
	DeviceID        string
	ModuleID        string
	Hostname        string
	GatewayHostname string
	CACert          string
	SasToken        string
	ClientCert      *tls.Certificate
}

// SendTelemetryOperation sends a device-to-cloud message.
type SendTelemetryOperation struct {
	pipeline.OperationBase
	Message *Message
}

// SendOutputMessageOperation sends a message on a module output.
type SendOutputMessageOperation struct {
	pipeline.OperationBase
	Message    *Message
	OutputName string
}

// SendMethodResponseOperation answers a direct method request.
type SendMethodResponseOperation struct {
	pipeline.OperationBase
	RequestID string
	Status    int
	Payload   []byte
}
