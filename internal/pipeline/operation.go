package pipeline

import (
	"crypto/tls"
	"sync/atomic"
)

// CompletionCallback receives the completed operation; inspect Base().Err to
// distinguish success from failure. Callbacks run on the pipeline's callback
// executor and fire exactly once per operation.
type CompletionCallback func(op Operation)

// Operation is a unit of work flowing down the pipeline. Concrete operations
// embed OperationBase, which provides the Base method.
type Operation interface {
	Base() *OperationBase
}

// OperationBase carries the completion callback and error slot shared by all
// operations.
type OperationBase struct {
	Callback CompletionCallback
	Err      error

	completed uint32
}

// Base returns the operation's shared fields. It is promoted into every
// concrete operation type through embedding.
func (b *OperationBase) Base() *OperationBase { return b }

// markCompleted flips the operation to its terminal state. Returns false if
// it had already been completed.
func (b *OperationBase) markCompleted() bool {
	return atomic.CompareAndSwapUint32(&b.completed, 0, 1)
}

// ConnectOperation asks the transport-owning stage to establish a connection.
type ConnectOperation struct {
	OperationBase
}

// DisconnectOperation asks the transport-owning stage to drop the connection.
type DisconnectOperation struct {
	OperationBase
}

// ReconnectOperation re-establishes the connection, typically after a
// credential renewal.
type ReconnectOperation struct {
	OperationBase
}

// EnableFeatureOperation turns on a named capability (c2d, input, methods,
// twin, registration_response). Converter stages translate it into the
// appropriate subscribes.
type EnableFeatureOperation struct {
	OperationBase
	Feature string
}

// DisableFeatureOperation turns a named capability back off.
type DisableFeatureOperation struct {
	OperationBase
	Feature string
}

// SetSasTokenOperation hands the current SAS token to the transport-owning
// stage; it becomes the MQTT password at the next connect or reconnect.
type SetSasTokenOperation struct {
	OperationBase
	Token string
}

// SetClientCertificateOperation hands an X.509 client certificate to the
// transport-owning stage for mutual TLS.
type SetClientCertificateOperation struct {
	OperationBase
	Certificate *tls.Certificate
}
