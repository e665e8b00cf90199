package iothub

import "cirrus-device/internal/pipeline"

// C2DMessageEvent is an inbound cloud-to-device message.
type C2DMessageEvent struct {
	pipeline.EventBase
	Message *Message
}

// InputMessageEvent is an inbound message on a module input.
type InputMessageEvent struct {
	pipeline.EventBase
	InputName string
	Message   *Message
}

// MethodRequestEvent is an inbound direct method invocation. Answer it with
// a SendMethodResponseOperation carrying the same request id.
type MethodRequestEvent struct {
	pipeline.EventBase
	MethodName string
	RequestID  string
	Payload    []byte
}

// TwinResponseEvent is the service's answer to a twin request, correlated by
// request id.
type TwinResponseEvent struct {
	pipeline.EventBase
	Status    int
	RequestID string
	Version   int
	Payload   []byte
}

// TwinPatchEvent is a desired-properties update pushed by the service.
type TwinPatchEvent struct {
	pipeline.EventBase
	Payload []byte
}
