package pipeline

import "crypto/tls"

// SetMQTTConnectionArgsOperation carries everything the MQTT transport stage
// needs to construct the wire client.
type SetMQTTConnectionArgsOperation struct {
	OperationBase
	ClientID   string
	Hostname   string
	Username   string
	CACert     string
	ClientCert *tls.Certificate
}

// MQTTPublishOperation publishes a payload on a topic at QoS 1. Completion
// is the broker PUBACK.
type MQTTPublishOperation struct {
	OperationBase
	Topic   string
	Payload []byte
}

// MQTTSubscribeOperation subscribes to a topic. Completion is the broker
// SUBACK.
type MQTTSubscribeOperation struct {
	OperationBase
	Topic string
	QoS   byte
}

// MQTTUnsubscribeOperation unsubscribes from a topic. Completion is the
// broker UNSUBACK.
type MQTTUnsubscribeOperation struct {
	OperationBase
	Topic string
}
