package iothub

import (
	"time"

	"github.com/google/uuid"
)

// Message is a telemetry, output, or cloud-to-device message. System
// properties travel URL-encoded on the MQTT topic; the body is the payload.
type Message struct {
	Body []byte

	MessageID       string
	CorrelationID   string
	UserID          string
	To              string
	ContentType     string
	ContentEncoding string
	OutputName      string
	ExpiryTimeUTC   time.Time

	CustomProperties map[string]string
}

// NewMessage builds a message with a fresh message id.
func NewMessage(body []byte) *Message {
	return &Message{Body: body, MessageID: uuid.NewString()}
}

// SetProperty adds a custom application property.
func (m *Message) SetProperty(key, value string) {
	if m.CustomProperties == nil {
		m.CustomProperties = make(map[string]string)
	}
	m.CustomProperties[key] = value
}
