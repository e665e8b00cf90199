package provisioning

import (
	"net/url"

	"cirrus-device/internal/pipeline"
)

// RegistrationResponseEvent is the service's answer to a registration or
// query request, correlated by request id. KeyValues holds the response
// topic's query properties with the $ prefix stripped.
type RegistrationResponseEvent struct {
	pipeline.EventBase
	RequestID  string
	StatusCode int
	KeyValues  url.Values
	Payload    []byte
}
