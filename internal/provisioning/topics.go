package provisioning

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"cirrus-device/internal/ioterr"
)

const (
	apiVersion = "2019-03-31"
	userAgent  = "cirrus-device/1.0.0"
)

// FeatureRegistrationResponses names the subscribe carrying registration
// responses.
const FeatureRegistrationResponses = "registration_response"

const responseTopicPrefix = "$dps/registrations/res/"

func subscribeTopic() string {
	return responseTopicPrefix + "#"
}

func registerTopic(requestID string) string {
	return "$dps/registrations/PUT/iotdps-register/?$rid=" + requestID
}

func queryTopic(requestID, operationID string) string {
	return fmt.Sprintf("$dps/registrations/GET/iotdps-get-operationstatus/?$rid=%s&operationId=%s",
		requestID, operationID)
}

func isResponseTopic(topic string) bool {
	return strings.HasPrefix(topic, responseTopicPrefix)
}

// parseResponseTopic splits $dps/registrations/res/{status}/?$rid={rid}&...
// into the status code and the query properties with the $ prefix stripped
// from the keys.
func parseResponseTopic(topic string) (status int, keyValues url.Values, err error) {
	rest := strings.TrimPrefix(topic, responseTopicPrefix)
	if rest == topic {
		return 0, nil, ioterr.New(ioterr.KindInvalidArgument, "malformed registration response topic %q", topic)
	}
	i := strings.Index(rest, "/?")
	if i < 0 {
		return 0, nil, ioterr.New(ioterr.KindInvalidArgument, "malformed registration response topic %q", topic)
	}
	status, err = strconv.Atoi(rest[:i])
	if err != nil {
		return 0, nil, ioterr.Wrap(ioterr.KindInvalidArgument, err, "decoding registration status")
	}
	q, err := url.ParseQuery(rest[i+2:])
	if err != nil {
		return 0, nil, ioterr.Wrap(ioterr.KindInvalidArgument, err, "decoding registration response query")
	}
	keyValues = make(url.Values, len(q))
	for k, vs := range q {
		keyValues[strings.TrimPrefix(k, "$")] = vs
	}
	return status, keyValues, nil
}
