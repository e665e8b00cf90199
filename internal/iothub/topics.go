package iothub

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"cirrus-device/internal/ioterr"
)

const apiVersion = "2018-06-30"

// Feature names a converter stage translates into subscribes.
const (
	FeatureC2D     = "c2d"
	FeatureInput   = "input"
	FeatureMethods = "methods"
	FeatureTwin    = "twin"
)

const (
	methodRequestTopic = "$iothub/methods/POST/#"
	twinResponseTopic  = "$iothub/twin/res/#"
	twinPatchTopic     = "$iothub/twin/PATCH/properties/desired/#"

	methodRequestPrefix = "$iothub/methods/POST/"
	twinResponsePrefix  = "$iothub/twin/res/"
	twinPatchPrefix     = "$iothub/twin/PATCH/properties/desired"
)

const rfc3339Milli = "2006-01-02T15:04:05.999Z07:00"

// topicBase is the device or module topic root: devices/{id} or
// devices/{id}/modules/{id}.
func topicBase(deviceID, moduleID string) string {
	if moduleID != "" {
		return "devices/" + deviceID + "/modules/" + moduleID
	}
	return "devices/" + deviceID
}

func telemetryTopic(deviceID, moduleID string) string {
	return topicBase(deviceID, moduleID) + "/messages/events/"
}

func c2dTopic(deviceID, moduleID string) string {
	return topicBase(deviceID, moduleID) + "/messages/devicebound/#"
}

func inputTopic(deviceID, moduleID string) string {
	return topicBase(deviceID, moduleID) + "/inputs/#"
}

func methodResponseTopic(status int, requestID string) string {
	return fmt.Sprintf("$iothub/methods/res/%d/?$rid=%s", status, requestID)
}

// EncodeProperties appends the message's system and custom properties to the
// topic as URL-encoded key/value pairs.
func EncodeProperties(m *Message, topic string) string {
	props := make(url.Values)
	if m.OutputName != "" {
		props.Set("$.on", m.OutputName)
	}
	if m.MessageID != "" {
		props.Set("$.mid", m.MessageID)
	}
	if m.CorrelationID != "" {
		props.Set("$.cid", m.CorrelationID)
	}
	if m.UserID != "" {
		props.Set("$.uid", m.UserID)
	}
	if m.To != "" {
		props.Set("$.to", m.To)
	}
	if m.ContentType != "" {
		props.Set("$.ct", m.ContentType)
	}
	if m.ContentEncoding != "" {
		props.Set("$.ce", m.ContentEncoding)
	}
	if !m.ExpiryTimeUTC.IsZero() {
		props.Set("$.exp", m.ExpiryTimeUTC.UTC().Format(rfc3339Milli))
	}
	for k, v := range m.CustomProperties {
		props.Set(k, v)
	}
	return topic + encodeValues(props)
}

// encodeValues is url.Values.Encode with spaces as %20 rather than +, which
// is what the service expects on topic names.
func encodeValues(v url.Values) string {
	return strings.ReplaceAll(v.Encode(), "+", "%20")
}

// DecodeProperties parses an ampersand-delimited, URL-encoded property
// segment into the message, routing reserved $.-prefixed keys to the system
// fields and the rest to custom properties.
func DecodeProperties(s string, m *Message) error {
	if s == "" {
		return nil
	}
	for _, pair := range strings.Split(s, "&") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			return ioterr.New(ioterr.KindInvalidArgument, "malformed property pair %q", pair)
		}
		key, err := url.QueryUnescape(kv[0])
		if err != nil {
			return ioterr.Wrap(ioterr.KindInvalidArgument, err, "decoding property key")
		}
		value, err := url.QueryUnescape(kv[1])
		if err != nil {
			return ioterr.Wrap(ioterr.KindInvalidArgument, err, "decoding property value")
		}
		switch key {
		case "$.mid":
			m.MessageID = value
		case "$.cid":
			m.CorrelationID = value
		case "$.uid":
			m.UserID = value
		case "$.to":
			m.To = value
		case "$.ct":
			m.ContentType = value
		case "$.ce":
			m.ContentEncoding = value
		case "$.on":
			m.OutputName = value
		case "$.exp":
			t, err := time.Parse(rfc3339Milli, value)
			if err != nil {
				return ioterr.Wrap(ioterr.KindInvalidArgument, err, "decoding expiry")
			}
			m.ExpiryTimeUTC = t
		default:
			m.SetProperty(key, value)
		}
	}
	return nil
}

// isC2DTopic: devices/{deviceId}/messages/devicebound/...
func isC2DTopic(segments []string) bool {
	return len(segments) >= 5 && strings.Contains(strings.Join(segments, "/"), "messages/devicebound")
}

// isInputTopic: devices/{deviceId}/modules/{moduleId}/inputs/{inputName}/...
func isInputTopic(segments []string) bool {
	if len(segments) < 7 {
		return false
	}
	for _, s := range segments {
		if s == "inputs" {
			return true
		}
	}
	return false
}

// parseMethodTopic extracts the method name and request id from
// $iothub/methods/POST/{method}/?$rid={rid}.
func parseMethodTopic(topic string) (method, requestID string, err error) {
	rest := strings.TrimPrefix(topic, methodRequestPrefix)
	if rest == topic {
		return "", "", ioterr.New(ioterr.KindInvalidArgument, "malformed method request topic %q", topic)
	}
	i := strings.Index(rest, "/?")
	if i < 0 {
		return "", "", ioterr.New(ioterr.KindInvalidArgument, "malformed method request topic %q", topic)
	}
	method, err = url.QueryUnescape(rest[:i])
	if err != nil {
		return "", "", ioterr.Wrap(ioterr.KindInvalidArgument, err, "decoding method name")
	}
	q, err := url.ParseQuery(rest[i+2:])
	if err != nil {
		return "", "", ioterr.Wrap(ioterr.KindInvalidArgument, err, "decoding method request query")
	}
	rid := q.Get("$rid")
	if rid == "" {
		return "", "", ioterr.New(ioterr.KindInvalidArgument, "method request topic has no $rid")
	}
	return method, rid, nil
}

// parseTwinResponseTopic extracts the status, request id and optional twin
// version from $iothub/twin/res/{status}/?$rid={rid}[&$version={v}].
func parseTwinResponseTopic(topic string) (status int, requestID string, version int, err error) {
	rest := strings.TrimPrefix(topic, twinResponsePrefix)
	if rest == topic {
		return 0, "", 0, ioterr.New(ioterr.KindInvalidArgument, "malformed twin response topic %q", topic)
	}
	i := strings.Index(rest, "/?")
	if i < 0 {
		return 0, "", 0, ioterr.New(ioterr.KindInvalidArgument, "malformed twin response topic %q", topic)
	}
	status, err = strconv.Atoi(rest[:i])
	if err != nil {
		return 0, "", 0, ioterr.Wrap(ioterr.KindInvalidArgument, err, "decoding twin response status")
	}
	q, err := url.ParseQuery(rest[i+2:])
	if err != nil {
		return 0, "", 0, ioterr.Wrap(ioterr.KindInvalidArgument, err, "decoding twin response query")
	}
	requestID = q.Get("$rid")
	if v := q.Get("$version"); v != "" {
		version, err = strconv.Atoi(v)
		if err != nil {
			return 0, "", 0, ioterr.Wrap(ioterr.KindInvalidArgument, err, "decoding twin version")
		}
	}
	return status, requestID, version, nil
}

// propertySegment returns the URL-encoded property bag after the final
// slash of an inbound message topic.
func propertySegment(topic string) string {
	i := strings.LastIndex(topic, "/")
	if i < 0 || i+1 >= len(topic) {
		return ""
	}
	return topic[i+1:]
}

// inboundMessage builds a Message from an inbound topic and payload,
// decoding the trailing property segment when one is present.
func inboundMessage(topic string, payload []byte) (*Message, error) {
	m := &Message{Body: payload}
	if seg := propertySegment(topic); strings.Contains(seg, "=") {
		if err := DecodeProperties(seg, m); err != nil {
			return nil, err
		}
	}
	return m, nil
}
