package iothub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTelemetryTopicEncoding(t *testing.T) {
	msg := &Message{Body: []byte("x"), MessageID: "m1"}
	topic := EncodeProperties(msg, telemetryTopic("d", ""))
	assert.Equal(t, "devices/d/messages/events/%24.mid=m1", topic)
}

func TestModuleTopics(t *testing.T) {
	assert.Equal(t, "devices/d/modules/m/messages/events/", telemetryTopic("d", "m"))
	assert.Equal(t, "devices/d/messages/devicebound/#", c2dTopic("d", ""))
	assert.Equal(t, "devices/d/modules/m/inputs/#", inputTopic("d", "m"))
	assert.Equal(t, "$iothub/methods/res/200/?$rid=42", methodResponseTopic(200, "42"))
}

func TestPropertyRoundTrip(t *testing.T) {
	in := &Message{
		MessageID:       "mid-1",
		CorrelationID:   "cid 2",
		UserID:          "user@example",
		To:              "/devices/d/messages/deviceBound",
		ContentType:     "application/json",
		ContentEncoding: "utf-8",
		OutputName:      "out1",
		ExpiryTimeUTC:   time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC),
		CustomProperties: map[string]string{
			"plain":          "value",
			"needs escaping": "a&b=c",
		},
	}

	encoded := EncodeProperties(in, "")
	out := &Message{}
	require.NoError(t, DecodeProperties(encoded, out))

	assert.Equal(t, in.MessageID, out.MessageID)
	assert.Equal(t, in.CorrelationID, out.CorrelationID)
	assert.Equal(t, in.UserID, out.UserID)
	assert.Equal(t, in.To, out.To)
	assert.Equal(t, in.ContentType, out.ContentType)
	assert.Equal(t, in.ContentEncoding, out.ContentEncoding)
	assert.Equal(t, in.OutputName, out.OutputName)
	assert.True(t, in.ExpiryTimeUTC.Equal(out.ExpiryTimeUTC))
	assert.Equal(t, in.CustomProperties, out.CustomProperties)
}

func TestDecodePropertiesRejectsMalformedPairs(t *testing.T) {
	m := &Message{}
	assert.Error(t, DecodeProperties("novalue", m))
	assert.Error(t, DecodeProperties("%zz=bad", m))
}

func TestParseMethodTopic(t *testing.T) {
	method, rid, err := parseMethodTopic("$iothub/methods/POST/reboot/?$rid=17")
	require.NoError(t, err)
	assert.Equal(t, "reboot", method)
	assert.Equal(t, "17", rid)

	_, _, err = parseMethodTopic("$iothub/methods/POST/reboot")
	assert.Error(t, err)

	_, _, err = parseMethodTopic("$iothub/twin/res/200/?$rid=1")
	assert.Error(t, err)
}

func TestParseTwinResponseTopic(t *testing.T) {
	status, rid, version, err := parseTwinResponseTopic("$iothub/twin/res/204/?$rid=abc&$version=7")
	require.NoError(t, err)
	assert.Equal(t, 204, status)
	assert.Equal(t, "abc", rid)
	assert.Equal(t, 7, version)

	_, _, _, err = parseTwinResponseTopic("$iothub/twin/res/xx/?$rid=abc")
	assert.Error(t, err)
}

func TestInboundTopicClassification(t *testing.T) {
	c2d := []string{"devices", "d", "messages", "devicebound", "%24.mid=1"}
	assert.True(t, isC2DTopic(c2d))
	assert.False(t, isC2DTopic([]string{"devices", "d", "messages"}))

	input := []string{"devices", "d", "modules", "m", "inputs", "in1", "%24.mid=1"}
	assert.True(t, isInputTopic(input))
	assert.False(t, isInputTopic([]string{"devices", "d", "modules", "m", "inputs", "in1"}))
}
