package provisioning

import (
	"fmt"
	"net/url"

	"go.uber.org/zap"

	"cirrus-device/internal/ioterr"
	"cirrus-device/internal/pipeline"
)

// MQTTConverterStage translates provisioning operations into MQTT operations
// and inbound registration responses into provisioning events.
type MQTTConverterStage struct {
	pipeline.StageBase
}

// NewMQTTConverterStage builds the provisioning / MQTT protocol converter.
func NewMQTTConverterStage() *MQTTConverterStage {
	return &MQTTConverterStage{StageBase: pipeline.NewStageBase("provisioning_mqtt_converter")}
}

func (s *MQTTConverterStage) RunOp(op pipeline.Operation) {
	switch o := op.(type) {
	case *SetSecurityClientArgsOperation:
		username := fmt.Sprintf("%s/registrations/%s/api-version=%s&ClientVersion=%s",
			o.IDScope, o.RegistrationID, apiVersion, url.QueryEscape(userAgent))
		s.Delegate(op, &pipeline.SetMQTTConnectionArgsOperation{
			ClientID: o.RegistrationID,
			Hostname: o.ProvisioningHost,
			Username: username,
		})

	case *SendRegistrationRequestOperation:
		s.Delegate(op, &pipeline.MQTTPublishOperation{
			Topic:   registerTopic(o.RequestID),
			Payload: o.Payload,
		})

	case *SendQueryRequestOperation:
		s.Delegate(op, &pipeline.MQTTPublishOperation{
			Topic:   queryTopic(o.RequestID, o.OperationID),
			Payload: o.Payload,
		})

	case *pipeline.EnableFeatureOperation:
		if o.Feature != FeatureRegistrationResponses {
			s.Complete(op, ioterr.New(ioterr.KindInvalidArgument, "unknown feature %q", o.Feature))
			return
		}
		s.Delegate(op, &pipeline.MQTTSubscribeOperation{Topic: subscribeTopic(), QoS: 1})

	case *pipeline.DisableFeatureOperation:
		if o.Feature != FeatureRegistrationResponses {
			s.Complete(op, ioterr.New(ioterr.KindInvalidArgument, "unknown feature %q", o.Feature))
			return
		}
		s.Delegate(op, &pipeline.MQTTUnsubscribeOperation{Topic: subscribeTopic()})

	default:
		s.PassDown(op)
	}
}

func (s *MQTTConverterStage) HandleEvent(ev pipeline.Event) {
	msg, ok := ev.(*pipeline.IncomingMQTTMessageEvent)
	if !ok || !isResponseTopic(msg.Topic) {
		s.PassUp(ev)
		return
	}
	status, keyValues, err := parseResponseTopic(msg.Topic)
	if err != nil {
		s.Logger().Error("dropping malformed registration response",
			zap.String("topic", msg.Topic), zap.Error(err))
		return
	}
	s.PassUp(&RegistrationResponseEvent{
		RequestID:  keyValues.Get("rid"),
		StatusCode: status,
		KeyValues:  keyValues,
		Payload:    msg.Payload,
	})
}
