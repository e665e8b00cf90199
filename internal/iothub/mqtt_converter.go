package iothub

import (
	"strings"

	"go.uber.org/zap"

	"cirrus-device/internal/ioterr"
	"cirrus-device/internal/pipeline"
)

const inputNameSegment = 5

// MQTTConverterStage translates IoT Hub domain operations into MQTT
// operations and inbound MQTT messages into domain events.
type MQTTConverterStage struct {
	pipeline.StageBase

	deviceID string
	moduleID string
}

// NewMQTTConverterStage builds the IoT Hub / MQTT protocol converter.
func NewMQTTConverterStage() *MQTTConverterStage {
	return &MQTTConverterStage{StageBase: pipeline.NewStageBase("iothub_mqtt_converter")}
}

func (s *MQTTConverterStage) RunOp(op pipeline.Operation) {
	switch o := op.(type) {
	case *SetIoTHubConnectionArgsOperation:
		s.deviceID = o.DeviceID
		s.moduleID = o.ModuleID

		clientID := o.DeviceID
		if o.ModuleID != "" {
			clientID += "/" + o.ModuleID
		}
		hostname := o.Hostname
		if o.GatewayHostname != "" {
			hostname = o.GatewayHostname
		}
		setArgs := &pipeline.SetMQTTConnectionArgsOperation{
			ClientID:   clientID,
			Hostname:   hostname,
			Username:   o.Hostname + "/" + clientID + "/?api-version=" + apiVersion,
			CACert:     o.CACert,
			ClientCert: o.ClientCert,
		}
		if o.SasToken != "" {
			s.RunSerial(op, setArgs, &pipeline.SetSasTokenOperation{Token: o.SasToken})
		} else {
			s.Delegate(op, setArgs)
		}

	case *SendTelemetryOperation:
		s.Delegate(op, &pipeline.MQTTPublishOperation{
			Topic:   EncodeProperties(o.Message, telemetryTopic(s.deviceID, s.moduleID)),
			Payload: o.Message.Body,
		})

	case *SendOutputMessageOperation:
		msg := o.Message
		msg.OutputName = o.OutputName
		s.Delegate(op, &pipeline.MQTTPublishOperation{
			Topic:   EncodeProperties(msg, telemetryTopic(s.deviceID, s.moduleID)),
			Payload: msg.Body,
		})

	case *SendMethodResponseOperation:
		s.Delegate(op, &pipeline.MQTTPublishOperation{
			Topic:   methodResponseTopic(o.Status, o.RequestID),
			Payload: o.Payload,
		})

	case *pipeline.EnableFeatureOperation:
		switch o.Feature {
		case FeatureC2D:
			s.Delegate(op, &pipeline.MQTTSubscribeOperation{Topic: c2dTopic(s.deviceID, s.moduleID), QoS: 1})
		case FeatureInput:
			s.Delegate(op, &pipeline.MQTTSubscribeOperation{Topic: inputTopic(s.deviceID, s.moduleID), QoS: 1})
		case FeatureMethods:
			s.Delegate(op, &pipeline.MQTTSubscribeOperation{Topic: methodRequestTopic, QoS: 1})
		case FeatureTwin:
			s.RunSerial(op,
				&pipeline.MQTTSubscribeOperation{Topic: twinResponseTopic, QoS: 1},
				&pipeline.MQTTSubscribeOperation{Topic: twinPatchTopic, QoS: 1})
		default:
			s.Complete(op, ioterr.New(ioterr.KindInvalidArgument, "unknown feature %q", o.Feature))
		}

	case *pipeline.DisableFeatureOperation:
		switch o.Feature {
		case FeatureC2D:
			s.Delegate(op, &pipeline.MQTTUnsubscribeOperation{Topic: c2dTopic(s.deviceID, s.moduleID)})
		case FeatureInput:
			s.Delegate(op, &pipeline.MQTTUnsubscribeOperation{Topic: inputTopic(s.deviceID, s.moduleID)})
		case FeatureMethods:
			s.Delegate(op, &pipeline.MQTTUnsubscribeOperation{Topic: methodRequestTopic})
		case FeatureTwin:
			s.RunSerial(op,
				&pipeline.MQTTUnsubscribeOperation{Topic: twinResponseTopic},
				&pipeline.MQTTUnsubscribeOperation{Topic: twinPatchTopic})
		default:
			s.Complete(op, ioterr.New(ioterr.KindInvalidArgument, "unknown feature %q", o.Feature))
		}

	default:
		s.PassDown(op)
	}
}

// HandleEvent decodes inbound MQTT messages into domain events by topic
// shape; anything unrecognized passes up unchanged.
func (s *MQTTConverterStage) HandleEvent(ev pipeline.Event) {
	msg, ok := ev.(*pipeline.IncomingMQTTMessageEvent)
	if !ok {
		s.PassUp(ev)
		return
	}
	topic := msg.Topic

	switch {
	case strings.HasPrefix(topic, methodRequestPrefix):
		method, rid, err := parseMethodTopic(topic)
		if err != nil {
			s.Logger().Error("dropping malformed method request", zap.String("topic", topic), zap.Error(err))
			return
		}
		s.PassUp(&MethodRequestEvent{MethodName: method, RequestID: rid, Payload: msg.Payload})

	case strings.HasPrefix(topic, twinResponsePrefix):
		status, rid, version, err := parseTwinResponseTopic(topic)
		if err != nil {
			s.Logger().Error("dropping malformed twin response", zap.String("topic", topic), zap.Error(err))
			return
		}
		s.PassUp(&TwinResponseEvent{Status: status, RequestID: rid, Version: version, Payload: msg.Payload})

	case strings.HasPrefix(topic, twinPatchPrefix):
		s.PassUp(&TwinPatchEvent{Payload: msg.Payload})

	default:
		segments := strings.Split(topic, "/")
		switch {
		case isInputTopic(segments):
			m, err := inboundMessage(topic, msg.Payload)
			if err != nil {
				s.Logger().Error("dropping input message with bad properties", zap.String("topic", topic), zap.Error(err))
				return
			}
			s.PassUp(&InputMessageEvent{InputName: segments[inputNameSegment], Message: m})
		case isC2DTopic(segments):
			m, err := inboundMessage(topic, msg.Payload)
			if err != nil {
				s.Logger().Error("dropping c2d message with bad properties", zap.String("topic", topic), zap.Error(err))
				return
			}
			s.PassUp(&C2DMessageEvent{Message: m})
		default:
			s.PassUp(ev)
		}
	}
}
