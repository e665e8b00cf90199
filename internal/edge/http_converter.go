package edge

import (
	"encoding/json"
	"net/url"

	"cirrus-device/internal/ioterr"
	"cirrus-device/internal/pipeline"
)

const (
	apiVersion = "2018-06-30"

	defaultResponseTimeoutSeconds = 30
	defaultConnectTimeoutSeconds  = 30
)

// methodInvokeBody is the request body of a direct method invocation.
type methodInvokeBody struct {
	MethodName               string          `json:"methodName"`
	ResponseTimeoutInSeconds int             `json:"responseTimeoutInSeconds"`
	ConnectTimeoutInSeconds  int             `json:"connectTimeoutInSeconds"`
	Payload                  json.RawMessage `json:"payload"`
}

// HTTPConverterStage translates Edge domain operations into HTTP operations.
type HTTPConverterStage struct {
	pipeline.StageBase
}

// NewHTTPConverterStage builds the Edge / HTTP protocol converter.
func NewHTTPConverterStage() *HTTPConverterStage {
	return &HTTPConverterStage{StageBase: pipeline.NewStageBase("edge_http_converter")}
}

func (s *HTTPConverterStage) RunOp(op pipeline.Operation) {
	switch o := op.(type) {
	case *SetEdgeConnectionArgsOperation:
		s.Delegate(op, &pipeline.SetHTTPConnectionArgsOperation{
			Hostname: o.GatewayHostname,
		})

	case *InvokeMethodOperation:
		if o.TargetDeviceID == "" || o.MethodName == "" {
			s.Complete(op, ioterr.New(ioterr.KindInvalidArgument, "method invocation requires a target device and method name"))
			return
		}
		responseTimeout := o.ResponseTimeoutSeconds
		if responseTimeout == 0 {
			responseTimeout = defaultResponseTimeoutSeconds
		}
		connectTimeout := o.ConnectTimeoutSeconds
		if connectTimeout == 0 {
			connectTimeout = defaultConnectTimeoutSeconds
		}
		payload := o.Payload
		if len(payload) == 0 {
			payload = []byte("null")
		}
		body, err := json.Marshal(methodInvokeBody{
			MethodName:               o.MethodName,
			ResponseTimeoutInSeconds: responseTimeout,
			ConnectTimeoutInSeconds:  connectTimeout,
			Payload:                  payload,
		})
		if err != nil {
			s.Complete(op, ioterr.Wrap(ioterr.KindInvalidArgument, err, "encoding method invocation"))
			return
		}

		path := "/twins/" + url.PathEscape(o.TargetDeviceID)
		if o.TargetModuleID != "" {
			path += "/modules/" + url.PathEscape(o.TargetModuleID)
		}
		path += "/methods"

		post := &pipeline.HTTPPostOperation{
			Path:   path,
			Params: url.Values{"api-version": []string{apiVersion}},
			Body:   body,
		}
		s.DelegateThen(op, post, func(pipeline.Operation) {
			o.Status = post.StatusCode
			o.ResponsePayload = post.ResponseBody
		})

	default:
		s.PassDown(op)
	}
}
