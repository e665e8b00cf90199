package http

import (
	"crypto/tls"

	"cirrus-device/internal/ioterr"
	"cirrus-device/internal/pipeline"
)

// TransportStage owns the HTTP client at the bottom of HTTP pipelines.
// Requests block on the pipeline executor, which is the pipeline's only
// suspension point.
type TransportStage struct {
	pipeline.StageBase

	client     *Client
	clientCert *tls.Certificate
}

// NewTransportStage builds the transport-owning stage for HTTP pipelines.
func NewTransportStage() *TransportStage {
	return &TransportStage{StageBase: pipeline.NewStageBase("http_transport")}
}

func (s *TransportStage) RunOp(op pipeline.Operation) {
	switch o := op.(type) {
	case *pipeline.SetHTTPConnectionArgsOperation:
		cert := o.ClientCert
		if cert == nil {
			cert = s.clientCert
		}
		client, err := NewClient(o.Hostname, o.CACert, cert, s.Logger())
		if err != nil {
			s.Complete(op, err)
			return
		}
		s.client = client
		s.Root().SetTransport(client)
		s.Complete(op, nil)

	case *pipeline.SetClientCertificateOperation:
		s.clientCert = o.Certificate
		s.Complete(op, nil)

	case *pipeline.HTTPPostOperation:
		if s.client == nil {
			s.Complete(op, ioterr.New(ioterr.KindNotConnected, "transport not configured"))
			return
		}
		status, body, err := s.client.Post(o.Path, o.Params, o.Body, o.Headers)
		o.StatusCode = status
		o.ResponseBody = body
		s.Complete(op, err)

	default:
		s.PassDown(op)
	}
}
