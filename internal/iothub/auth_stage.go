package iothub

import (
	"cirrus-device/internal/pipeline"
)

// UseAuthProviderStage expands an authentication provider into IoT Hub
// connection arguments. All other operations pass down.
type UseAuthProviderStage struct {
	pipeline.StageBase
}

// NewUseAuthProviderStage builds the auth expansion stage.
func NewUseAuthProviderStage() *UseAuthProviderStage {
	return &UseAuthProviderStage{StageBase: pipeline.NewStageBase("use_auth_provider")}
}

func (s *UseAuthProviderStage) RunOp(op pipeline.Operation) {
	switch o := op.(type) {
	case *SetAuthProviderOperation:
		p := o.Provider
		token, err := p.SasToken()
		if err != nil {
			s.Complete(op, err)
			return
		}
		s.Delegate(op, &SetIoTHubConnectionArgsOperation{
			DeviceID:        p.DeviceID(),
			ModuleID:        p.ModuleID(),
			Hostname:        p.Hostname(),
			GatewayHostname: p.GatewayHostname(),
			CACert:          p.CACert(),
			SasToken:        token,
		})

	case *SetX509AuthProviderOperation:
		p := o.Provider
		s.Delegate(op, &SetIoTHubConnectionArgsOperation{
			DeviceID:        p.DeviceID(),
			ModuleID:        p.ModuleID(),
			Hostname:        p.Hostname(),
			GatewayHostname: p.GatewayHostname(),
			CACert:          p.CACert(),
			ClientCert:      p.Certificate(),
		})

	default:
		s.PassDown(op)
	}
}
