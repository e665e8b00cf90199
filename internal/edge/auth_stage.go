package edge

import (
	"cirrus-device/internal/iothub"
	"cirrus-device/internal/pipeline"
)

// UseAuthProviderStage is the Edge variant of the auth expansion stage: it
// reduces an authentication provider to the module identity and gateway the
// Edge HTTP pipeline needs.
type UseAuthProviderStage struct {
	pipeline.StageBase
}

// NewUseAuthProviderStage builds the Edge auth expansion stage.
func NewUseAuthProviderStage() *UseAuthProviderStage {
	return &UseAuthProviderStage{StageBase: pipeline.NewStageBase("use_edge_auth_provider")}
}

func (s *UseAuthProviderStage) RunOp(op pipeline.Operation) {
	switch o := op.(type) {
	case *iothub.SetAuthProviderOperation:
		p := o.Provider
		s.Delegate(op, &SetEdgeConnectionArgsOperation{
			DeviceID:        p.DeviceID(),
			ModuleID:        p.ModuleID(),
			GatewayHostname: p.GatewayHostname(),
		})

	case *iothub.SetX509AuthProviderOperation:
		p := o.Provider
		s.Delegate(op, &SetEdgeConnectionArgsOperation{
			DeviceID:        p.DeviceID(),
			ModuleID:        p.ModuleID(),
			GatewayHostname: p.GatewayHostname(),
		})

	default:
		s.PassDown(op)
	}
}
