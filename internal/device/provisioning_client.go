package device

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"cirrus-device/internal/auth"
	"cirrus-device/internal/ioterr"
	"cirrus-device/internal/pipeline"
	"cirrus-device/internal/provisioning"
	mqtttransport "cirrus-device/internal/transport/mqtt"
)

const (
	provisioningTokenTTL  = time.Hour
	defaultPollInterval   = 2 * time.Second
	registrationQueueSize = 8
)

// ProvisioningClient drives the DPS flow that resolves a registration id to
// an IoT Hub assignment.
type ProvisioningClient struct {
	logger *zap.Logger
	pl     *pipeline.Pipeline

	registrationID string
	responses      chan *provisioning.RegistrationResponseEvent
}

// NewProvisioningClient builds a provisioning client. When symmetricKey is
// empty no SAS token is set and the client connects without a password; no
// client certificate or CA option is passed to the provisioning pipeline.
func NewProvisioningClient(provisioningHost, idScope, registrationID, symmetricKey string, opts Options) (*ProvisioningClient, error) {
	return newProvisioningClient(provisioningHost, idScope, registrationID, symmetricKey, opts,
		mqtttransport.NewClientStage())
}

func newProvisioningClient(provisioningHost, idScope, registrationID, symmetricKey string, opts Options, bottom pipeline.Stage) (*ProvisioningClient, error) {
	logger := opts.logger()
	c := &ProvisioningClient{
		logger:         logger,
		registrationID: registrationID,
		responses:      make(chan *provisioning.RegistrationResponseEvent, registrationQueueSize),
	}
	c.pl = pipeline.New(logger,
		provisioning.NewMQTTConverterStage(),
		bottom,
	)
	c.pl.Root().OnEvent(func(ev pipeline.Event) {
		resp, ok := ev.(*provisioning.RegistrationResponseEvent)
		if !ok {
			return
		}
		select {
		case c.responses <- resp:
		default:
			logger.Warn("dropping registration response, queue full",
				zap.String("request_id", resp.RequestID))
		}
	})

	if err := c.await(&provisioning.SetSecurityClientArgsOperation{
		IDScope:          idScope,
		RegistrationID:   registrationID,
		ProvisioningHost: provisioningHost,
	}); err != nil {
		c.pl.Close()
		return nil, err
	}

	if symmetricKey != "" {
		token, err := auth.NewSasToken(
			idScope+"/registrations/"+registrationID, symmetricKey, "registration", provisioningTokenTTL)
		if err != nil {
			c.pl.Close()
			return nil, err
		}
		if err := c.await(&pipeline.SetSasTokenOperation{Token: token.String()}); err != nil {
			c.pl.Close()
			return nil, err
		}
	}
	return c, nil
}

func (c *ProvisioningClient) await(op pipeline.Operation) error {
	done := make(chan error, 1)
	op.Base().Callback = func(o pipeline.Operation) {
		done <- o.Base().Err
	}
	c.pl.RunOp(op)
	return <-done
}

// Register runs the registration flow to completion: register, then poll
// operation status while the service reports it is still assigning.
func (c *ProvisioningClient) Register(ctx context.Context) (*provisioning.RegistrationResult, error) {
	if err := c.await(&pipeline.ConnectOperation{}); err != nil {
		return nil, err
	}
	if err := c.await(&pipeline.EnableFeatureOperation{Feature: provisioning.FeatureRegistrationResponses}); err != nil {
		return nil, err
	}

	rid := uuid.NewString()
	payload, err := json.Marshal(provisioning.RegistrationRequest{RegistrationID: c.registrationID})
	if err != nil {
		return nil, ioterr.Wrap(ioterr.KindInvalidArgument, err, "encoding registration request")
	}
	if err := c.await(&provisioning.SendRegistrationRequestOperation{RequestID: rid, Payload: payload}); err != nil {
		return nil, err
	}

	for {
		resp, err := c.waitResponse(ctx, rid)
		if err != nil {
			return nil, err
		}

		var result provisioning.RegistrationResult
		if len(resp.Payload) > 0 {
			if err := json.Unmarshal(resp.Payload, &result); err != nil {
				return nil, ioterr.Wrap(ioterr.KindProtocol, err, "decoding registration response")
			}
		}

		switch {
		case resp.StatusCode >= 300:
			return nil, ioterr.New(ioterr.FromHTTPStatus(resp.StatusCode),
				"registration failed with status %d", resp.StatusCode)
		case result.Status == provisioning.StatusAssigned:
			return &result, nil
		case result.Status == provisioning.StatusFailed || result.Status == provisioning.StatusDisabled:
			return nil, ioterr.New(ioterr.KindUnauthorized, "registration ended in state %q", result.Status)
		}

		// Still assigning: honor retry-after, then poll the operation.
		interval := defaultPollInterval
		if ra := resp.KeyValues.Get("retry-after"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
				interval = time.Duration(secs) * time.Second
			}
		}
		select {
		case <-ctx.Done():
			return nil, ioterr.Wrap(ioterr.KindCancelled, ctx.Err(), "registration cancelled")
		case <-time.After(interval):
		}

		rid = uuid.NewString()
		if err := c.await(&provisioning.SendQueryRequestOperation{
			RequestID:   rid,
			OperationID: result.OperationID,
		}); err != nil {
			return nil, err
		}
	}
}

func (c *ProvisioningClient) waitResponse(ctx context.Context, rid string) (*provisioning.RegistrationResponseEvent, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ioterr.Wrap(ioterr.KindCancelled, ctx.Err(), "registration cancelled")
		case resp := <-c.responses:
			if resp.RequestID == rid {
				return resp, nil
			}
			c.logger.Debug("ignoring response for stale request",
				zap.String("request_id", resp.RequestID))
		}
	}
}

// Close disconnects and tears the pipeline down.
func (c *ProvisioningClient) Close() error {
	if err := c.await(&pipeline.DisconnectOperation{}); err != nil {
		c.logger.Debug("disconnect on close", zap.Error(err))
	}
	return c.pl.Close()
}
