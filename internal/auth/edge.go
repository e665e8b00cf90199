package auth

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"

	"cirrus-device/internal/ioterr"
)

// EdgeSettings is the module identity injected into every Edge module's
// environment by the Edge runtime.
type EdgeSettings struct {
	DeviceID           string `env:"IOTEDGE_DEVICEID"`
	ModuleID           string `env:"IOTEDGE_MODULEID"`
	Hostname           string `env:"IOTEDGE_IOTHUBHOSTNAME"`
	GatewayHostname    string `env:"IOTEDGE_GATEWAYHOSTNAME"`
	ModuleGenerationID string `env:"IOTEDGE_MODULEGENERATIONID"`
	WorkloadURI        string `env:"IOTEDGE_WORKLOADURI"`
	APIVersion         string `env:"IOTEDGE_APIVERSION" envDefault:"2018-06-28"`
}

// Signer is the narrow contract to the Edge security daemon (HSM): it signs
// data with a key the process never sees.
type Signer interface {
	Sign(data string) (string, error)
}

// KeySigner signs with an in-process symmetric key. It stands in for the HSM
// in tests and in environments without a security daemon.
type KeySigner struct {
	Key string // base64-encoded
}

func (s KeySigner) Sign(data string) (string, error) {
	decoded, err := base64.StdEncoding.DecodeString(s.Key)
	if err != nil {
		return "", ioterr.Wrap(ioterr.KindInvalidArgument, err, "signing key is not valid base64")
	}
	return hmacBase64(decoded, data), nil
}

// EdgeProvider authenticates an Edge module using identity from the
// environment and signatures from the Edge security daemon.
type EdgeProvider struct {
	settings EdgeSettings
	signer   Signer
	tokenTTL time.Duration

	mu      sync.Mutex
	current string
	expiry  int64
}

// NewEdgeProviderFromEnvironment reads the IOTEDGE_* variables and wires the
// given signer.
func NewEdgeProviderFromEnvironment(signer Signer) (*EdgeProvider, error) {
	var settings EdgeSettings
	if err := env.Parse(&settings); err != nil {
		return nil, ioterr.Wrap(ioterr.KindInvalidArgument, err, "reading edge environment")
	}
	return NewEdgeProvider(settings, signer)
}

// NewEdgeProvider builds a provider from explicit settings.
func NewEdgeProvider(settings EdgeSettings, signer Signer) (*EdgeProvider, error) {
	if settings.DeviceID == "" || settings.ModuleID == "" || settings.Hostname == "" || settings.GatewayHostname == "" {
		return nil, ioterr.New(ioterr.KindInvalidArgument, "edge environment is incomplete")
	}
	if signer == nil {
		return nil, ioterr.New(ioterr.KindInvalidArgument, "edge provider requires a signer")
	}
	return &EdgeProvider{settings: settings, signer: signer, tokenTTL: defaultTokenTTL}, nil
}

func (p *EdgeProvider) DeviceID() string        { return p.settings.DeviceID }
func (p *EdgeProvider) ModuleID() string        { return p.settings.ModuleID }
func (p *EdgeProvider) Hostname() string        { return p.settings.Hostname }
func (p *EdgeProvider) GatewayHostname() string { return p.settings.GatewayHostname }
func (p *EdgeProvider) CACert() string          { return "" }

// SasToken returns the current token, asking the signer for a fresh
// signature when the cached token nears expiry.
func (p *EdgeProvider) SasToken() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	if p.current != "" && now.Add(renewalMargin).Unix() < p.expiry {
		return p.current, nil
	}
	uri := p.settings.Hostname + "/devices/" + p.settings.DeviceID + "/modules/" + p.settings.ModuleID
	expiry := now.Add(p.tokenTTL).Unix()
	sig, err := p.signer.Sign(fmt.Sprintf("%s\n%d", uri, expiry))
	if err != nil {
		return "", fmt.Errorf("signing edge token: %w", err)
	}
	p.current = fmt.Sprintf("SharedAccessSignature sr=%s&sig=%s&se=%d",
		url.QueryEscape(uri), url.QueryEscape(sig), expiry)
	p.expiry = expiry
	return p.current, nil
}
