package auth

import (
	"crypto/tls"
	"sync"
	"time"
)

const (
	defaultTokenTTL = time.Hour
	renewalMargin   = 5 * time.Minute
)

// Provider supplies the connection identity and a current SAS token for
// symmetric-key authentication.
type Provider interface {
	DeviceID() string
	ModuleID() string
	Hostname() string
	GatewayHostname() string
	CACert() string
	SasToken() (string, error)
}

// X509Provider supplies the connection identity and a client certificate for
// X.509 authentication.
type X509Provider interface {
	DeviceID() string
	ModuleID() string
	Hostname() string
	GatewayHostname() string
	CACert() string
	Certificate() *tls.Certificate
}

// SymmetricKeyProvider mints SAS tokens from a device or module connection
// string, renewing them as they near expiry.
type SymmetricKeyProvider struct {
	cs       *ConnectionString
	caCert   string
	tokenTTL time.Duration

	mu      sync.Mutex
	current *SasToken
}

// SymmetricKeyOption customizes a SymmetricKeyProvider.
type SymmetricKeyOption func(*SymmetricKeyProvider)

// WithCACert sets a custom CA certificate for server verification.
func WithCACert(pem string) SymmetricKeyOption {
	return func(p *SymmetricKeyProvider) { p.caCert = pem }
}

// WithTokenTTL overrides the SAS token lifetime.
func WithTokenTTL(ttl time.Duration) SymmetricKeyOption {
	return func(p *SymmetricKeyProvider) { p.tokenTTL = ttl }
}

// NewSymmetricKeyProvider parses the connection string and returns a
// provider minting tokens for the device (or module) it names.
func NewSymmetricKeyProvider(connectionString string, opts ...SymmetricKeyOption) (*SymmetricKeyProvider, error) {
	cs, err := ParseConnectionString(connectionString)
	if err != nil {
		return nil, err
	}
	p := &SymmetricKeyProvider{cs: cs, tokenTTL: defaultTokenTTL}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *SymmetricKeyProvider) DeviceID() string        { return p.cs.DeviceID() }
func (p *SymmetricKeyProvider) ModuleID() string        { return p.cs.ModuleID() }
func (p *SymmetricKeyProvider) Hostname() string        { return p.cs.HostName() }
func (p *SymmetricKeyProvider) GatewayHostname() string { return p.cs.GatewayHostName() }
func (p *SymmetricKeyProvider) CACert() string          { return p.caCert }

// SasToken returns the current token, minting a fresh one when none exists
// or the cached one is close to expiry.
func (p *SymmetricKeyProvider) SasToken() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current != nil && !p.current.Expired(renewalMargin) {
		return p.current.String(), nil
	}
	token, err := NewSasToken(p.resourceURI(), p.cs.SharedAccessKey(), p.cs.SharedAccessKeyName(), p.tokenTTL)
	if err != nil {
		return "", err
	}
	p.current = token
	return token.String(), nil
}

func (p *SymmetricKeyProvider) resourceURI() string {
	uri := p.cs.HostName() + "/devices/" + p.cs.DeviceID()
	if m := p.cs.ModuleID(); m != "" {
		uri += "/modules/" + m
	}
	return uri
}

// X509AuthProvider holds a client certificate and the identity it
// authenticates.
type X509AuthProvider struct {
	deviceID        string
	moduleID        string
	hostname        string
	gatewayHostname string
	caCert          string
	cert            tls.Certificate
}

// X509Option customizes an X509AuthProvider.
type X509Option func(*X509AuthProvider)

// WithX509ModuleID sets the module identity.
func WithX509ModuleID(moduleID string) X509Option {
	return func(p *X509AuthProvider) { p.moduleID = moduleID }
}

// WithX509GatewayHostname routes the connection through a gateway.
func WithX509GatewayHostname(hostname string) X509Option {
	return func(p *X509AuthProvider) { p.gatewayHostname = hostname }
}

// WithX509CACert sets a custom CA certificate for server verification.
func WithX509CACert(pem string) X509Option {
	return func(p *X509AuthProvider) { p.caCert = pem }
}

// NewX509AuthProvider builds a certificate-based provider.
func NewX509AuthProvider(deviceID, hostname string, cert tls.Certificate, opts ...X509Option) *X509AuthProvider {
	p := &X509AuthProvider{deviceID: deviceID, hostname: hostname, cert: cert}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *X509AuthProvider) DeviceID() string              { return p.deviceID }
func (p *X509AuthProvider) ModuleID() string              { return p.moduleID }
func (p *X509AuthProvider) Hostname() string              { return p.hostname }
func (p *X509AuthProvider) GatewayHostname() string       { return p.gatewayHostname }
func (p *X509AuthProvider) CACert() string                { return p.caCert }
func (p *X509AuthProvider) Certificate() *tls.Certificate { return &p.cert }
