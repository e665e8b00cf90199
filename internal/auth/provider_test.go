package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSymmetricKeyProviderIdentity(t *testing.T) {
	p, err := NewSymmetricKeyProvider(
		"HostName=h.example;DeviceId=d;ModuleId=m;SharedAccessKey=Zm9vYmFy;GatewayHostName=gw",
		WithCACert("ca-pem"))
	require.NoError(t, err)

	assert.Equal(t, "d", p.DeviceID())
	assert.Equal(t, "m", p.ModuleID())
	assert.Equal(t, "h.example", p.Hostname())
	assert.Equal(t, "gw", p.GatewayHostname())
	assert.Equal(t, "ca-pem", p.CACert())
}

func TestSymmetricKeyProviderMintsModuleURI(t *testing.T) {
	p, err := NewSymmetricKeyProvider("HostName=h;DeviceId=d;ModuleId=m;SharedAccessKey=Zm9vYmFy")
	require.NoError(t, err)

	token, err := p.SasToken()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(token, "SharedAccessSignature sr=h%2Fdevices%2Fd%2Fmodules%2Fm&sig="))
}

func TestSymmetricKeyProviderCachesToken(t *testing.T) {
	p, err := NewSymmetricKeyProvider("HostName=h;DeviceId=d;SharedAccessKey=Zm9vYmFy")
	require.NoError(t, err)

	first, err := p.SasToken()
	require.NoError(t, err)
	second, err := p.SasToken()
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSymmetricKeyProviderRenewsNearExpiry(t *testing.T) {
	// A TTL shorter than the renewal margin forces a fresh token each call.
	p, err := NewSymmetricKeyProvider("HostName=h;DeviceId=d;SharedAccessKey=Zm9vYmFy",
		WithTokenTTL(time.Second))
	require.NoError(t, err)

	_, err = p.SasToken()
	require.NoError(t, err)
	require.NotNil(t, p.current)
	assert.True(t, p.current.Expired(renewalMargin))

	first := p.current
	_, err = p.SasToken()
	require.NoError(t, err)
	assert.NotSame(t, first, p.current)
}

func TestEdgeProviderSignsThroughSigner(t *testing.T) {
	p, err := NewEdgeProvider(EdgeSettings{
		DeviceID:        "d",
		ModuleID:        "m",
		Hostname:        "h.example",
		GatewayHostname: "gw.example",
	}, KeySigner{Key: "Zm9vYmFy"})
	require.NoError(t, err)

	assert.Equal(t, "gw.example", p.GatewayHostname())

	token, err := p.SasToken()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(token,
		"SharedAccessSignature sr=h.example%2Fdevices%2Fd%2Fmodules%2Fm&sig="))

	// Cached until near expiry.
	again, err := p.SasToken()
	require.NoError(t, err)
	assert.Equal(t, token, again)
}

func TestEdgeProviderRequiresCompleteSettings(t *testing.T) {
	_, err := NewEdgeProvider(EdgeSettings{DeviceID: "d"}, KeySigner{Key: "Zm9vYmFy"})
	assert.Error(t, err)

	_, err = NewEdgeProvider(EdgeSettings{
		DeviceID: "d", ModuleID: "m", Hostname: "h", GatewayHostname: "gw",
	}, nil)
	assert.Error(t, err)
}

func TestEdgeProviderFromEnvironment(t *testing.T) {
	t.Setenv("IOTEDGE_DEVICEID", "dev1")
	t.Setenv("IOTEDGE_MODULEID", "mod1")
	t.Setenv("IOTEDGE_IOTHUBHOSTNAME", "hub.example")
	t.Setenv("IOTEDGE_GATEWAYHOSTNAME", "gw.example")

	p, err := NewEdgeProviderFromEnvironment(KeySigner{Key: "Zm9vYmFy"})
	require.NoError(t, err)
	assert.Equal(t, "dev1", p.DeviceID())
	assert.Equal(t, "mod1", p.ModuleID())
	assert.Equal(t, "hub.example", p.Hostname())
	assert.Equal(t, "gw.example", p.GatewayHostname())
}
