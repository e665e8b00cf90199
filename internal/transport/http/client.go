package http

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	nethttp "net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"cirrus-device/internal/ioterr"
	"cirrus-device/internal/tlsutil"
)

const requestTimeout = 60 * time.Second

// Client performs HTTPS requests against a single host with TLS 1.2,
// server certificate verification, and optional mutual TLS.
type Client struct {
	hostname string
	logger   *zap.Logger
	hc       *nethttp.Client
}

// NewClient builds a client for the given host. caCert replaces the system
// trust store when non-empty; clientCert enables mutual TLS.
func NewClient(hostname, caCert string, clientCert *tls.Certificate, logger *zap.Logger) (*Client, error) {
	tlsCfg, err := tlsutil.ClientConfig(caCert, clientCert)
	if err != nil {
		return nil, err
	}
	return &Client{
		hostname: hostname,
		logger:   logger,
		hc: &nethttp.Client{
			Timeout: requestTimeout,
			Transport: &nethttp.Transport{
				TLSClientConfig: tlsCfg,
			},
		},
	}, nil
}

// Post issues an HTTPS POST to path on the configured host. Returns the
// status code and response body; a non-2xx status is also signalled as an
// error carrying the mapped kind.
func (c *Client) Post(path string, params url.Values, body []byte, headers map[string]string) (int, []byte, error) {
	u := fmt.Sprintf("https://%s%s", c.hostname, path)
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := nethttp.NewRequest(nethttp.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return 0, nil, ioterr.Wrap(ioterr.KindInvalidArgument, err, "building request")
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	c.logger.Debug("http post", zap.String("url", u), zap.Int("body_size", len(body)))

	resp, err := c.hc.Do(req)
	if err != nil {
		return 0, nil, ioterr.Wrap(ioterr.KindConnectionFailed, err, "request failed")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, ioterr.Wrap(ioterr.KindProtocol, err, "reading response")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, respBody, ioterr.New(
			ioterr.FromHTTPStatus(resp.StatusCode),
			"request returned status %d", resp.StatusCode)
	}
	return resp.StatusCode, respBody, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.hc.CloseIdleConnections()
	return nil
}
