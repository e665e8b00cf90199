package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"time"

	"cirrus-device/internal/ioterr"
)

// SasToken is a time-limited shared access signature used as the MQTT
// password for symmetric-key authentication.
type SasToken struct {
	URI       string
	Signature string
	Expiry    int64
	KeyName   string
}

// NewSasToken signs uri with the base64-encoded key, valid for ttl from now.
func NewSasToken(uri, key, keyName string, ttl time.Duration) (*SasToken, error) {
	expiry := time.Now().Add(ttl).Unix()
	sig, err := signSas(uri, key, expiry)
	if err != nil {
		return nil, err
	}
	return &SasToken{URI: uri, Signature: sig, Expiry: expiry, KeyName: keyName}, nil
}

func signSas(uri, key string, expiry int64) (string, error) {
	decoded, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return "", ioterr.Wrap(ioterr.KindInvalidArgument, err, "shared access key is not valid base64")
	}
	return hmacBase64(decoded, fmt.Sprintf("%s\n%d", uri, expiry)), nil
}

func hmacBase64(key []byte, data string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// String renders the token in the wire format:
// SharedAccessSignature sr={uri}&sig={sig}&se={expiry}[&skn={keyName}].
func (t *SasToken) String() string {
	s := fmt.Sprintf("SharedAccessSignature sr=%s&sig=%s&se=%d",
		url.QueryEscape(t.URI), url.QueryEscape(t.Signature), t.Expiry)
	if t.KeyName != "" {
		s += "&skn=" + url.QueryEscape(t.KeyName)
	}
	return s
}

// Expired reports whether the token has passed its expiry, with a safety
// margin so tokens are renewed before the service rejects them.
func (t *SasToken) Expired(margin time.Duration) bool {
	return time.Now().Add(margin).Unix() >= t.Expiry
}
