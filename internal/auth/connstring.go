package auth

import (
	"strings"

	"cirrus-device/internal/ioterr"
)

// Connection string keys.
const (
	keyHostName            = "HostName"
	keyDeviceID            = "DeviceId"
	keyModuleID            = "ModuleId"
	keySharedAccessKey     = "SharedAccessKey"
	keySharedAccessKeyName = "SharedAccessKeyName"
	keyGatewayHostName     = "GatewayHostName"
)

var validKeys = map[string]bool{
	keyHostName:            true,
	keyDeviceID:            true,
	keyModuleID:            true,
	keySharedAccessKey:     true,
	keySharedAccessKeyName: true,
	keyGatewayHostName:     true,
}

// ConnectionString is a parsed device or module connection string. Key order
// is preserved so String round-trips the input.
type ConnectionString struct {
	keys   []string
	values map[string]string
}

// ParseConnectionString parses a semicolon-separated key=value connection
// string. Unknown keys, duplicate keys, and missing required keys fail with
// an invalid-argument error.
func ParseConnectionString(s string) (*ConnectionString, error) {
	cs := &ConnectionString{values: make(map[string]string)}
	if s == "" {
		return nil, ioterr.New(ioterr.KindInvalidArgument, "connection string is empty")
	}
	for _, pair := range strings.Split(s, ";") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 || kv[0] == "" || kv[1] == "" {
			return nil, ioterr.New(ioterr.KindInvalidArgument, "malformed connection string segment %q", pair)
		}
		key, value := kv[0], kv[1]
		if !validKeys[key] {
			return nil, ioterr.New(ioterr.KindInvalidArgument, "unknown connection string key %q", key)
		}
		if _, dup := cs.values[key]; dup {
			return nil, ioterr.New(ioterr.KindInvalidArgument, "duplicate connection string key %q", key)
		}
		cs.keys = append(cs.keys, key)
		cs.values[key] = value
	}
	if cs.values[keyHostName] == "" {
		return nil, ioterr.New(ioterr.KindInvalidArgument, "connection string is missing HostName")
	}
	if cs.values[keyDeviceID] == "" {
		return nil, ioterr.New(ioterr.KindInvalidArgument, "connection string is missing DeviceId")
	}
	if cs.values[keySharedAccessKey] == "" && cs.values[keySharedAccessKeyName] == "" {
		return nil, ioterr.New(ioterr.KindInvalidArgument, "connection string has no shared access credentials")
	}
	return cs, nil
}

// String reassembles the connection string in its original key order.
func (c *ConnectionString) String() string {
	pairs := make([]string, 0, len(c.keys))
	for _, k := range c.keys {
		pairs = append(pairs, k+"="+c.values[k])
	}
	return strings.Join(pairs, ";")
}

func (c *ConnectionString) HostName() string            { return c.values[keyHostName] }
func (c *ConnectionString) DeviceID() string            { return c.values[keyDeviceID] }
func (c *ConnectionString) ModuleID() string            { return c.values[keyModuleID] }
func (c *ConnectionString) SharedAccessKey() string     { return c.values[keySharedAccessKey] }
func (c *ConnectionString) SharedAccessKeyName() string { return c.values[keySharedAccessKeyName] }
func (c *ConnectionString) GatewayHostName() string     { return c.values[keyGatewayHostName] }
