// Package v2config validates and normalizes V2Ray-style JSON proxy
// configuration documents.
//
// A payload is accepted only when it decodes to a JSON object whose inbound,
// outbound and routing sections pass the structural checks below. Accepted
// payloads are re-encoded in a canonical form (sorted keys, two-space indent)
// so that validating the normalized output again yields the same result.
package v2config

// Config is the result of a successful validation.
type Config struct {
	// Normalized is the canonical encoding of the payload, safe to store.
	Normalized []byte
	// Summary holds display fields extracted from the first outbound.
	Summary Summary
	// Document is the decoded payload. Callers must treat it as read-only.
	Document map[string]any
}

// Summary describes the server a configuration points at.
type Summary struct {
	Protocol  string `json:"protocol" yaml:"protocol"`
	Address   string `json:"address,omitempty" yaml:"address,omitempty"`
	Port      string `json:"port,omitempty" yaml:"port,omitempty"`
	Inbounds  int    `json:"inbounds" yaml:"inbounds"`
	Outbounds int    `json:"outbounds" yaml:"outbounds"`
}

// Endpoint returns "address:port", or an empty string when no server is set.
func (s Summary) Endpoint() string {
	if s.Address == "" {
		return ""
	}
	if s.Port == "" {
		return s.Address
	}
	return s.Address + ":" + s.Port
}

var logLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warning": true,
	"error":   true,
	"none":    true,
}

// LogLevels lists the accepted core log levels in increasing severity.
var LogLevels = []string{"debug", "info", "warning", "error", "none"}

// DefaultLogLevel is the core log level used when none is configured.
const DefaultLogLevel = "warning"

// IsLogLevel reports whether level is an accepted core log level.
func IsLogLevel(level string) bool {
	return logLevels[level]
}

var inboundProtocols = map[string]bool{
	"socks":         true,
	"http":          true,
	"dokodemo-door": true,
	"vmess":         true,
	"vless":         true,
	"trojan":        true,
	"shadowsocks":   true,
}

var outboundProtocols = map[string]bool{
	"vmess":       true,
	"vless":       true,
	"trojan":      true,
	"shadowsocks": true,
	"socks":       true,
	"http":        true,
	"freedom":     true,
	"blackhole":   true,
	"dns":         true,
}

// protocols whose settings carry a vnext server list
var vnextProtocols = map[string]bool{
	"vmess": true,
	"vless": true,
}

// protocols whose settings carry a servers list
var serverProtocols = map[string]bool{
	"trojan":      true,
	"shadowsocks": true,
	"socks":       true,
	"http":        true,
}
