package v2config

import (
	"bytes"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// DefaultMaxPayloadBytes bounds the size of a payload accepted by Validate.
const DefaultMaxPayloadBytes = 4 << 20

// Validator checks raw payloads. The zero value is not usable; call New.
type Validator struct {
	maxBytes int
}

// Option configures a Validator.
type Option func(*Validator)

// WithMaxBytes overrides DefaultMaxPayloadBytes. Values <= 0 are ignored.
func WithMaxBytes(n int) Option {
	return func(v *Validator) {
		if n > 0 {
			v.maxBytes = n
		}
	}
}

// New creates a Validator.
func New(opts ...Option) *Validator {
	v := &Validator{maxBytes: DefaultMaxPayloadBytes}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate parses raw and checks it. On failure the returned error is a
// *ValidationError naming the first offending field; no Config is returned.
func (v *Validator) Validate(raw []byte) (cfg *Config, err error) {
	defer func() {
		if r := recover(); r != nil {
			cfg = nil
			err = invalid("$", "unexpected validator failure: %v", r)
		}
	}()

	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, invalid("payload", "configuration is empty")
	}
	if len(raw) > v.maxBytes {
		return nil, invalid("payload", "configuration is %d bytes, limit is %d", len(raw), v.maxBytes)
	}

	doc, err := decode(raw)
	if err != nil {
		return nil, err
	}

	inbounds, outbounds, err := checkDocument(doc)
	if err != nil {
		return nil, err
	}

	normalized, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, invalid("$", "cannot encode configuration: %v", err)
	}
	normalized = append(normalized, '\n')

	summary := summarize(doc)
	summary.Inbounds = inbounds
	summary.Outbounds = outbounds

	return &Config{
		Normalized: normalized,
		Summary:    summary,
		Document:   doc,
	}, nil
}

func decode(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, invalid("$", "invalid JSON: %v", err)
	}
	if !json.Valid(raw) {
		return nil, invalid("$", "unexpected data after the top-level value")
	}

	doc, ok := v.(map[string]any)
	if !ok {
		return nil, invalid("$", "configuration must be a JSON object, got %s", kindOf(v))
	}
	return doc, nil
}

// checkDocument runs the structural rules in document order and returns the
// number of inbounds and outbounds on success.
func checkDocument(doc map[string]any) (int, int, error) {
	if err := checkLog(doc); err != nil {
		return 0, 0, err
	}

	inbounds, inField, err := section(doc, "inbounds", "inbound", false)
	if err != nil {
		return 0, 0, err
	}
	for i, in := range inbounds {
		if err := checkInbound(in, indexField(inField, i)); err != nil {
			return 0, 0, err
		}
	}

	outbounds, outField, err := section(doc, "outbounds", "outbound", true)
	if err != nil {
		return 0, 0, err
	}
	tags := make(map[string]bool)
	for i, out := range outbounds {
		field := indexField(outField, i)
		tag, err := checkOutbound(out, field)
		if err != nil {
			return 0, 0, err
		}
		if tag == "" {
			continue
		}
		if tags[tag] {
			return 0, 0, invalid(field+".tag", "duplicate outbound tag %q", tag)
		}
		tags[tag] = true
	}

	if err := checkRouting(doc, tags); err != nil {
		return 0, 0, err
	}
	return len(inbounds), len(outbounds), nil
}

func checkLog(doc map[string]any) error {
	raw, ok := doc["log"]
	if !ok {
		return nil
	}
	logSection, ok := raw.(map[string]any)
	if !ok {
		return invalid("log", "must be an object, got %s", kindOf(raw))
	}
	level, ok := logSection["loglevel"]
	if !ok {
		return nil
	}
	s, ok := level.(string)
	if !ok || !IsLogLevel(s) {
		return invalid("log.loglevel", "must be one of %s", strings.Join(LogLevels, ", "))
	}
	return nil
}

// section returns the entries of an array section, accepting the legacy
// single-object form under legacyKey. The returned field name is the key
// actually used.
func section(doc map[string]any, key, legacyKey string, required bool) ([]map[string]any, string, error) {
	if raw, ok := doc[key]; ok {
		list, ok := raw.([]any)
		if !ok {
			return nil, key, invalid(key, "must be an array, got %s", kindOf(raw))
		}
		if required && len(list) == 0 {
			return nil, key, invalid(key, "at least one entry is required")
		}
		entries := make([]map[string]any, len(list))
		for i, item := range list {
			obj, ok := item.(map[string]any)
			if !ok {
				return nil, key, invalid(fmt.Sprintf("%s[%d]", key, i), "must be an object, got %s", kindOf(item))
			}
			entries[i] = obj
		}
		return entries, key, nil
	}

	if raw, ok := doc[legacyKey]; ok {
		obj, ok := raw.(map[string]any)
		if !ok {
			return nil, legacyKey, invalid(legacyKey, "must be an object, got %s", kindOf(raw))
		}
		return []map[string]any{obj}, legacyKey, nil
	}

	if required {
		return nil, key, invalid(key, "is required")
	}
	return nil, key, nil
}

func checkInbound(in map[string]any, field string) error {
	if err := checkProtocol(in, field, inboundProtocols); err != nil {
		return err
	}
	if _, err := portRange(in["port"], field+".port"); err != nil {
		return err
	}
	if listen, ok := in["listen"]; ok {
		s, ok := listen.(string)
		if !ok || !validListen(s) {
			return invalid(field+".listen", "must be an IP address or socket path")
		}
	}
	return nil
}

func checkOutbound(out map[string]any, field string) (string, error) {
	if err := checkProtocol(out, field, outboundProtocols); err != nil {
		return "", err
	}
	protocol := out["protocol"].(string)

	tag := ""
	if raw, ok := out["tag"]; ok {
		s, ok := raw.(string)
		if !ok {
			return "", invalid(field+".tag", "must be a string")
		}
		tag = s
	}

	if !vnextProtocols[protocol] && !serverProtocols[protocol] {
		return tag, nil
	}

	settings, ok := out["settings"].(map[string]any)
	if !ok {
		return "", invalid(field+".settings", "is required for protocol %s", protocol)
	}
	if vnextProtocols[protocol] {
		return tag, checkVnext(settings, field+".settings", protocol)
	}
	return tag, checkServers(settings, field+".settings", protocol)
}

func checkVnext(settings map[string]any, field, protocol string) error {
	servers, err := objectList(settings["vnext"], field+".vnext")
	if err != nil {
		return err
	}
	for i, server := range servers {
		sf := fmt.Sprintf("%s.vnext[%d]", field, i)
		if err := checkAddress(server, sf); err != nil {
			return err
		}
		users, err := objectList(server["users"], sf+".users")
		if err != nil {
			return err
		}
		for j, user := range users {
			uf := fmt.Sprintf("%s.users[%d].id", sf, j)
			id, _ := user["id"].(string)
			if id == "" {
				return invalid(uf, "is required for protocol %s", protocol)
			}
			if _, err := uuid.Parse(id); err != nil {
				return invalid(uf, "must be a UUID")
			}
		}
	}
	return nil
}

func checkServers(settings map[string]any, field, protocol string) error {
	servers, err := objectList(settings["servers"], field+".servers")
	if err != nil {
		return err
	}
	for i, server := range servers {
		sf := fmt.Sprintf("%s.servers[%d]", field, i)
		if err := checkAddress(server, sf); err != nil {
			return err
		}
		switch protocol {
		case "trojan":
			if !nonEmptyString(server["password"]) {
				return invalid(sf+".password", "is required for protocol trojan")
			}
		case "shadowsocks":
			if !nonEmptyString(server["method"]) {
				return invalid(sf+".method", "is required for protocol shadowsocks")
			}
			if !nonEmptyString(server["password"]) {
				return invalid(sf+".password", "is required for protocol shadowsocks")
			}
		}
	}
	return nil
}

func checkRouting(doc map[string]any, tags map[string]bool) error {
	raw, ok := doc["routing"]
	if !ok {
		return nil
	}
	routing, ok := raw.(map[string]any)
	if !ok {
		return invalid("routing", "must be an object, got %s", kindOf(raw))
	}
	rawRules, ok := routing["rules"]
	if !ok {
		return nil
	}
	rules, ok := rawRules.([]any)
	if !ok {
		return invalid("routing.rules", "must be an array, got %s", kindOf(rawRules))
	}
	for i, item := range rules {
		field := fmt.Sprintf("routing.rules[%d]", i)
		rule, ok := item.(map[string]any)
		if !ok {
			return invalid(field, "must be an object, got %s", kindOf(item))
		}
		if t, ok := rule["type"]; ok && t != "field" {
			return invalid(field+".type", "must be \"field\"")
		}
		tag, ok := rule["outboundTag"]
		if !ok {
			continue
		}
		s, ok := tag.(string)
		if !ok || s == "" {
			return invalid(field+".outboundTag", "must be a non-empty string")
		}
		if !tags[s] {
			return invalid(field+".outboundTag", "references unknown outbound tag %q", s)
		}
	}
	return nil
}

func checkProtocol(obj map[string]any, field string, allowed map[string]bool) error {
	raw, ok := obj["protocol"]
	if !ok {
		return invalid(field+".protocol", "is required")
	}
	s, ok := raw.(string)
	if !ok {
		return invalid(field+".protocol", "must be a string")
	}
	if !allowed[s] {
		return invalid(field+".protocol", "unsupported protocol %q", s)
	}
	return nil
}

func checkAddress(server map[string]any, field string) error {
	if !nonEmptyString(server["address"]) {
		return invalid(field+".address", "is required")
	}
	_, err := port(server["port"], field+".port")
	return err
}

func objectList(raw any, field string) ([]map[string]any, error) {
	if raw == nil {
		return nil, invalid(field, "is required")
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, invalid(field, "must be an array, got %s", kindOf(raw))
	}
	if len(list) == 0 {
		return nil, invalid(field, "at least one entry is required")
	}
	out := make([]map[string]any, len(list))
	for i, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, invalid(fmt.Sprintf("%s[%d]", field, i), "must be an object, got %s", kindOf(item))
		}
		out[i] = obj
	}
	return out, nil
}

// port accepts a number or a numeric string in 1..65535.
func port(raw any, field string) (int, error) {
	var n int64
	switch v := raw.(type) {
	case nil:
		return 0, invalid(field, "is required")
	case json.Number:
		i, err := v.Int64()
		if err != nil {
			return 0, invalid(field, "must be an integer")
		}
		n = i
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(v), 10, 32)
		if err != nil {
			return 0, invalid(field, "must be an integer")
		}
		n = i
	default:
		return 0, invalid(field, "must be an integer, got %s", kindOf(raw))
	}
	if n < 1 || n > 65535 {
		return 0, invalid(field, "must be between 1 and 65535")
	}
	return int(n), nil
}

// portRange additionally accepts "low-high" strings for inbound listeners.
func portRange(raw any, field string) (int, error) {
	s, ok := raw.(string)
	if !ok || !strings.Contains(s, "-") {
		return port(raw, field)
	}
	lo, hi, _ := strings.Cut(s, "-")
	low, err := port(lo, field)
	if err != nil {
		return 0, err
	}
	high, err := port(hi, field)
	if err != nil {
		return 0, err
	}
	if low > high {
		return 0, invalid(field, "range start %d is above range end %d", low, high)
	}
	return low, nil
}

func validListen(s string) bool {
	if net.ParseIP(s) != nil {
		return true
	}
	return strings.HasPrefix(s, "/") || strings.HasPrefix(s, "@")
}

func nonEmptyString(v any) bool {
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) != ""
}

func indexField(base string, i int) string {
	// the legacy single-object form has no index
	if base == "inbound" || base == "outbound" {
		return base
	}
	return fmt.Sprintf("%s[%d]", base, i)
}

func kindOf(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case bool:
		return "boolean"
	case json.Number, float64:
		return "number"
	}
	return fmt.Sprintf("%T", v)
}
