package profile

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"text/template"

	"github.com/goccy/go-json"
)

// GetBuiltinTemplates returns the built-in payload templates
func GetBuiltinTemplates() []ProfileTemplate {
	return []ProfileTemplate{
		{
			ID:          "vmess-ws-tls",
			Name:        "VMess over WebSocket + TLS",
			Description: "VMess client behind a TLS-terminating web server, local SOCKS inbound",
			Protocol:    "vmess",
			Body: `{
  "log": {"loglevel": "warning"},
  "inbounds": [{"listen": "127.0.0.1", "port": {{.socks_port}}, "protocol": "socks", "settings": {"udp": true}}],
  "outbounds": [
    {
      "tag": "proxy",
      "protocol": "vmess",
      "settings": {"vnext": [{"address": {{json .address}}, "port": {{.port}}, "users": [{"id": {{json .id}}, "alterId": 0, "security": "auto"}]}]},
      "streamSettings": {"network": "ws", "security": "tls", "wsSettings": {"path": {{json .path}}}, "tlsSettings": {"serverName": {{json .address}}}}
    },
    {"tag": "direct", "protocol": "freedom", "settings": {}}
  ]
}`,
			Variables: []TemplateVar{
				{Name: "address", Description: "Server host name", Required: true, Example: "proxy.example.com"},
				{Name: "port", Description: "Server port", Default: "443"},
				{Name: "id", Description: "User UUID", Required: true, Example: "b831381d-6324-4d53-ad4f-8cda48b30811"},
				{Name: "path", Description: "WebSocket path", Default: "/ray"},
				{Name: "socks_port", Description: "Local SOCKS port", Default: "1080"},
			},
			Examples: []string{
				"proxy-profiles add --template vmess-ws-tls --var address=proxy.example.com --var id=b831381d-6324-4d53-ad4f-8cda48b30811",
			},
		},
		{
			ID:          "vless-tcp",
			Name:        "VLESS over TCP",
			Description: "Plain VLESS client, local SOCKS inbound",
			Protocol:    "vless",
			Body: `{
  "log": {"loglevel": "warning"},
  "inbounds": [{"listen": "127.0.0.1", "port": {{.socks_port}}, "protocol": "socks"}],
  "outbounds": [
    {
      "tag": "proxy",
      "protocol": "vless",
      "settings": {"vnext": [{"address": {{json .address}}, "port": {{.port}}, "users": [{"id": {{json .id}}, "encryption": "none"}]}]}
    }
  ]
}`,
			Variables: []TemplateVar{
				{Name: "address", Description: "Server host name", Required: true, Example: "10.0.0.8"},
				{Name: "port", Description: "Server port", Default: "443"},
				{Name: "id", Description: "User UUID", Required: true},
				{Name: "socks_port", Description: "Local SOCKS port", Default: "1080"},
			},
		},
		{
			ID:          "trojan",
			Name:        "Trojan",
			Description: "Trojan client, local SOCKS and HTTP inbounds",
			Protocol:    "trojan",
			Body: `{
  "log": {"loglevel": "warning"},
  "inbounds": [
    {"listen": "127.0.0.1", "port": {{.socks_port}}, "protocol": "socks"},
    {"listen": "127.0.0.1", "port": {{.http_port}}, "protocol": "http"}
  ],
  "outbounds": [
    {"tag": "proxy", "protocol": "trojan", "settings": {"servers": [{"address": {{json .address}}, "port": {{.port}}, "password": {{json .password}}}]}}
  ]
}`,
			Variables: []TemplateVar{
				{Name: "address", Description: "Server host name", Required: true},
				{Name: "port", Description: "Server port", Default: "443"},
				{Name: "password", Description: "Trojan password", Required: true},
				{Name: "socks_port", Description: "Local SOCKS port", Default: "1080"},
				{Name: "http_port", Description: "Local HTTP port", Default: "1087"},
			},
		},
		{
			ID:          "shadowsocks",
			Name:        "Shadowsocks",
			Description: "Shadowsocks client, local SOCKS inbound",
			Protocol:    "shadowsocks",
			Body: `{
  "log": {"loglevel": "warning"},
  "inbounds": [{"listen": "127.0.0.1", "port": {{.socks_port}}, "protocol": "socks"}],
  "outbounds": [
    {"tag": "proxy", "protocol": "shadowsocks", "settings": {"servers": [{"address": {{json .address}}, "port": {{.port}}, "method": {{json .method}}, "password": {{json .password}}}]}}
  ]
}`,
			Variables: []TemplateVar{
				{Name: "address", Description: "Server host name", Required: true},
				{Name: "port", Description: "Server port", Default: "8388"},
				{Name: "method", Description: "Cipher", Default: "aes-256-gcm"},
				{Name: "password", Description: "Shadowsocks password", Required: true},
				{Name: "socks_port", Description: "Local SOCKS port", Default: "1080"},
			},
		},
	}
}

// GetTemplate looks up a built-in template by id
func GetTemplate(id string) (*ProfileTemplate, error) {
	for _, t := range GetBuiltinTemplates() {
		if t.ID == id {
			return &t, nil
		}
	}
	ids := make([]string, 0)
	for _, t := range GetBuiltinTemplates() {
		ids = append(ids, t.ID)
	}
	sort.Strings(ids)
	return nil, NewTemplateError(id, fmt.Sprintf("unknown template (available: %s)", strings.Join(ids, ", ")), nil)
}

// ValidateTemplateVariables checks that all required variables are present
func ValidateTemplateVariables(tmpl *ProfileTemplate, variables map[string]string) error {
	for _, v := range tmpl.Variables {
		if v.Required && strings.TrimSpace(variables[v.Name]) == "" {
			return NewTemplateError(tmpl.ID, fmt.Sprintf("required variable '%s' is missing", v.Name), nil)
		}
	}
	return nil
}

// RenderTemplate fills in a template's variables and returns the raw payload.
// The result still has to pass the validator.
func RenderTemplate(tmpl *ProfileTemplate, variables map[string]string) ([]byte, error) {
	if err := ValidateTemplateVariables(tmpl, variables); err != nil {
		return nil, err
	}

	values := make(map[string]string, len(tmpl.Variables))
	for _, v := range tmpl.Variables {
		values[v.Name] = v.Default
		if s, ok := variables[v.Name]; ok && s != "" {
			values[v.Name] = s
		}
	}

	t, err := template.New(tmpl.ID).
		Option("missingkey=error").
		Funcs(template.FuncMap{"json": jsonString}).
		Parse(tmpl.Body)
	if err != nil {
		return nil, NewTemplateError(tmpl.ID, "failed to parse template", err)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, values); err != nil {
		return nil, NewTemplateError(tmpl.ID, "failed to render template", err)
	}
	return buf.Bytes(), nil
}

// CreateFromTemplate adds a profile named name whose payload is the rendered
// template. The profile is removed again if the payload is rejected.
func CreateFromTemplate(store ProfileStore, templateID, name string, variables map[string]string) (string, error) {
	tmpl, err := GetTemplate(templateID)
	if err != nil {
		return "", err
	}
	raw, err := RenderTemplate(tmpl, variables)
	if err != nil {
		return "", err
	}

	id, err := store.Add()
	if err != nil {
		return "", err
	}
	if name == "" {
		name = tmpl.Name
	}
	if err := store.Rename(id, name); err != nil {
		_ = store.Remove(id)
		return "", err
	}
	if err := store.Replace(id, raw); err != nil {
		_ = store.Remove(id)
		return "", err
	}
	return id, nil
}

func jsonString(s string) (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
