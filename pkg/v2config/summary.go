package v2config

import (
	"fmt"

	"github.com/jmespath/go-jmespath"
)

var (
	protocolExpr = jmespath.MustCompile(`outbounds[0].protocol || outbound.protocol`)
	addressExpr  = jmespath.MustCompile(`outbounds[0].settings.vnext[0].address || outbounds[0].settings.servers[0].address || outbound.settings.vnext[0].address || outbound.settings.servers[0].address`)
	portExpr     = jmespath.MustCompile(`outbounds[0].settings.vnext[0].port || outbounds[0].settings.servers[0].port || outbound.settings.vnext[0].port || outbound.settings.servers[0].port`)
)

// summarize extracts display fields. Missing values are left empty.
func summarize(doc map[string]any) Summary {
	var s Summary
	s.Protocol = searchString(protocolExpr, doc)
	s.Address = searchString(addressExpr, doc)
	s.Port = searchString(portExpr, doc)
	return s
}

func searchString(expr *jmespath.JMESPath, doc map[string]any) string {
	v, err := expr.Search(doc)
	if err != nil || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	}
	return fmt.Sprint(v)
}
