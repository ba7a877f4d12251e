package ratelimit

import (
	"net/http"
	"strings"
)

// unlimited marks endpoints that are never limited.
var unlimited = EndpointConfig{}

// MatchEndpoint returns the configuration for a request, or nil to use the
// default limit. Exact paths win over prefixes; a configured path ending in
// "/" matches every path below it.
func MatchEndpoint(path string, method string, configs []EndpointConfig) *EndpointConfig {
	if path == "/health" && method == http.MethodGet {
		return &unlimited
	}

	var prefix *EndpointConfig
	for i := range configs {
		c := &configs[i]
		if c.Method != method {
			continue
		}
		if c.Path == path {
			return c
		}
		if prefix == nil && strings.HasSuffix(c.Path, "/") && strings.HasPrefix(path, c.Path) {
			prefix = c
		}
	}
	return prefix
}
