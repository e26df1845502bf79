// Package auth resolves the tenant for every request. With auth disabled
// all operations run as the implicit default tenant; with auth enabled a
// bearer token must match a configured principal.
package auth

import (
	"strings"

	"scratchpad/internal/config"
	"scratchpad/internal/logging"
	"scratchpad/internal/notebook"
)

// Resolver maps bearer credentials onto tenant ids.
type Resolver struct {
	enabled    bool
	byToken    map[string]string
	principals []config.Principal
}

// NewResolver builds a resolver from the ordered principal registry.
func NewResolver(enabled bool, principals []config.Principal) *Resolver {
	byToken := make(map[string]string, len(principals))
	for _, p := range principals {
		byToken[p.Token] = p.Name
	}
	return &Resolver{enabled: enabled, byToken: byToken, principals: principals}
}

// Enabled reports whether bearer auth is active.
func (r *Resolver) Enabled() bool {
	return r.enabled
}

// Resolve maps an Authorization header value to a tenant id. With auth
// disabled every request is the implicit default tenant.
func (r *Resolver) Resolve(authorization string) (string, error) {
	if !r.enabled {
		return notebook.DefaultTenant, nil
	}
	token, ok := strings.CutPrefix(strings.TrimSpace(authorization), "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		logging.Auth("Rejected request without bearer credential")
		return "", notebook.E(notebook.CodeUnauthorized, "missing or malformed bearer credential")
	}
	principal, found := r.byToken[strings.TrimSpace(token)]
	if !found {
		logging.Auth("Rejected request with unknown bearer credential")
		return "", notebook.E(notebook.CodeUnauthorized, "unknown bearer credential")
	}
	return principal, nil
}

// FirstTenant returns the first configured principal, which receives the
// implicit-default pads on first enablement and owns the stdio transport
// when auth is active.
func (r *Resolver) FirstTenant() string {
	if len(r.principals) == 0 {
		return notebook.DefaultTenant
	}
	return r.principals[0].Name
}
