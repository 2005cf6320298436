// Package policy implements the admission decision shared by the edge
// proxy and the manager: firewall classification first, then Basic auth
// unless the client host is exempt. This package only classifies; it never
// builds wire bytes.
package policy

import (
	"github.com/caua1503/forwardproxy/pkg/auth"
	"github.com/caua1503/forwardproxy/pkg/firewall"
)

// Decision is the PolicyCheck outcome.
type Decision int

const (
	// Allow means the connection may proceed to Dispatch.
	Allow Decision = iota
	// Forbidden means the firewall blocked the client host.
	Forbidden
	// Unauthorized means an authenticator is configured, the client host is
	// not exempt, and Proxy-Authorization failed or was absent.
	Unauthorized
)

// Check classifies a client connection. Verify runs first regardless of
// no_auth_required; no_auth_required only bypasses the authenticator,
// never the allow/block classification.
func Check(fw *firewall.Config, authenticator *auth.Authenticator, clientHost string, headers map[string]string) Decision {
	if fw != nil && !fw.Verify(clientHost) {
		return Forbidden
	}
	if authenticator == nil {
		return Allow
	}
	if fw != nil && fw.IsNoAuthRequired(clientHost) {
		return Allow
	}
	if !authenticator.IsAuthorized(headers) {
		return Unauthorized
	}
	return Allow
}
