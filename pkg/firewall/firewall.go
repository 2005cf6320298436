// Package firewall classifies client hosts as allowed, blocked, or exempt
// from authentication.
package firewall

import "github.com/caua1503/forwardproxy/pkg/perrors"

// Config holds three disjoint sets of host strings.
type Config struct {
	allow          map[string]struct{}
	block          map[string]struct{}
	noAuthRequired map[string]struct{}
}

// New builds a Config from allow/block/no-auth-required host lists. It fails
// with a FirewallConflict-style error if the three sets are not pairwise
// disjoint, or if all three are empty.
func New(allow, block, noAuthRequired []string) (*Config, error) {
	if len(allow) == 0 && len(block) == 0 && len(noAuthRequired) == 0 {
		return nil, perrors.NewConfigError("firewall requires at least one non-empty host set")
	}

	allowSet := toSet(allow)
	blockSet := toSet(block)
	noAuthSet := toSet(noAuthRequired)

	for host := range allowSet {
		if _, ok := blockSet[host]; ok {
			return nil, perrors.NewConfigError("host " + host + " is in both allow and block sets")
		}
		if _, ok := noAuthSet[host]; ok {
			return nil, perrors.NewConfigError("host " + host + " is in both allow and no_auth_required sets")
		}
	}
	for host := range blockSet {
		if _, ok := noAuthSet[host]; ok {
			return nil, perrors.NewConfigError("host " + host + " is in both block and no_auth_required sets")
		}
	}

	return &Config{allow: allowSet, block: blockSet, noAuthRequired: noAuthSet}, nil
}

func toSet(hosts []string) map[string]struct{} {
	set := make(map[string]struct{}, len(hosts))
	for _, h := range hosts {
		set[h] = struct{}{}
	}
	return set
}

// Verify reports whether host is permitted: false if blocked; else, if allow
// is non-empty, host must be in allow; otherwise true.
func (c *Config) Verify(host string) bool {
	if _, blocked := c.block[host]; blocked {
		return false
	}
	if len(c.allow) > 0 {
		_, ok := c.allow[host]
		return ok
	}
	return true
}

// IsNoAuthRequired reports whether host is exempt from authentication.
func (c *Config) IsNoAuthRequired(host string) bool {
	_, ok := c.noAuthRequired[host]
	return ok
}
