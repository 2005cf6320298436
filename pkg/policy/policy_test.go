package policy

import (
	"encoding/base64"
	"testing"

	"github.com/caua1503/forwardproxy/pkg/auth"
	"github.com/caua1503/forwardproxy/pkg/firewall"
)

func basicAuthHeader(user, pass string) map[string]string {
	return map[string]string{
		"Proxy-Authorization": "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass)),
	}
}

func TestCheckAllowsWithNoFirewallOrAuth(t *testing.T) {
	if got := Check(nil, nil, "1.2.3.4", nil); got != Allow {
		t.Errorf("expected Allow, got %v", got)
	}
}

func TestCheckFirewallBlocksBeforeAuth(t *testing.T) {
	fw, err := firewall.New(nil, []string{"10.0.0.5"}, []string{"10.0.0.5"})
	if err == nil {
		t.Fatal("expected construction to fail: host cannot be both blocked and no-auth-required")
	}

	fw, err = firewall.New(nil, []string{"10.0.0.5"}, nil)
	if err != nil {
		t.Fatalf("firewall.New: %v", err)
	}
	a, err := auth.New("admin", "admin")
	if err != nil {
		t.Fatalf("auth.New: %v", err)
	}

	if got := Check(fw, a, "10.0.0.5", basicAuthHeader("admin", "admin")); got != Forbidden {
		t.Errorf("expected Forbidden even with valid credentials, got %v", got)
	}
}

func TestCheckNoAuthRequiredBypassesAuthOnly(t *testing.T) {
	fw, err := firewall.New(nil, nil, []string{"10.0.0.9"})
	if err != nil {
		t.Fatalf("firewall.New: %v", err)
	}
	a, err := auth.New("admin", "admin")
	if err != nil {
		t.Fatalf("auth.New: %v", err)
	}

	if got := Check(fw, a, "10.0.0.9", nil); got != Allow {
		t.Errorf("expected Allow for no_auth_required host without credentials, got %v", got)
	}
}

func TestCheckRequiresValidCredentials(t *testing.T) {
	a, err := auth.New("admin", "admin")
	if err != nil {
		t.Fatalf("auth.New: %v", err)
	}

	if got := Check(nil, a, "1.2.3.4", nil); got != Unauthorized {
		t.Errorf("expected Unauthorized without credentials, got %v", got)
	}
	if got := Check(nil, a, "1.2.3.4", basicAuthHeader("admin", "wrong")); got != Unauthorized {
		t.Errorf("expected Unauthorized with wrong password, got %v", got)
	}
	if got := Check(nil, a, "1.2.3.4", basicAuthHeader("admin", "admin")); got != Allow {
		t.Errorf("expected Allow with valid credentials, got %v", got)
	}
}
