// Package auth implements HTTP Basic authentication against a single fixed
// credential pair, as used by the Proxy-Authorization header.
package auth

import (
	"encoding/base64"
	"net/textproto"
	"strings"

	"github.com/caua1503/forwardproxy/pkg/perrors"
)

// Credential is a (username, password) pair, both non-empty.
type Credential struct {
	Username string
	Password string
}

// Authenticator validates Proxy-Authorization against one configured credential.
type Authenticator struct {
	cred Credential
}

// New constructs an Authenticator. Both username and password must be
// non-empty or construction fails with a perrors Config error.
func New(username, password string) (*Authenticator, error) {
	if username == "" || password == "" {
		return nil, perrors.NewConfigError("credential username and password must both be non-empty")
	}
	return &Authenticator{cred: Credential{Username: username, Password: password}}, nil
}

// Authenticate reports whether u/p are non-empty and match the configured
// credential byte-for-byte.
func (a *Authenticator) Authenticate(username, password string) bool {
	if username == "" || password == "" {
		return false
	}
	return username == a.cred.Username && password == a.cred.Password
}

// IsAuthorized reports whether headers carries a valid
// "Proxy-Authorization: Basic <base64(user:pass)>" entry.
func (a *Authenticator) IsAuthorized(headers map[string]string) bool {
	header := headers[textproto.CanonicalMIMEHeaderKey("Proxy-Authorization")]
	if header == "" {
		return false
	}

	scheme, param, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "basic") || param == "" {
		return false
	}

	decoded, err := base64.StdEncoding.DecodeString(param)
	if err != nil {
		return false
	}

	username, password, found := strings.Cut(string(decoded), ":")
	if !found {
		return false
	}

	return a.Authenticate(username, password)
}
