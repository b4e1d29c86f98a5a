package remote

import (
	"encoding/base64"
	"net/http"
)

// authTransport injects custom headers and basic authentication on every
// outbound request. The original request is cloned, never mutated, per the
// http.RoundTripper contract.
type authTransport struct {
	base    http.RoundTripper
	headers map[string]string
	auth    string // precomputed "Basic ..." value, empty when no credentials
}

func newAuthTransport(base http.RoundTripper, creds Credentials, headers map[string]string) *authTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	t := &authTransport{base: base, headers: headers}
	if creds.Username != "" {
		raw := creds.Username + ":" + creds.Password
		t.auth = "Basic " + base64.StdEncoding.EncodeToString([]byte(raw))
	}
	return t
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	for k, v := range t.headers {
		clone.Header.Set(k, v)
	}
	if t.auth != "" {
		clone.Header.Set("Authorization", t.auth)
	}
	return t.base.RoundTrip(clone)
}
