package api

import (
	"net/http"
)

// TokenSource yields the current bearer token. Get must not block.
type TokenSource interface {
	Get() (string, bool)
}

type TokenSourceFunc func() (string, bool)

func (f TokenSourceFunc) Get() (string, bool) { return f() }

// AuthTransport attaches the current credential to every outbound request.
// It never refreshes, validates or retries; a request made while signed out
// goes out without an Authorization header and the server decides.
type AuthTransport struct {
	Base   http.RoundTripper
	Source TokenSource
}

var _ http.RoundTripper = &AuthTransport{}

func (t *AuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	if t.Source == nil {
		return base.RoundTrip(req)
	}
	token, ok := t.Source.Get()
	if !ok || token == "" {
		return base.RoundTrip(req)
	}
	// RoundTrippers must not modify the caller's request.
	out := req.Clone(req.Context())
	out.Header.Set("Authorization", "Bearer "+token)
	return base.RoundTrip(out)
}
