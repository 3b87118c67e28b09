// Package context carries the data that flows alongside a payment operation
// without being part of the payment itself: the caller's request, trace ids
// and the plugin configuration source.
package context

import (
	"net/http"
	"net/url"
)

// RequestContext is the opaque caller environment handed to plugins by
// ProcessPayment, Lock and HandleCallback. The coordinator never reads it;
// plugins use it for request-derived data such as inbound form fields or
// the raw body of a gateway notification.
type RequestContext struct {
	Form       url.Values
	Header     http.Header
	Body       []byte
	RemoteAddr string
	// Attempt is the caller's attempt number for this operation, 1 for the
	// first try. It feeds the retry policy.
	Attempt int
	Trace   TraceContext
}

// NewRequestContext returns an empty request context with a fresh trace.
func NewRequestContext() *RequestContext {
	return &RequestContext{
		Form:    url.Values{},
		Header:  http.Header{},
		Attempt: 1,
		Trace:   NewTraceContext(),
	}
}

// FromHTTPRequest copies what plugins may need out of an inbound HTTP request.
// body is passed separately because the caller usually has already read it.
func FromHTTPRequest(r *http.Request, body []byte) *RequestContext {
	rc := NewRequestContext()
	if r == nil {
		return rc
	}
	rc.Header = r.Header.Clone()
	rc.RemoteAddr = r.RemoteAddr
	rc.Body = body
	if r.URL != nil {
		for k, vs := range r.URL.Query() {
			rc.Form[k] = append(rc.Form[k], vs...)
		}
	}
	if r.PostForm != nil {
		for k, vs := range r.PostForm {
			rc.Form[k] = append(rc.Form[k], vs...)
		}
	}
	return rc
}

// AttemptNumber returns the attempt, treating nil or unset as the first try.
func (rc *RequestContext) AttemptNumber() int {
	if rc == nil || rc.Attempt < 1 {
		return 1
	}
	return rc.Attempt
}
