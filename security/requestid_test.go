package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequestIDMiddlewareGenerates(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/oauth/token", nil))

	if seen == "" {
		t.Fatal("no request ID in context")
	}
	if rec.Header().Get(RequestIDHeader) != seen {
		t.Errorf("response header %q != context ID %q", rec.Header().Get(RequestIDHeader), seen)
	}
}

func TestRequestIDMiddlewarePreservesUpstream(t *testing.T) {
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set(RequestIDHeader, "upstream-id-123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)

	if got := rec.Header().Get(RequestIDHeader); got != "upstream-id-123" {
		t.Errorf("upstream ID not preserved, got %q", got)
	}
}

func TestRequestIDMiddlewareRejectsInvalidUpstream(t *testing.T) {
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	for _, bad := range []string{"has space", "newline\r\nInjected: yes", string(make([]byte, 200))} {
		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set(RequestIDHeader, bad)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, r)

		if got := rec.Header().Get(RequestIDHeader); got == bad {
			t.Errorf("invalid upstream ID %q was preserved", bad)
		}
	}
}

func TestGetRequestIDMissing(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	if got := GetRequestID(r.Context()); got != "" {
		t.Errorf("GetRequestID on empty context = %q, want \"\"", got)
	}
}
