package request

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"idmint/pkg/requestcontext"
)

func TestRequestID(t *testing.T) {
	capture := func(id string) (string, string) {
		var seen string
		h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = requestcontext.RequestID(r.Context())
		}))
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if id != "" {
			req.Header.Set("X-Request-ID", id)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return seen, w.Header().Get("X-Request-ID")
	}

	t.Run("keeps a valid client id", func(t *testing.T) {
		seen, header := capture("trace.span_42")
		assert.Equal(t, "trace.span_42", seen)
		assert.Equal(t, "trace.span_42", header)
	})

	t.Run("replaces missing, oversized and injected ids", func(t *testing.T) {
		for _, id := range []string{"", strings.Repeat("a", MaxRequestIDLength+1), "abc\ninjected"} {
			seen, header := capture(id)
			assert.Len(t, seen, 36)
			assert.Equal(t, seen, header)
		}
	})
}

func TestClientIP(t *testing.T) {
	proxy := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}
	run := func(remote, xff string) string {
		var seen string
		h := ClientIP(proxy)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = requestcontext.ClientIP(r.Context())
		}))
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = remote
		if xff != "" {
			req.Header.Set("X-Forwarded-For", xff)
		}
		h.ServeHTTP(httptest.NewRecorder(), req)
		return seen
	}

	assert.Equal(t, "198.51.100.7", run("198.51.100.7:4431", "203.0.113.1"), "untrusted peer cannot spoof")
	assert.Equal(t, "203.0.113.1", run("10.1.2.3:4431", "203.0.113.1, 10.1.2.3"))
	assert.Equal(t, "10.1.2.3", run("10.1.2.3:4431", "not-an-ip"))
	assert.Equal(t, "::1", run("[::1]:8080", ""))
}

func TestRecovery(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := Recovery(logger)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestContentTypeJSON(t *testing.T) {
	ok := ContentTypeJSON(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString("a=b"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	ok.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString("{}"))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	w = httptest.NewRecorder()
	ok.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
}
