package admin

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/suite"
	"github.com/tidwall/gjson"
)

// The invariant under test: a wrong token never reaches the handler.
type AdminMiddlewareSuite struct {
	suite.Suite
	logger *slog.Logger
}

func TestAdminMiddlewareSuite(t *testing.T) {
	suite.Run(t, new(AdminMiddlewareSuite))
}

func (s *AdminMiddlewareSuite) SetupTest() {
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (s *AdminMiddlewareSuite) serve(expected string, headers map[string]string) (*httptest.ResponseRecorder, bool, string) {
	called := false
	operator := ""
	handler := RequireAdminToken(expected, s.logger)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
			operator = Operator(r.Context())
			w.WriteHeader(http.StatusOK)
		}),
	)
	req := httptest.NewRequest(http.MethodPost, "/admin/rate-limit/reset", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w, called, operator
}

func (s *AdminMiddlewareSuite) TestTokenValidation() {
	s.Run("correct token passes to next handler", func() {
		w, called, _ := s.serve("secret-admin-token", map[string]string{"X-Admin-Token": "secret-admin-token"})
		s.True(called)
		s.Equal(http.StatusOK, w.Code)
	})

	for name, headers := range map[string]map[string]string{
		"wrong token":   {"X-Admin-Token": "wrong-token"},
		"missing token": {},
		"empty token":   {"X-Admin-Token": ""},
		"prefix only":   {"X-Admin-Token": "secret"},
	} {
		s.Run(name, func() {
			w, called, _ := s.serve("secret-admin-token", headers)
			s.False(called, "next handler should NOT be called")
			s.Equal(http.StatusUnauthorized, w.Code)
			s.Equal("unauthorized", gjson.Get(w.Body.String(), "error").String())
		})
	}

	s.Run("unconfigured token rejects everything", func() {
		_, called, _ := s.serve("", map[string]string{"X-Admin-Token": ""})
		s.False(called)
	})
}

func (s *AdminMiddlewareSuite) TestOperatorContext() {
	_, _, operator := s.serve("t", map[string]string{"X-Admin-Token": "t", "X-Admin-Actor-ID": "ops-alice"})
	s.Equal("ops-alice", operator)

	_, _, operator = s.serve("t", map[string]string{"X-Admin-Token": "t"})
	s.Empty(operator)
}
