package schema

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

// CacheMaxAge is how long clients and proxies may cache the schema.
const CacheMaxAge = time.Hour

// Handler serves the public schema endpoint. It needs no authentication.
type Handler struct{}

func NewHandler() *Handler {
	return &Handler{}
}

func (h *Handler) Register(r chi.Router) {
	r.Get("/schema/credential", h.HandleCredentialSchema)
	r.Options("/schema/credential", h.HandlePreflight)
}

func (h *Handler) HandleCredentialSchema(w http.ResponseWriter, r *http.Request) {
	setPublicHeaders(w)
	w.Header().Set("Content-Type", "application/schema+json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(credentialSchema)
}

func (h *Handler) HandlePreflight(w http.ResponseWriter, r *http.Request) {
	setPublicHeaders(w)
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.WriteHeader(http.StatusNoContent)
}

func setPublicHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(int(CacheMaxAge.Seconds())))
	w.Header().Set("Access-Control-Allow-Origin", "*")
}
