package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

type grantRequest struct {
	Scope      string `json:"scope,omitempty"`
	TTLSeconds int64  `json:"ttlSeconds,omitempty"`
}

func (s *Server) handleGrantConsent(w http.ResponseWriter, r *http.Request) {
	if s.deps.Consents == nil {
		unavailable(w, "consent registry")
		return
	}
	var body grantRequest
	if err := decodeBody(r, &body); err != nil && !errors.Is(err, io.EOF) {
		badRequest(w, "请求体格式错误")
		return
	}
	if body.TTLSeconds < 0 {
		badRequest(w, "ttlSeconds 不能为负数")
		return
	}
	grant, err := s.deps.Consents.Grant(chi.URLParam(r, "user"), body.Scope, time.Duration(body.TTLSeconds)*time.Second)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

func (s *Server) handleRevokeConsent(w http.ResponseWriter, r *http.Request) {
	if s.deps.Consents == nil {
		unavailable(w, "consent registry")
		return
	}
	s.deps.Consents.Revoke(chi.URLParam(r, "user"))
	w.WriteHeader(http.StatusNoContent)
}
