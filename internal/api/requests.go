package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"BioProof-Chain/internal/verification"
)

func (s *Server) handleSubmitRequest(w http.ResponseWriter, r *http.Request) {
	if s.deps.Broker == nil {
		unavailable(w, "verification broker")
		return
	}
	var body verification.Submission
	if err := decodeBody(r, &body); err != nil {
		badRequest(w, "请求体格式错误")
		return
	}
	req, err := s.deps.Broker.Submit(r.Context(), body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	if s.deps.Broker == nil {
		unavailable(w, "verification broker")
		return
	}
	req, err := s.deps.Broker.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	if s.deps.Broker == nil {
		unavailable(w, "verification broker")
		return
	}
	var decision verification.Decision
	if err := decodeBody(r, &decision); err != nil {
		badRequest(w, "请求体格式错误")
		return
	}
	outcome, err := s.deps.Broker.Decide(r.Context(), chi.URLParam(r, "id"), decision)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}
