package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"BioProof-Chain/internal/biometric"
)

func (s *Server) handleGetConstraints(w http.ResponseWriter, r *http.Request) {
	if s.deps.Constraints == nil {
		unavailable(w, "constraint resolver")
		return
	}
	var env biometric.EnvironmentalContext
	query := r.URL.Query()
	if query.Has("lat") || query.Has("lon") {
		lat, errLat := strconv.ParseFloat(query.Get("lat"), 64)
		lon, errLon := strconv.ParseFloat(query.Get("lon"), 64)
		if errLat != nil || errLon != nil {
			badRequest(w, "坐标格式错误")
			return
		}
		resolved, err := s.resolveEnvironment(r, lat, lon)
		if err != nil {
			writeError(w, err)
			return
		}
		env = resolved
	}
	params, err := s.deps.Constraints.SelectConstraints(r.Context(),
		chi.URLParam(r, "user"), biometric.MetricType(chi.URLParam(r, "metric")), env)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"constraints":          params,
		"environmentalContext": env,
	})
}

func (s *Server) handlePutConstraints(w http.ResponseWriter, r *http.Request) {
	if s.deps.Constraints == nil {
		unavailable(w, "constraint resolver")
		return
	}
	var params biometric.ConstraintParameters
	if err := decodeBody(r, &params); err != nil {
		badRequest(w, "请求体格式错误")
		return
	}
	override, err := s.deps.Constraints.UpdateUserConstraints(r.Context(),
		chi.URLParam(r, "user"), biometric.MetricType(chi.URLParam(r, "metric")), params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, override)
}
