package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"BioProof-Chain/internal/pipeline"
)

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		unavailable(w, "job pipeline")
		return
	}
	var sub pipeline.Submission
	if err := decodeBody(r, &sub); err != nil {
		badRequest(w, "请求体格式错误")
		return
	}
	job, err := s.deps.Jobs.Submit(r.Context(), sub)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

type batchRequest struct {
	Jobs []pipeline.Submission `json:"jobs"`
}

type batchItem struct {
	Index int           `json:"index"`
	Job   *pipeline.Job `json:"job,omitempty"`
	Error *errorDetail  `json:"error,omitempty"`
}

func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		unavailable(w, "job pipeline")
		return
	}
	var body batchRequest
	if err := decodeBody(r, &body); err != nil {
		badRequest(w, "请求体格式错误")
		return
	}
	results, err := s.deps.Jobs.SubmitBatch(r.Context(), body.Jobs)
	if err != nil {
		writeError(w, err)
		return
	}
	items := make([]batchItem, len(results))
	for i, res := range results {
		items[i] = batchItem{Index: res.Index, Job: res.Value}
		if res.Err != nil {
			detail := detailOf(res.Err)
			items[i].Job = nil
			items[i].Error = &detail
		}
	}
	writeJSON(w, http.StatusMultiStatus, map[string]any{"results": items})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		unavailable(w, "job pipeline")
		return
	}
	job, err := s.deps.Jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		unavailable(w, "job pipeline")
		return
	}
	query := r.URL.Query()
	var opts []pipeline.ListOption
	for _, raw := range []string{"limit", "offset"} {
		if !query.Has(raw) {
			continue
		}
		n, err := strconv.Atoi(query.Get(raw))
		if err != nil || n < 0 {
			badRequest(w, raw+" 必须为非负整数")
			return
		}
		if raw == "limit" {
			opts = append(opts, pipeline.WithLimit(n))
		} else {
			opts = append(opts, pipeline.WithOffset(n))
		}
	}
	if statuses := splitList[pipeline.Status](query.Get("status")); len(statuses) > 0 {
		opts = append(opts, pipeline.WithStatuses(statuses...))
	}
	if kinds := splitList[pipeline.Kind](query.Get("kind")); len(kinds) > 0 {
		opts = append(opts, pipeline.WithKinds(kinds...))
	}
	jobs, err := s.deps.Jobs.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*pipeline.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func splitList[T ~string](raw string) []T {
	var out []T
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, T(part))
		}
	}
	return out
}
