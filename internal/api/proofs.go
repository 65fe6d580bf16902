package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"BioProof-Chain/internal/anchor"
	"BioProof-Chain/internal/biometric"
	"BioProof-Chain/internal/proofs"
)

type location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// generateRequest 在证明请求之外允许携带坐标，由环境服务补全环境上下文。
type generateRequest struct {
	proofs.Request
	Location *location `json:"location,omitempty"`
}

type verifyRequest struct {
	ProofHash       string              `json:"proofHash"`
	VerificationKey string              `json:"verificationKey"`
	PublicInputs    proofs.PublicInputs `json:"publicInputs"`
}

type aggregateRequest struct {
	ProofHashes []string `json:"proofHashes"`
}

type anchorRequest struct {
	Strategy string          `json:"strategy,omitempty"`
	Network  string          `json:"network,omitempty"`
	Networks []string        `json:"networks,omitempty"`
	Priority anchor.Priority `json:"priority,omitempty"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if s.deps.Generator == nil {
		unavailable(w, "proof generator")
		return
	}
	var body generateRequest
	if err := decodeBody(r, &body); err != nil {
		badRequest(w, "请求体格式错误")
		return
	}
	req := body.Request
	if body.Location != nil {
		env, err := s.resolveEnvironment(r, body.Location.Latitude, body.Location.Longitude)
		if err != nil {
			writeError(w, err)
			return
		}
		req.Environment = env
	}
	record, err := s.deps.Generator.Generate(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

func (s *Server) resolveEnvironment(r *http.Request, lat, lon float64) (biometric.EnvironmentalContext, error) {
	if s.deps.Environment == nil {
		return biometric.EnvironmentalContext{Latitude: lat, Longitude: lon, Source: biometric.SourceCaller}, nil
	}
	env, err := s.deps.Environment.Resolve(r.Context(), lat, lon)
	if err != nil {
		return biometric.EnvironmentalContext{}, err
	}
	s.logger.Debug("环境上下文已解析",
		slog.String("source", env.Source),
		slog.Bool("estimated", env.Estimated),
	)
	return env, nil
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if s.deps.Verifier == nil {
		unavailable(w, "proof verifier")
		return
	}
	var body verifyRequest
	if err := decodeBody(r, &body); err != nil {
		badRequest(w, "请求体格式错误")
		return
	}
	result, err := s.deps.Verifier.Verify(r.Context(), body.ProofHash, body.VerificationKey, body.PublicInputs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAttribute(w http.ResponseWriter, r *http.Request) {
	if s.deps.Verifier == nil {
		unavailable(w, "proof verifier")
		return
	}
	disclosure, err := s.deps.Verifier.VerifyAttribute(r.Context(), chi.URLParam(r, "hash"), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, disclosure)
}

func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request) {
	if s.deps.Anchors == nil {
		unavailable(w, "anchor service")
		return
	}
	var body aggregateRequest
	if err := decodeBody(r, &body); err != nil {
		badRequest(w, "请求体格式错误")
		return
	}
	agg, err := s.deps.Anchors.RecordAggregate(r.Context(), body.ProofHashes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, agg)
}

// handleAnchor 锚定单个证明或聚合根，param 指定路径参数名。
func (s *Server) handleAnchor(param string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Anchors == nil {
			unavailable(w, "anchor service")
			return
		}
		var body anchorRequest
		if err := decodeBody(r, &body); err != nil && !errors.Is(err, io.EOF) {
			badRequest(w, "请求体格式错误")
			return
		}
		strategy, err := anchor.ParseStrategy(body.Strategy)
		if err != nil {
			writeError(w, err)
			return
		}
		result, err := s.deps.Anchors.Anchor(r.Context(), chi.URLParam(r, param), strategy, anchor.Options{
			Network:  body.Network,
			Networks: body.Networks,
			Priority: body.Priority,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, result)
	}
}

func (s *Server) handleListAnchors(w http.ResponseWriter, r *http.Request) {
	if s.deps.Anchors == nil {
		unavailable(w, "anchor service")
		return
	}
	records, err := s.deps.Anchors.Records(r.Context(), chi.URLParam(r, "hash"))
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []*anchor.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}
