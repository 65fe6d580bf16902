package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"BioProof-Chain/internal/anchor"
	"BioProof-Chain/internal/biometric"
	"BioProof-Chain/internal/consent"
	"BioProof-Chain/internal/constraint"
	"BioProof-Chain/internal/environment"
	"BioProof-Chain/internal/observability/metrics"
	"BioProof-Chain/internal/pipeline"
	"BioProof-Chain/internal/proofs"
	"BioProof-Chain/internal/verification"
	"BioProof-Chain/pkg/logger"
)

// ProofGenerator 由 proofs.Generator 实现。
type ProofGenerator interface {
	Generate(ctx context.Context, req proofs.Request) (*proofs.Record, error)
}

// ProofVerifier 由 proofs.Verifier 实现。
type ProofVerifier interface {
	Verify(ctx context.Context, proofHash, verificationKey string, publicInputs proofs.PublicInputs) (*proofs.Result, error)
	VerifyAttribute(ctx context.Context, proofHash, name string) (*proofs.Disclosure, error)
}

// Anchorer 由 anchor.Service 实现。
type Anchorer interface {
	Anchor(ctx context.Context, proofID string, strategy anchor.Strategy, opts anchor.Options) (*anchor.Result, error)
	RecordAggregate(ctx context.Context, hashes []string) (*anchor.Aggregate, error)
	Records(ctx context.Context, proofID string) ([]*anchor.Record, error)
}

// ConstraintService 由 constraint.Resolver 实现。
type ConstraintService interface {
	SelectConstraints(ctx context.Context, userID string, metric biometric.MetricType, env biometric.EnvironmentalContext) (biometric.ConstraintParameters, error)
	UpdateUserConstraints(ctx context.Context, userID string, metric biometric.MetricType, params biometric.ConstraintParameters) (*constraint.Override, error)
}

// RequestBroker 由 verification.Broker 实现。
type RequestBroker interface {
	Submit(ctx context.Context, in verification.Submission) (*verification.Request, error)
	Get(ctx context.Context, id string) (*verification.Request, error)
	Decide(ctx context.Context, id string, decision verification.Decision) (*verification.Outcome, error)
}

// JobService 由 pipeline.Service 实现。
type JobService interface {
	Submit(ctx context.Context, sub pipeline.Submission) (*pipeline.Job, error)
	SubmitBatch(ctx context.Context, subs []pipeline.Submission) ([]pipeline.BatchResult[*pipeline.Job], error)
	Get(ctx context.Context, id string) (*pipeline.Job, error)
	List(ctx context.Context, opts ...pipeline.ListOption) ([]*pipeline.Job, error)
}

// ConsentRegistry 由 consent.MemoryManager 实现。
type ConsentRegistry interface {
	Grant(userID, scope string, ttl time.Duration) (consent.Grant, error)
	Revoke(userID string)
}

// Dependencies 汇总 HTTP 层依赖的服务，未配置的服务对应路由返回 503。
type Dependencies struct {
	Generator   ProofGenerator
	Verifier    ProofVerifier
	Anchors     Anchorer
	Constraints ConstraintService
	Environment environment.Provider
	Broker      RequestBroker
	Consents    ConsentRegistry
	Jobs        JobService
	Metrics     *metrics.Metrics
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr   string
	deps   Dependencies
	logger *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, deps Dependencies) *Server {
	return &Server{addr: addr, deps: deps, logger: logger.Named("api")}
}

// Handler 返回挂载全部路由的 http.Handler。
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
	}

	r.Route("/api/v1", func(api chi.Router) {
		api.Route("/proofs", func(pr chi.Router) {
			pr.Post("/", s.handleGenerate)
			pr.Post("/verify", s.handleVerify)
			pr.Post("/aggregate", s.handleAggregate)
			pr.Get("/{hash}/attributes/{name}", s.handleAttribute)
			pr.Get("/{hash}/anchors", s.handleListAnchors)
			pr.Post("/{hash}/anchors", s.handleAnchor("hash"))
		})
		api.Post("/aggregates/{root}/anchors", s.handleAnchor("root"))

		api.Get("/constraints/{user}/{metric}", s.handleGetConstraints)
		api.Put("/constraints/{user}/{metric}", s.handlePutConstraints)

		api.Post("/verification-requests", s.handleSubmitRequest)
		api.Get("/verification-requests/{id}", s.handleGetRequest)
		api.Post("/verification-requests/{id}/decision", s.handleDecide)

		api.Put("/consents/{user}", s.handleGrantConsent)
		api.Delete("/consents/{user}", s.handleRevokeConsent)

		api.Post("/jobs", s.handleSubmitJob)
		api.Post("/jobs/batch", s.handleSubmitBatch)
		api.Get("/jobs", s.handleListJobs)
		api.Get("/jobs/{id}", s.handleGetJob)
	})
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.deps.Metrics.ObserveHTTPRequest(route, r.Method, status, time.Since(start))
		if status >= http.StatusInternalServerError {
			s.logger.Error("请求处理失败",
				slog.String("route", route),
				slog.String("method", r.Method),
				slog.Int("status", status),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			)
		}
	})
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
