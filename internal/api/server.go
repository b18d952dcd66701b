package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	xerrors "listen-engine/internal/errors"
	"listen-engine/internal/observability/metrics"
	"listen-engine/internal/pipeline"
	"listen-engine/pkg/logger"
)

// PipelineService 是 API 依赖的命令接口，由调度循环的客户端实现。
type PipelineService interface {
	AddPipeline(ctx context.Context, p *pipeline.Pipeline) (uuid.UUID, error)
	ListPipelines(ctx context.Context, userID string) ([]*pipeline.Pipeline, error)
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr    string
	service PipelineService
	metrics *metrics.Metrics
	now     func() time.Time
	logger  *slog.Logger
}

// Option 定义可选配置。
type Option func(*Server)

// WithMetrics 记录请求指标。
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithClock 替换创建流水线时使用的时钟。
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, service PipelineService, opts ...Option) *Server {
	s := &Server{addr: addr, service: service, now: time.Now, logger: logger.Named("api")}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回路由。
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/pipelines", s.handleCreatePipeline)
		r.Get("/users/{userID}/pipelines", s.handleListPipelines)
		r.Get("/users/{userID}/pipelines/{pipelineID}", s.handleNotImplemented)
		r.Delete("/users/{userID}/pipelines/{pipelineID}", s.handleNotImplemented)
	})
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
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

type createResponse struct {
	ID string `json:"id"`
}

type errorResponse struct {
	Code  xerrors.Code `json:"code"`
	Error string       `json:"error"`
}

func (s *Server) handleCreatePipeline(w http.ResponseWriter, r *http.Request) {
	var draft pipeline.Draft
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&draft); err != nil {
		s.writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	p, err := draft.Build(s.now())
	if err != nil {
		s.writeError(w, err)
		return
	}
	id, err := s.service.AddPipeline(r.Context(), p)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createResponse{ID: id.String()})
}

func (s *Server) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		s.writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少用户 ID"))
		return
	}
	pipelines, err := s.service.ListPipelines(r.Context(), userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if pipelines == nil {
		pipelines = []*pipeline.Pipeline{}
	}
	writeJSON(w, http.StatusOK, pipelines)
}

func (s *Server) handleNotImplemented(w http.ResponseWriter, _ *http.Request) {
	s.writeError(w, xerrors.New(xerrors.CodeNotImplemented, "接口尚未实现"))
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("请求处理失败", slog.String("code", string(code)), slog.Any("error", err))
	}
	writeJSON(w, status, errorResponse{Code: code, Error: err.Error()})
}

func statusFor(err error) int {
	e, ok := xerrors.From(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch e.Kind() {
	case xerrors.KindData:
		return http.StatusBadRequest
	case xerrors.KindUnimplemented:
		return http.StatusNotImplemented
	}
	if e.Code() == xerrors.CodeInterrupted {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// observe 按路由模板记录请求数与耗时。
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.ObserveHTTPRequest(route, r.Method, status, time.Since(start))
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
