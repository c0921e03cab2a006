package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"ChainChat/internal/agent"
	"ChainChat/internal/storage/mysql"
	"ChainChat/internal/task"
	"ChainChat/pkg/envelope"
	"ChainChat/pkg/logger"
	"ChainChat/pkg/txflow"
)

// Responder 是聊天接口依赖的派发能力。
type Responder interface {
	Respond(ctx context.Context, req agent.ChatRequest) (envelope.Reply, error)
}

// OutcomeService 是结果回报与历史查询依赖的能力。
type OutcomeService interface {
	Report(ctx context.Context, outcome txflow.Outcome) (*task.Receipt, error)
	Get(ctx context.Context, id string) (*mysql.DispatchRecord, error)
	List(ctx context.Context, limit int) ([]mysql.DispatchRecord, error)
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr              string
	responder         Responder
	outcomes          OutcomeService
	limiter           *clientLimiter
	metricsPath       string
	metricsHandler    http.Handler
	readHeaderTimeout time.Duration
	shutdownTimeout   time.Duration
	log               *slog.Logger
}

// Option 定义可选配置。
type Option func(*Server)

// WithRateLimit 按客户端地址限制聊天请求，rps 不大于 0 时关闭。
func WithRateLimit(rps float64, burst int, idle time.Duration) Option {
	return func(s *Server) {
		if rps > 0 {
			s.limiter = newClientLimiter(rps, burst, idle)
		}
	}
}

// WithMetrics 在 API 服务上挂载指标端点。
func WithMetrics(path string, handler http.Handler) Option {
	return func(s *Server) {
		s.metricsPath = path
		s.metricsHandler = handler
	}
}

// WithTimeouts 覆盖读取请求头与优雅关闭的超时。
func WithTimeouts(readHeader, shutdown time.Duration) Option {
	return func(s *Server) {
		if readHeader > 0 {
			s.readHeaderTimeout = readHeader
		}
		if shutdown > 0 {
			s.shutdownTimeout = shutdown
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, responder Responder, outcomes OutcomeService, opts ...Option) *Server {
	s := &Server{
		addr:              addr,
		responder:         responder,
		outcomes:          outcomes,
		readHeaderTimeout: 5 * time.Second,
		shutdownTimeout:   5 * time.Second,
		log:               logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回完整的路由树。
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(instrument)

	r.Get("/healthz", s.handleHealth)
	if s.metricsHandler != nil && s.metricsPath != "" {
		r.Method(http.MethodGet, s.metricsPath, s.metricsHandler)
	}

	r.Post("/api/chat", s.handleChat)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/outcomes", s.handleReportOutcome)
		r.Get("/dispatches", s.handleListDispatches)
		r.Get("/dispatches/{id}", s.handleDispatchDetail)
	})
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: s.readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("api server listening", slog.String("addr", s.addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		if s.limiter != nil {
			s.limiter.Stop()
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
