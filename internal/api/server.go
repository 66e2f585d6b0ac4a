package api

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/grumpyguvner/tempmail/internal/config"
	"github.com/grumpyguvner/tempmail/internal/errors"
	"github.com/grumpyguvner/tempmail/internal/inbox"
	"github.com/grumpyguvner/tempmail/internal/logging"
	"github.com/grumpyguvner/tempmail/internal/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Version is reported by the health endpoint
var Version = "dev"

type Server struct {
	config          *config.Config
	inbox           *inbox.Service
	router          *mux.Router
	httpServer      *http.Server
	listener        net.Listener
	rateLimiter     *middleware.RateLimiter
	startTime       time.Time
	activeRequests  atomic.Int64
	shutdownStarted atomic.Bool
	logger          *zap.SugaredLogger
}

func NewServer(cfg *config.Config, svc *inbox.Service) *Server {
	s := &Server{
		config:    cfg,
		inbox:     svc,
		startTime: time.Now(),
		logger:    logging.WithComponent("api"),
	}

	s.router = s.routes()

	s.httpServer = &http.Server{
		Handler:        s.applyMiddleware(s.router),
		ReadTimeout:    seconds(cfg.ReadTimeout, 30),
		WriteTimeout:   seconds(cfg.WriteTimeout, 30),
		IdleTimeout:    seconds(cfg.IdleTimeout, 60),
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.PrometheusMiddleware)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		middleware.SendErrorResponse(w, errors.NotFoundError("Route not found"))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		middleware.SendErrorResponse(w, errors.MethodNotAllowedError(r.Method, r.URL.Path))
	})

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/domains", s.handleDomains).Methods("GET")
	r.HandleFunc("/addresses", s.handleNewAddress).Methods("POST")

	r.HandleFunc("/emails/{address}", s.handleListEmails).Methods("GET")
	r.HandleFunc("/emails/{address}", s.handleDeleteMailbox).Methods("DELETE")
	r.HandleFunc("/emails/{address}/attachments", s.handleListAttachments).Methods("GET")

	r.HandleFunc("/inbox/{id}", s.handleGetEmail).Methods("GET")
	r.HandleFunc("/inbox/{id}", s.handleDeleteEmail).Methods("DELETE")
	r.HandleFunc("/inbox/{id}/attachments", s.handleEmailAttachments).Methods("GET")
	r.HandleFunc("/attachments/{id}", s.handleDownloadAttachment).Methods("GET")

	r.HandleFunc("/stats/top-senders", s.handleTopSenders).Methods("GET")

	r.HandleFunc("/mail/inbound", s.requireAuth(s.handleMailInbound)).Methods("POST")

	if s.config.MetricsEnabled {
		path := s.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, promhttp.Handler()).Methods("GET")
	}

	return r
}

// Handler returns the full middleware chain, mostly for tests
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Listen binds the listener without serving. Start calls it when needed.
func (s *Server) Listen() error {
	if s.listener != nil {
		return nil
	}

	var err error
	switch s.config.Mode {
	case "socket":
		// Socket activation mode (systemd)
		if os.Getenv("LISTEN_FDS") == "1" {
			s.listener, err = net.FileListener(os.NewFile(3, ""))
			if err != nil {
				return fmt.Errorf("failed to get systemd socket: %w", err)
			}
			return nil
		}
		fallthrough
	default:
		s.listener, err = net.Listen("tcp", fmt.Sprintf(":%d", s.config.Port))
		if err != nil {
			return fmt.Errorf("failed to listen: %w", err)
		}
	}
	return nil
}

// Addr returns the bound address, or nil before Listen
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start serves HTTP until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	s.logger.Infow("HTTP API listening", "addr", s.listener.Addr().String(), "mode", s.config.Mode)

	go func() {
		if err := s.httpServer.Serve(s.listener); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			s.logger.Errorf("Server error: %v", err)
		}
	}()

	<-ctx.Done()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownStarted.Store(true)
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if activeReqs := s.activeRequests.Load(); activeReqs > 0 {
		s.logger.Infof("Waiting for %d active requests to complete...", activeReqs)
	}

	// Monitor shutdown progress
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if reqs := s.activeRequests.Load(); reqs > 0 {
					s.logger.Infof("Still waiting for %d active requests...", reqs)
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	err := s.httpServer.Shutdown(ctx)
	close(done)

	if err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) {
			if forced := s.activeRequests.Load(); forced > 0 {
				s.logger.Warnf("Forced shutdown with %d active requests", forced)
			}
		}
		return err
	}

	s.logger.Info("All connections drained successfully")
	return nil
}

func (s *Server) applyMiddleware(handler http.Handler) http.Handler {
	// Applied innermost first.
	// Request flow: ActiveRequest -> RateLimit -> RequestID -> Timeout -> Recovery -> router
	handler = middleware.RecoveryMiddleware(handler)
	if timeout := seconds(s.config.HandlerTimeout, 0); timeout > 0 {
		handler = middleware.TimeoutMiddleware(timeout)(handler)
	}
	handler = middleware.RequestIDMiddleware(handler)

	rate := s.config.RateLimitPerMinute
	if rate <= 0 {
		rate = 60
	}
	burst := s.config.RateLimitBurst
	if burst <= 0 {
		burst = 10
	}
	s.rateLimiter = middleware.NewRateLimiter(rate, burst, 5*time.Minute, s.logger)
	handler = s.rateLimiter.Middleware(handler)

	return s.activeRequestsMiddleware(handler)
}

func (s *Server) activeRequestsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.shutdownStarted.Load() {
			middleware.SendErrorResponse(w, errors.UnavailableError("Server is shutting down"))
			return
		}

		s.activeRequests.Add(1)
		defer s.activeRequests.Add(-1)

		next.ServeHTTP(w, r)
	})
}

func seconds(n, fallback int) time.Duration {
	if n <= 0 {
		n = fallback
	}
	return time.Duration(n) * time.Second
}
