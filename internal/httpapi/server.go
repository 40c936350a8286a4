// Package httpapi exposes the bank over HTTP.
package httpapi

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/custody_bank/internal/bank"
	"github.com/R3E-Network/custody_bank/internal/metrics"
	"github.com/R3E-Network/custody_bank/internal/middleware"
	"github.com/R3E-Network/custody_bank/internal/storage/postgres"
	"github.com/R3E-Network/custody_bank/internal/system"
	"github.com/R3E-Network/custody_bank/pkg/logger"
)

// EventHistory serves records that have left the in-memory journal.
type EventHistory interface {
	Records(ctx context.Context, after uint64, limit int) ([]postgres.StoredRecord, error)
}

// Options configures the server.
type Options struct {
	Addr           string
	JWTSecret      []byte
	RateLimitRPS   float64
	RateLimitBurst int
	AllowedOrigins []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// Server is the HTTP front of the bank.
type Server struct {
	bank    *bank.Bank
	history EventHistory
	opts    Options
	log     *logger.Logger
	limiter *middleware.RateLimiter
	handler http.Handler

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
	cancel   context.CancelFunc
}

var _ system.Service = (*Server)(nil)

// New builds the server and its middleware chain. history may be nil.
func New(b *bank.Bank, history EventHistory, opts Options, log *logger.Logger) *Server {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	if opts.RateLimitRPS <= 0 {
		opts.RateLimitRPS = 20
	}
	if opts.RateLimitBurst <= 0 {
		opts.RateLimitBurst = 40
	}
	s := &Server{
		bank:    b,
		history: history,
		opts:    opts,
		log:     log,
		limiter: middleware.NewRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst, log.Named("ratelimit")),
	}

	router := mux.NewRouter()
	s.registerRoutes(router)

	auth := middleware.NewAuthMiddleware(opts.JWTSecret, log.Named("auth"), []string{"/healthz", "/metrics"})
	cors := middleware.NewCORSMiddleware(opts.AllowedOrigins)
	requestID := middleware.NewRequestIDMiddleware(log)

	var h http.Handler = router
	h = s.limiter.Handler(h)
	h = auth.Handler(h)
	h = cors.Handler(h)
	h = metrics.InstrumentHandler(h)
	h = requestID.Handler(h)
	s.handler = h
	return s
}

func (s *Server) registerRoutes(router *mux.Router) {
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	v1 := router.PathPrefix("/v1").Subrouter()
	v1.Use(s.exclusive)
	v1.HandleFunc("/deposits", s.handleDeposit).Methods(http.MethodPost)
	v1.HandleFunc("/deposits/convert", s.handleDepositWithConversion).Methods(http.MethodPost)
	v1.HandleFunc("/withdrawals", s.handleWithdraw).Methods(http.MethodPost)
	v1.HandleFunc("/accounts/{account}/balances", s.handleBalances).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{account}/balances/{asset}", s.handleBalance).Methods(http.MethodGet)
	v1.HandleFunc("/state", s.handleState).Methods(http.MethodGet)
	v1.HandleFunc("/assets", s.handleAssets).Methods(http.MethodGet)
	v1.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)

	admin := v1.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/assets", s.handleRegisterAsset).Methods(http.MethodPost)
	admin.HandleFunc("/assets/{asset}", s.handleDeregisterAsset).Methods(http.MethodDelete)
	admin.HandleFunc("/treasury/withdrawals", s.handleTreasuryWithdraw).Methods(http.MethodPost)
	admin.HandleFunc("/recoveries", s.handleRecoverFunds).Methods(http.MethodPost)
	admin.HandleFunc("/pause", s.handlePause).Methods(http.MethodPost)
	admin.HandleFunc("/unpause", s.handleUnpause).Methods(http.MethodPost)
	admin.HandleFunc("/roles/{role}", s.handleRenounceRole).Methods(http.MethodDelete)
	admin.HandleFunc("/roles/{role}/{principal}", s.handleGrantRole).Methods(http.MethodPost)
	admin.HandleFunc("/roles/{role}/{principal}", s.handleRevokeRole).Methods(http.MethodDelete)
	admin.HandleFunc("/super-admin/nominee", s.handleTransferSuperAdmin).Methods(http.MethodPost)
	admin.HandleFunc("/super-admin/accept", s.handleAcceptSuperAdmin).Methods(http.MethodPost)
}

// exclusive queues each API request behind the one in flight.
func (s *Server) exclusive(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.bank.Exclusive(func() { next.ServeHTTP(w, r) })
	})
}

// Handler returns the full middleware chain and router.
func (s *Server) Handler() http.Handler { return s.handler }

// Name implements system.Service.
func (s *Server) Name() string { return "httpapi" }

// Start listens on the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Addr, err)
	}
	srv := &http.Server{
		Handler:      s.handler,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())
	s.limiter.StartCleanup(cleanupCtx, time.Minute)

	s.mu.Lock()
	s.srv, s.listener, s.cancel = srv, ln, cancel
	s.mu.Unlock()

	go func() {
		s.log.WithField("addr", ln.Addr().String()).Info("http server listening")
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("http server stopped")
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, cancel := s.srv, s.cancel
	s.srv, s.cancel = nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	cancel()
	return srv.Shutdown(ctx)
}
