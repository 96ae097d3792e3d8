package http

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ConsumerStatus is an interface for checking a stream subscriber's
// consumer-group join state.
type ConsumerStatus interface {
	IsJoined() bool
}

// DBChecker abstracts the alert store's health check for testability.
type DBChecker interface {
	Ping(ctx context.Context) error
}

type Server struct {
	srv            *http.Server
	pool           *pgxpool.Pool
	dbChecker      DBChecker
	bgpSubscriber  ConsumerStatus
	snmpSubscriber ConsumerStatus
	logger         *zap.Logger
}

func NewServer(addr string, pool *pgxpool.Pool, bgpSubscriber, snmpSubscriber ConsumerStatus, logger *zap.Logger) *Server {
	s := &Server{
		pool:           pool,
		bgpSubscriber:  bgpSubscriber,
		snmpSubscriber: snmpSubscriber,
		logger:         logger,
	}
	if pool != nil {
		s.dbChecker = pool
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	return s
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("HTTP server listening", zap.String("addr", s.srv.Addr))
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	allOK := true

	// Check the Postgres alert store.
	if s.dbChecker != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := s.dbChecker.Ping(ctx); err != nil {
			checks["postgres"] = "error"
			allOK = false
		} else {
			checks["postgres"] = "ok"
		}
	} else {
		checks["postgres"] = "error"
		allOK = false
	}

	// Check the BGP stream subscriber's consumer-group membership.
	if s.bgpSubscriber != nil && s.bgpSubscriber.IsJoined() {
		checks["bgp_stream"] = "ok"
	} else {
		checks["bgp_stream"] = "not_joined"
		allOK = false
	}

	// Check the SNMP stream subscriber's consumer-group membership. A nil
	// subscriber means SNMP is intentionally disabled (--allow-bgp-only,
	// §7 error kind 2), not a failed join, and must not block readiness.
	switch {
	case s.snmpSubscriber == nil:
		checks["snmp_stream"] = "disabled"
	case s.snmpSubscriber.IsJoined():
		checks["snmp_stream"] = "ok"
	default:
		checks["snmp_stream"] = "not_joined"
		allOK = false
	}

	w.Header().Set("Content-Type", "application/json")
	status := "ready"
	httpStatus := http.StatusOK
	if !allOK {
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	}

	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]any{
		"status": status,
		"checks": checks,
	})
}
