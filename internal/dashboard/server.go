// Package dashboard serves a read-only status API over the trade journal,
// broker positions and Prometheus metrics.
package dashboard

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/spx_straddler/internal/broker"
	"github.com/eddiefleurent/spx_straddler/internal/calendar"
	"github.com/eddiefleurent/spx_straddler/internal/clock"
	"github.com/eddiefleurent/spx_straddler/internal/metrics"
	"github.com/eddiefleurent/spx_straddler/internal/models"
	"github.com/eddiefleurent/spx_straddler/internal/storage"
)

type Server struct {
	router    *chi.Mux
	server    *http.Server
	storage   storage.Interface
	gateway   broker.Gateway
	calendar  *calendar.Calendar
	clock     clock.Clock
	logger    logrus.FieldLogger
	port      int
	authToken string
	root      string
}

type Config struct {
	Port      int
	AuthToken string
	Root      string // option root used to filter positions, e.g. SPXW
}

// StatusView is the /api/status payload.
type StatusView struct {
	Time         time.Time `json:"time"`
	MarketOpen   bool      `json:"market_open"`
	MarketReason string    `json:"market_reason"`
	TotalTrades  int       `json:"total_trades"`
	LastTrade    *TradeRef `json:"last_trade,omitempty"`
}

// TradeRef identifies the latest journal entry.
type TradeRef struct {
	Timestamp time.Time          `json:"timestamp"`
	CycleID   string             `json:"cycle_id"`
	Status    models.TradeStatus `json:"status"`
}

func NewServer(cfg Config, store storage.Interface, gateway broker.Gateway, cal *calendar.Calendar, clk clock.Clock, logger logrus.FieldLogger) *Server {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Server{
		router:    chi.NewRouter(),
		storage:   store,
		gateway:   gateway,
		calendar:  cal,
		clock:     clk,
		logger:    logger.WithField("component", "dashboard"),
		port:      cfg.Port,
		authToken: cfg.AuthToken,
		root:      cfg.Root,
	}

	s.setupRoutes()
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))
	s.router.Use(metrics.Middleware)

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)
	s.router.Handle("/metrics", metrics.Handler())
	s.router.Get("/api/status", s.handleStatus)
	s.router.Get("/api/trades", s.handleTrades)
	s.router.Get("/api/summary", s.handleSummary)
	s.router.Get("/api/positions", s.handlePositions)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Start serves until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("Starting dashboard server on port %d", s.port)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]interface{}{
		"status":    "healthy",
		"timestamp": s.clock.Now().Unix(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	now := s.clock.Now()
	view := StatusView{Time: now}
	if s.calendar != nil {
		session := s.calendar.Check(now)
		view.MarketOpen = session.Open
		view.MarketReason = session.Reason
	}

	records, err := s.storage.Records()
	if err != nil {
		s.logger.WithError(err).Error("Failed to read journal")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	view.TotalTrades = len(records)
	if n := len(records); n > 0 {
		last := records[n-1]
		view.LastTrade = &TradeRef{Timestamp: last.Timestamp, CycleID: last.CycleID, Status: last.Status}
	}
	s.writeJSON(w, view)
}

// handleTrades returns journal records, newest last. ?limit=N keeps the
// most recent N.
func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	records, err := s.storage.Records()
	if err != nil {
		s.logger.WithError(err).Error("Failed to read journal")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		if limit < len(records) {
			records = records[len(records)-limit:]
		}
	}
	if records == nil {
		records = []models.TradeRecord{}
	}
	s.writeJSON(w, records)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	records, err := s.storage.Records()
	if err != nil {
		s.logger.WithError(err).Error("Failed to read journal")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, storage.Summarize(records))
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	if s.gateway == nil {
		http.Error(w, "broker unavailable", http.StatusServiceUnavailable)
		return
	}
	positions, err := s.gateway.ListPositions(r.Context())
	if err != nil {
		s.logger.WithError(err).Warn("Failed to list positions")
		http.Error(w, "broker unavailable", http.StatusBadGateway)
		return
	}

	out := make([]broker.Position, 0, len(positions))
	for _, p := range positions {
		if s.root == "" || broker.HasRoot(p.Code, s.root) {
			out = append(out, p)
		}
	}
	s.writeJSON(w, out)
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}
