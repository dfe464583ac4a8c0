package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/gregtusar/coveredcall/pkg/journal"
	"github.com/gregtusar/coveredcall/pkg/models"
	"github.com/gregtusar/coveredcall/pkg/pricing"
	"github.com/gregtusar/coveredcall/pkg/trader"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Controller is the part of the trader the API reads and steers.
type Controller interface {
	Snapshot() trader.Snapshot
	Pause()
	Resume()
}

// Journal serves recorded trade lifecycles.
type Journal interface {
	Trades(limit int) ([]journal.TradeSummary, error)
	Events(tradeID string) ([]models.TradeEvent, error)
}

type Options struct {
	Port           int
	AllowedOrigins []string
	// JWTSecret verifies HS256 bearer tokens on mutating endpoints. When empty
	// those endpoints are refused.
	JWTSecret string
}

type Server struct {
	ctrl    Controller
	journal Journal
	logger  *logrus.Logger
	opts    Options
	router  *mux.Router
	http    *http.Server
}

func NewServer(ctrl Controller, j Journal, logger *logrus.Logger, opts Options) *Server {
	s := &Server{
		ctrl:    ctrl,
		journal: j,
		logger:  logger,
		opts:    opts,
		router:  mux.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/trades", s.handleTrades).Methods("GET")
	api.HandleFunc("/trades/{id}", s.handleTradeEvents).Methods("GET")
	api.HandleFunc("/ladder", s.handleLadder).Methods("GET")

	control := api.PathPrefix("/control").Subrouter()
	control.Use(s.requireToken)
	control.HandleFunc("/pause", s.handlePause).Methods("POST")
	control.HandleFunc("/resume", s.handleResume).Methods("POST")

	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
}

// Handler is the routed API wrapped in CORS handling.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(s.router)
}

func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.opts.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Infof("Starting API server on port %d", s.opts.Port)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.JWTSecret == "" {
			s.writeError(w, http.StatusForbidden, "control endpoints are disabled")
			return
		}

		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			s.writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
			return []byte(s.opts.JWTSecret), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
		if err != nil || !token.Valid {
			s.logger.WithError(err).Warn("Rejected control request")
			s.writeError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.writeError(w, http.StatusServiceUnavailable, "journal is not configured")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	trades, err := s.journal.Trades(limit)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list trades")
		s.writeError(w, http.StatusInternalServerError, "failed to list trades")
		return
	}
	if trades == nil {
		trades = []journal.TradeSummary{}
	}
	s.writeJSON(w, http.StatusOK, trades)
}

func (s *Server) handleTradeEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.writeError(w, http.StatusServiceUnavailable, "journal is not configured")
		return
	}

	id := mux.Vars(r)["id"]
	events, err := s.journal.Events(id)
	if err != nil {
		s.logger.WithError(err).WithField("trade_id", id).Error("Failed to read trade events")
		s.writeError(w, http.StatusInternalServerError, "failed to read trade events")
		return
	}
	if len(events) == 0 {
		s.writeError(w, http.StatusNotFound, "unknown trade")
		return
	}
	s.writeJSON(w, http.StatusOK, events)
}

type Rung struct {
	Price    decimal.Decimal `json:"price"`
	Interval string          `json:"interval"`
	Offset   string          `json:"offset"`
}

// handleLadder previews the prices and pacing for ?side=&min=&max=.
func (s *Server) handleLadder(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	side := models.Side(strings.ToUpper(q.Get("side")))
	min, errMin := decimal.NewFromString(q.Get("min"))
	max, errMax := decimal.NewFromString(q.Get("max"))
	if errMin != nil || errMax != nil {
		s.writeError(w, http.StatusBadRequest, "min and max must be decimal prices")
		return
	}

	l, err := pricing.NewLadder(side, min, max)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, Rungs(l))
}

// Rungs pairs each ladder price with how long it rests and when it is reached.
func Rungs(l *pricing.Ladder) []Rung {
	schedule := pricing.Schedule(l)
	out := make([]Rung, l.Len())
	var offset time.Duration
	for i := range out {
		out[i] = Rung{
			Price:    l.At(i),
			Interval: schedule[i].String(),
			Offset:   offset.String(),
		}
		offset += schedule[i]
	}
	return out
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.ctrl.Pause()
	s.logger.Info("Trader paused via API")
	s.writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.ctrl.Resume()
	s.logger.Info("Trader resumed via API")
	s.writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}
