// Package dashboard serves read-only projections of committed state plus the
// administrator endpoints: config edits and manual cycle triggers. It never
// blocks the decision loop; everything it reads is already durable.
package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/mkessler/leapsbot/internal/broker"
	"github.com/mkessler/leapsbot/internal/config"
	"github.com/mkessler/leapsbot/internal/engine"
	"github.com/mkessler/leapsbot/internal/ledger"
	"github.com/mkessler/leapsbot/internal/models"
)

// Server is the HTTP surface over the engine's committed state.
type Server struct {
	cfg    *config.Store
	ledger *ledger.Ledger
	engine *engine.Engine
	broker broker.Broker
	token  string
	log    *logrus.Entry

	httpServer *http.Server
}

// New builds the dashboard. token guards every route except /health.
func New(addr, token string, cfg *config.Store, led *ledger.Ledger,
	eng *engine.Engine, b broker.Broker, log *logrus.Logger) *Server {

	s := &Server{
		cfg:    cfg,
		ledger: led,
		engine: eng,
		broker: b,
		token:  token,
		log:    log.WithField("component", "dashboard"),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.requireToken)
		r.Get("/api/positions", s.handlePositions)
		r.Get("/api/trades", s.handleTrades)
		r.Get("/api/pool", s.handlePool)
		r.Get("/api/config", s.handleConfig)
		r.Post("/api/config", s.handleConfigEdit)
		r.Post("/api/cycle", s.handleTriggerCycle)
		r.Get("/api/report", s.handleReport)
	})

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves until ctx is cancelled, then drains connections.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", s.httpServer.Addr).Info("dashboard listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if s.token == "" || token != s.token {
			writeError(w, http.StatusUnauthorized, "invalid or missing token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Health())
}

// positionView is a Position enriched with computed age and, when a quote is
// available, mark-to-market P&L.
type positionView struct {
	models.Position
	AgeDays       int      `json:"age_days"`
	CurrentPrice  *float64 `json:"current_price,omitempty"`
	UnrealizedPnL *float64 `json:"unrealized_pnl,omitempty"`
	GainPct       *float64 `json:"gain_pct,omitempty"`
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	positions := s.ledger.ActivePositions()
	views := make([]positionView, 0, len(positions))
	for _, p := range positions {
		v := positionView{Position: p, AgeDays: p.AgeDays(now)}
		// Marks are best effort; the books stay authoritative without them.
		if quote, err := s.broker.GetOptionQuote(r.Context(), p.Contract.Symbol); err == nil {
			mid := quote.Mid()
			pnl := p.UnrealizedPnL(mid)
			gain := p.GainPct(mid)
			v.CurrentPrice = &mid
			v.UnrealizedPnL = &pnl
			v.GainPct = &gain
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	trades, err := s.ledger.Trades(limit)
	if err != nil {
		s.log.WithError(err).Error("reading trades")
		writeError(w, http.StatusInternalServerError, "failed to read trades")
		return
	}
	if trades == nil {
		trades = []models.TradeRecord{}
	}
	writeJSON(w, http.StatusOK, trades)
}

func (s *Server) handlePool(w http.ResponseWriter, _ *http.Request) {
	pool := s.ledger.Pool()
	writeJSON(w, http.StatusOK, map[string]string{
		"cumulative_realized_pnl": pool.RealizedPnL.String(),
		"cumulative_deployed":     pool.Deployed.String(),
		"available":               pool.Available().String(),
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.View())
}

type configEditRequest struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// handleConfigEdit is the administrator write path. The running cycle keeps
// its snapshot; the edit lands next cycle.
func (s *Server) handleConfigEdit(w http.ResponseWriter, r *http.Request) {
	var req configEditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if err := s.cfg.SetField(req.Name, req.Value); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.log.WithFields(logrus.Fields{"field": req.Name, "value": req.Value}).
		Info("config updated by administrator")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTriggerCycle(w http.ResponseWriter, _ *http.Request) {
	s.engine.TriggerCycle()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cycle requested"})
}

// handleReport summarizes the day: engine state, book, pool and today's
// ledger activity.
func (s *Server) handleReport(w http.ResponseWriter, _ *http.Request) {
	now := time.Now()
	snap := s.cfg.Snapshot()
	localNow := now.In(snap.Timezone)
	midnight := time.Date(localNow.Year(), localNow.Month(), localNow.Day(),
		0, 0, 0, 0, snap.Timezone)

	trades, err := s.ledger.Trades(0)
	if err != nil {
		s.log.WithError(err).Error("reading trades for report")
		writeError(w, http.StatusInternalServerError, "failed to build report")
		return
	}
	var today []models.TradeRecord
	for _, tr := range trades {
		if !tr.Timestamp.Before(midnight.UTC()) {
			today = append(today, tr)
		}
	}
	if today == nil {
		today = []models.TradeRecord{}
	}

	pool := s.ledger.Pool()
	writeJSON(w, http.StatusOK, map[string]any{
		"date":           localNow.Format("2006-01-02"),
		"engine":         s.engine.Health(),
		"open_positions": s.ledger.ActiveCount(),
		"pool": map[string]string{
			"realized":  pool.RealizedPnL.String(),
			"deployed":  pool.Deployed.String(),
			"available": pool.Available().String(),
		},
		"trades_today": today,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
