// Package dashboard is the local control surface: account stats, trade
// settings, manual closes, and the Prometheus scrape endpoint.
package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/polycopy/internal/engine"
	"github.com/web3guy0/polycopy/internal/ledger"
	"github.com/web3guy0/polycopy/internal/metrics"
	"github.com/web3guy0/polycopy/internal/model"
	"github.com/web3guy0/polycopy/internal/settings"
)

// Profile identifies the mirrored wallet in the stats payload.
type Profile struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

type Server struct {
	eng     *engine.Engine
	led     *ledger.Store
	profile Profile
	srv     *http.Server
}

func New(addr string, eng *engine.Engine, led *ledger.Store, profile Profile) *Server {
	s := &Server{eng: eng, led: led, profile: profile}

	r := mux.NewRouter()
	r.HandleFunc("/api/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/api/control/toggle", s.handleToggle).Methods(http.MethodPost)
	r.HandleFunc("/api/control/close-all", s.handleCloseAll).Methods(http.MethodPost)
	r.HandleFunc("/api/close", s.handleClose).Methods(http.MethodPost)
	r.HandleFunc("/api/settings/trade-amount", s.handleGetSettings).Methods(http.MethodGet)
	r.HandleFunc("/api/settings/trade-amount", s.handleSetSettings).Methods(http.MethodPost)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(r)

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until Shutdown. Blocking.
func (s *Server) Start() error {
	log.Info().Str("addr", s.srv.Addr).Msg("🖥️ Dashboard listening")
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

type statsResponse struct {
	Running         bool                    `json:"botStatus"`
	Profile         Profile                 `json:"profile"`
	Balance         float64                 `json:"balance"`
	Equity          float64                 `json:"equity"`
	UnrealizedPnL   float64                 `json:"totalUnrealizedPnL"`
	RealizedPnL     float64                 `json:"allTimePnL"`
	DailyPnL        float64                 `json:"dailyRealizedPnL"`
	Positions       []ledger.Position       `json:"activePositions"`
	ClosedPositions []ledger.ClosedPosition `json:"closedPositions"`
	TradeEvents     []ledger.TradeEvent     `json:"history"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	positions := s.led.Positions()
	closed := s.led.ClosedPositions()

	resp := statsResponse{
		Running:         s.eng.Running(),
		Profile:         s.profile,
		Balance:         s.led.Balance(),
		Positions:       positions,
		ClosedPositions: closed,
		TradeEvents:     s.led.TradeEvents(),
	}
	resp.Equity = resp.Balance
	for _, p := range positions {
		resp.Equity += p.CurrentValue
		resp.UnrealizedPnL += p.UnrealizedPnL
	}
	midnight := time.Now().UTC().Truncate(24 * time.Hour).UnixMilli()
	for _, c := range closed {
		resp.RealizedPnL += c.RealizedPnL
		if c.CloseTimestamp >= midnight {
			resp.DailyPnL += c.RealizedPnL
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	running := s.eng.Toggle()
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "isRunning": running})
}

func (s *Server) handleCloseAll(w http.ResponseWriter, r *http.Request) {
	n := s.eng.CloseAll()
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "closed": n})
}

type closeRequest struct {
	MarketID     string `json:"marketId"`
	TokenID      string `json:"tokenId"`
	Side         string `json:"side"`
	OutcomeLabel string `json:"outcomeLabel"`
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	var req closeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MarketID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "marketId is required"})
		return
	}
	side := model.SideYes
	if req.Side == string(model.SideNo) {
		side = model.SideNo
	}

	status := s.eng.ManualClose(req.MarketID, req.TokenID, side, req.OutcomeLabel)
	switch status {
	case ledger.CloseAccepted:
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	case ledger.CloseNotFound:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "position not found"})
	default:
		writeJSON(w, http.StatusConflict, map[string]string{"error": "close refused"})
	}
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.TradeSettings())
}

func (s *Server) handleSetSettings(w http.ResponseWriter, r *http.Request) {
	var patch settings.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed settings patch"})
		return
	}
	writeJSON(w, http.StatusOK, s.eng.ApplyTradeSettings(patch))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Dashboard response encode failed")
	}
}
