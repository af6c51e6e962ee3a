package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/spooky-finn/go-orderbook-mirror/domain"
	"github.com/spooky-finn/go-orderbook-mirror/usecase"
)

var logger = log.With().Str("component", "server").Logger()

// BookView is the read surface the HTTP layer serves. Satisfied by
// usecase.BookViewUseCase.
type BookView interface {
	GetTopN(n int) domain.DepthView
	GetSpreadMid() (spread, mid float64)
	GetVWAP(depth int) (bidVWAP, askVWAP float64)
	GetSupportResistance(opts domain.SupportResistanceOpts) (support, resistance []domain.KeyLevel)
	GetSnapshot(limit int) *domain.OrderBookSnapshot
	Status() usecase.BookStatus
	Subscribe(fn func(*domain.OrderBook))
}

type Server struct {
	view BookView
	hub  *BroadcastHub
	http *http.Server
}

func NewServer(view BookView, addr string) *Server {
	s := &Server{
		view: view,
		hub:  NewBroadcastHub(view),
	}

	router := mux.NewRouter()
	router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/book", s.handleBook).Methods(http.MethodGet)
	router.HandleFunc("/analytics", s.handleAnalytics).Methods(http.MethodGet)
	router.HandleFunc("/ws", s.hub.HandleWebSocket)

	s.http = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Start serves until Shutdown. It blocks.
func (s *Server) Start() error {
	s.hub.Run()

	logger.Info().Str("addr", s.http.Addr).Msg("http server listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Stop()
	return s.http.Shutdown(ctx)
}

func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.view.Status())
}

func (s *Server) handleBook(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)

	snapshot := s.view.GetSnapshot(limit)
	if snapshot == nil {
		http.Error(w, `{"error":"book is not synchronized yet"}`, http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, snapshot)
}

type analyticsResponse struct {
	Spread     float64           `json:"spread"`
	Mid        float64           `json:"mid"`
	BidVWAP    float64           `json:"bidVwap"`
	AskVWAP    float64           `json:"askVwap"`
	Support    []domain.KeyLevel `json:"support"`
	Resistance []domain.KeyLevel `json:"resistance"`
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	opts := domain.DefaultSupportResistanceOpts()
	if v := queryInt(r, "maxLevels", 0); v > 0 {
		opts.MaxLevels = v
	}
	if v := queryInt(r, "lookback", 0); v > 0 {
		opts.LookbackLevels = v
	}
	if v := r.URL.Query().Get("percentile"); v != "" {
		if p, err := strconv.ParseFloat(v, 64); err == nil {
			opts.MinSizePercentile = p
		}
	}

	resp := analyticsResponse{}
	resp.Spread, resp.Mid = s.view.GetSpreadMid()
	resp.BidVWAP, resp.AskVWAP = s.view.GetVWAP(domain.VWAPDepth)
	resp.Support, resp.Resistance = s.view.GetSupportResistance(opts)

	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn().Err(err).Msg("failed to encode response")
	}
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
