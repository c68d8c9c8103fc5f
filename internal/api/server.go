package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"strandmarkt/internal/config"
	"strandmarkt/internal/prices"
	"strandmarkt/internal/render"
	"strandmarkt/internal/trade"
)

const (
	requestIDHeader = "X-Request-ID"
	maxListLimit    = 100
)

// PriceBook is the read side of the price service.
type PriceBook interface {
	All(ctx context.Context) ([]prices.Record, error)
	Current(ctx context.Context, name string) (prices.Record, error)
	History(ctx context.Context, name string, limit int) ([]prices.HistoryEntry, error)
	Stats(ctx context.Context, name string) (prices.Stats, error)
}

// OfferBook is the read side of the trade engine.
type OfferBook interface {
	ListActiveOffers(ctx context.Context, filter trade.OfferFilter) ([]trade.Offer, error)
	ListMyOffers(ctx context.Context, userID string, limit int) ([]trade.Offer, error)
	Offer(ctx context.Context, id int64) (trade.Offer, error)
}

type Server struct {
	cfg    config.APIConfig
	log    *slog.Logger
	prices PriceBook
	offers OfferBook
	gather prometheus.Gatherer
	mux    *chi.Mux
}

// New builds the read API. gatherer may be nil, in which case the default
// registry is exposed on /metrics.
func New(cfg config.APIConfig, logger *slog.Logger, priceBook PriceBook, offers OfferBook, gatherer prometheus.Gatherer) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		cfg:    cfg,
		log:    logger,
		prices: priceBook,
		offers: offers,
		gather: gatherer,
		mux:    chi.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	r := s.mux
	r.Use(requestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.gather, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/prices", s.handlePricesList)
		r.Get("/prices/{item}", s.handlePrice)
		r.Get("/prices/{item}/history", s.handlePriceHistory)
		r.Get("/prices/{item}/stats", s.handlePriceStats)
		r.Get("/prices/{item}/chart.png", s.handlePriceChart)

		r.Get("/offers", s.handleOffersList)
		r.Get("/offers/{id}", s.handleOffer)
		r.Get("/users/{id}/offers", s.handleUserOffers)
	})
}

// requestID tags every request with an id, reusing the caller's when given.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// authMiddleware checks the static API token. Without a configured token the
// API is open.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.APIToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handlePricesList(w http.ResponseWriter, r *http.Request) {
	out, err := s.prices.All(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"prices": out})
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	rec, err := s.prices.Current(r.Context(), chi.URLParam(r, "item"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	out := map[string]any{"price": rec}
	if p, ok := prices.ProfitVsState(rec.MarketPrice, rec.StateValue); ok {
		out["profit_vs_state"] = p
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePriceHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.prices.History(r.Context(), chi.URLParam(r, "item"), limit)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": out})
}

func (s *Server) handlePriceStats(w http.ResponseWriter, r *http.Request) {
	out, err := s.prices.Stats(r.Context(), chi.URLParam(r, "item"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePriceChart(w http.ResponseWriter, r *http.Request) {
	history, err := s.prices.History(r.Context(), chi.URLParam(r, "item"), 50)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	png, err := render.HistoryChart("Preisverlauf: "+history[len(history)-1].DisplayName, history)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "max-age=60")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

func (s *Server) handleOffersList(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, 20)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := trade.OfferFilter{Kind: trade.OfferKind(r.URL.Query().Get("kind")), Limit: limit}
	out, err := s.offers.ListActiveOffers(r.Context(), filter)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"offers": out})
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid offer id")
		return
	}
	o, err := s.offers.Offer(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"offer": o, "total": o.Total()})
}

func (s *Server) handleUserOffers(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, 25)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.offers.ListMyOffers(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"offers": out})
}

func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, prices.ErrNotFound), errors.Is(err, prices.ErrNoHistory), errors.Is(err, trade.ErrOfferNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, trade.ErrInvalidKind):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, render.ErrNotEnoughData):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.log.Error("request failed", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func queryLimit(r *http.Request, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	return min(n, maxListLimit), nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": strings.TrimSpace(message)})
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
