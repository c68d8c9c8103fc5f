package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strandmarkt/internal/config"
	"strandmarkt/internal/metrics"
	"strandmarkt/internal/prices"
	"strandmarkt/internal/trade"
)

type fakePrices struct {
	records map[string]prices.Record
	history map[string][]prices.HistoryEntry
	err     error
}

func (f *fakePrices) All(context.Context) ([]prices.Record, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]prices.Record, 0, len(f.records))
	for _, r := range f.records {
		out = append(out, r)
	}
	return out, nil
}

func (f *fakePrices) Current(_ context.Context, name string) (prices.Record, error) {
	r, ok := f.records[prices.Key(name)]
	if !ok {
		return prices.Record{}, prices.ErrNotFound
	}
	return r, nil
}

func (f *fakePrices) History(_ context.Context, name string, limit int) ([]prices.HistoryEntry, error) {
	h := f.history[prices.Key(name)]
	if len(h) == 0 {
		return nil, prices.ErrNoHistory
	}
	if len(h) > limit {
		h = h[len(h)-limit:]
	}
	return h, nil
}

func (f *fakePrices) Stats(ctx context.Context, name string) (prices.Stats, error) {
	h, err := f.History(ctx, name, 10_000)
	if err != nil {
		return prices.Stats{}, err
	}
	return prices.ComputeStats(h)
}

type fakeOffers struct {
	offers     []trade.Offer
	lastFilter trade.OfferFilter
	lastUser   string
	lastLimit  int
}

func (f *fakeOffers) ListActiveOffers(_ context.Context, filter trade.OfferFilter) ([]trade.Offer, error) {
	if filter.Kind != "" {
		if _, err := trade.ParseKind(string(filter.Kind)); err != nil {
			return nil, err
		}
	}
	f.lastFilter = filter
	return f.offers, nil
}

func (f *fakeOffers) ListMyOffers(_ context.Context, userID string, limit int) ([]trade.Offer, error) {
	f.lastUser, f.lastLimit = userID, limit
	return f.offers, nil
}

func (f *fakeOffers) Offer(_ context.Context, id int64) (trade.Offer, error) {
	for _, o := range f.offers {
		if o.ID == id {
			return o, nil
		}
	}
	return trade.Offer{}, trade.ErrOfferNotFound
}

func newTestServer(t *testing.T, token string) (*Server, *fakePrices, *fakeOffers) {
	t.Helper()
	base := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	fp := &fakePrices{
		records: map[string]prices.Record{
			"goldbarren": {
				ItemKey:     "goldbarren",
				DisplayName: "Goldbarren",
				MarketPrice: decimal.NewFromInt(1500),
				StateValue:  decimal.NewNullDecimal(decimal.NewFromInt(1000)),
				UpdatedAt:   base,
			},
		},
		history: map[string][]prices.HistoryEntry{
			"goldbarren": {
				{ItemKey: "goldbarren", DisplayName: "Goldbarren", MarketPrice: decimal.NewFromInt(1400), AddedAt: base.Add(-2 * time.Hour)},
				{ItemKey: "goldbarren", DisplayName: "Goldbarren", MarketPrice: decimal.NewFromInt(1500), AddedAt: base},
			},
			"fisch": {
				{ItemKey: "fisch", DisplayName: "Fisch", MarketPrice: decimal.NewFromInt(5), AddedAt: base},
			},
		},
	}
	fo := &fakeOffers{offers: []trade.Offer{{
		ID:          3,
		CreatorID:   "u1",
		DisplayName: "Goldbarren",
		Kind:        trade.KindSell,
		UnitPrice:   decimal.NewFromInt(1500),
		Quantity:    2,
		Status:      trade.OfferActive,
	}}}

	reg := prometheus.NewRegistry()
	metrics.New(reg).OfferCreated()
	return New(config.APIConfig{APIToken: token}, nil, fp, fo, reg), fp, fo
}

func do(t *testing.T, s *Server, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthzIsPublic(t *testing.T) {
	s, _, _ := newTestServer(t, "secret")
	rec := do(t, s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))
}

func TestRequestIDIsEchoed(t *testing.T) {
	s, _, _ := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get(requestIDHeader))
}

func TestMetricsEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t, "secret")
	rec := do(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "strandmarkt_")
}

func TestAuthRequired(t *testing.T) {
	s, _, _ := newTestServer(t, "secret")
	assert.Equal(t, http.StatusUnauthorized, do(t, s, http.MethodGet, "/v1/prices", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, s, http.MethodGet, "/v1/prices", "wrong").Code)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/v1/prices", "secret").Code)
}

func TestOpenWithoutToken(t *testing.T) {
	s, _, _ := newTestServer(t, "")
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/v1/prices", "").Code)
}

func TestPriceDetailIncludesProfit(t *testing.T) {
	s, _, _ := newTestServer(t, "")
	rec := do(t, s, http.MethodGet, "/v1/prices/Goldbarren", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	profit, ok := body["profit_vs_state"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "500", profit["amount"])
	assert.Equal(t, "50", profit["percent"])
}

func TestPriceNotFound(t *testing.T) {
	s, _, _ := newTestServer(t, "")
	rec := do(t, s, http.MethodGet, "/v1/prices/unbekannt", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["error"], "no price")
}

func TestPriceHistoryLimit(t *testing.T) {
	s, _, _ := newTestServer(t, "")
	rec := do(t, s, http.MethodGet, "/v1/prices/goldbarren/history?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	history := decodeBody(t, rec)["history"].([]any)
	assert.Len(t, history, 1)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/v1/prices/goldbarren/history?limit=x", "").Code)
}

func TestPriceStats(t *testing.T) {
	s, _, _ := newTestServer(t, "")
	rec := do(t, s, http.MethodGet, "/v1/prices/goldbarren/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(2), body["entries"])
	assert.Equal(t, "1450", body["avg_market"])
}

func TestPriceChart(t *testing.T) {
	s, _, _ := newTestServer(t, "")
	rec := do(t, s, http.MethodGet, "/v1/prices/goldbarren/chart.png", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(rec.Body.String(), "\x89PNG"))

	assert.Equal(t, http.StatusUnprocessableEntity, do(t, s, http.MethodGet, "/v1/prices/fisch/chart.png", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/v1/prices/nichts/chart.png", "").Code)
}

func TestOffersList(t *testing.T) {
	s, _, fo := newTestServer(t, "")
	rec := do(t, s, http.MethodGet, "/v1/offers?kind=sell&limit=500", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, trade.KindSell, fo.lastFilter.Kind)
	assert.Equal(t, maxListLimit, fo.lastFilter.Limit)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/v1/offers?kind=tausch", "").Code)
}

func TestOfferDetail(t *testing.T) {
	s, _, _ := newTestServer(t, "")
	rec := do(t, s, http.MethodGet, "/v1/offers/3", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "3000", decodeBody(t, rec)["total"])

	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/v1/offers/99", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/v1/offers/abc", "").Code)
}

func TestUserOffers(t *testing.T) {
	s, _, fo := newTestServer(t, "")
	rec := do(t, s, http.MethodGet, "/v1/users/u1/offers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u1", fo.lastUser)
	assert.Equal(t, 25, fo.lastLimit)
}

func TestInternalErrorsAreHidden(t *testing.T) {
	s, fp, _ := newTestServer(t, "")
	fp.err = errors.New("pq: password authentication failed")
	rec := do(t, s, http.MethodGet, "/v1/prices", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal error", decodeBody(t, rec)["error"])
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", bearerToken("Bearer abc"))
	assert.Equal(t, "abc", bearerToken("bearer  abc "))
	assert.Equal(t, "", bearerToken("Basic abc"))
	assert.Equal(t, "", bearerToken(""))
}
