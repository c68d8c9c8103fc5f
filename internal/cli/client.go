package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"strandmarkt/internal/prices"
	"strandmarkt/internal/trade"
)

// APIError is a non-2xx answer of the API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api status %d: %s", e.Status, e.Message)
}

func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   strings.TrimSpace(token),
		HTTP: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type PriceDetail struct {
	Price  prices.Record  `json:"price"`
	Profit *prices.Profit `json:"profit_vs_state,omitempty"`
}

type OfferDetail struct {
	Offer trade.Offer     `json:"offer"`
	Total decimal.Decimal `json:"total"`
}

func (c *Client) Health(ctx context.Context) error {
	return c.jsonRequest(ctx, "/healthz", nil)
}

func (c *Client) Prices(ctx context.Context) ([]prices.Record, error) {
	var out struct {
		Prices []prices.Record `json:"prices"`
	}
	err := c.jsonRequest(ctx, "/v1/prices", &out)
	return out.Prices, err
}

func (c *Client) Price(ctx context.Context, item string) (PriceDetail, error) {
	var out PriceDetail
	err := c.jsonRequest(ctx, "/v1/prices/"+url.PathEscape(item), &out)
	return out, err
}

func (c *Client) History(ctx context.Context, item string, limit int) ([]prices.HistoryEntry, error) {
	var out struct {
		History []prices.HistoryEntry `json:"history"`
	}
	err := c.jsonRequest(ctx, "/v1/prices/"+url.PathEscape(item)+"/history"+limitQuery(limit, ""), &out)
	return out.History, err
}

func (c *Client) Stats(ctx context.Context, item string) (prices.Stats, error) {
	var out prices.Stats
	err := c.jsonRequest(ctx, "/v1/prices/"+url.PathEscape(item)+"/stats", &out)
	return out, err
}

// Chart downloads the rendered price chart as PNG.
func (c *Client) Chart(ctx context.Context, item string) ([]byte, error) {
	resp, err := c.get(ctx, "/v1/prices/"+url.PathEscape(item)+"/chart.png", "image/png")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (c *Client) Offers(ctx context.Context, kind string, limit int) ([]trade.Offer, error) {
	var out struct {
		Offers []trade.Offer `json:"offers"`
	}
	err := c.jsonRequest(ctx, "/v1/offers"+limitQuery(limit, kind), &out)
	return out.Offers, err
}

func (c *Client) Offer(ctx context.Context, id int64) (OfferDetail, error) {
	var out OfferDetail
	err := c.jsonRequest(ctx, "/v1/offers/"+strconv.FormatInt(id, 10), &out)
	return out, err
}

func (c *Client) UserOffers(ctx context.Context, userID string, limit int) ([]trade.Offer, error) {
	var out struct {
		Offers []trade.Offer `json:"offers"`
	}
	err := c.jsonRequest(ctx, "/v1/users/"+url.PathEscape(userID)+"/offers"+limitQuery(limit, ""), &out)
	return out.Offers, err
}

func limitQuery(limit int, kind string) string {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if kind != "" {
		q.Set("kind", kind)
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

func (c *Client) jsonRequest(ctx context.Context, path string, out any) error {
	resp, err := c.get(ctx, path, "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// get performs a GET and turns non-2xx answers into *APIError. The caller
// closes the body.
func (c *Client) get(ctx context.Context, path, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", accept)
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(raw))
		var body struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &body) == nil && body.Error != "" {
			msg = body.Error
		}
		return nil, &APIError{Status: resp.StatusCode, Message: msg}
	}
	return resp, nil
}
