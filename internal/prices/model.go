package prices

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"strandmarkt/internal/trade"
)

// DefaultSearchLimit matches the number of choices Discord accepts in an
// autocomplete response.
const DefaultSearchLimit = 25

var (
	ErrNotFound     = errors.New("no price for item")
	ErrNameRequired = errors.New("item name is required")
	ErrInvalidPrice = errors.New("market price must be > 0")
	ErrInvalidState = errors.New("state value must be > 0")
	ErrNoHistory    = errors.New("no price history for item")
)

type Record struct {
	ItemKey     string              `json:"item_key"`
	DisplayName string              `json:"display_name"`
	MarketPrice decimal.Decimal     `json:"market_price"`
	StateValue  decimal.NullDecimal `json:"state_value"`
	ImageURL    string              `json:"image_url,omitempty"`
	UpdatedBy   string              `json:"updated_by"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

type HistoryEntry struct {
	ItemKey     string              `json:"item_key"`
	DisplayName string              `json:"display_name"`
	MarketPrice decimal.Decimal     `json:"market_price"`
	StateValue  decimal.NullDecimal `json:"state_value"`
	AddedBy     string              `json:"added_by"`
	AddedAt     time.Time           `json:"added_at"`
}

type UpsertInput struct {
	Name        string
	MarketPrice decimal.Decimal
	// StateValue and ImageURL keep the stored values when left empty.
	StateValue decimal.NullDecimal
	ImageURL   string
	UpdatedBy  string
}

type UpsertResult struct {
	Record    Record
	Created   bool
	KeptState bool
	KeptImage bool
}

func (in UpsertInput) validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return ErrNameRequired
	}
	if !in.MarketPrice.IsPositive() {
		return ErrInvalidPrice
	}
	if in.StateValue.Valid && !in.StateValue.Decimal.IsPositive() {
		return ErrInvalidState
	}
	if in.MarketPrice.GreaterThan(trade.MaxPrice) || (in.StateValue.Valid && in.StateValue.Decimal.GreaterThan(trade.MaxPrice)) {
		return trade.ErrPriceTooHigh
	}
	return nil
}

// Key normalizes a user supplied item name to its lookup key.
func Key(name string) string {
	k, _ := trade.NormalizeItem(name)
	return k
}

// Profit is the margin of a market price over the state value.
type Profit struct {
	Amount  decimal.Decimal `json:"amount"`
	Percent decimal.Decimal `json:"percent"`
}

// ProfitVsState compares a market price with the state value. It reports
// false when there is no positive state value to compare against.
func ProfitVsState(market decimal.Decimal, state decimal.NullDecimal) (Profit, bool) {
	if !state.Valid || !state.Decimal.IsPositive() {
		return Profit{}, false
	}
	amount := market.Sub(state.Decimal)
	return Profit{
		Amount:  amount,
		Percent: amount.Div(state.Decimal).Mul(decimal.NewFromInt(100)).Round(1),
	}, true
}

type Stats struct {
	Entries      int             `json:"entries"`
	AvgMarket    decimal.Decimal `json:"avg_market"`
	MinMarket    decimal.Decimal `json:"min_market"`
	MaxMarket    decimal.Decimal `json:"max_market"`
	Spread       decimal.Decimal `json:"spread"`
	SpreadPct    decimal.Decimal `json:"spread_pct"`
	StateEntries int             `json:"state_entries"`
	AvgState     decimal.Decimal `json:"avg_state,omitempty"`
	MinState     decimal.Decimal `json:"min_state,omitempty"`
	MaxState     decimal.Decimal `json:"max_state,omitempty"`
	AvgProfit    decimal.Decimal `json:"avg_profit,omitempty"`
	AvgProfitPct decimal.Decimal `json:"avg_profit_pct,omitempty"`
}

// ComputeStats aggregates a price history. SpreadPct is (max-min)/avg in
// percent, rounded to one decimal. State value figures are only filled when
// at least one entry carries a state value.
func ComputeStats(history []HistoryEntry) (Stats, error) {
	if len(history) == 0 {
		return Stats{}, ErrNoHistory
	}
	market := make([]decimal.Decimal, 0, len(history))
	state := make([]decimal.Decimal, 0, len(history))
	for _, h := range history {
		market = append(market, h.MarketPrice)
		if h.StateValue.Valid && h.StateValue.Decimal.IsPositive() {
			state = append(state, h.StateValue.Decimal)
		}
	}

	st := Stats{
		Entries:   len(market),
		AvgMarket: decimal.Avg(market[0], market[1:]...),
		MinMarket: decimal.Min(market[0], market[1:]...),
		MaxMarket: decimal.Max(market[0], market[1:]...),
	}
	st.Spread = st.MaxMarket.Sub(st.MinMarket)
	if st.AvgMarket.IsPositive() {
		st.SpreadPct = st.Spread.Div(st.AvgMarket).Mul(decimal.NewFromInt(100)).Round(1)
	}

	if len(state) > 0 {
		st.StateEntries = len(state)
		st.AvgState = decimal.Avg(state[0], state[1:]...)
		st.MinState = decimal.Min(state[0], state[1:]...)
		st.MaxState = decimal.Max(state[0], state[1:]...)
		p, _ := ProfitVsState(st.AvgMarket, decimal.NewNullDecimal(st.AvgState))
		st.AvgProfit = p.Amount
		st.AvgProfitPct = p.Percent
	}
	return st, nil
}
