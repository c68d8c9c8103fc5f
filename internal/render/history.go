package render

import "strandmarkt/internal/prices"

// HistoryChart draws the market price of an item and, where recorded, its
// state value.
func HistoryChart(title string, history []prices.HistoryEntry) ([]byte, error) {
	return Chart(title, historySeries(history)...)
}

func historySeries(history []prices.HistoryEntry) []Series {
	market := Series{Name: "Marktpreis", Color: "0099ff"}
	state := Series{Name: "Staatswert", Color: "ff9900"}
	for _, h := range history {
		market.Points = append(market.Points, Point{At: h.AddedAt, Value: h.MarketPrice.InexactFloat64()})
		if h.StateValue.Valid {
			state.Points = append(state.Points, Point{At: h.AddedAt, Value: h.StateValue.Decimal.InexactFloat64()})
		}
	}
	out := []Series{market}
	if len(state.Points) > 1 {
		out = append(out, state)
	}
	return out
}
