package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/fatih/color"
	"github.com/shopspring/decimal"
	"golang.org/x/term"

	cl "strandmarkt/internal/cli"
	"strandmarkt/internal/prices"
	"strandmarkt/internal/trade"
)

var (
	stdinReader = bufio.NewReader(os.Stdin)
	accent      = color.New(color.FgCyan, color.Bold)
	success     = color.New(color.FgGreen, color.Bold)
	warn        = color.New(color.FgYellow, color.Bold)
	danger      = color.New(color.FgRed, color.Bold)
	neutral     = color.New(color.FgHiWhite)

	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	boxStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("39")).Padding(0, 1)
	gainStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	lossStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

func stdoutIsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// configureColor turns colors off when the output is piped.
func configureColor() {
	if !stdoutIsTerminal() {
		color.NoColor = true
	}
}

func terminalWidth() int {
	if !stdoutIsTerminal() {
		return 0
	}
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return 0
	}
	return w
}

func printSuccess(msg string) {
	success.Println(msg)
}

func printWarn(msg string) {
	warn.Println(msg)
}

func printError(msg string) {
	danger.Fprintln(os.Stderr, msg)
}

func printInfo(msg string) {
	neutral.Println(msg)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// promptSecret reads without echo on a terminal and falls back to a plain
// line read when stdin is piped.
func promptSecret(label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return promptRequired(label)
	}
	for {
		fmt.Printf("%s: ", label)
		raw, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", err
		}
		text := strings.TrimSpace(string(raw))
		if text != "" {
			return text, nil
		}
		printWarn(label + " is required.")
	}
}

func promptRequired(label string) (string, error) {
	for {
		fmt.Printf("%s: ", label)
		text, err := stdinReader.ReadString('\n')
		if err != nil {
			return "", err
		}
		text = strings.TrimSpace(text)
		if text != "" {
			return text, nil
		}
		printWarn(label + " is required.")
	}
}

func money(d decimal.Decimal) string {
	return d.StringFixed(2) + " €"
}

func optionalMoney(d decimal.NullDecimal) string {
	if !d.Valid {
		return "-"
	}
	return money(d.Decimal)
}

func signed(d decimal.Decimal, suffix string) string {
	text := d.StringFixed(2) + suffix
	switch d.Sign() {
	case 1:
		return gainStyle.Render("+" + text)
	case -1:
		return lossStyle.Render(text)
	}
	return text
}

func newTable(headers ...string) *table.Table {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("240"))).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	if w := terminalWidth(); w > 0 {
		t = t.Width(w)
	}
	return t
}

func renderPrices(recs []prices.Record) {
	if len(recs) == 0 {
		printWarn("No prices stored yet.")
		return
	}
	accent.Printf("%d items\n", len(recs))
	t := newTable("Item", "Market", "State", "Updated by", "Updated")
	for _, r := range recs {
		t.Row(r.DisplayName, money(r.MarketPrice), optionalMoney(r.StateValue), r.UpdatedBy, r.UpdatedAt.Local().Format("2006-01-02 15:04"))
	}
	fmt.Println(t.Render())
}

func renderPrice(d cl.PriceDetail) {
	lines := []string{
		headerStyle.UnsetPadding().Render(d.Price.DisplayName),
		"",
		"Market:  " + money(d.Price.MarketPrice),
		"State:   " + optionalMoney(d.Price.StateValue),
	}
	if d.Profit != nil {
		lines = append(lines, "Profit:  "+signed(d.Profit.Amount, " €")+" ("+signed(d.Profit.Percent, " %")+")")
	}
	lines = append(lines, "Updated: "+d.Price.UpdatedAt.Local().Format("2006-01-02 15:04")+" by "+d.Price.UpdatedBy)
	fmt.Println(boxStyle.Render(strings.Join(lines, "\n")))
}

func renderHistory(history []prices.HistoryEntry) {
	if len(history) == 0 {
		printWarn("No history.")
		return
	}
	accent.Println(history[0].DisplayName)
	t := newTable("When", "Market", "State", "Change", "By")
	var prev decimal.Decimal
	for i, h := range history {
		change := "-"
		if i > 0 {
			change = signed(h.MarketPrice.Sub(prev), " €")
		}
		prev = h.MarketPrice
		t.Row(h.AddedAt.Local().Format("2006-01-02 15:04"), money(h.MarketPrice), optionalMoney(h.StateValue), change, h.AddedBy)
	}
	fmt.Println(t.Render())
}

func renderStats(item string, st prices.Stats) {
	t := newTable("Metric", "Value")
	t.Row("Entries", strconv.Itoa(st.Entries))
	t.Row("Average", money(st.AvgMarket))
	t.Row("Min", money(st.MinMarket))
	t.Row("Max", money(st.MaxMarket))
	t.Row("Spread", money(st.Spread)+" ("+st.SpreadPct.StringFixed(1)+" %)")
	if st.StateEntries > 0 {
		t.Row("State average", money(st.AvgState))
		t.Row("State range", money(st.MinState)+" - "+money(st.MaxState))
		t.Row("Average profit", signed(st.AvgProfit, " €")+" ("+signed(st.AvgProfitPct, " %")+")")
	}
	accent.Println(item)
	fmt.Println(t.Render())
}

func renderOffers(title string, offers []trade.Offer) {
	if len(offers) == 0 {
		printWarn("No offers.")
		return
	}
	accent.Printf("%s (%d)\n", title, len(offers))
	t := newTable("ID", "Kind", "Item", "Qty", "Unit", "Total", "Creator", "Status")
	for _, o := range offers {
		t.Row(
			strconv.FormatInt(o.ID, 10),
			string(o.Kind),
			o.DisplayName,
			strconv.Itoa(o.Quantity),
			money(o.UnitPrice),
			money(o.Total()),
			o.CreatorName,
			string(o.Status),
		)
	}
	fmt.Println(t.Render())
}

func renderOffer(d cl.OfferDetail) {
	o := d.Offer
	lines := []string{
		headerStyle.UnsetPadding().Render(fmt.Sprintf("#%d %s %s", o.ID, o.Kind, o.DisplayName)),
		"",
		fmt.Sprintf("Quantity: %d", o.Quantity),
		"Unit:     " + money(o.UnitPrice),
		"Total:    " + money(d.Total),
		"Creator:  " + o.CreatorName + " (" + o.CreatorID + ")",
		"Status:   " + string(o.Status),
		"Created:  " + o.CreatedAt.Local().Format("2006-01-02 15:04"),
	}
	if o.ExpiresAt != nil {
		lines = append(lines, "Expires:  "+o.ExpiresAt.Local().Format("2006-01-02 15:04"))
	}
	if o.Description != "" {
		lines = append(lines, "", o.Description)
	}
	fmt.Println(boxStyle.Render(strings.Join(lines, "\n")))
	if o.Status != trade.OfferActive {
		printInfo("This offer is no longer open.")
	}
}
