package discord

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var de = message.NewPrinter(language.German)

// currency renders an amount the way the market talks about prices: whole
// euros with German digit grouping, e.g. "12.500 €".
func currency(d decimal.Decimal) string {
	return de.Sprintf("%d €", d.Round(0).IntPart())
}

func percent(d decimal.Decimal) string {
	return de.Sprintf("%.1f %%", d.InexactFloat64())
}

func number(n int) string {
	return de.Sprintf("%d", n)
}

// timestamp renders a Discord timestamp tag in the given style
// ("f" full, "R" relative).
func timestamp(t time.Time, style string) string {
	return fmt.Sprintf("<t:%d:%s>", t.Unix(), style)
}

func germanDuration(d time.Duration) string {
	switch {
	case d >= time.Minute && d%time.Minute == 0:
		n := int(d / time.Minute)
		if n == 1 {
			return "1 Minute"
		}
		return fmt.Sprintf("%d Minuten", n)
	case d < time.Second:
		return "wenigen Sekunden"
	default:
		n := int(d.Round(time.Second) / time.Second)
		if n == 1 {
			return "1 Sekunde"
		}
		return fmt.Sprintf("%d Sekunden", n)
	}
}

func trendEmoji(d decimal.Decimal) string {
	switch d.Sign() {
	case 1:
		return "📈"
	case -1:
		return "📉"
	default:
		return "➡️"
	}
}

func mention(userID string) string {
	return "<@" + userID + ">"
}

// truncate cuts s to at most n runes, marking the cut with an ellipsis.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n-1])) + "…"
}
