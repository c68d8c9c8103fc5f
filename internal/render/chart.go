package render

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"
)

var ErrNotEnoughData = errors.New("at least two data points are needed for a chart")

const (
	chartWidth  = 800
	chartHeight = 400
)

type Point struct {
	At    time.Time
	Value float64
}

// Series is one line of a chart. Color is a hex string without '#'.
type Series struct {
	Name   string
	Color  string
	Points []Point
}

// Chart renders a line chart of one or more series as PNG. The first series
// decides whether there is enough data; further series with fewer than two
// points are skipped.
func Chart(title string, series ...Series) ([]byte, error) {
	if len(series) == 0 || len(series[0].Points) < 2 {
		return nil, ErrNotEnoughData
	}

	var (
		lines    []chart.Series
		lo, hi   float64
		first    = true
		from, to time.Time
	)
	for i, s := range series {
		if i > 0 && len(s.Points) < 2 {
			continue
		}
		xs := make([]time.Time, 0, len(s.Points))
		ys := make([]float64, 0, len(s.Points))
		for _, p := range s.Points {
			xs = append(xs, p.At)
			ys = append(ys, p.Value)
			if first || p.Value < lo {
				lo = p.Value
			}
			if first || p.Value > hi {
				hi = p.Value
			}
			if first || p.At.Before(from) {
				from = p.At
			}
			if first || p.At.After(to) {
				to = p.At
			}
			first = false
		}
		color := s.Color
		if color == "" {
			color = "0099ff"
		}
		lines = append(lines, chart.TimeSeries{
			Name:    s.Name,
			XValues: xs,
			YValues: ys,
			Style: chart.Style{
				StrokeColor: drawing.ColorFromHex(color),
				StrokeWidth: 2,
				DotColor:    drawing.ColorFromHex(color),
				DotWidth:    3,
			},
		})
	}
	if !to.After(from) {
		return nil, ErrNotEnoughData
	}

	pad := (hi - lo) * 0.1
	if pad == 0 {
		pad = hi * 0.1
		if pad == 0 {
			pad = 1
		}
	}
	graph := chart.Chart{
		Title:  title,
		Width:  chartWidth,
		Height: chartHeight,
		Background: chart.Style{
			Padding: chart.Box{Top: 50, Left: 20, Right: 20, Bottom: 20},
		},
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeDateValueFormatter,
		},
		YAxis: chart.YAxis{
			Range: &chart.ContinuousRange{Min: lo - pad, Max: hi + pad},
			ValueFormatter: func(v interface{}) string {
				if f, ok := v.(float64); ok {
					return fmt.Sprintf("%.0f €", f)
				}
				return ""
			},
		},
		Series: lines,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	var buf bytes.Buffer
	if err := graph.Render(chart.PNG, &buf); err != nil {
		return nil, fmt.Errorf("render chart: %w", err)
	}
	return buf.Bytes(), nil
}
