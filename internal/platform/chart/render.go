package chart

import (
	"errors"
	"fmt"
	"math"
	"strconv"
)

var (
	ErrViewportTooSmall = errors.New("viewport leaves no room for the plot area")
	ErrInvalidMode      = errors.New("unknown chart mode")
	ErrInvalidValue     = errors.New("series contains a non-finite value")
)

// Mode selects line or scatter rendering.
type Mode string

const (
	ModeLine    Mode = "line"
	ModeScatter Mode = "scatter"
)

// ParseMode accepts "line" and "scatter"; empty means line.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeLine:
		return ModeLine, nil
	case ModeScatter:
		return ModeScatter, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

// Series is one named sequence of points in ascending X order.
type Series struct {
	Name   string  `json:"name"`
	Unit   string  `json:"unit,omitempty"`
	Points []Point `json:"points"`
}

// Viewport is the drawing surface size.
type Viewport struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Padding is the space reserved around the plot area for labels and legend.
type Padding struct {
	Top, Right, Bottom, Left float64
}

// DefaultPadding leaves room for a legend row above and x labels below.
var DefaultPadding = Padding{Top: 32, Right: 16, Bottom: 36, Left: 56}

// DefaultPalette colors series in order, cycling when exhausted.
var DefaultPalette = []string{"#d62728", "#1f77b4", "#2ca02c", "#9467bd", "#ff7f0e", "#8c564b"}

// Options controls rendering.
type Options struct {
	Mode     Mode
	Viewport Viewport
	// Padding overrides DefaultPadding when non-nil.
	Padding *Padding
	// XTicks is the number of x axis labels; 0 means 5.
	XTicks int
	// XLabel formats an x value, e.g. a unix time as a date.
	XLabel  func(x float64) string
	Palette []string
	// MarkerRadius defaults to 3.
	MarkerRadius float64
}

// Line is a straight segment.
type Line struct {
	From Point `json:"from"`
	To   Point `json:"to"`
}

// Polyline connects a series' points in order.
type Polyline struct {
	Series int     `json:"series"`
	Color  string  `json:"color"`
	Points []Point `json:"points"`
}

// Marker is one data point drawn as a dot. Value keeps the original data point.
type Marker struct {
	Series int     `json:"series"`
	Color  string  `json:"color"`
	Center Point   `json:"center"`
	Radius float64 `json:"radius"`
	Value  Point   `json:"value"`
}

// Label is positioned text.
type Label struct {
	Text   string `json:"text"`
	At     Point  `json:"at"`
	Anchor string `json:"anchor"`
}

// LegendEntry names a series, its color and its native range.
type LegendEntry struct {
	Series int    `json:"series"`
	Name   string `json:"name"`
	Color  string `json:"color"`
	Range  string `json:"range"`
	At     Point  `json:"at"`
}

// Primitives is the target-independent output of Render.
type Primitives struct {
	Mode      Mode          `json:"mode"`
	Viewport  Viewport      `json:"viewport"`
	PlotArea  Rect          `json:"plot_area"`
	Gridlines []Line        `json:"gridlines"`
	Polylines []Polyline    `json:"polylines"`
	Markers   []Marker      `json:"markers"`
	Labels    []Label       `json:"labels"`
	Legend    []LegendEntry `json:"legend"`
}

// Render lays out series in the viewport. The x axis is shared; each series
// is normalized to the full plot height on its own min/max so metrics with
// different units stay readable. A zero-variance series is drawn as a
// horizontal line through the middle, a single point as a lone marker.
func Render(series []Series, opts Options) (Primitives, error) {
	mode, err := ParseMode(string(opts.Mode))
	if err != nil {
		return Primitives{}, err
	}
	pad := DefaultPadding
	if opts.Padding != nil {
		pad = *opts.Padding
	}
	area := Rect{
		X:      pad.Left,
		Y:      pad.Top,
		Width:  opts.Viewport.Width - pad.Left - pad.Right,
		Height: opts.Viewport.Height - pad.Top - pad.Bottom,
	}
	if area.Width <= 0 || area.Height <= 0 {
		return Primitives{}, fmt.Errorf("%w: %gx%g", ErrViewportTooSmall, opts.Viewport.Width, opts.Viewport.Height)
	}
	for _, s := range series {
		for _, p := range s.Points {
			if !finite(p.X) || !finite(p.Y) {
				return Primitives{}, fmt.Errorf("%w: series %q", ErrInvalidValue, s.Name)
			}
		}
	}

	palette := opts.Palette
	if len(palette) == 0 {
		palette = DefaultPalette
	}
	radius := opts.MarkerRadius
	if radius <= 0 {
		radius = 3
	}
	xLabel := opts.XLabel
	if xLabel == nil {
		xLabel = func(x float64) string { return strconv.FormatFloat(x, 'g', 6, 64) }
	}
	ticks := opts.XTicks
	if ticks <= 0 {
		ticks = 5
	}

	out := Primitives{
		Mode:      mode,
		Viewport:  opts.Viewport,
		PlotArea:  area,
		Gridlines: gridlines(area, 4),
		Polylines: []Polyline{},
		Markers:   []Marker{},
		Labels:    []Label{},
		Legend:    []LegendEntry{},
	}

	var xs []float64
	for _, s := range series {
		for _, p := range s.Points {
			xs = append(xs, p.X)
		}
	}
	xExtent, hasData := ExtentOf(xs)
	xScale := Scale{Domain: xExtent, From: area.X, To: area.X + area.Width}

	if hasData {
		for _, x := range xExtent.Ticks(ticks) {
			out.Labels = append(out.Labels, Label{
				Text:   xLabel(x),
				At:     Point{X: xScale.Map(x), Y: area.Y + area.Height + pad.Bottom/2},
				Anchor: "middle",
			})
		}
	}

	for i, s := range series {
		color := palette[i%len(palette)]
		out.Legend = append(out.Legend, legendEntry(i, s, color, area, pad, len(series)))
		if len(s.Points) == 0 {
			continue
		}

		ys := make([]float64, len(s.Points))
		for j, p := range s.Points {
			ys[j] = p.Y
		}
		yExtent, _ := ExtentOf(ys)
		yScale := Scale{Domain: yExtent, From: area.Y + area.Height, To: area.Y}

		mapped := make([]Point, len(s.Points))
		for j, p := range s.Points {
			mapped[j] = Point{X: xScale.Map(p.X), Y: yScale.Map(p.Y)}
		}

		if mode == ModeLine && len(mapped) > 1 {
			out.Polylines = append(out.Polylines, Polyline{Series: i, Color: color, Points: mapped})
			continue
		}
		for j, p := range mapped {
			out.Markers = append(out.Markers, Marker{Series: i, Color: color, Center: p, Radius: radius, Value: s.Points[j]})
		}
	}
	return out, nil
}

func gridlines(area Rect, n int) []Line {
	lines := make([]Line, 0, n+1)
	for i := 0; i <= n; i++ {
		y := area.Y + area.Height*float64(i)/float64(n)
		lines = append(lines, Line{From: Point{X: area.X, Y: y}, To: Point{X: area.X + area.Width, Y: y}})
	}
	return lines
}

func legendEntry(i int, s Series, color string, area Rect, pad Padding, count int) LegendEntry {
	slot := area.Width / float64(count)
	entry := LegendEntry{
		Series: i,
		Name:   s.Name,
		Color:  color,
		Range:  "no data",
		At:     Point{X: area.X + slot*float64(i), Y: pad.Top / 2},
	}
	ys := make([]float64, len(s.Points))
	for j, p := range s.Points {
		ys[j] = p.Y
	}
	if e, ok := ExtentOf(ys); ok {
		entry.Range = formatRange(e, s.Unit)
	}
	return entry
}

func formatRange(e Extent, unit string) string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	r := f(e.Min)
	if e.Span() != 0 {
		r += "-" + f(e.Max)
	}
	if unit != "" {
		r += " " + unit
	}
	return r
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
