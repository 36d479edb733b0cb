package chart

import (
	"fmt"
	"html"
	"io"
	"strings"
)

// WriteSVG emits p as a standalone SVG document.
func WriteSVG(w io.Writer, p Primitives) error {
	_, err := io.WriteString(w, SVG(p))
	return err
}

// SVG renders p as an SVG document string.
func SVG(p Primitives) string {
	var b strings.Builder
	fmt.Fprintf(&b, `<svg xmlns="http://www.w3.org/2000/svg" width="%s" height="%s" viewBox="0 0 %s %s" font-family="sans-serif" font-size="11">`,
		num(p.Viewport.Width), num(p.Viewport.Height), num(p.Viewport.Width), num(p.Viewport.Height))
	b.WriteString("\n")

	a := p.PlotArea
	fmt.Fprintf(&b, `<rect class="plot-area" x="%s" y="%s" width="%s" height="%s" fill="none" stroke="#999"/>`+"\n",
		num(a.X), num(a.Y), num(a.Width), num(a.Height))

	for _, g := range p.Gridlines {
		fmt.Fprintf(&b, `<line class="grid" x1="%s" y1="%s" x2="%s" y2="%s" stroke="#e5e5e5"/>`+"\n",
			num(g.From.X), num(g.From.Y), num(g.To.X), num(g.To.Y))
	}

	for _, pl := range p.Polylines {
		pts := make([]string, len(pl.Points))
		for i, pt := range pl.Points {
			pts[i] = num(pt.X) + "," + num(pt.Y)
		}
		fmt.Fprintf(&b, `<polyline class="series-%d" points="%s" fill="none" stroke="%s" stroke-width="2"/>`+"\n",
			pl.Series, strings.Join(pts, " "), html.EscapeString(pl.Color))
	}

	for _, m := range p.Markers {
		fmt.Fprintf(&b, `<circle class="series-%d" cx="%s" cy="%s" r="%s" fill="%s"/>`+"\n",
			m.Series, num(m.Center.X), num(m.Center.Y), num(m.Radius), html.EscapeString(m.Color))
	}

	for _, l := range p.Labels {
		fmt.Fprintf(&b, `<text x="%s" y="%s" text-anchor="%s">%s</text>`+"\n",
			num(l.At.X), num(l.At.Y), html.EscapeString(l.Anchor), html.EscapeString(l.Text))
	}

	for _, e := range p.Legend {
		fmt.Fprintf(&b, `<rect x="%s" y="%s" width="10" height="10" fill="%s"/>`+"\n",
			num(e.At.X), num(e.At.Y-5), html.EscapeString(e.Color))
		fmt.Fprintf(&b, `<text x="%s" y="%s">%s (%s)</text>`+"\n",
			num(e.At.X+14), num(e.At.Y+4), html.EscapeString(e.Name), html.EscapeString(e.Range))
	}

	b.WriteString("</svg>\n")
	return b.String()
}

// num formats a coordinate with at most two decimals and no trailing zeros.
func num(v float64) string {
	s := fmt.Sprintf("%.2f", v)
	s = strings.TrimRight(s, "0")
	s = strings.TrimSuffix(s, ".")
	if s == "-0" {
		return "0"
	}
	return s
}
