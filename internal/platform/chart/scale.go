// Package chart maps numeric series onto a viewport and produces drawing
// primitives. It knows nothing about what the series measure; emitters such
// as SVG consume the primitives.
package chart

import "math"

// Point is a position in data or viewport space.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Rect is an axis-aligned rectangle in viewport space.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Extent is the closed interval spanned by a set of values.
type Extent struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// ExtentOf returns the extent of values. ok is false when values is empty.
func ExtentOf(values []float64) (e Extent, ok bool) {
	if len(values) == 0 {
		return Extent{}, false
	}
	e = Extent{Min: values[0], Max: values[0]}
	for _, v := range values[1:] {
		e.Min = math.Min(e.Min, v)
		e.Max = math.Max(e.Max, v)
	}
	return e, true
}

// Span is Max-Min.
func (e Extent) Span() float64 { return e.Max - e.Min }

// Scale maps a data extent linearly onto [From, To]. From may be greater than
// To, as for a y axis that grows downward.
type Scale struct {
	Domain Extent
	From   float64
	To     float64
}

// Map projects v. A zero-span domain maps every value to the middle of the range.
func (s Scale) Map(v float64) float64 {
	span := s.Domain.Span()
	if span == 0 {
		return (s.From + s.To) / 2
	}
	return s.From + (v-s.Domain.Min)/span*(s.To-s.From)
}

// Invert maps a range position back into the domain.
func (s Scale) Invert(p float64) float64 {
	if s.To == s.From {
		return s.Domain.Min
	}
	return s.Domain.Min + (p-s.From)/(s.To-s.From)*s.Domain.Span()
}

// Ticks returns n evenly spaced domain values from Min to Max inclusive, or a
// single value for a zero-span domain.
func (e Extent) Ticks(n int) []float64 {
	if e.Span() == 0 || n < 2 {
		return []float64{e.Min}
	}
	out := make([]float64, n)
	step := e.Span() / float64(n-1)
	for i := range out {
		out[i] = e.Min + float64(i)*step
	}
	out[n-1] = e.Max
	return out
}
