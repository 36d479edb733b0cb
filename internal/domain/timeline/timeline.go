// Package timeline derives filtered, ordered views and metric series from a
// patient's records. Nothing here mutates a record.
package timeline

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/ecgreview/internal/domain/classification"
	"github.com/ehr/ecgreview/internal/domain/record"
	"github.com/ehr/ecgreview/internal/platform/chart"
)

// Filter returns the records matching c in their original relative order.
func Filter(records []*record.Record, c Criteria) []*record.Record {
	out := make([]*record.Record, 0, len(records))
	for _, r := range records {
		if c.Match(r) {
			out = append(out, r)
		}
	}
	return out
}

// SortForDisplay returns a copy ordered most recent first.
func SortForDisplay(records []*record.Record) []*record.Record {
	out := append([]*record.Record(nil), records...)
	sort.SliceStable(out, func(i, j int) bool { return out[j].Before(out[i]) })
	return out
}

// SortForChart returns a copy in ascending capture order.
func SortForChart(records []*record.Record) []*record.Record {
	out := append([]*record.Record(nil), records...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// SeriesPoint is one metric value at a capture time.
type SeriesPoint struct {
	At       time.Time `json:"at"`
	Value    float64   `json:"value"`
	RecordID uuid.UUID `json:"record_id"`
}

// Series is one metric over time, ascending.
type Series struct {
	Metric classification.MetricKey `json:"metric"`
	Label  string                   `json:"label"`
	Unit   string                   `json:"unit"`
	Points []SeriesPoint            `json:"points"`
}

// ToSeries maps records to one series for key without interpolation. An
// unknown key yields an empty series.
func ToSeries(records []*record.Record, key classification.MetricKey) Series {
	s := Series{Metric: key, Points: []SeriesPoint{}}
	def, ok := classification.LookupMetric(key)
	if !ok {
		return s
	}
	s.Label, s.Unit = def.Label, def.Unit
	for _, r := range SortForChart(records) {
		v, _ := r.Metrics.Value(key)
		s.Points = append(s.Points, SeriesPoint{At: r.CapturedAt, Value: v, RecordID: r.ID})
	}
	return s
}

// AllSeries returns one series per metric in keys, or per known metric when
// keys is empty.
func AllSeries(records []*record.Record, keys []classification.MetricKey) []Series {
	if len(keys) == 0 {
		for _, d := range classification.MetricDefs {
			keys = append(keys, d.Key)
		}
	}
	out := make([]Series, 0, len(keys))
	for _, k := range keys {
		out = append(out, ToSeries(records, k))
	}
	return out
}

// ChartSeries converts s for the renderer; x is unix seconds.
func (s Series) ChartSeries() chart.Series {
	cs := chart.Series{Name: s.Label, Unit: s.Unit, Points: make([]chart.Point, len(s.Points))}
	for i, p := range s.Points {
		cs.Points[i] = chart.Point{X: float64(p.At.Unix()), Y: p.Value}
	}
	return cs
}

// DateLabel formats a unix-seconds x value as a UTC date.
func DateLabel(x float64) string {
	return time.Unix(int64(x), 0).UTC().Format(dateLayout)
}

// RenderChart filters records, derives the requested metric series and lays
// them out.
func RenderChart(records []*record.Record, c Criteria, keys []classification.MetricKey, mode chart.Mode, vp chart.Viewport) (chart.Primitives, error) {
	series := AllSeries(Filter(records, c), keys)
	cs := make([]chart.Series, len(series))
	for i, s := range series {
		cs[i] = s.ChartSeries()
	}
	return chart.Render(cs, chart.Options{Mode: mode, Viewport: vp, XLabel: DateLabel})
}
