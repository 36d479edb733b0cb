package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ehr/ecgreview/internal/config"
	"github.com/ehr/ecgreview/internal/domain/capture"
	"github.com/ehr/ecgreview/internal/domain/classification"
	"github.com/ehr/ecgreview/internal/domain/record"
	"github.com/ehr/ecgreview/internal/domain/timeline"
	"github.com/ehr/ecgreview/internal/platform/chart"
	"github.com/ehr/ecgreview/internal/platform/db"
)

// offlineOperator attributes submissions built by the classify command.
const offlineOperator = "cli"

type classifyOptions struct {
	Images       []string
	Metadata     capture.Metadata
	RulesFile    string
	SignalSource string
}

func classifyCmd() *cobra.Command {
	var opts classifyOptions
	var recordType, capturedAt string

	cmd := &cobra.Command{
		Use:   "classify",
		Short: "Classify images with the local rule engine and print the outcome",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Metadata.RecordType = capture.RecordType(recordType)
			if capturedAt != "" {
				t, err := time.Parse(time.RFC3339, capturedAt)
				if err != nil {
					return fmt.Errorf("--captured-at: %w", err)
				}
				opts.Metadata.CapturedAt = &t
			}
			out, err := classifyOffline(cmd.Context(), opts)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}

	f := cmd.Flags()
	f.StringSliceVar(&opts.Images, "image", nil, "Image file (PNG or JPEG); repeat for up to 3 images")
	f.StringVar(&opts.Metadata.LeadConfiguration, "lead", "", "Lead configuration, e.g. 12-lead")
	f.StringVar(&opts.Metadata.VoltageScale, "voltage", "10 mm/mV", "Voltage scale")
	f.StringVar(&opts.Metadata.PaperSpeed, "speed", "25 mm/s", "Paper speed")
	f.StringVar(&opts.Metadata.ClinicalReason, "reason", "", "Clinical reason")
	f.StringVar(&opts.Metadata.OtherReasonText, "other-reason", "", "Free text when --reason is other")
	f.StringSliceVar(&opts.Metadata.Signals, "signal", nil, "Observed indicator tag; repeatable")
	f.StringVar(&recordType, "type", string(capture.RecordTypeResting), "Record type: resting, extended-monitor or stress")
	f.StringVar(&capturedAt, "captured-at", "", "Capture time (RFC 3339); defaults to now")
	f.StringVar(&opts.RulesFile, "rules", "", "Rule table YAML (defaults to the built-in table)")
	f.StringVar(&opts.SignalSource, "signal-source", "operator", "Signal source: operator or simulated")
	_ = cmd.MarkFlagRequired("image")
	return cmd
}

// classifyOffline runs the same validation gate and local rules the server
// uses, without a draft, device or remote classifier.
func classifyOffline(ctx context.Context, opts classifyOptions) (classification.Outcome, error) {
	assets := make([]capture.ImageAsset, 0, len(opts.Images))
	for _, path := range opts.Images {
		data, err := readImage(path)
		if err != nil {
			return classification.Outcome{}, err
		}
		assets = append(assets, capture.NewAsset(capture.FileInput{
			Name: filepath.Base(path),
			Size: int64(len(data)),
			Data: data,
		}, capture.SourceFile))
	}

	sub, err := capture.NewSubmission(uuid.New(), uuid.Nil, offlineOperator, opts.Metadata, assets, time.Now())
	if err != nil {
		return classification.Outcome{}, err
	}

	rules, err := loadRules(opts.RulesFile)
	if err != nil {
		return classification.Outcome{}, err
	}
	local := classification.NewLocalStrategy(rules, classification.NewSignalSource(opts.SignalSource))
	return local.Classify(ctx, sub)
}

// readImage reads at most one byte past the asset limit so oversize files
// fail validation without being loaded whole.
func readImage(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, capture.MaxAssetBytes+1))
}

type chartOptions struct {
	Metrics  []string
	Mode     string
	Format   string
	Width    int
	Height   int
	Criteria url.Values
}

func chartCmd() *cobra.Command {
	var (
		patientID string
		outPath   string
		opts      chartOptions
		from, to  string
		typ       string
		status    string
		reviewed  string
		exportOK  string
	)

	cmd := &cobra.Command{
		Use:   "chart",
		Short: "Render a patient's record timeline from the record store",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(patientID)
			if err != nil {
				return fmt.Errorf("--patient must be a UUID")
			}
			opts.Criteria = url.Values{}
			for k, v := range map[string]string{
				"from": from, "to": to, "type": typ, "status": status,
				"reviewed": reviewed, "exportable": exportOK,
			} {
				if v != "" {
					opts.Criteria.Set(k, v)
				}
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if !cfg.UsesPostgres() {
				return fmt.Errorf("chart reads persisted records; set STORE_BACKEND=postgres")
			}
			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			records, err := record.NewPGStore(pool).ByPatient(ctx, id)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if outPath != "" && outPath != "-" {
				f, err := os.Create(outPath)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			return renderTimeline(w, records, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&patientID, "patient", "", "Patient id")
	f.StringVar(&outPath, "out", "", "Output file (defaults to stdout)")
	f.StringSliceVar(&opts.Metrics, "metric", nil, "Metric to plot; repeatable (defaults to all)")
	f.StringVar(&opts.Mode, "mode", string(chart.ModeLine), "Chart mode: line or scatter")
	f.StringVar(&opts.Format, "format", "svg", "Output format: svg or json")
	f.IntVar(&opts.Width, "width", 720, "Chart width")
	f.IntVar(&opts.Height, "height", 320, "Chart height")
	f.StringVar(&from, "from", "", "Earliest capture date (YYYY-MM-DD or RFC 3339)")
	f.StringVar(&to, "to", "", "Latest capture date (YYYY-MM-DD or RFC 3339)")
	f.StringVar(&typ, "type", "", "Record type filter")
	f.StringVar(&status, "status", "", "Status filter")
	f.StringVar(&reviewed, "reviewed", "", "Reviewed filter: true or false")
	f.StringVar(&exportOK, "exportable", "", "Exportable filter: true or false")
	_ = cmd.MarkFlagRequired("patient")
	return cmd
}

// renderTimeline filters records, lays out the requested series and writes
// them as SVG or as JSON primitives.
func renderTimeline(w io.Writer, records []*record.Record, opts chartOptions) error {
	criteria, err := timeline.ParseCriteria(opts.Criteria)
	if err != nil {
		return err
	}
	mode, err := chart.ParseMode(opts.Mode)
	if err != nil {
		return err
	}
	var keys []classification.MetricKey
	for _, m := range opts.Metrics {
		key := classification.MetricKey(strings.TrimSpace(m))
		if _, ok := classification.LookupMetric(key); !ok {
			return fmt.Errorf("unknown metric %q", m)
		}
		keys = append(keys, key)
	}

	prims, err := timeline.RenderChart(records, criteria, keys, mode,
		chart.Viewport{Width: float64(opts.Width), Height: float64(opts.Height)})
	if err != nil {
		return err
	}

	switch opts.Format {
	case "svg", "":
		return chart.WriteSVG(w, prims)
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(prims)
	}
	return fmt.Errorf("unknown format %q", opts.Format)
}
