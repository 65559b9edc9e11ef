package app

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"token-economy/internal/market"
	"token-economy/internal/oracle"
)

// exportRow is one price point together with the EMA replayed up to it.
type exportRow struct {
	Point    market.PricePoint
	Smoothed decimal.Decimal
}

// Export renders the persisted price history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	defer closeStore()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.PriceRefreshInterval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	points, err := store.ListPricePointsBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(points) == 0 {
		a.Logger.Info().Msg("no price points found for export window")
		return nil
	}

	rows := buildRows(points, decimal.NewFromFloat(a.Config.Oracle.EMAAlpha))
	rows = downsampleRows(rows, opts.MaxPoints)
	a.Logger.Info().Int("total", len(points)).Int("exported", len(rows)).Msg("exporting price points")

	if opts.CSVPath != "" {
		if err := writeFile(opts.CSVPath, func(w io.Writer) error { return writeRowsCSV(w, rows) }); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeFile(opts.PNGPath, func(w io.Writer) error { return writeRowsPNG(w, rows) }); err != nil {
			return err
		}
	}

	return nil
}

// buildRows replays the EMA over the full window before any downsampling.
func buildRows(points []market.PricePoint, alpha decimal.Decimal) []exportRow {
	smoothed := oracle.SmoothSeries(points, alpha)
	rows := make([]exportRow, len(points))
	for i, p := range points {
		rows[i] = exportRow{Point: p, Smoothed: smoothed[i]}
	}
	return rows
}

func downsampleRows(rows []exportRow, max int) []exportRow {
	if max <= 0 || len(rows) <= max {
		return rows
	}
	if max == 1 {
		return rows[len(rows)-1:]
	}

	result := make([]exportRow, 0, max)
	step := float64(len(rows)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(rows) {
			idx = len(rows) - 1
		}
		result = append(result, rows[idx])
	}
	return result
}

func writeRowsCSV(w io.Writer, rows []exportRow) error {
	writer := csv.NewWriter(w)

	header := []string{"timestamp", "price_usd", "source", "smoothed_price_usd"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, row := range rows {
		smoothed := ""
		if !row.Smoothed.IsZero() {
			smoothed = row.Smoothed.String()
		}
		record := []string{
			row.Point.Timestamp.UTC().Format(time.RFC3339),
			row.Point.PriceUSD.String(),
			string(row.Point.Source),
			smoothed,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeRowsPNG(w io.Writer, rows []exportRow) error {
	x := make([]time.Time, len(rows))
	spot := make([]float64, len(rows))
	smoothed := make([]float64, len(rows))

	for i, row := range rows {
		x[i] = row.Point.Timestamp
		spot[i] = row.Point.PriceUSD.InexactFloat64()
		smoothed[i] = row.Smoothed.InexactFloat64()
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.6f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price (USD)",
			ValueFormatter: priceFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Spot",
				XValues: x,
				YValues: spot,
			},
			chart.TimeSeries{
				Name:    "EMA",
				XValues: x,
				YValues: smoothed,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	return graph.Render(chart.PNG, w)
}

func writeFile(path string, render func(io.Writer) error) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := render(file); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
