package eod

import (
	"compress/gzip"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"portfolio-guard/internal/interfaces"
	"portfolio-guard/internal/types"
)

var header = []string{"symbol", "trades", "sold_qty", "avg_price", "proceeds", "cost_basis", "realized_pnl"}

// Summarize writes <dir>/<date>.csv with one row per symbol sold on day
// plus a TOTAL row. OPEN entries are ignored. It returns "" when nothing
// was sold that day.
func Summarize(entries []types.LedgerEntry, day time.Time, dir string) (string, error) {
	rows := map[string]*symbolRow{}
	for _, e := range entries {
		if e.Kind == types.EntryOpen || !sameDay(e.Timestamp, day) {
			continue
		}
		r := rows[e.Symbol]
		if r == nil {
			r = &symbolRow{Symbol: e.Symbol}
			rows[e.Symbol] = r
		}
		r.Trades++
		r.SoldQty = r.SoldQty.Add(e.Quantity)
		r.Proceeds = r.Proceeds.Add(e.Quantity.Mul(e.Price))
		r.CostBasis = r.CostBasis.Add(e.Quantity.Mul(e.PurchasePrice))
	}
	if len(rows) == 0 {
		return "", nil
	}

	keys := make([]string, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := reportPath(dir, day)
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}
	f, err := os.Create(out)
	if err != nil {
		return "", fmt.Errorf("create report: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return "", err
	}
	var trades int
	totalProceeds, totalCost := decimal.Zero, decimal.Zero
	for _, k := range keys {
		r := rows[k]
		rec := []string{
			r.Symbol,
			strconv.Itoa(r.Trades),
			r.SoldQty.String(),
			r.avgPrice().StringFixed(8),
			r.Proceeds.StringFixed(2),
			r.CostBasis.StringFixed(2),
			r.realized().StringFixed(2),
		}
		if err := w.Write(rec); err != nil {
			return "", err
		}
		trades += r.Trades
		totalProceeds = totalProceeds.Add(r.Proceeds)
		totalCost = totalCost.Add(r.CostBasis)
	}
	total := []string{"TOTAL", strconv.Itoa(trades), "", "",
		totalProceeds.StringFixed(2), totalCost.StringFixed(2), totalProceeds.Sub(totalCost).StringFixed(2)}
	if err := w.Write(total); err != nil {
		return "", err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", err
	}
	return out, nil
}

// CompressOlder gzips .csv reports in dir last modified more than
// retentionDays before now and removes the originals. It returns how many
// files were compressed.
func CompressOlder(dir string, retentionDays int, now time.Time) (int, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := now.AddDate(0, 0, -retentionDays)
	n := 0
	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || filepath.Ext(p) != ".csv" {
			return nil
		}
		info, err := d.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			return nil
		}
		gz := p + ".gz"
		if _, err := os.Stat(gz); err == nil {
			return os.Remove(p)
		}
		if err := gzipFile(p, gz); err != nil {
			return err
		}
		n++
		return os.Remove(p)
	})
	return n, err
}

func gzipFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()

	gw := gzip.NewWriter(out)
	gw.Name = filepath.Base(src)
	if _, err = io.Copy(gw, in); err != nil {
		_ = gw.Close()
		return err
	}
	return gw.Close()
}

// Reporter binds Summarize and CompressOlder to a report directory.
type Reporter struct {
	Dir           string
	RetentionDays int
}

var _ interfaces.EodReporter = (*Reporter)(nil)

func (r *Reporter) Summarize(_ context.Context, entries []types.LedgerEntry, day time.Time) (string, error) {
	return Summarize(entries, day, r.Dir)
}

func (r *Reporter) Compress(_ context.Context, now time.Time) (int, error) {
	return CompressOlder(r.Dir, r.RetentionDays, now)
}
