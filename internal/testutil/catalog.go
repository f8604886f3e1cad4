package testutil

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethpandaops/rpz/pkg/catalog"
	"github.com/stretchr/testify/require"
)

// RomanSourceTable builds an n-row table with Roman source catalog columns for
// the given band codes: label, segment_<band>_flux and segment_<band>_flux_err
// in nJy, and redshift_true. Band i of row r has flux (i+1)*1e3*(r+1) and error
// 1% of flux.
func RomanSourceTable(t *testing.T, n int, bands ...string) *catalog.Table {
	t.Helper()

	labels := make([]int64, n)
	z := make([]float64, n)
	for r := 0; r < n; r++ {
		labels[r] = int64(r + 1)
		z[r] = 0.1 * float64(r+1)
	}

	cols := []*catalog.Column{catalog.NewInt("label", labels)}
	for i, b := range bands {
		code := strings.ToLower(b)
		flux := make([]float64, n)
		errs := make([]float64, n)
		for r := 0; r < n; r++ {
			flux[r] = float64(i+1) * 1e3 * float64(r+1)
			errs[r] = flux[r] * 0.01
		}
		cols = append(cols,
			catalog.NewFloat("segment_"+code+"_flux", flux).WithUnit("nJy"),
			catalog.NewFloat("segment_"+code+"_flux_err", errs).WithUnit("nJy"),
		)
	}
	cols = append(cols, catalog.NewFloat("redshift_true", z))

	tbl, err := catalog.NewTable(cols...)
	require.NoError(t, err)

	return tbl
}

// WriteTable writes tbl under dir and returns the path.
func WriteTable(t *testing.T, dir, name string, tbl *catalog.Table) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, catalog.Write(path, tbl))

	return path
}
