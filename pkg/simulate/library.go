package simulate

import (
	"fmt"
	"os"
	"strings"

	"github.com/ethpandaops/rpz/pkg/band"
	"github.com/ethpandaops/rpz/pkg/catalog"
)

// Layout tokens
const (
	// PerFilter marks a column that repeats once per band.
	PerFilter = "[N_filt]"
	// Vector repeats the preceding column once per band.
	Vector = "vector"
)

// RedshiftColumn is the true redshift column of the library and the output catalog.
const RedshiftColumn = "redshift_true"

// DefaultLayout is the column layout of the engine's ASCII magnitude library.
//
//nolint:gochecknoglobals // Read-only default layout
var DefaultLayout = []string{
	"model", "ext_law", "ebv", "lum_nu", RedshiftColumn, "dist_mod", "age", "n_filt",
	"mag" + PerFilter, "kcorr" + PerFilter,
}

// ExpandLayout expands per-band tokens into concrete column names. A column
// containing [N_filt] becomes <name>_<code> for every band; the bare token
// "vector" replaces the preceding column the same way. Codes are lower-cased
// to match the column templates.
func ExpandLayout(layout []string, bands *band.Set) []string {
	codes := bands.Codes()
	expand := func(base string) []string {
		out := make([]string, len(codes))
		for i, c := range codes {
			out[i] = base + "_" + strings.ToLower(c)
		}
		return out
	}

	names := make([]string, 0, len(layout)+len(codes))
	for _, col := range layout {
		switch {
		case col == Vector && len(names) > 0:
			prev := names[len(names)-1]
			names = append(names[:len(names)-1], expand(prev)...)
		case strings.Contains(col, PerFilter):
			names = append(names, expand(strings.ReplaceAll(col, PerFilter, ""))...)
		default:
			names = append(names, col)
		}
	}

	return names
}

// ReadLibrary reads the engine's flat-file magnitude library and drops rows
// whose true redshift is not positive.
func ReadLibrary(path string, layout []string, bands *band.Set) (*catalog.Table, error) {
	f, err := os.Open(path) //nolint:gosec // Library path reported by the engine
	if err != nil {
		return nil, fmt.Errorf("failed to open library: %w", err)
	}
	defer f.Close()

	t, err := catalog.ReadText(f, ExpandLayout(layout, bands))
	if err != nil {
		return nil, fmt.Errorf("failed to read library %s: %w", path, err)
	}

	z, err := t.Floats(RedshiftColumn)
	if err != nil {
		return nil, fmt.Errorf("library %s: %w", path, err)
	}

	return t.Filter(func(row int) bool { return z[row] > 0 }), nil
}
