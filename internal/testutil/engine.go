package testutil

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethpandaops/rpz/pkg/catalog"
	"github.com/ethpandaops/rpz/pkg/engine"
)

// FakeEngine is an in-process engine.Engine. Inform writes a real model
// manifest; Estimate returns one row per object with Z_BEST taken from the
// catalog's redshift column (0.5 when absent) and fixed bounds around it.
type FakeEngine struct {
	mu sync.Mutex

	// Library is returned by GenerateLibrary.
	Library string
	// Err, when set, is returned by every call.
	Err error

	FilterCalls []string
	LibraryReqs []engine.LibraryRequest
	InformReqs  []engine.InformRequest
	EstimateReq []engine.EstimateRequest
}

// BuildFilters records the parameter file.
func (f *FakeEngine) BuildFilters(_ context.Context, parFile string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.FilterCalls = append(f.FilterCalls, parFile)

	return f.Err
}

// GenerateLibrary records the request and returns Library.
func (f *FakeEngine) GenerateLibrary(_ context.Context, req engine.LibraryRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.LibraryReqs = append(f.LibraryReqs, req)
	if f.Err != nil {
		return "", f.Err
	}

	return f.Library, nil
}

// Inform records the request and writes a model manifest at req.ModelPath.
func (f *FakeEngine) Inform(_ context.Context, req engine.InformRequest) (*engine.Model, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.InformReqs = append(f.InformReqs, req)
	if f.Err != nil {
		return nil, f.Err
	}

	m := &engine.Model{
		Path:      req.ModelPath,
		ZStep:     req.Grid.String(),
		NBins:     req.Grid.NBins(),
		RefBand:   req.RefBand,
		Libraries: map[string]string{"GAL": "GAL_FAKE"},
		CreatedAt: time.Now().UTC(),
	}
	if req.Bands != nil {
		m.Bands = req.Bands.Codes()
	}

	if err := os.MkdirAll(filepath.Dir(req.ModelPath), 0o755); err != nil {
		return nil, err
	}
	if err := engine.SaveModel(m); err != nil {
		return nil, err
	}

	return m, nil
}

// Estimate records the request and returns the fixed fit table.
func (f *FakeEngine) Estimate(_ context.Context, req engine.EstimateRequest) (*catalog.Table, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.EstimateReq = append(f.EstimateReq, req)
	if f.Err != nil {
		return nil, f.Err
	}

	n := req.Catalog.Len()
	z := make([]float64, n)
	if req.Catalog.Has("redshift") {
		z, _ = req.Catalog.Floats("redshift")
	}
	for i := range z {
		if z[i] <= 0 {
			z[i] = 0.5
		}
	}

	ident := make([]int64, n)
	if req.Catalog.Has("label") {
		c, err := req.Catalog.Column("label")
		if err != nil {
			return nil, err
		}
		if ident, err = c.AsInts(); err != nil {
			return nil, err
		}
	}

	offset := func(d float64) []float64 {
		out := make([]float64, n)
		for i := range out {
			out[i] = z[i] + d
		}
		return out
	}

	chi := make([]float64, n)
	mod := make([]int64, n)
	for i := range chi {
		chi[i] = 1.5
		mod[i] = 3
	}

	return catalog.NewTable(
		catalog.NewInt("IDENT", ident),
		catalog.NewFloat("Z_BEST", offset(0)),
		catalog.NewFloat("Z_BEST68_LOW", offset(-0.1)),
		catalog.NewFloat("Z_BEST68_HIGH", offset(0.1)),
		catalog.NewFloat("Z_BEST90_LOW", offset(-0.2)),
		catalog.NewFloat("Z_BEST90_HIGH", offset(0.2)),
		catalog.NewFloat("Z_BEST99_LOW", offset(-0.3)),
		catalog.NewFloat("Z_BEST99_HIGH", offset(0.3)),
		catalog.NewFloat("CHI_BEST", chi),
		catalog.NewInt("MOD_BEST", mod),
	)
}

// Ensure FakeEngine implements the interface
var _ engine.Engine = (*FakeEngine)(nil)
