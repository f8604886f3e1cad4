// Package fluxes rescales photo-z simulated fluxes so they can replace the
// fluxes of an image-simulator input catalog describing the same sources.
package fluxes

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethpandaops/rpz/pkg/catalog"
	"github.com/ethpandaops/rpz/pkg/config"
	"gonum.org/v1/gonum/floats"
)

// NJyPerMaggy is the AB zero point: 1 maggy = 3631 Jy.
const NJyPerMaggy = 3631e9

// DefaultFudgeFactor brings simulated fluxes into the brightness range of the
// image simulator catalogs. It is empirical and not a physical correction.
const DefaultFudgeFactor = 100.0

// DefaultRefFilter is the band used for per-object scaling.
const DefaultRefFilter = "F213"

var (
	// ErrEmptyFluxCatalog is returned when the flux source catalog is missing or has no rows
	ErrEmptyFluxCatalog = errors.New("flux catalog is empty: the simulated catalog must be requested in memory " +
		"(simulate with return enabled) rather than persisted to a file")
	// ErrTooManyObjects is returned when more objects are requested than a catalog holds
	ErrTooManyObjects = catalog.ErrTooManyRows
	// ErrLengthMismatch is returned when paired vectors or catalogs differ in length
	ErrLengthMismatch = catalog.ErrLengthMismatch
)

// NJyToMgy converts fluxes from nJy to maggies.
func NJyToMgy(flux []float64) []float64 {
	out := append([]float64(nil), flux...)
	floats.Scale(1/NJyPerMaggy, out)

	return out
}

// ScaleFlux multiplies flux element-wise by factor. A nil factor returns a copy
// of flux.
func ScaleFlux(flux, factor []float64) ([]float64, error) {
	if factor == nil {
		return append([]float64(nil), flux...), nil
	}
	if len(factor) != len(flux) {
		return nil, fmt.Errorf("%w: %d fluxes, %d factors", ErrLengthMismatch, len(flux), len(factor))
	}

	return floats.MulTo(make([]float64, len(flux)), flux, factor), nil
}

// Options controls UpdateFluxes.
type Options struct {
	// ApplyScaling scales every band of an object by target/simulated flux in
	// the reference band.
	ApplyScaling bool
	// RefFilter is the reference band code. Default F213.
	RefFilter string
	// FudgeFactor multiplies every output flux. Zero means DefaultFudgeFactor.
	FudgeFactor float64
	// Bands lists the band codes to update. Default is the Roman filter set.
	Bands []string
}

func (o Options) withDefaults() (Options, error) {
	if o.RefFilter == "" {
		o.RefFilter = DefaultRefFilter
	}
	o.RefFilter = strings.ToUpper(o.RefFilter)
	if o.FudgeFactor == 0 {
		o.FudgeFactor = DefaultFudgeFactor
	}
	if len(o.Bands) == 0 {
		codes, err := config.Default().FilterCodes()
		if err != nil {
			return o, err
		}
		o.Bands = codes
	}

	return o, nil
}

// FluxColumn is the simulated catalog column holding a band's flux in nJy.
func FluxColumn(code string) string {
	return "segment_" + strings.ToLower(code) + "_flux"
}

// UpdateFluxes returns a copy of target whose band columns (named by upper-case
// band code) hold the simulated fluxes from flux, converted to maggies and
// multiplied by the fudge factor. The reference band keeps the target value
// times the fudge factor. label and redshift_true are copied from flux.
// Neither input is modified.
func UpdateFluxes(target, flux *catalog.Table, opts Options) (*catalog.Table, error) {
	if flux == nil || flux.Len() == 0 {
		return nil, ErrEmptyFluxCatalog
	}
	if target.Len() != flux.Len() {
		return nil, fmt.Errorf("%w: target has %d rows, flux catalog has %d", ErrLengthMismatch, target.Len(), flux.Len())
	}

	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}

	var factor []float64
	if opts.ApplyScaling {
		refTarget, err := target.Floats(opts.RefFilter)
		if err != nil {
			return nil, err
		}
		refFlux, err := flux.Floats(FluxColumn(opts.RefFilter))
		if err != nil {
			return nil, err
		}
		factor = floats.DivTo(make([]float64, len(refTarget)), refTarget, NJyToMgy(refFlux))
	}

	updated := make([]*catalog.Column, 0, len(opts.Bands)+2)
	for _, code := range opts.Bands {
		code = strings.ToUpper(code)
		tc, err := target.Column(code)
		if err != nil {
			continue
		}

		var vals []float64
		if code == opts.RefFilter {
			vals = tc.AsFloats()
			floats.Scale(opts.FudgeFactor, vals)
		} else {
			src, err := flux.Floats(FluxColumn(code))
			if err != nil {
				return nil, err
			}
			converted := NJyToMgy(src)
			floats.Scale(opts.FudgeFactor, converted)
			if vals, err = ScaleFlux(converted, factor); err != nil {
				return nil, err
			}
		}
		updated = append(updated, catalog.NewFloat(code, vals).WithUnit(tc.Unit).WithDescription(tc.Description))
	}

	for _, name := range []string{"label", "redshift_true"} {
		c, err := flux.Column(name)
		if err != nil {
			return nil, err
		}
		updated = append(updated, c)
	}

	return target.With(updated...)
}

// CreateRandomCatalog returns n distinct rows of t. The same seed selects the
// same rows.
func CreateRandomCatalog(t *catalog.Table, n int, seed uint64) (*catalog.Table, error) {
	return t.Sample(n, seed)
}
