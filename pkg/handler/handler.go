// Package handler normalizes source catalogs into the column layout the
// photo-z engine reads: label, one flux/error pair per configured band,
// context, redshift and string_data.
package handler

import (
	"fmt"
	"math"

	"github.com/ethpandaops/rpz/pkg/band"
	"github.com/ethpandaops/rpz/pkg/catalog"
	"github.com/sirupsen/logrus"
)

// Output column names
const (
	LabelColumn    = "label"
	ContextColumn  = "context"
	RedshiftColumn = "redshift"
	StringColumn   = "string_data"
)

// Sentinel marks a band as unusable for an object. It fills both the flux and
// the error of absent bands and is never unit-converted.
const Sentinel = -99.0

// NJyToCGS converts nJy to erg/s/cm^2/Hz.
const NJyToCGS = 1e-32

// CGSUnit is the flux unit after NJyToCGS scaling.
const CGSUnit = "erg / (s cm2 Hz)"

//nolint:gochecknoglobals // Lookup order for the ground-truth redshift column
var redshiftSources = []string{"redshift_true", "zspec", RedshiftColumn}

//nolint:gochecknoglobals // Lookup order for the object label column
var labelSources = []string{LabelColumn, "id"}

// Options controls formatting.
type Options struct {
	// FluxScale multiplies every flux/error pair with a positive error. Zero
	// leaves values unscaled.
	FluxScale float64
	// FluxUnit replaces the unit of scaled columns. Empty keeps the source unit.
	FluxUnit string
	// SourceKey is the tree key of the table in container formats.
	SourceKey string
}

// Handler formats catalogs for one band set.
type Handler struct {
	log   logrus.FieldLogger
	bands *band.Set
	opts  Options
}

// New creates a Handler. The band set's column templates are the names looked
// up in the source and written to the output.
func New(log logrus.FieldLogger, bands *band.Set, opts Options) *Handler {
	return &Handler{
		log:   log.WithField("component", "catalog_handler"),
		bands: bands,
		opts:  opts,
	}
}

// Bands returns the handler's band set.
func (h *Handler) Bands() *band.Set {
	return h.bands
}

// Read loads a source catalog, choosing the reader by file extension.
func (h *Handler) Read(path string) (*catalog.Table, error) {
	h.log.WithField("path", path).Info("Reading catalog")

	t, err := catalog.ReadWith(path, catalog.Options{Key: h.opts.SourceKey})
	if err != nil {
		return nil, err
	}

	h.log.WithFields(logrus.Fields{
		"path":    path,
		"rows":    t.Len(),
		"columns": t.NumColumns(),
	}).Info("Catalog read successfully")

	return t, nil
}

// Process reads and formats the catalog at path.
func (h *Handler) Process(path string) (*catalog.Table, error) {
	src, err := h.Read(path)
	if err != nil {
		return nil, err
	}

	return h.Format(src, nil)
}

// Format builds the engine layout from src. Columns already present in dst are
// kept as they are, so Format can be applied repeatedly to a partially built
// table. Neither src nor dst is modified.
func (h *Handler) Format(src, dst *catalog.Table) (*catalog.Table, error) {
	h.log.WithFields(logrus.Fields{
		"bands": h.bands.Len(),
		"rows":  src.Len(),
	}).Info("Formatting catalog")

	var out *catalog.Table
	if dst == nil {
		out, _ = catalog.NewTable()
	} else {
		if dst.NumColumns() > 0 && dst.Len() != src.Len() {
			return nil, fmt.Errorf("%w: target has %d rows, source has %d", catalog.ErrLengthMismatch, dst.Len(), src.Len())
		}
		out = dst.Clone()
	}

	n := src.Len()

	if !out.Has(LabelColumn) {
		label, err := h.label(src)
		if err != nil {
			return nil, err
		}
		if err := out.Set(label); err != nil {
			return nil, err
		}
	}

	for _, b := range h.bands.Bands() {
		if out.Has(b.FluxColumn) && out.Has(b.ErrColumn) {
			continue
		}
		flux, fluxErr := h.bandColumns(src, b)
		if err := out.Set(flux); err != nil {
			return nil, err
		}
		if err := out.Set(fluxErr); err != nil {
			return nil, err
		}
	}

	if !out.Has(ContextColumn) {
		ctx, err := h.context(src, out)
		if err != nil {
			return nil, err
		}
		if err := out.Set(ctx); err != nil {
			return nil, err
		}
	}

	if !out.Has(RedshiftColumn) {
		if err := out.Set(h.redshift(src)); err != nil {
			return nil, err
		}
	}

	if !out.Has(StringColumn) {
		strs := make([]string, n)
		if c, err := src.Column(StringColumn); err == nil {
			for i := 0; i < n; i++ {
				strs[i] = c.Format(i)
			}
		}
		if err := out.Set(catalog.NewString(StringColumn, strs)); err != nil {
			return nil, err
		}
	}

	h.log.Info("Catalog formatting completed")

	return out, nil
}

func (h *Handler) label(src *catalog.Table) (*catalog.Column, error) {
	for _, name := range labelSources {
		c, err := src.Column(name)
		if err != nil {
			continue
		}
		ids, err := c.AsInts()
		if err != nil {
			return nil, err
		}
		return catalog.NewInt(LabelColumn, ids), nil
	}

	return nil, fmt.Errorf("%w: %s", catalog.ErrColumnNotFound, LabelColumn)
}

// bandColumns copies one band's flux and error, or returns sentinel columns
// when the source lacks them. Non-finite values become sentinel pairs and
// scaling only touches pairs with a positive error.
func (h *Handler) bandColumns(src *catalog.Table, b band.Band) (*catalog.Column, *catalog.Column) {
	n := src.Len()
	fc, ferr := src.Column(b.FluxColumn)
	ec, eerr := src.Column(b.ErrColumn)
	if ferr != nil || eerr != nil {
		h.log.WithFields(logrus.Fields{
			"band":        b.Code,
			"flux_column": b.FluxColumn,
		}).Warn("Band columns missing from catalog, marking band as unusable")

		return catalog.FullFloat(b.FluxColumn, n, Sentinel), catalog.FullFloat(b.ErrColumn, n, Sentinel)
	}

	flux := fc.AsFloats()
	errs := ec.AsFloats()
	for i := range flux {
		if math.IsNaN(flux[i]) || math.IsInf(flux[i], 0) || math.IsNaN(errs[i]) || math.IsInf(errs[i], 0) {
			flux[i], errs[i] = Sentinel, Sentinel
			continue
		}
		if h.opts.FluxScale != 0 && errs[i] > 0 {
			flux[i] *= h.opts.FluxScale
			errs[i] *= h.opts.FluxScale
		}
	}

	unit, errUnit := fc.Unit, ec.Unit
	if h.opts.FluxScale != 0 && h.opts.FluxUnit != "" {
		unit, errUnit = h.opts.FluxUnit, h.opts.FluxUnit
	}

	return catalog.NewFloat(b.FluxColumn, flux).WithUnit(unit), catalog.NewFloat(b.ErrColumn, errs).WithUnit(errUnit)
}

// context copies the source context or derives it: bit i is set when band i
// has a positive error.
func (h *Handler) context(src, out *catalog.Table) (*catalog.Column, error) {
	if c, err := src.Column(ContextColumn); err == nil {
		vals, err := c.AsInts()
		if err != nil {
			return nil, err
		}
		return catalog.NewInt(ContextColumn, vals), nil
	}

	ctx := make([]int64, src.Len())
	for i, b := range h.bands.Bands() {
		errs, err := out.Floats(b.ErrColumn)
		if err != nil {
			return nil, err
		}
		for row, e := range errs {
			if e > 0 {
				ctx[row] |= 1 << uint(i) //nolint:gosec // Band count is small
			}
		}
	}

	return catalog.NewInt(ContextColumn, ctx), nil
}

func (h *Handler) redshift(src *catalog.Table) *catalog.Column {
	for _, name := range redshiftSources {
		if c, err := src.Column(name); err == nil {
			return catalog.NewFloat(RedshiftColumn, c.AsFloats())
		}
	}

	return catalog.NewFloat(RedshiftColumn, make([]float64, src.Len()))
}
