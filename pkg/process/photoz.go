package process

import (
	"fmt"

	"github.com/ethpandaops/rpz/pkg/catalog"
	"github.com/ethpandaops/rpz/pkg/handler"
)

// PhotozColumn maps an engine output key to the column written to catalogs.
type PhotozColumn struct {
	Key         string
	Name        string
	Unit        string
	Description string
}

// PhotozColumns are the photo-z columns written to result files and merged
// into input catalogs, in output order.
//
//nolint:gochecknoglobals // Read-only column mapping
var PhotozColumns = []PhotozColumn{
	{Key: "Z_BEST", Name: "photoz", Description: "Best-fit photometric redshift"},
	{Key: "Z_BEST68_LOW", Name: "photoz_low68", Description: "Lower bound of the 68% photo-z interval"},
	{Key: "Z_BEST68_HIGH", Name: "photoz_high68", Description: "Upper bound of the 68% photo-z interval"},
	{Key: "Z_BEST90_LOW", Name: "photoz_low90", Description: "Lower bound of the 90% photo-z interval"},
	{Key: "Z_BEST90_HIGH", Name: "photoz_high90", Description: "Upper bound of the 90% photo-z interval"},
	{Key: "Z_BEST99_LOW", Name: "photoz_low99", Description: "Lower bound of the 99% photo-z interval"},
	{Key: "Z_BEST99_HIGH", Name: "photoz_high99", Description: "Upper bound of the 99% photo-z interval"},
	{Key: "CHI_BEST", Name: "photoz_gof", Description: "Goodness of fit (chi^2) of the best-fit template"},
	{Key: "MOD_BEST", Name: "photoz_sed", Description: "Index of the best-fit SED template"},
}

// IdentKey is the engine output key carrying the object label.
const IdentKey = "IDENT"

// photozTable renames the fit columns and pairs them with the object labels.
// Labels come from the fit when it has IDENT, else from the formatted input.
func (p *Process) photozTable() (*catalog.Table, error) {
	label, err := p.labels()
	if err != nil {
		return nil, err
	}

	cols := []*catalog.Column{label}
	for _, pc := range PhotozColumns {
		c, err := p.results.Column(pc.Key)
		if err != nil {
			return nil, fmt.Errorf("fit result: %w", err)
		}
		cols = append(cols, c.Renamed(pc.Name).WithUnit(pc.Unit).WithDescription(pc.Description))
	}

	return catalog.NewTable(cols...)
}

func (p *Process) labels() (*catalog.Column, error) {
	src := p.data
	key := handler.LabelColumn
	if p.results.Has(IdentKey) {
		src, key = p.results, IdentKey
	}

	c, err := src.Column(key)
	if err != nil {
		return nil, err
	}

	ids, err := c.AsInts()
	if err != nil {
		return nil, fmt.Errorf("labels: %w", err)
	}

	return catalog.NewInt(handler.LabelColumn, ids).WithDescription("Object identifier"), nil
}
