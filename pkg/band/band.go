// Package band maps the configured filter list to the catalog columns that carry
// each band's flux and flux error.
package band

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethpandaops/rpz/pkg/config"
)

// Placeholder is the token a column template substitutes with a band code.
const Placeholder = "{}"

var (
	// ErrInvalidTemplate is returned when a column template does not contain exactly one placeholder
	ErrInvalidTemplate = errors.New("column template must contain exactly one {} placeholder")
	// ErrDuplicateBand is returned when a filter list names the same band twice
	ErrDuplicateBand = errors.New("duplicate band")
)

// Template is a column name with one {} placeholder, filled with the lower-case band code.
type Template string

// Common column templates
const (
	// SegmentFlux is the Roman source catalog flux column, in nJy
	SegmentFlux Template = "segment_{}_flux"
	// SegmentFluxErr is the Roman source catalog flux error column, in nJy
	SegmentFluxErr Template = "segment_{}_flux_err"
	// Magnitude is the synthetic library magnitude column
	Magnitude Template = "mag_{}"
	// MagnitudeErr is the synthetic library magnitude error column
	MagnitudeErr Template = "err_mag_{}"
)

// Validate checks the template has exactly one placeholder.
func (t Template) Validate() error {
	if strings.Count(string(t), Placeholder) != 1 {
		return fmt.Errorf("%w: %q", ErrInvalidTemplate, string(t))
	}

	return nil
}

// Format fills the placeholder with the lower-case band code.
func (t Template) Format(code string) string {
	return strings.Replace(string(t), Placeholder, strings.ToLower(code), 1)
}

// Band is one configured passband and the columns that describe it.
type Band struct {
	Code             string
	FluxColumn       string
	ErrColumn        string
	TransmissionFile string
}

// Set is the ordered list of bands. Order matches FILTER_LIST and must be
// preserved wherever flux columns are handed to the engine.
type Set struct {
	bands   []Band
	index   map[string]int
	flux    Template
	fluxErr Template
}

// NewSet builds a Set from transmission files and the flux/error column templates.
func NewSet(files []string, flux, fluxErr Template) (*Set, error) {
	if err := flux.Validate(); err != nil {
		return nil, err
	}
	if err := fluxErr.Validate(); err != nil {
		return nil, err
	}

	s := &Set{
		bands:   make([]Band, 0, len(files)),
		index:   make(map[string]int, len(files)),
		flux:    flux,
		fluxErr: fluxErr,
	}
	for _, f := range files {
		code := config.FilterCode(f)
		if _, ok := s.index[code]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateBand, code)
		}
		s.index[code] = len(s.bands)
		s.bands = append(s.bands, Band{
			Code:             code,
			FluxColumn:       flux.Format(code),
			ErrColumn:        fluxErr.Format(code),
			TransmissionFile: f,
		})
	}

	return s, nil
}

// FromConfig builds a Set from the keymap's FILTER_LIST.
func FromConfig(cfg *config.Config, flux, fluxErr Template) (*Set, error) {
	files, err := cfg.FilterFiles()
	if err != nil {
		return nil, err
	}

	return NewSet(files, flux, fluxErr)
}

// WithTemplates returns a Set over the same bands with different column templates.
func (s *Set) WithTemplates(flux, fluxErr Template) (*Set, error) {
	return NewSet(s.Files(), flux, fluxErr)
}

// Templates returns the flux and flux error column templates.
func (s *Set) Templates() (Template, Template) {
	return s.flux, s.fluxErr
}

// Files returns the transmission files in band order.
func (s *Set) Files() []string {
	out := make([]string, len(s.bands))
	for i, b := range s.bands {
		out[i] = b.TransmissionFile
	}

	return out
}

// Len returns the number of bands.
func (s *Set) Len() int { return len(s.bands) }

// Bands returns a copy of the bands in order.
func (s *Set) Bands() []Band {
	out := make([]Band, len(s.bands))
	copy(out, s.bands)

	return out
}

// Codes returns the band codes in order.
func (s *Set) Codes() []string {
	out := make([]string, len(s.bands))
	for i, b := range s.bands {
		out[i] = b.Code
	}

	return out
}

// FluxColumns returns the flux column names in band order.
func (s *Set) FluxColumns() []string {
	out := make([]string, len(s.bands))
	for i, b := range s.bands {
		out[i] = b.FluxColumn
	}

	return out
}

// ErrColumns returns the flux error column names in band order.
func (s *Set) ErrColumns() []string {
	out := make([]string, len(s.bands))
	for i, b := range s.bands {
		out[i] = b.ErrColumn
	}

	return out
}

// Lookup finds a band by code, case-insensitively.
func (s *Set) Lookup(code string) (Band, bool) {
	i, ok := s.index[strings.ToUpper(code)]
	if !ok {
		return Band{}, false
	}

	return s.bands[i], true
}

// Index returns the position of a band, or -1.
func (s *Set) Index(code string) int {
	if i, ok := s.index[strings.ToUpper(code)]; ok {
		return i
	}

	return -1
}
