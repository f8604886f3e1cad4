package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Grid is the redshift grid encoded in Z_STEP as "step,min,max".
type Grid struct {
	Step float64
	Min  float64
	Max  float64
}

// RedshiftGrid parses Z_STEP.
func (c *Config) RedshiftGrid() (Grid, error) {
	raw, err := c.Require("Z_STEP")
	if err != nil {
		return Grid{}, err
	}

	return ParseGrid(raw)
}

// ParseGrid parses a "step,min,max" string.
func ParseGrid(raw string) (Grid, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 3 {
		return Grid{}, fmt.Errorf("%w: %q must be step,min,max", ErrInvalidRedshiftGrid, raw)
	}

	vals := make([]float64, 3)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return Grid{}, fmt.Errorf("%w: %q: %w", ErrInvalidRedshiftGrid, raw, err)
		}
		vals[i] = v
	}

	g := Grid{Step: vals[0], Min: vals[1], Max: vals[2]}
	if g.Step <= 0 || g.Max <= g.Min {
		return Grid{}, fmt.Errorf("%w: %q", ErrInvalidRedshiftGrid, raw)
	}

	return g, nil
}

// NBins returns the number of redshift bins, (max-min)/step.
func (g Grid) NBins() int {
	return int(math.Round((g.Max - g.Min) / g.Step))
}

// String renders the grid back to its Z_STEP form.
func (g Grid) String() string {
	return strconv.FormatFloat(g.Step, 'g', -1, 64) + "," +
		strconv.FormatFloat(g.Min, 'g', -1, 64) + "," +
		strconv.FormatFloat(g.Max, 'g', -1, 64)
}
