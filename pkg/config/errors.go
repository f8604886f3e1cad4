package config

import "errors"

// Configuration errors
var (
	// ErrFilterListMissing is returned when FILTER_LIST is absent or empty
	ErrFilterListMissing = errors.New("filter list not found in configuration")
	// ErrKeyMissing is returned when a required key is absent
	ErrKeyMissing = errors.New("configuration key missing")
	// ErrInvalidRedshiftGrid is returned when Z_STEP cannot be parsed
	ErrInvalidRedshiftGrid = errors.New("invalid redshift grid")
)
