package catalog

import "errors"

// Catalog errors
var (
	// ErrUnsupportedFormat is returned when no format is registered for a file extension
	ErrUnsupportedFormat = errors.New("unsupported catalog format")
	// ErrColumnNotFound is returned when a named column is absent from a table
	ErrColumnNotFound = errors.New("column not found")
	// ErrLengthMismatch is returned when a column's length differs from the table's row count
	ErrLengthMismatch = errors.New("column length mismatch")
	// ErrMalformed is returned when a catalog file cannot be decoded
	ErrMalformed = errors.New("malformed catalog")
	// ErrTooManyRows is returned when a sample asks for more rows than a table holds
	ErrTooManyRows = errors.New("too many rows requested")
	// ErrTableNotFound is returned when a container file has no table under the requested key
	ErrTableNotFound = errors.New("table not found")
)
