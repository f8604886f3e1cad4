package catalog

import (
	"fmt"
	"path/filepath"
	"slices"
	"sort"
	"strings"
)

// Default tree keys for container formats
const (
	// DefaultSourceKey is where Roman source catalogs keep their table
	DefaultSourceKey = "source_catalog"
	// DefaultResultsKey is where standalone photo-z results are written
	DefaultResultsKey = "roman_photoz_results"
)

// Options tune how a format locates or stores a table inside a container file.
// Formats that hold a single table ignore them.
type Options struct {
	// Key names the tree node holding the table.
	Key string
}

// Format reads and writes one catalog file format.
type Format interface {
	Name() string
	Extensions() []string
	Read(path string, opts Options) (*Table, error)
	Write(path string, t *Table, opts Options) error
}

// Updater is implemented by formats that can replace a table inside an
// existing file while keeping the rest of the file intact.
type Updater interface {
	Update(path string, t *Table, opts Options) error
}

//nolint:gochecknoglobals // Format registry is immutable after init
var registry = map[string]Format{}

func register(f Format) {
	for _, ext := range f.Extensions() {
		registry[ext] = f
	}
}

func init() {
	register(parquetFormat{})
	register(asdfFormat{})
	register(ecsvFormat{})
	register(textFormat{})
}

// Extensions lists the registered file extensions.
func Extensions() []string {
	out := make([]string, 0, len(registry))
	for ext := range registry {
		out = append(out, ext)
	}
	sort.Strings(out)

	return out
}

// FormatFor returns the format registered for the path's extension.
func FormatFor(path string) (Format, error) {
	ext := strings.ToLower(filepath.Ext(path))
	f, ok := registry[ext]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}

	return f, nil
}

// Read reads a catalog, choosing the format by extension.
func Read(path string) (*Table, error) {
	return ReadWith(path, Options{})
}

// ReadWith reads a catalog with format options.
func ReadWith(path string, opts Options) (*Table, error) {
	f, err := FormatFor(path)
	if err != nil {
		return nil, err
	}

	t, err := f.Read(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s catalog %s: %w", f.Name(), path, err)
	}

	return t, nil
}

// Write writes a catalog, overwriting any existing file.
func Write(path string, t *Table) error {
	return WriteWith(path, t, Options{})
}

// WriteWith writes a catalog with format options, overwriting any existing file.
func WriteWith(path string, t *Table, opts Options) error {
	f, err := FormatFor(path)
	if err != nil {
		return err
	}

	if err := f.Write(path, t, opts); err != nil {
		return fmt.Errorf("failed to write %s catalog %s: %w", f.Name(), path, err)
	}

	return nil
}

// Update replaces the table stored in an existing file. Formats without
// in-place support rewrite the whole file, which for single-table formats is
// the same thing.
func Update(path string, t *Table, opts Options) error {
	f, err := FormatFor(path)
	if err != nil {
		return err
	}

	u, ok := f.(Updater)
	if !ok {
		return WriteWith(path, t, opts)
	}

	if err := u.Update(path, t, opts); err != nil {
		return fmt.Errorf("failed to update %s catalog %s: %w", f.Name(), path, err)
	}

	return nil
}

// OutputFormats are the formats results and generated catalogs may be written in.
//
//nolint:gochecknoglobals // Read-only list
var OutputFormats = []string{"parquet", "asdf"}

// OutputPath joins dir and name, making the extension agree with format. An
// empty format keeps a name ending in an output format's extension and
// appends ".parquet" otherwise.
func OutputPath(dir, name, format string) (string, error) {
	format = strings.ToLower(format)
	ext := strings.ToLower(filepath.Ext(name))

	switch {
	case format == "" && slices.Contains(OutputFormats, strings.TrimPrefix(ext, ".")):
	case format == "":
		name += ".parquet"
	case !slices.Contains(OutputFormats, format):
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	case ext != "."+format:
		name = strings.TrimSuffix(name, filepath.Ext(name)) + "." + format
	}

	return filepath.Join(dir, name), nil
}
