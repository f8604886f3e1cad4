// Package filters builds the per-band transmission files and the merged filter
// parameter file the engine needs, from the Roman effective-area spreadsheet.
package filters

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethpandaops/rpz/pkg/config"
	"github.com/ethpandaops/rpz/pkg/engine"
	"github.com/ethpandaops/rpz/pkg/observability"
	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"
)

// Defaults for the effective-area source
const (
	// BaseURL is the effective-area download location, formatted with the file date.
	BaseURL = "https://roman.gsfc.nasa.gov/science/RRI/Roman_effarea_%s.xlsx"
	// DefaultFileDate is the date of the default effective-area file.
	DefaultFileDate = "20210614"
	// DefaultHeaderRow is the zero-based spreadsheet row holding column names.
	DefaultHeaderRow = 1
	// DownloadTimeout bounds the effective-area download.
	DownloadTimeout = 30 * time.Second
	// Padding is the number of zero-throughput samples kept on each side of a band.
	Padding = 5
	// ParFile is the merged filter parameter file name.
	ParFile = "roman_phot.par"
)

// DefaultEffAreaFile is the default effective-area file name.
const DefaultEffAreaFile = "Roman_effarea_" + DefaultFileDate + ".xlsx"

var (
	// ErrDownloadFailed is returned when the effective-area download does not succeed
	ErrDownloadFailed = errors.New("effective-area download failed")
	// ErrEmptySheet is returned when the spreadsheet has no usable rows
	ErrEmptySheet = errors.New("effective-area sheet has no data")
)

// Sheet is the effective-area table: a wavelength column in angstrom and one
// throughput column per band.
type Sheet struct {
	Wavelength []float64
	Bands      []string
	Throughput [][]float64
	// Source is the URL the data was published at.
	Source string
}

// Builder creates filter files and hands them to the engine
type Builder struct {
	log    logrus.FieldLogger
	engine engine.Engine
	client *http.Client

	// BaseURL is formatted with the date token of the requested file name.
	BaseURL string
	// HeaderRow is the zero-based row holding column names.
	HeaderRow int
}

// NewBuilder creates a Builder using eng to compile the filters
func NewBuilder(log logrus.FieldLogger, eng engine.Engine) *Builder {
	return &Builder{
		log:       log.WithField("component", "filters"),
		engine:    eng,
		client:    &http.Client{Timeout: DownloadTimeout},
		BaseURL:   BaseURL,
		HeaderRow: DefaultHeaderRow,
	}
}

// FileDate returns the date token of an effective-area file name: the last
// "_"-separated part of its stem.
func FileDate(path string) string {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	parts := strings.Split(stem, "_")

	return parts[len(parts)-1]
}

// ReadEffectiveArea reads the first sheet of the spreadsheet at path,
// downloading it first when it does not exist. Wavelengths are converted from
// micron to angstrom.
func (b *Builder) ReadEffectiveArea(ctx context.Context, path string, headerRow int) (*Sheet, error) {
	url := fmt.Sprintf(b.BaseURL, FileDate(path))

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := b.download(ctx, url, path); err != nil {
			observability.RecordError("filters", "download")
			return nil, err
		}
	}

	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptySheet, path)
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	sheet, err := parseRows(rows, headerRow)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	sheet.Source = url

	b.log.WithFields(logrus.Fields{
		"path":    path,
		"bands":   len(sheet.Bands),
		"samples": len(sheet.Wavelength),
	}).Info("Effective-area table read")

	return sheet, nil
}

func parseRows(rows [][]string, headerRow int) (*Sheet, error) {
	if len(rows) <= headerRow+1 {
		return nil, ErrEmptySheet
	}

	header := rows[headerRow]
	if len(header) < 2 {
		return nil, fmt.Errorf("%w: header has %d columns", ErrEmptySheet, len(header))
	}

	sheet := &Sheet{
		Bands:      make([]string, len(header)-1),
		Throughput: make([][]float64, len(header)-1),
	}
	for i, name := range header[1:] {
		sheet.Bands[i] = strings.TrimSpace(name)
	}

	for n, row := range rows[headerRow+1:] {
		if len(row) == 0 || strings.TrimSpace(row[0]) == "" {
			continue
		}

		wave, err := strconv.ParseFloat(strings.TrimSpace(row[0]), 64)
		if err != nil {
			return nil, fmt.Errorf("row %d: wavelength %q: %w", headerRow+n+2, row[0], err)
		}
		sheet.Wavelength = append(sheet.Wavelength, wave*1e4)

		for i := range sheet.Bands {
			v := 0.0
			if i+1 < len(row) && strings.TrimSpace(row[i+1]) != "" {
				if v, err = strconv.ParseFloat(strings.TrimSpace(row[i+1]), 64); err != nil {
					return nil, fmt.Errorf("row %d, %s: %w", headerRow+n+2, sheet.Bands[i], err)
				}
			}
			sheet.Throughput[i] = append(sheet.Throughput[i], v)
		}
	}

	if len(sheet.Wavelength) == 0 {
		return nil, ErrEmptySheet
	}

	return sheet, nil
}

func (b *Builder) download(ctx context.Context, url, dest string) error {
	b.log.WithFields(logrus.Fields{"url": url, "dest": dest}).Info("Downloading effective-area file")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s: %s", ErrDownloadFailed, url, resp.Status)
	}

	if dir := filepath.Dir(dest); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	f, err := os.Create(dest) //nolint:gosec // Destination chosen by caller
	if err != nil {
		return err
	}

	if _, err := io.Copy(f, resp.Body); err != nil {
		_ = f.Close()
		_ = os.Remove(dest)
		return fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}

	return f.Close()
}

// Trim keeps the samples from pad before the first non-zero throughput to pad
// after the last one. A band with no non-zero throughput yields no samples.
func Trim(wave, throughput []float64, pad int) ([]float64, []float64) {
	first, last := -1, -1
	for i, v := range throughput {
		if v != 0 {
			if first < 0 {
				first = i
			}
			last = i
		}
	}
	if first < 0 {
		return nil, nil
	}

	lo := max(first-pad, 0)
	hi := min(last+pad, len(throughput)-1)

	return wave[lo : hi+1], throughput[lo : hi+1]
}

// FileName returns the transmission file name of a band column.
func FileName(band string) string {
	return "roman_" + strings.Join(strings.Fields(band), "_") + ".pb"
}

// WriteFiles writes one transmission file per band and the merged parameter
// file into dir, returning the parameter file path.
func WriteFiles(sheet *Sheet, dir string) (string, error) {
	files := make([]string, 0, len(sheet.Bands))
	for i, name := range sheet.Bands {
		wave, thr := Trim(sheet.Wavelength, sheet.Throughput[i], Padding)

		filename := FileName(name)
		if err := writeCurve(filepath.Join(dir, filename), name, sheet.Source, wave, thr); err != nil {
			return "", err
		}
		files = append(files, filename)
	}

	parFile := filepath.Join(dir, ParFile)
	if err := writeParFile(parFile, dir, files); err != nil {
		return "", err
	}

	return parFile, nil
}

func writeCurve(path, band, source string, wave, thr []float64) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s (Roman filter info obtained from %s)\n", band, source)
	for i := range wave {
		sb.WriteString(strconv.FormatFloat(wave[i], 'g', -1, 64))
		sb.WriteByte(' ')
		sb.WriteString(strconv.FormatFloat(thr[i], 'g', -1, 64))
		sb.WriteByte('\n')
	}

	if err := os.WriteFile(path, []byte(sb.String()), 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	return nil
}

// TargetDir resolves and creates the filter directory: explicit when given,
// else $LEPHAREDIR/filt/roman, else the current directory.
func TargetDir(explicit string) (string, error) {
	dir := "."
	switch {
	case explicit != "":
		dir = explicit
	case config.LephareDir() != "":
		dir = filepath.Join(config.LephareDir(), "filt", "roman")
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", fmt.Errorf("failed to create filter directory: %w", err)
	}

	return abs, nil
}

// Exist reports whether dir already holds transmission files. Contents are not checked.
func Exist(dir string) bool {
	matches, err := filepath.Glob(filepath.Join(dir, "*.pb"))

	return err == nil && len(matches) > 0
}

// Run builds the filter files in dir from input and compiles them with the
// engine. Existing files are reused unless force is set. It returns the
// parameter file path.
func (b *Builder) Run(ctx context.Context, input, dir string, force bool) (string, error) {
	dir, err := TargetDir(dir)
	if err != nil {
		return "", err
	}

	parFile := filepath.Join(dir, ParFile)
	if Exist(dir) && !force {
		b.log.WithField("dir", dir).Info("Filter files already exist, skipping")
		return parFile, nil
	}

	if input == "" {
		input = filepath.Join(dir, DefaultEffAreaFile)
	}

	sheet, err := b.ReadEffectiveArea(ctx, input, b.HeaderRow)
	if err != nil {
		return "", err
	}

	if parFile, err = WriteFiles(sheet, dir); err != nil {
		return "", err
	}

	b.log.WithFields(logrus.Fields{
		"dir":   dir,
		"bands": len(sheet.Bands),
	}).Info("Filter files written")

	if err := b.engine.BuildFilters(ctx, parFile); err != nil {
		return "", fmt.Errorf("failed to build filters: %w", err)
	}

	return parFile, nil
}
