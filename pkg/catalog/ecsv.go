package catalog

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

type ecsvFormat struct{}

func (ecsvFormat) Name() string         { return "ecsv" }
func (ecsvFormat) Extensions() []string { return []string{".ecsv"} }

func (ecsvFormat) Read(path string, _ Options) (*Table, error) {
	f, err := os.Open(path) //nolint:gosec // Catalog path supplied by caller
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return readECSV(f)
}

func readECSV(r io.Reader) (*Table, error) {
	br := bufio.NewReader(r)

	var header strings.Builder
	for {
		peek, err := br.Peek(1)
		if err != nil || peek[0] != '#' {
			break
		}
		line, err := br.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		line = strings.TrimPrefix(strings.TrimPrefix(line, "#"), " ")
		header.WriteString(line)
		header.WriteByte('\n')
		if err != nil {
			break
		}
	}

	if !strings.HasPrefix(strings.TrimSpace(header.String()), ecsvVersionLine[:5]) {
		return nil, fmt.Errorf("%w: missing %%ECSV header", ErrMalformed)
	}

	h, err := decodeHeader(header.String())
	if err != nil {
		return nil, err
	}

	delim := ' '
	if h.Delimiter == "," {
		delim = ','
	}

	cr := csv.NewReader(br)
	cr.Comma = delim
	cr.Comment = '#'
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	names, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: missing column names: %w", ErrMalformed, err)
	}

	kinds := make(map[string]Kind, len(h.Datatype))
	for _, c := range h.Datatype {
		kinds[c.Name] = kindFromDatatype(c.Datatype)
	}

	cols := make([]*Column, len(names))
	for i, name := range names {
		cols[i] = &Column{Name: name, Kind: kinds[name]}
		if _, ok := kinds[name]; !ok {
			cols[i].Kind = String
		}
	}

	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		if len(rec) != len(cols) {
			return nil, fmt.Errorf("%w: data row %d has %d fields, expected %d", ErrMalformed, line, len(rec), len(cols))
		}
		for i, field := range rec {
			if err := appendText(cols[i], field); err != nil {
				return nil, fmt.Errorf("%w: data row %d: %w", ErrMalformed, line, err)
			}
		}
	}

	t, err := NewTable(cols...)
	if err != nil {
		return nil, err
	}
	applyHeader(t, h)

	return t, nil
}

// appendText parses one text field into c. Empty numeric fields are masked
// values and become NaN (floats) or 0 (ints).
func appendText(c *Column, field string) error {
	switch c.Kind {
	case Int:
		if field == "" {
			c.Ints = append(c.Ints, 0)
			return nil
		}
		v, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			f, ferr := strconv.ParseFloat(field, 64)
			if ferr != nil {
				return fmt.Errorf("column %s: %w", c.Name, err)
			}
			v = int64(f)
		}
		c.Ints = append(c.Ints, v)
	case String:
		c.Strings = append(c.Strings, field)
	default:
		if field == "" {
			c.Floats = append(c.Floats, math.NaN())
			return nil
		}
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return fmt.Errorf("column %s: %w", c.Name, err)
		}
		c.Floats = append(c.Floats, v)
	}

	return nil
}

func (ecsvFormat) Write(path string, t *Table, _ Options) error {
	f, err := os.Create(path) //nolint:gosec // Catalog path supplied by caller
	if err != nil {
		return err
	}

	if err := writeECSV(f, t); err != nil {
		_ = f.Close()
		return err
	}

	return f.Close()
}

func writeECSV(w io.Writer, t *Table) error {
	header, err := encodeHeader(t)
	if err != nil {
		return err
	}

	bw := bufio.NewWriter(w)
	for _, line := range strings.Split(strings.TrimRight(header, "\n"), "\n") {
		if _, err := bw.WriteString("# " + line + "\n"); err != nil {
			return err
		}
	}

	names := t.Names()
	for i, n := range names {
		names[i] = quoteField(n)
	}
	if _, err := bw.WriteString(strings.Join(names, " ") + "\n"); err != nil {
		return err
	}

	fields := make([]string, len(t.columns))
	for row := 0; row < t.Len(); row++ {
		for i, c := range t.columns {
			if c.Kind == String {
				fields[i] = quoteField(c.Strings[row])
				continue
			}
			if c.Kind == Float && math.IsNaN(c.Floats[row]) {
				fields[i] = `""`
				continue
			}
			fields[i] = c.Format(row)
		}
		if _, err := bw.WriteString(strings.Join(fields, " ") + "\n"); err != nil {
			return err
		}
	}

	return bw.Flush()
}

func quoteField(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\"#\r\n") {
		return s
	}

	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
