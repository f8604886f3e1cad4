package catalog

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// textFormat is the whitespace-delimited layout the fitting engine reads
// (CAT_FMT MEME): one object per line, no quoting, '#' comments.
type textFormat struct{}

func (textFormat) Name() string { return "text" }

func (textFormat) Extensions() []string {
	return []string{".in", ".txt", ".dat", ".cat", ".out"}
}

func (textFormat) Read(path string, _ Options) (*Table, error) {
	f, err := os.Open(path) //nolint:gosec // Catalog path supplied by caller
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return ReadText(f, nil)
}

// ReadText parses whitespace-delimited rows. Column names come from names when
// given, else from a leading "# name ..." comment with the right field count,
// else col1..colN. Column kinds are inferred: int, then float, then string.
func ReadText(r io.Reader, names []string) (*Table, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var (
		comment []string
		rows    [][]string
	)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			if comment == nil && len(rows) == 0 {
				comment = strings.Fields(strings.TrimPrefix(line, "#"))
			}
			continue
		}
		fields := strings.Fields(line)
		if len(rows) > 0 && len(fields) != len(rows[0]) {
			return nil, fmt.Errorf("%w: line %d has %d fields, expected %d", ErrMalformed, len(rows)+1, len(fields), len(rows[0]))
		}
		rows = append(rows, fields)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	width := len(names)
	if len(rows) > 0 {
		width = len(rows[0])
	}
	switch {
	case names != nil && len(names) != width:
		return nil, fmt.Errorf("%w: %d column names for %d fields", ErrMalformed, len(names), width)
	case names == nil && len(comment) == width && width > 0:
		names = comment
	case names == nil:
		names = make([]string, width)
		for i := range names {
			names[i] = "col" + strconv.Itoa(i+1)
		}
	}

	cols := make([]*Column, width)
	for i := range cols {
		cols[i] = inferColumn(names[i], rows, i)
	}

	return NewTable(cols...)
}

func inferColumn(name string, rows [][]string, idx int) *Column {
	isInt, isFloat := true, true
	for _, row := range rows {
		if isInt {
			if _, err := strconv.ParseInt(row[idx], 10, 64); err != nil {
				isInt = false
			}
		}
		if _, err := strconv.ParseFloat(row[idx], 64); err != nil {
			isFloat = false
			break
		}
	}

	c := &Column{Name: name}
	switch {
	case isInt && len(rows) > 0:
		c.Kind = Int
		c.Ints = make([]int64, len(rows))
		for i, row := range rows {
			c.Ints[i], _ = strconv.ParseInt(row[idx], 10, 64)
		}
	case isFloat:
		c.Kind = Float
		c.Floats = make([]float64, len(rows))
		for i, row := range rows {
			c.Floats[i], _ = strconv.ParseFloat(row[idx], 64)
		}
	default:
		c.Kind = String
		c.Strings = make([]string, len(rows))
		for i, row := range rows {
			c.Strings[i] = row[idx]
		}
	}

	return c
}

func (textFormat) Write(path string, t *Table, _ Options) error {
	f, err := os.Create(path) //nolint:gosec // Catalog path supplied by caller
	if err != nil {
		return err
	}

	if err := WriteText(f, t, true); err != nil {
		_ = f.Close()
		return err
	}

	return f.Close()
}

// WriteText writes rows separated by single spaces. Whitespace inside strings
// becomes '_' and empty strings become '-', so every row keeps its field count.
func WriteText(w io.Writer, t *Table, header bool) error {
	bw := bufio.NewWriter(w)
	if header {
		if _, err := bw.WriteString("# " + strings.Join(t.Names(), " ") + "\n"); err != nil {
			return err
		}
	}

	fields := make([]string, t.NumColumns())
	for row := 0; row < t.Len(); row++ {
		for i, c := range t.columns {
			v := c.Format(row)
			if c.Kind == String {
				v = strings.Join(strings.Fields(v), "_")
				if v == "" {
					v = "-"
				}
			}
			fields[i] = v
		}
		if _, err := bw.WriteString(strings.Join(fields, " ") + "\n"); err != nil {
			return err
		}
	}

	return bw.Flush()
}
