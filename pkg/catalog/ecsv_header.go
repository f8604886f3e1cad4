package catalog

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const ecsvVersionLine = "%ECSV 1.0"

type ecsvColumn struct {
	Name        string `yaml:"name"`
	Unit        string `yaml:"unit,omitempty"`
	Datatype    string `yaml:"datatype"`
	Description string `yaml:"description,omitempty"`
}

type ecsvHeaderOut struct {
	Datatype  []ecsvColumn   `yaml:"datatype"`
	Delimiter string         `yaml:"delimiter,omitempty"`
	Meta      map[string]any `yaml:"meta,omitempty"`
	Schema    string         `yaml:"schema"`
}

type ecsvHeaderIn struct {
	Datatype  []ecsvColumn `yaml:"datatype"`
	Delimiter string       `yaml:"delimiter"`
	Meta      *yaml.Node   `yaml:"meta"`
}

// encodeHeader renders the astropy ECSV header for t, without comment prefixes.
func encodeHeader(t *Table) (string, error) {
	h := ecsvHeaderOut{Schema: "astropy-2.0", Meta: t.Meta}
	for _, c := range t.columns {
		h.Datatype = append(h.Datatype, ecsvColumn{
			Name:        c.Name,
			Unit:        c.Unit,
			Datatype:    c.Kind.String(),
			Description: c.Description,
		})
	}

	body, err := yaml.Marshal(h)
	if err != nil {
		return "", err
	}

	return ecsvVersionLine + "\n---\n" + string(body), nil
}

// decodeHeader parses an ECSV header with comment prefixes already removed.
func decodeHeader(text string) (*ecsvHeaderIn, error) {
	var body strings.Builder
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "%ECSV") || trimmed == "---" {
			continue
		}
		body.WriteString(line)
		body.WriteByte('\n')
	}

	h := &ecsvHeaderIn{}
	if err := yaml.Unmarshal([]byte(body.String()), h); err != nil {
		return nil, fmt.Errorf("%w: ecsv header: %w", ErrMalformed, err)
	}

	return h, nil
}

// decodeMeta accepts both a plain mapping and the !!omap sequence astropy writes.
func decodeMeta(node *yaml.Node) map[string]any {
	out := map[string]any{}
	if node == nil {
		return out
	}

	switch node.Kind {
	case yaml.MappingNode:
		_ = node.Decode(&out)
	case yaml.SequenceNode:
		for _, item := range node.Content {
			m := map[string]any{}
			if err := item.Decode(&m); err == nil {
				for k, v := range m {
					out[k] = v
				}
			}
		}
	}

	return out
}

func kindFromDatatype(dt string) Kind {
	switch {
	case strings.HasPrefix(dt, "float"):
		return Float
	case strings.HasPrefix(dt, "int"), strings.HasPrefix(dt, "uint"), dt == "bool":
		return Int
	default:
		return String
	}
}

// applyHeader orders t's columns by the header and fills units and
// descriptions the columns do not already carry.
func applyHeader(t *Table, h *ecsvHeaderIn) {
	ordered := make([]*Column, 0, len(t.columns))
	seen := map[string]bool{}
	for _, hc := range h.Datatype {
		i, ok := t.index[hc.Name]
		if !ok {
			continue
		}
		c := t.columns[i]
		if c.Unit == "" {
			c.Unit = hc.Unit
		}
		if c.Description == "" {
			c.Description = hc.Description
		}
		ordered = append(ordered, c)
		seen[hc.Name] = true
	}
	for _, c := range t.columns {
		if !seen[c.Name] {
			ordered = append(ordered, c)
		}
	}

	t.columns = ordered
	t.index = make(map[string]int, len(ordered))
	for i, c := range ordered {
		t.index[c.Name] = i
	}

	for k, v := range decodeMeta(h.Meta) {
		t.Meta[k] = v
	}
}
