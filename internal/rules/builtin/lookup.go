package builtin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/crash-processor/internal/crash"
	"github.com/JakeFAU/crash-processor/internal/rules"
)

// LookupTable maps values of one processed field onto another.
type LookupTable struct {
	Name   string            `yaml:"name"`
	Source string            `yaml:"source"`
	Target string            `yaml:"target"`
	Values map[string]string `yaml:"values"`
	// Default is written when the source value has no entry. Empty writes nothing.
	Default string `yaml:"default"`
	// IgnoreCase matches source values case-insensitively.
	IgnoreCase bool `yaml:"ignore_case"`
}

type tableFile struct {
	Tables []LookupTable `yaml:"tables"`
}

// LoadTables reads lookup tables from a YAML file.
func LoadTables(path string) ([]LookupTable, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path.
	if err != nil {
		return nil, fmt.Errorf("read lookup tables: %w", err)
	}
	return ParseTables(data)
}

// ParseTables decodes and validates a lookup table document.
func ParseTables(data []byte) ([]LookupTable, error) {
	var doc tableFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode lookup tables: %w", err)
	}

	seen := make(map[string]struct{}, len(doc.Tables))
	for i, t := range doc.Tables {
		if err := t.validate(); err != nil {
			return nil, fmt.Errorf("table %d: %w", i, err)
		}
		if _, dup := seen[t.Name]; dup {
			return nil, fmt.Errorf("duplicate lookup table %q", t.Name)
		}
		seen[t.Name] = struct{}{}
	}
	return doc.Tables, nil
}

func (t LookupTable) validate() error {
	switch {
	case strings.TrimSpace(t.Name) == "":
		return errors.New("name is required")
	case t.Source == "" || t.Target == "":
		return fmt.Errorf("%s: source and target are required", t.Name)
	case t.Source == t.Target:
		return fmt.Errorf("%s: source and target must differ", t.Name)
	}
	return nil
}

// Lookup returns the mapped value for v.
func (t LookupTable) Lookup(v string) (string, bool) {
	if mapped, ok := t.Values[v]; ok {
		return mapped, true
	}
	if t.IgnoreCase {
		for k, mapped := range t.Values {
			if strings.EqualFold(k, v) {
				return mapped, true
			}
		}
	}
	if t.Default != "" {
		return t.Default, true
	}
	return "", false
}

// Rule turns the table into a rule that reads Source and writes Target.
func (t LookupTable) Rule() rules.Rule {
	return rules.Rule{
		Name:   t.Name,
		Reads:  []string{t.Source},
		Writes: []string{t.Target},
		Apply: func(_ context.Context, in rules.Input, out crash.Fields) error {
			v, ok := in.Fields[t.Source].(string)
			if !ok {
				return fmt.Errorf("%s is %T, not a string", t.Source, in.Fields[t.Source])
			}
			if mapped, ok := t.Lookup(v); ok {
				out[t.Target] = mapped
			}
			return nil
		},
	}
}
