package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/agentgrid/types"
)

// Format is a definition file encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFromPath infers the format from a file extension.
func FormatFromPath(path string) (Format, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, true
	case ".yaml", ".yml":
		return FormatYAML, true
	}
	return "", false
}

// DetectFormat guesses JSON when the document starts with '{', YAML
// otherwise.
func DetectFormat(data []byte) Format {
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte("{")) {
		return FormatJSON
	}
	return FormatYAML
}

// Parse decodes a definition. Unknown fields are rejected.
func Parse(data []byte, format Format) (*Definition, error) {
	var def Definition
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&def); err != nil {
			return nil, types.NewError(types.ErrInvalidDefinition, "decode JSON definition").WithCause(err)
		}
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&def); err != nil {
			return nil, types.NewError(types.ErrInvalidDefinition, "decode YAML definition").WithCause(err)
		}
	default:
		return nil, types.Errorf(types.ErrInvalidDefinition, "unsupported definition format %q", format)
	}
	return &def, nil
}

// ToJSON encodes the definition as indented JSON.
func (d *Definition) ToJSON() ([]byte, error) {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal definition to JSON: %w", err)
	}
	return data, nil
}

// ToYAML encodes the definition as YAML.
func (d *Definition) ToYAML() ([]byte, error) {
	data, err := yaml.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal definition to YAML: %w", err)
	}
	return data, nil
}

// LoadFile reads and decodes a definition file. The format comes from the
// extension, falling back to content sniffing.
func LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition %s: %w", path, err)
	}
	format, ok := FormatFromPath(path)
	if !ok {
		format = DetectFormat(data)
	}
	def, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// LoadDir loads every .json, .yaml and .yml file in dir, ordered by file
// name. Subdirectories are not searched.
func LoadDir(dir string) ([]*Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read definitions dir %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := FormatFromPath(e.Name()); ok {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	defs := make([]*Definition, 0, len(names))
	for _, name := range names {
		def, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// SaveFile writes the definition in the format implied by path.
func (d *Definition) SaveFile(path string) error {
	format, ok := FormatFromPath(path)
	if !ok {
		return fmt.Errorf("cannot infer definition format from %s", path)
	}
	var data []byte
	var err error
	if format == FormatJSON {
		data, err = d.ToJSON()
	} else {
		data, err = d.ToYAML()
	}
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write definition %s: %w", path, err)
	}
	return nil
}
