package cruise

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"cruisectl/internal/config"
)

// ParseDefinition decodes a cruise definition. YAML is accepted when path has
// a .yaml/.yml extension, or when the document does not start with '{'.
// Unknown keys are rejected. The result is normalized.
func ParseDefinition(path string, data []byte) (*Definition, error) {
	raw := data
	trimmed := bytes.TrimSpace(data)
	switch {
	case config.IsYAMLPath(path), len(trimmed) > 0 && trimmed[0] != '{':
		j, err := config.YAMLToJSON(data)
		if err != nil {
			return nil, Invalidf("parse %s: %v", displayPath(path), err)
		}
		raw = j
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var def Definition
	if err := dec.Decode(&def); err != nil {
		return nil, Invalidf("parse %s: %v", displayPath(path), err)
	}
	var extra any
	if err := dec.Decode(&extra); err != io.EOF {
		if err == nil {
			return nil, Invalidf("parse %s: trailing data after definition", displayPath(path))
		}
		return nil, Invalidf("parse %s: trailing data: %v", displayPath(path), err)
	}
	def.Normalize()
	return &def, nil
}

// LoadFile reads and parses a definition file.
func LoadFile(path string) (*Definition, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("cruise definition %s: %w", path, err)
		}
		return nil, fmt.Errorf("read cruise definition %s: %w", path, err)
	}
	return ParseDefinition(path, b)
}

func displayPath(path string) string {
	if path == "" || path == "-" {
		return "definition"
	}
	return path
}
