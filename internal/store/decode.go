// Package store loads flag definitions from files, object storage and PostgreSQL,
// and persists accepted flag writes and rollback events back to PostgreSQL.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rafaeljc/bifrost/internal/ruleengine"
)

// Format is the encoding of a definitions document.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ErrUnsupportedFormat is returned for documents that are neither JSON nor YAML.
var ErrUnsupportedFormat = errors.New("unsupported definitions format")

// FormatFromName picks the format from a file or object name extension.
func FormatFromName(name string) (Format, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, name)
	}
}

// document is the wrapped form: {"flags": [...]}.
type document struct {
	Flags []*ruleengine.Flag `json:"flags"`
}

// DecodeFlags parses a definitions document. The top level is either a list of
// flags or an object with a "flags" list.
//
// YAML is normalized to JSON first, so both formats share the JSON field names
// and the value kind inference of ruleengine.Value.
func DecodeFlags(data []byte, format Format) ([]*ruleengine.Flag, error) {
	switch format {
	case FormatJSON:
	case FormatYAML:
		normalized, err := yamlToJSON(data)
		if err != nil {
			return nil, err
		}
		data = normalized
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return []*ruleengine.Flag{}, nil
	}

	switch trimmed[0] {
	case '[':
		var flags []*ruleengine.Flag
		if err := json.Unmarshal(trimmed, &flags); err != nil {
			return nil, fmt.Errorf("failed to decode flag list: %w", err)
		}
		return compact(flags), nil
	case '{':
		var doc document
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return nil, fmt.Errorf("failed to decode flag document: %w", err)
		}
		return compact(doc.Flags), nil
	case 'n':
		// YAML documents holding only comments normalize to null.
		if string(trimmed) == "null" {
			return []*ruleengine.Flag{}, nil
		}
	}
	return nil, fmt.Errorf("definitions must be a list of flags or an object with a flags list")
}

func yamlToJSON(data []byte) ([]byte, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse yaml definitions: %w", err)
	}
	out, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to convert yaml definitions: %w", err)
	}
	return out, nil
}

// compact drops null entries.
func compact(flags []*ruleengine.Flag) []*ruleengine.Flag {
	out := make([]*ruleengine.Flag, 0, len(flags))
	for _, f := range flags {
		if f != nil {
			out = append(out, f)
		}
	}
	return out
}
