package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/shinji-kodama/icebridge-batch/internal/model"
)

// LoadFile reads a configuration file and overlays its values onto b.
// Fields absent from the file keep their current values, so callers pass a
// Batch that already holds the defaults.
//
// The format is chosen by extension:
//   - .yaml / .yml: parsed with gopkg.in/yaml.v3
//   - .json / .jsonc: comments and trailing commas are stripped with
//     github.com/tidwall/jsonc, then parsed with encoding/json
//
// Returns a *model.ArgumentError for unreadable or malformed files, since a
// bad configuration file is a usage problem, not a pipeline failure.
func LoadFile(path string, b *Batch) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &model.ArgumentError{Reason: fmt.Sprintf("cannot read config file %s: %v", path, err)}
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		// yaml.v3 leaves fields that are not present in the document
		// untouched, which gives us the overlay semantics for free.
		if err := yaml.Unmarshal(data, b); err != nil {
			return &model.ArgumentError{Reason: fmt.Sprintf("invalid YAML in %s: %v", path, err)}
		}
	case ".json", ".jsonc":
		if err := json.Unmarshal(jsonc.ToJSON(data), b); err != nil {
			return &model.ArgumentError{Reason: fmt.Sprintf("invalid JSON in %s: %v", path, err)}
		}
	default:
		return &model.ArgumentError{Reason: fmt.Sprintf(
			"unsupported config file extension %q (valid: .yaml, .yml, .json, .jsonc)", ext)}
	}

	return nil
}

// UnmarshalYAML decodes a duration from a YAML scalar ("45m", "90").
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := parseDuration(value.Value)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// MarshalYAML encodes the duration in Go duration syntax.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// UnmarshalJSON decodes a duration from a JSON string ("45m") or number of
// seconds (2700).
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// Not a string, so treat the raw token as a number of seconds.
		s = string(data)
	}
	parsed, err := parseDuration(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// MarshalJSON encodes the duration in Go duration syntax.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}
