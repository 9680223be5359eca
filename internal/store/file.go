package store

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/webpilot/internal/agent"
)

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

// EncodeRecord renders rec as indented JSON, or YAML when asYAML is set.
func EncodeRecord(rec agent.Record, asYAML bool) ([]byte, error) {
	if asYAML {
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("failed to encode record as YAML: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode record as JSON: %w", err)
	}
	return append(data, '\n'), nil
}

// DecodeRecord parses a JSON or YAML record and validates it.
func DecodeRecord(data []byte, asYAML bool) (agent.Record, error) {
	var rec agent.Record
	var err error
	if asYAML {
		err = yaml.Unmarshal(data, &rec)
	} else {
		err = json.Unmarshal(data, &rec)
	}
	if err != nil {
		return agent.Record{}, agent.NewStatusError(agent.StatusInvalidInput, "malformed session file", err)
	}
	if err := rec.Validate(); err != nil {
		return agent.Record{}, err
	}
	return rec, nil
}

// WriteRecordFile exports rec to path. The format follows the extension: .yaml/.yml is YAML,
// anything else JSON.
func WriteRecordFile(path string, rec agent.Record) error {
	data, err := EncodeRecord(rec, isYAML(path))
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create export directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// ReadRecordFile imports a record written by WriteRecordFile.
func ReadRecordFile(path string) (agent.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return agent.Record{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return DecodeRecord(data, isYAML(path))
}
