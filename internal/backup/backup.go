// Package backup reads and writes per-table backup files.
//
// A backup file holds the complete array of one table's records. JSON
// (indented) is the default; YAML is used for .yaml/.yml files and JSON Lines
// (one record per line) for .jsonl files.
package backup

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dentdesk/dentdesk/internal/schema"
)

// Format is a backup file encoding.
type Format string

const (
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
	FormatJSONL Format = "jsonl"
)

// FormatFor picks the format from a file extension, defaulting to JSON.
func FormatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	case ".jsonl":
		return FormatJSONL
	default:
		return FormatJSON
	}
}

// FileName returns the conventional backup file name of a table.
func FileName(table string, format Format) string {
	if format == "" {
		format = FormatJSON
	}
	return table + "." + string(format)
}

// Encode writes records to w in the given format.
func Encode(w io.Writer, format Format, records []schema.Record) error {
	if records == nil {
		records = []schema.Record{}
	}

	switch format {
	case FormatJSON, "":
		data, err := json.MarshalIndent(records, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal records: %w", err)
		}
		data = append(data, '\n')
		_, err = w.Write(data)
		return err

	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(records); err != nil {
			return fmt.Errorf("failed to marshal records: %w", err)
		}
		return enc.Close()

	case FormatJSONL:
		enc := json.NewEncoder(w)
		for i, r := range records {
			if err := enc.Encode(r); err != nil {
				return fmt.Errorf("failed to marshal record %d: %w", i, err)
			}
		}
		return nil

	default:
		return fmt.Errorf("unknown backup format %q", format)
	}
}

// Decode reads a backup from r. Every element must be an object; numbers are
// normalized to float64 whatever the format, matching records read back from
// the local store.
func Decode(r io.Reader, format Format) ([]schema.Record, error) {
	var raw []map[string]any

	switch format {
	case FormatJSON, "":
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read backup: %w", err)
		}
		if len(bytes.TrimSpace(data)) == 0 {
			return nil, errors.New("backup is empty")
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("backup is not an array of records: %w", err)
		}

	case FormatYAML:
		if err := yaml.NewDecoder(r).Decode(&raw); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, errors.New("backup is empty")
			}
			return nil, fmt.Errorf("backup is not a list of records: %w", err)
		}

	case FormatJSONL:
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
		line := 0
		for scanner.Scan() {
			line++
			text := bytes.TrimSpace(scanner.Bytes())
			if len(text) == 0 {
				continue
			}
			var m map[string]any
			if err := json.Unmarshal(text, &m); err != nil {
				return nil, fmt.Errorf("invalid JSON at line %d: %w", line, err)
			}
			raw = append(raw, m)
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read backup: %w", err)
		}

	default:
		return nil, fmt.Errorf("unknown backup format %q", format)
	}

	records := make([]schema.Record, 0, len(raw))
	for i, m := range raw {
		if m == nil {
			return nil, fmt.Errorf("element %d is not a record", i)
		}
		records = append(records, schema.Record(m).Clone())
	}
	return records, nil
}

// WriteFile writes records to path atomically, picking the format from the
// extension.
func WriteFile(path string, records []schema.Record) error {
	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}

	var buf bytes.Buffer
	if err := Encode(&buf, FormatFor(path), records); err != nil {
		return err
	}

	// Write atomically via temp file
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

// ReadFile reads a backup file, picking the format from the extension.
func ReadFile(path string) ([]schema.Record, error) {
	// #nosec G304 - operator-supplied backup path
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open backup: %w", err)
	}
	defer file.Close()

	records, err := Decode(file, FormatFor(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return records, nil
}
