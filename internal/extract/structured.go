package extract

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"strings"

	"gopkg.in/yaml.v3"
)

// extractJSON re-serializes JSON with indentation. Go's encoder emits
// object keys in sorted order, so the output is stable across runs.
func extractJSON(data []byte) (*Result, error) {
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, extractErr("json", err)
	}

	out, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return nil, extractErr("json", err)
	}
	return &Result{Text: normalize(out)}, nil
}

// extractYAML canonicalizes YAML through an unmarshal/marshal round
// trip, which normalizes formatting and anchors.
func extractYAML(data []byte) (*Result, error) {
	var value any
	if err := yaml.Unmarshal(data, &value); err != nil {
		return nil, extractErr("yaml", err)
	}

	out, err := yaml.Marshal(value)
	if err != nil {
		return nil, extractErr("yaml", err)
	}
	return &Result{Text: normalize(out)}, nil
}

// extractCSV flattens rows into lines, cells joined with ", ". Each row
// boundary is a soft break so chunks split between records.
func extractCSV(data []byte) (*Result, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, extractErr("csv", err)
	}

	blocks := make([]string, 0, len(records))
	for _, record := range records {
		blocks = append(blocks, strings.Join(record, ", "))
	}
	return joinBlocks(blocks), nil
}
