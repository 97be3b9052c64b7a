package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// ExportFormat selects the rendering of an audit export.
type ExportFormat string

const (
	ExportFormatCSV  ExportFormat = "csv"
	ExportFormatJSON ExportFormat = "json"
)

var csvHeader = []string{
	"Seq", "ID", "Timestamp (UTC)", "Theme ID", "Action", "Actor", "Request ID",
	"Changed Fields", "Before", "After", "Previous Hash",
}

// Export renders records oldest first. An empty format means JSON.
func Export(records []*Record, format ExportFormat) ([]byte, error) {
	switch format {
	case ExportFormatJSON, "":
		if records == nil {
			records = []*Record{}
		}
		data, err := json.MarshalIndent(records, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("marshal audit export: %w", err)
		}
		return data, nil
	case ExportFormatCSV:
		return exportCSV(records)
	}
	return nil, fmt.Errorf("unsupported export format: %s", format)
}

func exportCSV(records []*Record) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("write audit csv: %w", err)
	}
	for _, rec := range records {
		err := w.Write([]string{
			strconv.FormatInt(rec.Seq, 10),
			rec.ID,
			rec.CreatedAt.UTC().Format(time.RFC3339),
			rec.ThemeID,
			string(rec.Action),
			rec.Actor,
			rec.RequestID,
			strings.Join(ChangedFields(rec.Before, rec.After), ";"),
			string(rec.Before),
			string(rec.After),
			rec.PreviousHash,
		})
		if err != nil {
			return nil, fmt.Errorf("write audit csv: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("write audit csv: %w", err)
	}
	return buf.Bytes(), nil
}

// ChangedFields lists, sorted, the top-level theme fields whose values differ
// between two snapshots. A missing snapshot counts as an empty object, so a
// create lists every field it set and a delete every field it removed.
func ChangedFields(before, after json.RawMessage) []string {
	b, a := fields(before), fields(after)
	var changed []string
	for k, v := range a {
		if canonical(v) != canonical(b[k]) {
			changed = append(changed, k)
		}
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			changed = append(changed, k)
		}
	}
	slices.Sort(changed)
	return changed
}

func fields(raw json.RawMessage) map[string]json.RawMessage {
	m := map[string]json.RawMessage{}
	if len(bytes.TrimSpace(raw)) > 0 {
		_ = json.Unmarshal(raw, &m)
	}
	return m
}
