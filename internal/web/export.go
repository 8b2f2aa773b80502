package web

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/mdwoicke/dentix-ortho-sub015/internal/storage"
)

// ReportIterator yields stored report summaries until yield returns false.
type ReportIterator func(yield func(storage.ReportSummary) bool) error

// ExportFormat returns the content type and file extension of a format.
func ExportFormat(format string) (contentType, ext string, ok bool) {
	switch strings.ToLower(format) {
	case "json":
		return "application/json", "json", true
	case "csv":
		return "text/csv", "csv", true
	default:
		return "", "", false
	}
}

// StreamReports writes report summaries without buffering the whole set.
func StreamReports(w io.Writer, iter ReportIterator, format string) error {
	switch strings.ToLower(format) {
	case "json":
		return streamJSON(w, iter)
	case "csv":
		return streamCSV(w, iter)
	default:
		return fmt.Errorf("unsupported export format: %s", format)
	}
}

func streamJSON(w io.Writer, iter ReportIterator) error {
	if _, err := io.WriteString(w, "["); err != nil {
		return err
	}
	first := true
	var writeErr error
	err := iter(func(item storage.ReportSummary) bool {
		buf, err := json.Marshal(item)
		if err != nil {
			writeErr = err
			return false
		}
		if !first {
			if _, writeErr = io.WriteString(w, ","); writeErr != nil {
				return false
			}
		}
		first = false
		_, writeErr = w.Write(buf)
		return writeErr == nil
	})
	if err != nil {
		return err
	}
	if writeErr != nil {
		return writeErr
	}
	_, err = io.WriteString(w, "]\n")
	return err
}

func streamCSV(w io.Writer, iter ReportIterator) error {
	writer := csv.NewWriter(w)
	headers := []string{
		"id", "started_at", "environment", "status", "failed_layer", "failed_test",
		"passed", "failed", "skipped", "duration_ms", "battery_version", "recommendation",
	}
	if err := writer.Write(headers); err != nil {
		return err
	}

	var writeErr error
	err := iter(func(item storage.ReportSummary) bool {
		writeErr = writer.Write([]string{
			item.ID,
			item.StartedAt.Format(time.RFC3339),
			item.Environment,
			item.Status,
			item.FailedLayer,
			item.FailedTest,
			strconv.Itoa(item.Passed),
			strconv.Itoa(item.Failed),
			strconv.Itoa(item.Skipped),
			strconv.FormatInt(item.DurationMs, 10),
			item.BatteryVersion,
			item.Recommendation,
		})
		return writeErr == nil
	})
	if err != nil {
		return err
	}
	if writeErr != nil {
		return writeErr
	}
	writer.Flush()
	return writer.Error()
}
