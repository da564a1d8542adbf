package store

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"
)

// Export formats.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// ExportLogs writes the retained resolver log history to w.
func (s *Store) ExportLogs(w io.Writer, format string) error {
	logs, err := s.Logs()
	if err != nil {
		return err
	}

	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(logs)
	case FormatCSV:
		cw := csv.NewWriter(w)

		if err := cw.Write([]string{"time", "name", "server", "proto", "transaction_id", "latency_ms", "rcode", "error"}); err != nil {
			return err
		}

		for _, e := range logs {
			record := []string{
				e.Time.UTC().Format(time.RFC3339),
				e.Name,
				e.Server,
				e.Proto,
				strconv.FormatUint(uint64(e.TransactionID), 10),
				strconv.FormatInt(e.LatencyMs, 10),
				e.Rcode,
				e.Error,
			}
			if err := cw.Write(record); err != nil {
				return err
			}
		}

		cw.Flush()
		return cw.Error()
	default:
		return fmt.Errorf("unknown export format: %s", format)
	}
}
