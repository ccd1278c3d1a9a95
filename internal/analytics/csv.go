package analytics

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
)

var csvHeader = []string{
	"event_type", "file_path", "ip", "user_agent", "referer", "created_at",
}

// WriteCSV streams events as an RFC 4180 CSV document, header row first.
// created_at stays UNIX seconds, as stored.
func WriteCSV(w io.Writer, events []DownloadEvent) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("writing csv header: %w", err)
	}
	for _, ev := range events {
		record := []string{
			ev.EventType,
			ev.FilePath,
			ev.IP,
			ev.UserAgent,
			ev.Referer,
			strconv.FormatInt(ev.CreatedAt, 10),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("writing csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ExportFilename is the attachment name for a share's CSV export.
func ExportFilename(hash string) string {
	return "mediaedge-share-" + hash + "-analytics.csv"
}
