// Package export flattens scan session records into a Parquet file for
// offline analytics (throughput, retry rates, failure causes).
package export

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/lehigh-university-libraries/scanventory/internal/models"
	"github.com/lehigh-university-libraries/scanventory/internal/store"
	"github.com/parquet-go/parquet-go"
)

// Row is one image record flattened with its session metadata.
type Row struct {
	SessionID      string `parquet:"session_id"`
	SessionStatus  string `parquet:"session_status"`
	Location       string `parquet:"location"`
	Archived       bool   `parquet:"archived"`
	ImageIndex     int32  `parquet:"image_index"`
	ImageState     string `parquet:"image_state"`
	RetryCount     int32  `parquet:"retry_count"`
	Removed        bool   `parquet:"removed"`
	Source         string `parquet:"source"`
	LastError      string `parquet:"last_error"`
	Result         string `parquet:"result"`
	CreatedAtMilli int64  `parquet:"created_at_milli"`
	UpdatedAtMilli int64  `parquet:"updated_at_milli"`
}

// WriteAll exports every readable session record, live and archived, to a
// Parquet file at outPath. Corrupt record files are logged and skipped.
// Returns the number of rows written.
func WriteAll(st *store.Store, outPath string) (int, error) {
	var rows []Row

	ids, err := st.ListIDs()
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		session, err := st.Read(id)
		if err != nil {
			slog.Warn("skipping unreadable session record", "session_id", id, "err", err)
			continue
		}
		rows = append(rows, flatten(session, false)...)
	}

	archivedIDs, err := st.ListArchivedIDs()
	if err != nil {
		return 0, err
	}
	for _, id := range archivedIDs {
		session, err := st.ReadArchived(id)
		if err != nil {
			slog.Warn("skipping unreadable archived record", "session_id", id, "err", err)
			continue
		}
		rows = append(rows, flatten(session, true)...)
	}

	file, err := os.Create(outPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create output file: %w", err)
	}
	defer file.Close()

	writer := parquet.NewGenericWriter[Row](file)
	if len(rows) > 0 {
		if _, err := writer.Write(rows); err != nil {
			writer.Close()
			return 0, fmt.Errorf("failed to write parquet rows: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return 0, fmt.Errorf("failed to close parquet writer: %w", err)
	}

	slog.Info("session records exported", "path", outPath, "rows", len(rows))
	return len(rows), nil
}

func flatten(session *models.ScanSession, archived bool) []Row {
	rows := make([]Row, 0, len(session.Images))
	for i := range session.Images {
		r := &session.Images[i]
		rows = append(rows, Row{
			SessionID:      session.ID,
			SessionStatus:  string(session.Status),
			Location:       session.Location,
			Archived:       archived,
			ImageIndex:     int32(r.Index),
			ImageState:     string(r.State),
			RetryCount:     int32(r.RetryCount),
			Removed:        r.Removed,
			Source:         r.Source,
			LastError:      r.LastError,
			Result:         r.Result,
			CreatedAtMilli: session.CreatedAt.UnixMilli(),
			UpdatedAtMilli: session.UpdatedAt.UnixMilli(),
		})
	}
	return rows
}
