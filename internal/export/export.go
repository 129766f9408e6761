// Package export materializes query results as downloadable artifacts.
// Encoders produce bytes; the Service uploads them to object storage and
// hands back a presigned download link.
package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"

	"github.com/askdb/askdb/internal/gateway"
	"github.com/askdb/askdb/internal/storage"
)

const (
	FormatCSV     = "csv"
	FormatJSON    = "json"
	FormatParquet = "parquet"
)

// Formats lists the supported export formats.
func Formats() []string {
	return []string{FormatCSV, FormatJSON, FormatParquet}
}

type Artifact struct {
	Key         string `json:"key"`
	Format      string `json:"format"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	RowCount    int    `json:"row_count"`
	URL         string `json:"url,omitempty"`
}

// EncodeCSV renders the result with a header row in column order.
func EncodeCSV(result gateway.Result) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	if err := writer.Write(result.Columns); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	for _, row := range result.Rows {
		record := make([]string, len(result.Columns))
		for i, column := range result.Columns {
			record[i] = stringify(row[column])
		}
		if err := writer.Write(record); err != nil {
			return nil, fmt.Errorf("write csv row: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodeJSON renders the rows as a JSON array of objects.
func EncodeJSON(result gateway.Result) ([]byte, error) {
	rows := result.Rows
	if rows == nil {
		rows = []map[string]any{}
	}
	encoded, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode json rows: %w", err)
	}
	return encoded, nil
}

// EncodeParquet writes the rows with every column as an optional string.
// Stringifying sidesteps per-column type inference on heterogeneous results.
func EncodeParquet(result gateway.Result) ([]byte, error) {
	if len(result.Columns) == 0 {
		return nil, fmt.Errorf("no columns to encode")
	}

	group := parquet.Group{}
	for _, column := range result.Columns {
		group[column] = parquet.Optional(parquet.String())
	}
	schema := parquet.NewSchema("export", group)

	rows := make([]map[string]any, len(result.Rows))
	for i, row := range result.Rows {
		record := make(map[string]any, len(result.Columns))
		for _, column := range result.Columns {
			if value := row[column]; value != nil {
				record[column] = stringify(value)
			}
		}
		rows[i] = record
	}

	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[map[string]any](buf, schema)
	if len(rows) > 0 {
		if _, err := writer.Write(rows); err != nil {
			return nil, fmt.Errorf("write parquet rows: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

func stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case float64:
		return fmt.Sprintf("%g", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

type Service struct {
	store     storage.ObjectStore
	urlExpiry time.Duration
	logger    *slog.Logger
}

func NewService(store storage.ObjectStore, urlExpiry time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, urlExpiry: urlExpiry, logger: logger}
}

// Export encodes the result in the requested format, uploads it, and
// returns the artifact with a presigned download link.
func (s *Service) Export(ctx context.Context, result gateway.Result, format string) (Artifact, error) {
	var (
		data        []byte
		contentType string
		err         error
	)
	switch format {
	case FormatCSV:
		data, err = EncodeCSV(result)
		contentType = "text/csv"
	case FormatJSON:
		data, err = EncodeJSON(result)
		contentType = "application/json"
	case FormatParquet:
		data, err = EncodeParquet(result)
		contentType = "application/vnd.apache.parquet"
	default:
		return Artifact{}, fmt.Errorf("unsupported export format %q", format)
	}
	if err != nil {
		return Artifact{}, fmt.Errorf("encode %s export: %w", format, err)
	}

	key := fmt.Sprintf("exports/%s.%s", uuid.NewString(), format)
	info, err := s.store.Put(ctx, key, bytes.NewReader(data), int64(len(data)), storage.PutOptions{ContentType: contentType})
	if err != nil {
		return Artifact{}, fmt.Errorf("upload export: %w", err)
	}

	artifact := Artifact{
		Key:         key,
		Format:      format,
		ContentType: contentType,
		Size:        info.Size,
		RowCount:    result.RowCount,
	}
	signed, err := s.store.PresignedGetURL(ctx, key, s.urlExpiry)
	if err != nil {
		s.logger.WarnContext(ctx, "presign export failed", slog.String("key", key), slog.Any("error", err))
		return artifact, nil
	}
	artifact.URL = signed
	return artifact, nil
}
