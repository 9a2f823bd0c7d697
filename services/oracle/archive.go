package oracle

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"lendingcore/services/oracle/storage"
)

type archiveRow struct {
	Asset      string `parquet:"name=asset, type=BYTE_ARRAY, convertedtype=UTF8"`
	Source     string `parquet:"name=source, type=BYTE_ARRAY, convertedtype=UTF8"`
	PriceWAD   string `parquet:"name=price_wad, type=BYTE_ARRAY, convertedtype=UTF8"`
	ObservedAt int64  `parquet:"name=observed_at, type=INT64"`
	RecordedAt string `parquet:"name=recorded_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// WriteArchive stores samples in dir as samples-<cutoff>.parquet and returns
// the file path.
func WriteArchive(dir string, cutoff time.Time, samples []storage.Sample) (string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("oracle: create archive dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("samples-%d.parquet", cutoff.UTC().Unix()))
	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("oracle: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(archiveRow), 1)
	if err != nil {
		file.Close()
		return "", fmt.Errorf("oracle: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, sample := range samples {
		row := &archiveRow{
			Asset:      sample.Asset,
			Source:     sample.Source,
			PriceWAD:   sample.Price.Dec(),
			ObservedAt: sample.ObservedAt.Unix(),
			RecordedAt: sample.RecordedAt.UTC().Format(time.RFC3339Nano),
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return "", fmt.Errorf("oracle: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return "", fmt.Errorf("oracle: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("oracle: close parquet file: %w", err)
	}
	return path, nil
}
