package pretok

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/xitongsys/parquet-go-source/buffer"
	"github.com/xitongsys/parquet-go/common"
	"github.com/xitongsys/parquet-go/reader"

	"github.com/born-ml/tinyllama/internal/serialization"
)

// Raw shard extensions.
const (
	extCSV     = ".csv"
	extParquet = ".parquet"
)

// ErrColumnNotFound is returned when a shard lacks the text column.
var ErrColumnNotFound = errors.New("text column not found")

// discoverShards returns the raw shards in dir, sorted by name.
func discoverShards(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	var shards []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case extCSV, extParquet:
			shards = append(shards, filepath.Join(dir, e.Name()))
		}
	}
	// os.ReadDir already sorts by filename.
	return shards, nil
}

// eachText calls fn with every text cell of column, in row order.
func eachText(path, column string, fn func(row int, text string) error) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case extCSV:
		return eachCSVText(path, column, fn)
	case extParquet:
		return eachParquetText(path, column, fn)
	default:
		return fmt.Errorf("unsupported shard type %q", filepath.Ext(path))
	}
}

func eachCSVText(path, column string, fn func(int, string) error) error {
	f, err := os.Open(path) //nolint:gosec // G304: shard paths come from the data directory listing
	if err != nil {
		return fmt.Errorf("failed to open shard: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.LazyQuotes = true
	r.ReuseRecord = true

	header, err := r.Read()
	if err != nil {
		return fmt.Errorf("failed to read csv header: %w", err)
	}
	col := -1
	for i, name := range header {
		if strings.TrimPrefix(name, "\ufeff") == column {
			col = i
			break
		}
	}
	if col < 0 {
		return fmt.Errorf("%w: %q in %v", ErrColumnNotFound, column, header)
	}

	for row := 0; ; row++ {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read csv row %d: %w", row, err)
		}
		if err := fn(row, record[col]); err != nil {
			return err
		}
	}
}

// eachParquetText reads one BYTE_ARRAY column of a memory-mapped parquet
// file. Null cells are skipped.
func eachParquetText(path, column string, fn func(int, string) error) error {
	mapped, err := serialization.MapFile(path)
	if err != nil {
		return err
	}
	defer mapped.Close()

	bf := buffer.NewBufferFileFromBytesNoAlloc(mapped.Bytes())
	pr, err := reader.NewParquetColumnReader(bf, 1)
	if err != nil {
		return fmt.Errorf("failed to create parquet column reader: %w", err)
	}
	defer pr.ReadStop()

	index := int64(-1)
	for i, inPath := range pr.SchemaHandler.ValueColumns {
		exPath := strings.Split(pr.SchemaHandler.InPathToExPath[inPath], common.PAR_GO_PATH_DELIMITER)
		if exPath[len(exPath)-1] == column {
			index = int64(i)
			break
		}
	}
	if index < 0 {
		return fmt.Errorf("%w: %q", ErrColumnNotFound, column)
	}

	n := pr.GetNumRows()
	values, _, _, err := pr.ReadColumnByIndex(index, n)
	if err != nil {
		return fmt.Errorf("failed to read column %q: %w", column, err)
	}

	for row, v := range values {
		if v == nil {
			continue
		}
		text, ok := v.(string)
		if !ok {
			return fmt.Errorf("row %d: column %q holds %T, want string", row, column, v)
		}
		if err := fn(row, text); err != nil {
			return err
		}
	}
	return nil
}
