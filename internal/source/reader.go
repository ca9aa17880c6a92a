package source

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"
)

// BatchReader streams a CSV file as a lazy, finite sequence of bounded
// RawBatches. The whole file is never held in memory.
type BatchReader struct {
	csv       *csv.Reader
	chunkSize int
	header    []string
	offset    int
	done      bool
	logger    *zap.Logger
}

// NewBatchReader wraps a raw byte stream. The header row is consumed
// immediately so schema mapping can start before the first batch.
func NewBatchReader(r io.Reader, chunkSize int, logger *zap.Logger) (*BatchReader, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}

	cr := csv.NewReader(bufio.NewReader(r))
	cr.FieldsPerRecord = -1 // arity is the normalizer's concern

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: cannot read header: %v", ErrMalformedBatch, err)
	}
	stripBOM(header)
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	return &BatchReader{
		csv:       cr,
		chunkSize: chunkSize,
		header:    header,
		logger:    logger,
	}, nil
}

// Header returns the raw column names of the file.
func (b *BatchReader) Header() []string { return b.header }

// Skip discards n data rows, restarting a read from a prior offset.
func (b *BatchReader) Skip(n int) error {
	for skipped := 0; skipped < n; {
		_, err := b.csv.Read()
		if err == io.EOF {
			b.done = true
			return nil
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				continue // unreadable rows were already counted on the first pass
			}
			return fmt.Errorf("%w: %v", ErrMalformedBatch, err)
		}
		skipped++
		b.offset++
	}
	return nil
}

// Next returns the next batch, or io.EOF when the file is exhausted.
// Rows the parser cannot read are skipped and counted on the batch.
func (b *BatchReader) Next() (*RawBatch, error) {
	if b.done {
		return nil, io.EOF
	}

	batch := &RawBatch{
		Offset: b.offset,
		Header: b.header,
	}

	for len(batch.Records) < b.chunkSize {
		record, err := b.csv.Read()
		if err == io.EOF {
			b.done = true
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				batch.Malformed++
				b.logger.Warn("Skipping unreadable CSV row",
					zap.Int("line", parseErr.Line),
					zap.Error(parseErr.Err))
				continue
			}
			return nil, fmt.Errorf("%w: %v", ErrMalformedBatch, err)
		}

		// Fully empty rows carry no data and are dropped.
		if len(record) == 0 || (len(record) == 1 && strings.TrimSpace(record[0]) == "") {
			continue
		}

		batch.Records = append(batch.Records, record)
		b.offset++
	}

	if len(batch.Records) == 0 && batch.Malformed == 0 {
		return nil, io.EOF
	}
	return batch, nil
}

// stripBOM removes a UTF-8 byte order mark from the first header cell.
// CMS exports routinely carry one.
func stripBOM(header []string) {
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}
}
