package sink

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/aluiziolira/go-catalog-crawler/models"
)

// CSVSink appends records to a CSV file with a fixed header.
type CSVSink struct {
	path   string
	file   *os.File
	writer *csv.Writer
	closed bool
}

// NewCSVSink opens filename for appending. A new or empty file gets the
// header row immediately, so a crawl that yields nothing still leaves a
// well-formed artifact. An existing file must carry the same header.
func NewCSVSink(filename string) (*CSVSink, error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(filename, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open csv file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat csv file: %w", err)
	}

	writer := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := writer.Write(models.CSVHeader); err != nil {
			f.Close()
			return nil, fmt.Errorf("write csv header: %w", err)
		}
		writer.Flush()
		if err := writer.Error(); err != nil {
			f.Close()
			return nil, fmt.Errorf("flush csv header: %w", err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, fmt.Errorf("sync csv header: %w", err)
		}
	} else if err := checkHeader(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", filename, err)
	}

	return &CSVSink{
		path:   filename,
		file:   f,
		writer: writer,
	}, nil
}

func checkHeader(f *os.File) error {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek csv file: %w", err)
	}
	header, err := csv.NewReader(f).Read()
	if err != nil {
		return fmt.Errorf("read existing csv header: %w", err)
	}
	if !slices.Equal(header, models.CSVHeader) {
		return fmt.Errorf("existing csv header %v does not match %v", header, models.CSVHeader)
	}
	// O_APPEND puts every write at the end regardless of the read offset.
	return nil
}

// Write appends records and syncs them to disk before returning.
func (cs *CSVSink) Write(records []models.Record) error {
	if cs.closed {
		return ErrSinkClosed
	}
	if len(records) == 0 {
		return nil
	}

	for _, rec := range records {
		if err := cs.writer.Write(rec.CSVRow()); err != nil {
			return fmt.Errorf("write csv record to %s: %w", cs.path, err)
		}
	}
	cs.writer.Flush()
	if err := cs.writer.Error(); err != nil {
		return fmt.Errorf("flush csv records to %s: %w", cs.path, err)
	}
	if err := cs.file.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", cs.path, err)
	}
	return nil
}

// Close flushes and closes the file handle. Calling it again is a no-op.
func (cs *CSVSink) Close() error {
	if cs.closed {
		return nil
	}
	cs.closed = true

	cs.writer.Flush()
	flushErr := cs.writer.Error()
	closeErr := cs.file.Close()
	if flushErr != nil {
		return errors.Join(fmt.Errorf("flush csv writer: %w", flushErr), closeErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close csv file: %w", closeErr)
	}
	return nil
}
