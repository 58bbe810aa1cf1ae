package sink

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/aluiziolira/go-catalog-crawler/models"
)

// JSONLSink appends newline-delimited JSON records.
type JSONLSink struct {
	file    *os.File
	writer  *bufio.Writer
	encoder *json.Encoder
	closed  bool
}

// NewJSONLSink opens filename for appending.
func NewJSONLSink(filename string) (*JSONLSink, error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(filename, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open json file: %w", err)
	}

	buffer := bufio.NewWriter(f)
	return &JSONLSink{
		file:    f,
		writer:  buffer,
		encoder: json.NewEncoder(buffer),
	}, nil
}

// Write appends records in JSONL format and syncs the file.
func (js *JSONLSink) Write(records []models.Record) error {
	if js.closed {
		return ErrSinkClosed
	}
	if len(records) == 0 {
		return nil
	}

	for _, rec := range records {
		if err := js.encoder.Encode(rec); err != nil {
			return fmt.Errorf("encode json record: %w", err)
		}
	}
	if err := js.writer.Flush(); err != nil {
		return fmt.Errorf("flush json writer: %w", err)
	}
	if err := js.file.Sync(); err != nil {
		return fmt.Errorf("sync json file: %w", err)
	}
	return nil
}

// Close flushes buffers and closes the underlying file.
func (js *JSONLSink) Close() error {
	if js.closed {
		return nil
	}
	js.closed = true

	if err := js.writer.Flush(); err != nil {
		js.file.Close()
		return fmt.Errorf("flush json writer: %w", err)
	}
	return js.file.Close()
}
