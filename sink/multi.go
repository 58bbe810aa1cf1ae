package sink

import (
	"errors"
	"fmt"

	"github.com/aluiziolira/go-catalog-crawler/models"
)

// MultiSink fans each write out to several sinks in order. The first sink is
// the primary artifact; a write is durable once every sink has returned.
type MultiSink struct {
	sinks  []Sink
	closed bool
}

// NewMultiSink combines sinks. Nil entries are skipped.
func NewMultiSink(sinks ...Sink) *MultiSink {
	out := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return &MultiSink{sinks: out}
}

// Write writes records to every sink, stopping at the first failure.
func (ms *MultiSink) Write(records []models.Record) error {
	if ms.closed {
		return ErrSinkClosed
	}
	for i, s := range ms.sinks {
		if err := s.Write(records); err != nil {
			return fmt.Errorf("sink %d write failed: %w", i, err)
		}
	}
	return nil
}

// Close closes every sink and joins their errors.
func (ms *MultiSink) Close() error {
	if ms.closed {
		return nil
	}
	ms.closed = true

	var errs []error
	for i, s := range ms.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("sink %d close failed: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
