package sink

import (
	"fmt"
)

// Output formats accepted by Open.
const (
	FormatCSV  = "csv"
	FormatDual = "dual"
)

// Options selects the artifacts Open creates for an adapter.
type Options struct {
	Dir      string
	Format   string
	RunID    string
	Postgres *PostgresStore
}

// Open builds the configured sink for one adapter: the CSV artifact, plus a
// JSONL copy for the dual format and a Postgres mirror when a store is set.
func Open(adapter string, opts Options) (Sink, error) {
	csvSink, err := NewCSVSink(Path(opts.Dir, adapter, ".csv"))
	if err != nil {
		return nil, err
	}

	sinks := []Sink{csvSink}
	switch opts.Format {
	case "", FormatCSV:
	case FormatDual:
		jsonSink, err := NewJSONLSink(Path(opts.Dir, adapter, ".jsonl"))
		if err != nil {
			csvSink.Close()
			return nil, fmt.Errorf("failed to create JSON sink: %w", err)
		}
		sinks = append(sinks, jsonSink)
	default:
		csvSink.Close()
		return nil, fmt.Errorf("unsupported output format: %s", opts.Format)
	}

	if opts.Postgres != nil {
		sinks = append(sinks, opts.Postgres.Sink(opts.RunID))
	}

	if len(sinks) == 1 {
		return csvSink, nil
	}
	return NewMultiSink(sinks...), nil
}
