// Package sink persists normalized records incrementally. Every Write is
// durable on return; nothing is buffered across pages.
package sink

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aluiziolira/go-catalog-crawler/models"
)

// ErrSinkClosed is returned by Write after Close.
var ErrSinkClosed = errors.New("sink: closed")

// Sink is the destination for one adapter's records. A sink has a single
// writer and is never shared across workers.
type Sink interface {
	Write(records []models.Record) error
	Close() error
}

// Path returns the artifact path for an adapter under dir.
func Path(dir, adapter, ext string) string {
	name := strings.ToLower(strings.TrimSpace(adapter))
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
	return filepath.Join(dir, name+ext)
}

func ensureDir(filename string) error {
	dir := filepath.Dir(filename)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return nil
}
