package crawler

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aluiziolira/go-catalog-crawler/models"
)

// deduper remembers recently written record keys for one task. The first
// record with a key wins; later copies are dropped.
type deduper struct {
	seen *lru.Cache[string, struct{}]
}

func newDeduper(size int) (*deduper, error) {
	if size <= 0 {
		size = 1
	}
	cache, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, err
	}
	return &deduper{seen: cache}, nil
}

// Seen reports whether rec was already accepted and marks it otherwise.
func (d *deduper) Seen(rec models.Record) bool {
	found, _ := d.seen.ContainsOrAdd(rec.Key(), struct{}{})
	return found
}
