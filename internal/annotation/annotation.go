// Package annotation memoizes fields derived from scan results.
package annotation

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/CZERTAINLY/Lookout/internal/store"
)

const FieldReportURI = "report_uri"

// Cache maps a key to a set of fields. Entries never expire.
type Cache struct {
	mu   sync.RWMutex
	data map[string]map[string]string
}

func NewCache() *Cache {
	return &Cache{
		data: make(map[string]map[string]string),
	}
}

// Get returns a copy of the fields stored for key, nil if there are none.
func (c *Cache) Get(key string) map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fields, ok := c.data[key]
	if !ok {
		return nil
	}
	return maps.Clone(fields)
}

// Set merges fields into the entry. Existing fields are kept unless
// overwrite is true.
func (c *Cache) Set(key string, fields map[string]string, overwrite bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.data[key]
	if !ok {
		entry = make(map[string]string, len(fields))
		c.data[key] = entry
	}
	for k, v := range fields {
		if _, exists := entry[k]; exists && !overwrite {
			continue
		}
		entry[k] = v
	}
}

func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
}

// Reader reads result records.
type Reader interface {
	Read(image string) (store.Record, error)
}

// Annotator derives fields from result records and caches them per image.
type Annotator struct {
	cache *Cache
	store Reader
}

func NewAnnotator(cache *Cache, store Reader) *Annotator {
	return &Annotator{cache: cache, store: store}
}

// ReportURI returns the uri field of the scan report. It is empty for
// missing or failed scans.
func (a *Annotator) ReportURI(image string) (string, error) {
	if uri, ok := a.cache.Get(image)[FieldReportURI]; ok {
		return uri, nil
	}

	rec, err := a.store.Read(image)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return "", nil
	case err != nil:
		return "", err
	case rec.Failure:
		return "", nil
	}

	var report struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(rec.Content, &report); err != nil {
		return "", fmt.Errorf("parsing report of %s: %w", image, err)
	}
	a.cache.Set(image, map[string]string{FieldReportURI: report.URI}, true)
	return report.URI, nil
}

// Forget drops cached fields of an image, used when its record is deleted.
func (a *Annotator) Forget(image string) {
	a.cache.Delete(image)
}
