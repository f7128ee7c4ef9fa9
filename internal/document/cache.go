package document

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Cache stores extracted pages on disk, one text blob plus one metadata
// record per URL, keyed by the URL's fingerprint. The layout is designed
// for human inspection: <key>.txt holds the extracted text, <key>.json
// the page metadata.
type Cache struct {
	dir    string
	logger *slog.Logger
}

// NewCache creates the cache directory if needed.
func NewCache(dir string, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	return &Cache{dir: dir, logger: logger}, nil
}

// Put writes a page to the cache atomically. An existing entry for the
// same URL is superseded, never partially overwritten: both files are
// staged as temp files and renamed into place.
func (c *Cache) Put(page Page) error {
	key := page.Key()

	meta, err := json.MarshalIndent(page, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding metadata for %s: %w", page.URL, err)
	}

	if err := c.writeAtomic(key+".txt", []byte(page.Text)); err != nil {
		return fmt.Errorf("caching text for %s: %w", page.URL, err)
	}
	if err := c.writeAtomic(key+".json", meta); err != nil {
		return fmt.Errorf("caching metadata for %s: %w", page.URL, err)
	}

	c.logger.Debug("page cached", "url", page.URL, "key", key, "chars", len(page.Text))
	return nil
}

// Get loads one page by its cache key.
func (c *Cache) Get(key string) (Page, error) {
	meta, err := os.ReadFile(filepath.Join(c.dir, key+".json"))
	if err != nil {
		return Page{}, fmt.Errorf("reading cached metadata %s: %w", key, err)
	}

	var page Page
	if err := json.Unmarshal(meta, &page); err != nil {
		return Page{}, fmt.Errorf("decoding cached metadata %s: %w", key, err)
	}

	text, err := os.ReadFile(filepath.Join(c.dir, key+".txt"))
	if err != nil {
		return Page{}, fmt.Errorf("reading cached text %s: %w", key, err)
	}
	page.Text = string(text)

	return page, nil
}

// LoadAll returns every cached page. Entries whose metadata or text
// cannot be read are skipped with a warning; one bad cache file must
// not block the embed stage.
func (c *Cache) LoadAll() ([]Page, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("listing cache directory: %w", err)
	}

	var pages []Page
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		key := strings.TrimSuffix(name, ".json")

		page, err := c.Get(key)
		if err != nil {
			c.logger.Warn("skipping unreadable cache entry", "key", key, "error", err)
			continue
		}
		pages = append(pages, page)
	}

	return pages, nil
}

// Len reports the number of cached pages.
func (c *Cache) Len() (int, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0, fmt.Errorf("listing cache directory: %w", err)
	}
	n := 0
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".json") {
			n++
		}
	}
	return n, nil
}

func (c *Cache) writeAtomic(name string, data []byte) error {
	tmp, err := os.CreateTemp(c.dir, name+".tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, filepath.Join(c.dir, name))
}
