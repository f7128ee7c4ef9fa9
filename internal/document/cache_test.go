package document

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragline/ragline/internal/log"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	cache, err := NewCache(t.TempDir(), log.NewNop())
	require.NoError(t, err)
	return cache
}

func testPage(t *testing.T, url string) Page {
	t.Helper()
	page, err := NewPage(url, "Some Title", sampleText, map[string]string{"doc_type": "guide"})
	require.NoError(t, err)
	return page
}

func TestCache_PutGet(t *testing.T) {
	cache := newTestCache(t)
	page := testPage(t, "https://docs.example.com/docs/install")

	require.NoError(t, cache.Put(page))

	got, err := cache.Get(page.Key())
	require.NoError(t, err)
	assert.Equal(t, page.URL, got.URL)
	assert.Equal(t, page.Title, got.Title)
	assert.Equal(t, page.Text, got.Text)
	assert.Equal(t, page.ContentHash, got.ContentHash)
	assert.Equal(t, "guide", got.Metadata["doc_type"])
}

func TestCache_PutSupersedes(t *testing.T) {
	cache := newTestCache(t)

	original := testPage(t, "https://docs.example.com/docs/install")
	require.NoError(t, cache.Put(original))

	updated, err := NewPage(original.URL, "Some Title", sampleText+" Now with more detail.", nil)
	require.NoError(t, err)
	require.NoError(t, cache.Put(updated))

	got, err := cache.Get(original.Key())
	require.NoError(t, err)
	assert.Equal(t, updated.ContentHash, got.ContentHash)
	assert.Equal(t, updated.Text, got.Text)

	n, err := cache.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n, "re-crawling a URL must not create a second entry")
}

func TestCache_GetMissing(t *testing.T) {
	cache := newTestCache(t)
	_, err := cache.Get("deadbeefdeadbeef")
	assert.Error(t, err)
}

func TestCache_LoadAll(t *testing.T) {
	cache := newTestCache(t)

	urls := []string{
		"https://docs.example.com/docs/a",
		"https://docs.example.com/docs/b",
		"https://docs.example.com/docs/c",
	}
	for _, u := range urls {
		require.NoError(t, cache.Put(testPage(t, u)))
	}

	pages, err := cache.LoadAll()
	require.NoError(t, err)
	assert.Len(t, pages, 3)

	seen := make(map[string]bool)
	for _, p := range pages {
		seen[p.URL] = true
		assert.NotEmpty(t, p.Text)
	}
	for _, u := range urls {
		assert.True(t, seen[u], "missing page %s", u)
	}
}

func TestCache_LoadAllSkipsCorruptEntries(t *testing.T) {
	dir := t.TempDir()
	cache, err := NewCache(dir, log.NewNop())
	require.NoError(t, err)

	require.NoError(t, cache.Put(testPage(t, "https://docs.example.com/docs/good")))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "0123456789abcdef.json"), []byte("{broken"), 0o600))

	pages, err := cache.LoadAll()
	require.NoError(t, err)
	assert.Len(t, pages, 1)
}
