package extract

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragline/ragline/internal/log"
)

const docusaurusPage = `<!DOCTYPE html>
<html>
<head><title>Installation | Example Docs</title></head>
<body>
<nav class="navbar">Home Docs API Blog</nav>
<div class="sidebar">Getting Started Installation Configuration</div>
<main>
<article>
<h1>Installation</h1>
<p>Install the toolkit with your package manager of choice. The minimum
supported runtime version is listed in the compatibility table below.</p>
<p>After installation completes, verify the binary is on your PATH by
running the version subcommand. A successful invocation prints the
release number and build date.</p>
<pre>toolkit --version</pre>
</article>
</main>
<footer>Copyright 2026 Example Project</footer>
</body>
</html>`

func TestExtract_ReadabilityPath(t *testing.T) {
	e := New(50, log.NewNop())

	title, text, err := e.Extract([]byte(docusaurusPage), "https://docs.example.com/docs/install")
	require.NoError(t, err)

	assert.Contains(t, title, "Installation")
	assert.Contains(t, text, "package manager of choice")
	assert.Contains(t, text, "toolkit --version")
	assert.NotContains(t, text, "Copyright 2026")
	assert.NotContains(t, text, "Home Docs API Blog")
}

func TestExtract_FallbackOnShortReadability(t *testing.T) {
	// Mostly navigation with a small main region; readability tends to
	// reject such pages, so the selector fallback must carry it.
	page := `<html><head><title>API Index</title></head><body>
<nav>` + strings.Repeat("<a href='/x'>link</a> ", 80) + `</nav>
<div role="main">
<h1>API Index</h1>
<p>This page lists every exported symbol grouped by package and kind.</p>
</div>
</body></html>`

	e := New(50, log.NewNop())
	title, text, err := e.Extract([]byte(page), "https://docs.example.com/docs/api")
	require.NoError(t, err)

	assert.Contains(t, title, "API Index")
	assert.Contains(t, text, "every exported symbol")
}

func TestExtract_NoContent(t *testing.T) {
	e := New(50, log.NewNop())

	_, _, err := e.Extract([]byte("<html><body><p>hi</p></body></html>"),
		"https://docs.example.com/docs/empty")
	assert.ErrorIs(t, err, ErrNoContent)
}

func TestExtract_WhitespaceNormalization(t *testing.T) {
	page := `<html><body><article>
<p>First    paragraph with	mixed        spacing that runs well past the
minimum extraction length for this configuration.</p>



<p>Second paragraph after excessive blank space, also padded out to pass
the minimum length check.</p>
</article></body></html>`

	e := New(50, log.NewNop())
	_, text, err := e.Extract([]byte(page), "https://docs.example.com/docs/ws")
	require.NoError(t, err)

	assert.NotContains(t, text, "  ", "space runs should collapse")
	assert.NotContains(t, text, "\n\n\n", "blank line runs should collapse")
	assert.Contains(t, text, "First paragraph with mixed spacing")
}

func TestExtract_BadURL(t *testing.T) {
	e := New(50, log.NewNop())
	_, _, err := e.Extract([]byte(docusaurusPage), "://bad")
	assert.Error(t, err)
}
