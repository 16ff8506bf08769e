package capture

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const articlePage = `<!DOCTYPE html>
<html>
<head><title>  The Long Read  </title></head>
<body>
  <nav><a href="/">Home</a><a href="/about">About</a></nav>
  <header class="site-header">Site banner</header>
  <div class="ad-slot">Buy now!</div>
  <article>
    <h2>Chapter one</h2>
    <p>It was a bright cold day in April, and the clocks were striking thirteen.</p>
    <p>Winston Smith slipped quickly through the glass doors.</p>
    <img src="/img/cover.png" alt="Cover art">
    <ul><li>First point</li><li>Second point</li></ul>
    <div class="share-buttons">Share this</div>
    <script>console.log("tracking")</script>
  </article>
  <footer>Copyright</footer>
</body>
</html>`

func TestExtractArticle(t *testing.T) {
	t.Parallel()

	got, err := Extract(articlePage, "https://example.com/story/1", 0, 0)
	require.NoError(t, err)

	assert.Equal(t, "The Long Read", got.Title)
	assert.Contains(t, got.Text, "bright cold day in April")
	assert.Contains(t, got.Text, "- First point")
	assert.Contains(t, got.Text, "[image: Cover art](https://example.com/img/cover.png)")
	for _, junk := range []string{"Home", "Buy now", "Share this", "tracking", "Copyright", "Site banner"} {
		assert.NotContains(t, got.Text, junk)
	}

	assert.Contains(t, got.HTML, "<h2>Chapter one</h2>")
	assert.Contains(t, got.HTML, `<img src="https://example.com/img/cover.png" alt="Cover art">`)
	assert.Contains(t, got.HTML, `<link rel="canonical" href="https://example.com/story/1">`)
	assert.NotContains(t, got.HTML, "<script")
}

func TestExtractPicksDensestContainerWithoutArticle(t *testing.T) {
	t.Parallel()

	page := `<html><body>
	<div id="menu"><p>Menu entry that is long enough to count, right here.</p></div>
	<div id="content">
	  <p>First paragraph of real content, with commas, clauses, and detail.</p>
	  <p>Second paragraph continues the story, adding more, and more, text.</p>
	  <p>Third paragraph wraps it up with a conclusion of some length here.</p>
	</div>
	</body></html>`

	got, err := Extract(page, "https://example.com", 0, 0)
	require.NoError(t, err)
	assert.Contains(t, got.Text, "First paragraph")
	assert.Contains(t, got.Text, "Third paragraph")
	assert.NotContains(t, got.Text, "Menu entry")
}

func TestExtractTitleFallbacks(t *testing.T) {
	t.Parallel()

	got, err := Extract(`<html><head><meta property="og:title" content="OG Title"></head><body><h1>Heading</h1></body></html>`, "", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "OG Title", got.Title)

	got, err = Extract(`<html><body><main><h1>Only Heading</h1><p>Body</p></main></body></html>`, "", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "Only Heading", got.Title)
}

func TestExtractCapsText(t *testing.T) {
	t.Parallel()

	body := "<html><body><main><p>" + strings.Repeat("é", 1000) + "</p></main></body></html>"
	got, err := Extract(body, "", 0, 101)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(got.Text), 101)
	assert.True(t, strings.HasSuffix(got.Text, "é"))
}

func TestExtractDropsHiddenNodes(t *testing.T) {
	t.Parallel()

	page := `<html><body><main>
	<p>Visible words</p>
	<p style="display: none">Invisible words</p>
	<div aria-hidden="true"><p>Decorative words</p></div>
	<div class="cookie-consent"><p>We use cookies</p></div>
	</main></body></html>`
	got, err := Extract(page, "", 0, 0)
	require.NoError(t, err)
	assert.Contains(t, got.Text, "Visible words")
	assert.NotContains(t, got.Text, "Invisible")
	assert.NotContains(t, got.Text, "Decorative")
	assert.NotContains(t, got.Text, "cookies")
}

func TestTruncateUTF8(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "abc", truncateUTF8("abc", 10))
	assert.Equal(t, "a", truncateUTF8("aé", 2))
}
