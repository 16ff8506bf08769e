package capture

import (
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	nethtml "golang.org/x/net/html"
)

// Readable is the main content pulled out of a rendered page.
type Readable struct {
	Title string
	HTML  string
	Text  string
}

const junkSelector = "script, style, noscript, template, iframe, svg, canvas, object, embed, form, button, " +
	"input, select, textarea, nav, header, footer, aside, dialog, " +
	`[role="navigation"], [role="banner"], [role="complementary"], [role="dialog"], ` +
	`[aria-hidden="true"], [hidden]`

const blockSelector = "h1, h2, h3, h4, h5, h6, p, ul, ol, li, blockquote, pre, figure, img, table, div, section, article"

var (
	junkAttr    = regexp.MustCompile(`(?i)(^|[\s_-])(ad|ads|advert|advertisement|banner|promo|sponsor(ed)?|cookie|consent|share|sharing|social|comment|comments|newsletter|subscribe|popup|modal|related|sidebar|breadcrumbs?|footer|masthead)([\s_-]|$)`)
	hiddenStyle = regexp.MustCompile(`(?i)display\s*:\s*none|visibility\s*:\s*hidden`)
)

// Extract distills raw DOM HTML into readable HTML and plain text. Input is
// cut at maxHTML bytes and text at maxText bytes, both on rune boundaries.
func Extract(rawHTML, pageURL string, maxHTML, maxText int) (Readable, error) {
	if maxHTML > 0 {
		rawHTML = truncateUTF8(rawHTML, maxHTML)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return Readable{}, fmt.Errorf("parse html: %w", err)
	}
	base, _ := url.Parse(pageURL)

	title := pageTitle(doc)
	stripJunk(doc)
	root := contentRoot(doc)

	b := &builder{base: base}
	if title != "" {
		b.block("h1", title)
	}
	b.walk(root)

	text := strings.TrimSpace(b.text.String())
	if maxText > 0 {
		text = truncateUTF8(text, maxText)
	}
	return Readable{
		Title: title,
		HTML:  wrapDocument(title, pageURL, b.html.String()),
		Text:  text,
	}, nil
}

func pageTitle(doc *goquery.Document) string {
	if t := collapse(doc.Find("head title").First().Text()); t != "" {
		return t
	}
	if t, ok := doc.Find(`meta[property="og:title"]`).First().Attr("content"); ok && collapse(t) != "" {
		return collapse(t)
	}
	return collapse(doc.Find("h1").First().Text())
}

func stripJunk(doc *goquery.Document) {
	doc.Find(junkSelector).Remove()
	doc.Find("[class], [id], [style]").Each(func(_ int, s *goquery.Selection) {
		switch goquery.NodeName(s) {
		case "html", "body", "main", "article":
			return
		}
		class, _ := s.Attr("class")
		id, _ := s.Attr("id")
		style, _ := s.Attr("style")
		if junkAttr.MatchString(class) || junkAttr.MatchString(id) || hiddenStyle.MatchString(style) {
			s.Remove()
		}
	})
}

// contentRoot picks the element most likely to hold the article body.
func contentRoot(doc *goquery.Document) *goquery.Selection {
	var best *goquery.Selection
	bestLen := 0
	doc.Find("article").Each(func(_ int, s *goquery.Selection) {
		if n := len(collapse(s.Text())); n > bestLen {
			best, bestLen = s, n
		}
	})
	if best != nil {
		return best
	}
	for _, sel := range []string{"main", `[role="main"]`} {
		if s := doc.Find(sel).First(); s.Length() > 0 {
			return s
		}
	}

	scores := make(map[*nethtml.Node]int)
	var order []*nethtml.Node
	doc.Find("p").Each(func(_ int, p *goquery.Selection) {
		text := collapse(p.Text())
		if len(text) < 25 {
			return
		}
		parent := p.Parent()
		if parent.Length() == 0 {
			return
		}
		node := parent.Nodes[0]
		if _, seen := scores[node]; !seen {
			order = append(order, node)
		}
		scores[node] += 1 + strings.Count(text, ",") + min(len(text)/100, 3)
	})
	var bestNode *nethtml.Node
	bestScore := 0
	for _, node := range order {
		if scores[node] > bestScore {
			bestNode, bestScore = node, scores[node]
		}
	}
	if bestNode != nil {
		return doc.FindNodes(bestNode)
	}
	return doc.Find("body").First()
}

type builder struct {
	base *url.URL
	html strings.Builder
	text strings.Builder
}

func (b *builder) walk(s *goquery.Selection) {
	s.Children().Each(func(_ int, c *goquery.Selection) {
		switch tag := goquery.NodeName(c); tag {
		case "h1", "h2", "h3", "h4", "h5", "h6":
			b.block(tag, collapse(c.Text()))
		case "p", "figcaption", "dt", "dd":
			b.block("p", collapse(c.Text()))
			c.Find("img").Each(func(_ int, img *goquery.Selection) { b.image(img) })
		case "blockquote":
			b.block("blockquote", collapse(c.Text()))
		case "pre":
			b.pre(c.Text())
		case "ul", "ol":
			b.html.WriteString("<" + tag + ">")
			b.walk(c)
			b.html.WriteString("</" + tag + ">\n")
		case "li":
			if c.Find("ul, ol").Length() > 0 {
				b.walk(c)
				return
			}
			b.listItem(collapse(c.Text()))
		case "img":
			b.image(c)
		case "br", "hr":
		default:
			if c.Find(blockSelector).Length() == 0 {
				b.block("p", collapse(c.Text()))
				return
			}
			b.walk(c)
		}
	})
}

func (b *builder) block(tag, text string) {
	if text == "" {
		return
	}
	fmt.Fprintf(&b.html, "<%s>%s</%s>\n", tag, html.EscapeString(text), tag)
	b.text.WriteString(text)
	b.text.WriteString("\n\n")
}

func (b *builder) listItem(text string) {
	if text == "" {
		return
	}
	fmt.Fprintf(&b.html, "<li>%s</li>\n", html.EscapeString(text))
	b.text.WriteString("- ")
	b.text.WriteString(text)
	b.text.WriteString("\n")
}

func (b *builder) pre(text string) {
	text = strings.Trim(text, "\n")
	if strings.TrimSpace(text) == "" {
		return
	}
	fmt.Fprintf(&b.html, "<pre>%s</pre>\n", html.EscapeString(text))
	b.text.WriteString(text)
	b.text.WriteString("\n\n")
}

func (b *builder) image(img *goquery.Selection) {
	src := b.imageSource(img)
	alt := collapse(img.AttrOr("alt", ""))
	if src == "" && alt == "" {
		return
	}
	if src != "" {
		fmt.Fprintf(&b.html, "<p><img src=\"%s\" alt=\"%s\"></p>\n", html.EscapeString(src), html.EscapeString(alt))
	}
	fmt.Fprintf(&b.text, "[image: %s](%s)\n\n", alt, src)
}

func (b *builder) imageSource(img *goquery.Selection) string {
	for _, attr := range []string{"src", "data-src", "data-original"} {
		raw := strings.TrimSpace(img.AttrOr(attr, ""))
		if raw == "" || strings.HasPrefix(raw, "data:") {
			continue
		}
		ref, err := url.Parse(raw)
		if err != nil {
			continue
		}
		if b.base != nil {
			ref = b.base.ResolveReference(ref)
		}
		return ref.String()
	}
	return ""
}

func wrapDocument(title, pageURL, body string) string {
	var sb strings.Builder
	sb.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n")
	fmt.Fprintf(&sb, "<title>%s</title>\n", html.EscapeString(title))
	if pageURL != "" {
		fmt.Fprintf(&sb, "<link rel=\"canonical\" href=\"%s\">\n", html.EscapeString(pageURL))
	}
	sb.WriteString("</head>\n<body>\n<article>\n")
	sb.WriteString(body)
	sb.WriteString("</article>\n</body>\n</html>\n")
	return sb.String()
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
