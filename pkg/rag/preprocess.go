package rag

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/go-shiori/go-readability"
)

var (
	htmlTagRe    = regexp.MustCompile(`(?s)<[^>]*>`)
	blankLinesRe = regexp.MustCompile(`\n{3,}`)
	spaceRunsRe  = regexp.MustCompile(`[ \t]{2,}`)
)

// Preprocess normalizes fetched content to plain text. HTML goes through
// readability extraction with a tag-stripping fallback; everything else
// gets whitespace normalization only. Returns the normalized text and the
// extracted title, when the source yields one.
func Preprocess(fetched *FetchResult) (content, title string) {
	text := fetched.Content
	title = fetched.Title

	if fetched.MimeType == "text/html" {
		var pageURL *url.URL
		if fetched.SourceURI != "" {
			pageURL, _ = url.Parse(fetched.SourceURI)
		}
		article, err := readability.FromReader(strings.NewReader(text), pageURL)
		if err == nil && article.TextContent != "" {
			text = article.TextContent
			if article.Title != "" {
				title = article.Title
			}
		} else {
			text = htmlTagRe.ReplaceAllString(text, " ")
		}
	}

	return normalizeWhitespace(text), title
}

func normalizeWhitespace(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = spaceRunsRe.ReplaceAllString(text, " ")
	text = blankLinesRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
