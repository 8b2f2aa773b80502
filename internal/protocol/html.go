package protocol

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
)

// looksLikeHTML detects proxy and gateway error pages.
func looksLikeHTML(contentType string, body []byte) bool {
	if strings.Contains(strings.ToLower(contentType), "text/html") {
		return true
	}
	head := bytes.ToLower(bytes.TrimSpace(body))
	if len(head) > 64 {
		head = head[:64]
	}
	return bytes.HasPrefix(head, []byte("<!doctype html")) || bytes.HasPrefix(head, []byte("<html"))
}

// htmlTitle returns the text of the first <title> element, or "".
func htmlTitle(body []byte) string {
	z := html.NewTokenizer(bytes.NewReader(body))
	inTitle := false
	for {
		switch z.Next() {
		case html.ErrorToken:
			return ""
		case html.StartTagToken:
			name, _ := z.TagName()
			inTitle = string(name) == "title"
		case html.EndTagToken:
			inTitle = false
		case html.TextToken:
			if inTitle {
				if title := strings.Join(strings.Fields(string(z.Text())), " "); title != "" {
					return title
				}
			}
		}
	}
}

// summarizeBody shortens an error body for the Error field. HTML pages are
// reduced to their title.
func summarizeBody(contentType string, body []byte) string {
	if looksLikeHTML(contentType, body) {
		if title := htmlTitle(body); title != "" {
			return title
		}
		return "HTML error page"
	}
	return truncate(string(body), 300)
}
