package source

import (
	"bytes"
	"regexp"

	"github.com/PuerkitoBio/goquery"
)

// ExtractIDs collects the distinct deck ids linked from an HTML page, in document
// order. Each anchor href is matched against pattern, whose first group is the id.
// When the document yields nothing through the parser the raw bytes are scanned
// with the same pattern.
func ExtractIDs(html []byte, pattern *regexp.Regexp) []string {
	seen := make(map[string]struct{})
	var ids []string
	add := func(id string) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	if doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html)); err == nil {
		doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
			href, _ := sel.Attr("href")
			if m := pattern.FindStringSubmatch(href); len(m) > 1 {
				add(m[1])
			}
		})
	}
	if len(ids) > 0 {
		return ids
	}
	for _, m := range pattern.FindAllSubmatch(html, -1) {
		add(string(m[1]))
	}
	return ids
}
