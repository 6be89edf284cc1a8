package reconciler

import (
	"strings"

	"golang.org/x/net/html"
)

// normalize implements §4.4's text-comparison rule: strip HTML, replace
// the literal "¬Æ" sequence with "®" and "&deg;" with "°", collapse
// internal whitespace runs to a single space, and trim. Idempotent by
// construction (§8's Normalization idempotence property): every step is
// itself idempotent and none reintroduces what a later step removes.
func normalize(s string) string {
	s = stripHTML(s)
	s = strings.ReplaceAll(s, "¬Æ", "®")
	s = strings.ReplaceAll(s, "&deg;", "°")
	s = collapseWhitespace(s)
	return strings.TrimSpace(s)
}

// stripHTML removes tags, keeping only the text content, via
// golang.org/x/net/html's tokenizer — the pack carries this dependency
// transitively through several repos' HTTP stacks, and no dedicated
// sanitizer library appears anywhere in it.
func stripHTML(s string) string {
	if !strings.ContainsAny(s, "<>") {
		return s
	}

	var b strings.Builder
	tokenizer := html.NewTokenizer(strings.NewReader(s))
	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			return b.String()
		case html.TextToken:
			b.Write(tokenizer.Text())
		}
	}
}

func collapseWhitespace(s string) string {
	var b strings.Builder
	prevSpace := false
	for _, r := range s {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			if !prevSpace {
				b.WriteByte(' ')
			}
			prevSpace = true
			continue
		}
		prevSpace = false
		b.WriteRune(r)
	}
	return b.String()
}
