package retrieval

import (
	"regexp"
	"strings"
)

var tokenRe = regexp.MustCompile(`[a-zA-Z0-9_][a-zA-Z0-9_\-]*`)

// stopwords is the short English list the keyword stream filters against.
// Content words survive; glue does not.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "and": {}, "or": {}, "but": {}, "if": {},
	"of": {}, "to": {}, "in": {}, "on": {}, "at": {}, "by": {}, "for": {},
	"with": {}, "about": {}, "is": {}, "are": {}, "was": {}, "were": {},
	"be": {}, "been": {}, "being": {}, "do": {}, "does": {}, "did": {},
	"have": {}, "has": {}, "had": {}, "i": {}, "you": {}, "he": {}, "she": {},
	"it": {}, "we": {}, "they": {}, "me": {}, "my": {}, "your": {}, "our": {},
	"their": {}, "this": {}, "that": {}, "these": {}, "those": {}, "what": {},
	"which": {}, "who": {}, "whom": {}, "how": {}, "when": {}, "where": {},
	"why": {}, "can": {}, "could": {}, "will": {}, "would": {}, "should": {},
	"shall": {}, "may": {}, "might": {}, "must": {}, "not": {}, "no": {},
	"so": {}, "as": {}, "than": {}, "then": {}, "there": {}, "here": {},
	"from": {}, "into": {}, "over": {}, "under": {}, "up": {}, "down": {},
	"out": {}, "just": {}, "also": {}, "very": {}, "please": {}, "tell": {},
}

// Keywords extracts lowercase content tokens from the query for the fact
// keyword stream. Tokens shorter than two runes and stopwords are dropped;
// order is preserved, duplicates removed.
func Keywords(query string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, tok := range tokenRe.FindAllString(query, -1) {
		tok = strings.ToLower(tok)
		if len(tok) < 2 {
			continue
		}
		if _, stop := stopwords[tok]; stop {
			continue
		}
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	return out
}
