package extract

import (
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

const maxSanitizePasses = 8

var (
	markupPolicy = newMarkupPolicy()

	// tagFragmentRe matches anything that still looks like a tag after a
	// sanitizer pass, including unterminated ones at the end of the input.
	tagFragmentRe = regexp.MustCompile(`<\s*/?\s*([a-zA-Z][a-zA-Z0-9]*)[^<>]*(>|$)`)

	allowedTags = map[string]bool{
		"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
		"p": true, "strong": true, "em": true, "br": true,
	}
)

func newMarkupPolicy() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowElements("h1", "h2", "h3", "h4", "h5", "h6", "p", "strong", "em", "br")
	return p
}

// sanitizeMarkup keeps only headings, paragraphs, emphasis and line breaks.
// It repeats until the output is stable so nested or split tags cannot
// reassemble into markup after one pass.
func sanitizeMarkup(s string) string {
	for i := 0; i < maxSanitizePasses; i++ {
		next := stripTagFragments(markupPolicy.Sanitize(s))
		if next == s {
			return next
		}
		s = next
	}
	return s
}

func stripTagFragments(s string) string {
	return tagFragmentRe.ReplaceAllStringFunc(s, func(tag string) string {
		m := tagFragmentRe.FindStringSubmatch(tag)
		name := strings.ToLower(m[1])
		if allowedTags[name] && m[2] == ">" && isBareTag(tag, name) {
			return tag
		}
		return ""
	})
}

// isBareTag reports whether tag is <name>, </name> or <name/> with no
// attributes.
func isBareTag(tag, name string) bool {
	t := strings.ToLower(strings.ReplaceAll(tag, " ", ""))
	return t == "<"+name+">" || t == "</"+name+">" || t == "<"+name+"/>"
}
