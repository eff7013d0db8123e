package decoder

import (
	"regexp"
	"strconv"
	"strings"
)

// imageMarkup matches an inline image reference.
var imageMarkup = regexp.MustCompile(`!\[[^\]\n]*\]\([^)\s]+\)`)

// bareImageURL matches an http(s) URL ending in a known image
// extension, optionally followed by a query string.
var bareImageURL = regexp.MustCompile(`(?i)https?://[^\s()<>\[\]|]+\.(?:png|jpe?g|gif|webp)(?:\?[^\s()<>\[\]|]*)?`)

// NormalizeImages wraps bare image URLs in inline-image markup and
// places every image markup on its own line.
func NormalizeImages(text string) string {
	// Protect existing markup so its URL is not wrapped a second time.
	var kept []string
	text = imageMarkup.ReplaceAllStringFunc(text, func(m string) string {
		kept = append(kept, m)
		return placeholder(len(kept) - 1)
	})

	text = bareImageURL.ReplaceAllStringFunc(text, func(url string) string {
		kept = append(kept, "![image]("+url+")")
		return placeholder(len(kept) - 1)
	})

	for i, m := range kept {
		text = strings.Replace(text, placeholder(i), "\n"+m+"\n", 1)
	}
	return text
}

func placeholder(i int) string {
	return "\x00img" + strconv.Itoa(i) + "\x00"
}
