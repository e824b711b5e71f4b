package corpus

import (
	"log/slog"
	"regexp"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
)

const (
	minContentRunes  = 5
	fingerprintRunes = 20
	titleRunes       = 50
	phoneMask        = "[PHONE_HIDDEN]"
)

var (
	whitespaceRe = regexp.MustCompile(`\s+`)
	phoneRe      = regexp.MustCompile(`1[3-9]\d{9}`)
	htmlTagRe    = regexp.MustCompile(`</?[a-zA-Z][a-zA-Z0-9]*(\s[^>]*)?/?>`)
)

// Clean normalises entries for indexing. HTML content is converted to
// Markdown, whitespace is collapsed and mobile numbers are masked. Entries
// with fewer than five runes of content are dropped, as are entries whose
// content starts with the same twenty runes as an earlier one. A missing
// title defaults to the first fifty runes of the content.
func Clean(entries []Entry) []Entry {
	seen := make(map[string]struct{}, len(entries))
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		content := CleanText(htmlToMarkdown(e.Content))
		if runeLen(content) < minContentRunes {
			continue
		}
		fp := prefix(content, fingerprintRunes)
		if _, dup := seen[fp]; dup {
			continue
		}
		seen[fp] = struct{}{}

		title := CleanText(e.Title)
		if title == "" {
			title = prefix(content, titleRunes)
		}
		out = append(out, Entry{Title: title, Content: content})
	}
	if dropped := len(entries) - len(out); dropped > 0 {
		slog.Debug("corpus entries dropped during cleaning", "dropped", dropped, "kept", len(out))
	}
	return out
}

// CleanText collapses whitespace and masks mainland mobile numbers.
func CleanText(s string) string {
	s = strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
	return phoneRe.ReplaceAllString(s, phoneMask)
}

func htmlToMarkdown(s string) string {
	if !htmlTagRe.MatchString(s) {
		return s
	}
	md, err := htmltomarkdown.ConvertString(s)
	if err != nil {
		return s
	}
	return md
}

func runeLen(s string) int {
	return len([]rune(s))
}

func prefix(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
