package utils

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	whitespaceRe = regexp.MustCompile(`\s+`)
	paragraphRe  = regexp.MustCompile(`\n{2,}`)
)

// TruncateRunes возвращает первые n символов строки (не байт).
func TruncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}

// TailRunes возвращает последние n символов строки.
func TailRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}

// CollapseSpaces заменяет любые последовательности пробелов и переводов строк одним пробелом.
func CollapseSpaces(s string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
}

// Paragraphs делит текст по пустым строкам, пустые абзацы отбрасываются.
func Paragraphs(s string) []string {
	parts := paragraphRe.Split(strings.TrimSpace(s), -1)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// FirstParagraph - первый непустой абзац, не длиннее limit символов.
func FirstParagraph(s string, limit int) string {
	ps := Paragraphs(s)
	if len(ps) == 0 {
		return ""
	}
	return TruncateRunes(ps[0], limit)
}
