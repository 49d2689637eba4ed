package parser

import (
	"regexp"
	"strings"
)

var (
	jsonFencePattern     = regexp.MustCompile("(?s)```json\\s*\\n?(.*?)```")
	anyFencePattern      = regexp.MustCompile("(?s)```[a-zA-Z0-9_-]*\\s*\\n?(.*?)```")
	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
)

// ExtractFenced возвращает содержимое ```json блока, иначе любого ``` блока, иначе текст как есть.
// Незакрытый ```json (ответ оборван) тоже срезается.
func ExtractFenced(raw string) string {
	if m := jsonFencePattern.FindStringSubmatch(raw); len(m) > 1 {
		return strings.TrimSpace(m[1])
	}
	if m := anyFencePattern.FindStringSubmatch(raw); len(m) > 1 {
		return strings.TrimSpace(m[1])
	}
	if idx := strings.Index(raw, "```json"); idx >= 0 {
		return strings.TrimSpace(raw[idx+len("```json"):])
	}
	return strings.TrimSpace(raw)
}

// CleanMarkdown снимает обёртку ``` с текстового (не JSON) ответа.
func CleanMarkdown(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.Index(s, "\n"); nl >= 0 && !strings.ContainsAny(s[:nl], " \t") {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// BracketSpan возвращает самый внешний {...} или [...] - от первой открывающей скобки
// до последней закрывающей того же вида. Если закрывающей нет (ответ оборван),
// берётся хвост от открывающей скобки. Пустая строка - скобок нет.
func BracketSpan(s string) string {
	objStart := strings.Index(s, "{")
	arrStart := strings.Index(s, "[")
	start, closer := -1, byte(0)
	switch {
	case objStart >= 0 && (arrStart < 0 || objStart < arrStart):
		start, closer = objStart, '}'
	case arrStart >= 0:
		start, closer = arrStart, ']'
	default:
		return ""
	}
	end := strings.LastIndexByte(s, closer)
	if end <= start {
		return s[start:]
	}
	return s[start : end+1]
}

// CleanJSON убирает висячие запятые и дописывает недостающие закрывающие скобки
// в порядке, обратном открытию. Скобки внутри строк не считаются.
func CleanJSON(s string) string {
	s = strings.TrimSpace(s)
	var stack []byte
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		if c == '\\' && inString {
			escaped = true
			continue
		}
		if c == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch c {
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == c {
				stack = stack[:len(stack)-1]
			}
		}
	}

	var b strings.Builder
	b.WriteString(s)
	if inString {
		b.WriteByte('"')
	}
	fixed := strings.TrimRight(b.String(), " \t\r\n")
	fixed = strings.TrimSuffix(fixed, ",")
	// оборванная пара "key": без значения
	if strings.HasSuffix(fixed, ":") {
		fixed += "null"
	}
	for i := len(stack) - 1; i >= 0; i-- {
		fixed += string(stack[i])
	}
	return trailingCommaPattern.ReplaceAllString(fixed, "$1")
}
