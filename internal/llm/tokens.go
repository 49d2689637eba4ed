package llm

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

// encoding - cl100k_base. Для DeepSeek точного токенайзера нет, оценки достаточно.
func encoding() *tiktoken.Tiktoken {
	encOnce.Do(func() {
		e, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			enc = e
		}
	})
	return enc
}

// EstimateTokens - приблизительное число токенов в тексте.
// Без токенайзера (нет сети для загрузки словаря) считаем 1 токен на 2 руны.
func EstimateTokens(text string) int {
	if e := encoding(); e != nil {
		return len(e.Encode(text, nil, nil))
	}
	return len([]rune(text))/2 + 1
}

// TruncateToTokens обрезает текст так, чтобы он укладывался в maxTokens.
func TruncateToTokens(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	e := encoding()
	if e == nil {
		runes := []rune(text)
		if len(runes) > maxTokens*2 {
			return string(runes[:maxTokens*2])
		}
		return text
	}
	tokens := e.Encode(text, nil, nil)
	if len(tokens) <= maxTokens {
		return text
	}
	return strings.ToValidUTF8(e.Decode(tokens[:maxTokens]), "")
}
