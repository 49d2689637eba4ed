package brancher

import (
	"context"
	"encoding/json"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"novel-wash/internal/llm"
	"novel-wash/internal/parser"
	"novel-wash/internal/prompts"

	"go.uber.org/zap"
)

// Renamer переписывает имена персонажей по карте сессии. Используется и писателем основной линии.
type Renamer struct {
	client  llm.Client
	prompts prompts.Renderer
	policy  llm.RetryPolicy
	model   string
	lang    string
	logger  *zap.Logger
}

func NewRenamer(client llm.Client, renderer prompts.Renderer, policy llm.RetryPolicy, model, lang string, logger *zap.Logger) *Renamer {
	return &Renamer{
		client:  client,
		prompts: renderer,
		policy:  policy,
		model:   model,
		lang:    lang,
		logger:  logger.Named("Renamer"),
	}
}

// Rename - проход моделью, затем детерминированная замена. Ошибка модели не прерывает
// генерацию: остаётся только замена по карте.
func (r *Renamer) Rename(ctx context.Context, content string, characterMap map[string]string) string {
	if len(characterMap) == 0 || strings.TrimSpace(content) == "" {
		return content
	}
	out := content
	if rewritten, err := r.rewrite(ctx, content, characterMap); err != nil {
		renameFallbacks.Inc()
		r.logger.Warn("Character rename pass failed, using string replacement only", zap.Error(err))
	} else if rewritten != "" {
		out = rewritten
	}
	return ApplyCharacterMap(out, characterMap, r.lang)
}

func (r *Renamer) rewrite(ctx context.Context, content string, characterMap map[string]string) (string, error) {
	mapJSON, err := json.MarshalIndent(characterMap, "", "  ")
	if err != nil {
		return "", err
	}
	msgs, err := r.prompts.Render(prompts.CharacterRename, r.lang, map[string]string{
		"characterMap": string(mapJSON),
		"content":      content,
	})
	if err != nil {
		return "", err
	}
	raw, err := llm.ChatWithRetry(ctx, r.client, msgs, llm.Options{Model: r.model, MaxTokens: llm.MaxTokensWriter}, r.policy, r.logger)
	if err != nil {
		return "", err
	}
	return parser.CleanMarkdown(raw), nil
}

// ApplyCharacterMap заменяет имена, начиная с самых длинных ключей.
// Для en замена по границам слов, для cn - любое вхождение подстроки.
func ApplyCharacterMap(content string, characterMap map[string]string, lang string) string {
	if len(characterMap) == 0 {
		return content
	}
	keys := make([]string, 0, len(characterMap))
	for k, v := range characterMap {
		if k != "" && v != "" {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		li, lj := utf8.RuneCountInString(keys[i]), utf8.RuneCountInString(keys[j])
		if li != lj {
			return li > lj
		}
		return keys[i] < keys[j]
	})

	out := content
	for _, old := range keys {
		replacement := characterMap[old]
		if lang == "en" {
			re := regexp.MustCompile(`\b` + regexp.QuoteMeta(old) + `\b`)
			out = re.ReplaceAllLiteralString(out, replacement)
			continue
		}
		out = strings.ReplaceAll(out, old, replacement)
	}
	return out
}
