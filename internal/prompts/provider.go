package prompts

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"novel-wash/internal/llm"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Имена шаблонов.
const (
	Indexing         = "indexing"
	CharacterMap     = "character_map"
	Planning         = "planning"
	JSONRepair       = "json_repair"
	Wash             = "wash"
	Memory           = "memory"
	Review           = "review"
	BranchPlan       = "branch_plan"
	BranchEvents     = "branch_events"
	BranchWrite      = "branch_write"
	CharacterRename  = "character_rename"
	fallbackLanguage = "en"
)

// ErrPromptNotFound - шаблона нет ни на запрошенном языке, ни на fallback.
var ErrPromptNotFound = errors.New("prompt not found")

//go:embed templates.yaml
var embeddedTemplates []byte

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

// Renderer - всё, что ядру нужно от хранилища промптов.
type Renderer interface {
	Render(name, language string, vars map[string]string) ([]llm.Message, error)
}

// catalog: name -> language -> messages
type catalog map[string]map[string][]llm.Message

// Provider хранит шаблоны в памяти. Встроенный каталог можно перекрыть файлом.
type Provider struct {
	mu     sync.RWMutex
	cache  catalog
	logger *zap.Logger
}

var _ Renderer = (*Provider)(nil)

// NewProvider загружает встроенный каталог и, если задан overridePath, поверх него - файл.
func NewProvider(logger *zap.Logger, overridePath string) (*Provider, error) {
	p := &Provider{cache: catalog{}, logger: logger.Named("PromptProvider")}
	if err := p.load(embeddedTemplates); err != nil {
		return nil, fmt.Errorf("failed to load embedded prompts: %w", err)
	}
	if overridePath != "" {
		data, err := os.ReadFile(overridePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read prompts file %s: %w", overridePath, err)
		}
		if err := p.load(data); err != nil {
			return nil, fmt.Errorf("failed to load prompts file %s: %w", overridePath, err)
		}
	}
	p.logger.Info("Prompts loaded", zap.Int("templates", len(p.cache)))
	return p, nil
}

func (p *Provider) load(data []byte) error {
	var c catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, langs := range c {
		if p.cache[name] == nil {
			p.cache[name] = map[string][]llm.Message{}
		}
		for lang, msgs := range langs {
			p.cache[name][lang] = msgs
		}
	}
	return nil
}

// Set заменяет шаблон в кэше.
func (p *Provider) Set(name, language string, msgs []llm.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cache[name] == nil {
		p.cache[name] = map[string][]llm.Message{}
	}
	p.cache[name][language] = msgs
}

// Render подставляет переменные {{var}} в шаблон name. Если языка нет - пробует en.
// Неизвестные плейсхолдеры заменяются пустой строкой.
func (p *Provider) Render(name, language string, vars map[string]string) ([]llm.Message, error) {
	p.mu.RLock()
	msgs, ok := p.cache[name][language]
	if !ok && language != fallbackLanguage {
		msgs, ok = p.cache[name][fallbackLanguage]
		if ok {
			p.logger.Debug("Using fallback language prompt", zap.String("key", name), zap.String("requested_language", language))
		}
	}
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: key='%s', lang='%s'", ErrPromptNotFound, name, language)
	}

	out := make([]llm.Message, len(msgs))
	for i, m := range msgs {
		out[i] = llm.Message{Role: m.Role, Content: substitute(m.Content, vars)}
	}
	return out, nil
}

func substitute(content string, vars map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(content, func(match string) string {
		key := strings.TrimSpace(match[2 : len(match)-2])
		return vars[key]
	})
}
