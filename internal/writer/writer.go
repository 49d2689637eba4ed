package writer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"novel-wash/internal/config"
	"novel-wash/internal/llm"
	"novel-wash/internal/memory"
	"novel-wash/internal/model"
	"novel-wash/internal/parser"
	"novel-wash/internal/prompts"
	"novel-wash/internal/repository"
	"novel-wash/shared/utils"

	"go.uber.org/zap"
)

const (
	memoryInputLimit = 3000

	highlightChoices = 3
	normalChoices    = 1

	memoryEntryType = "node"
)

// ErrEmptyContent - модель вернула пустой текст узла.
var ErrEmptyContent = errors.New("model returned empty node content")

// Renamer переписывает имена персонажей в готовом тексте.
type Renamer interface {
	Rename(ctx context.Context, content string, characterMap map[string]string) string
}

// Config - параметры генерации.
type Config struct {
	ContentModel string
	MemoryModel  string
	Language     string
	Window       memory.Window
}

func DefaultConfig() Config {
	return Config{Language: "en", Window: memory.DefaultWindow()}
}

// ConfigFrom: текст пишет модель рассуждений, память обновляет быстрая.
func ConfigFrom(cfg *config.Config, models llm.Models) Config {
	return Config{
		ContentModel: models.Reasoning,
		MemoryModel:  models.Chat,
		Language:     cfg.NovelLanguage,
		Window:       memory.DefaultWindow(),
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.Language == "" {
		c.Language = d.Language
	}
	if c.Window.RecentLimit <= 0 && c.Window.ImportantLimit <= 0 {
		c.Window = d.Window
	}
	return c
}

// Writer пишет текст узлов основной линии и ведёт память сессии.
type Writer struct {
	client  llm.Client
	prompts prompts.Renderer
	policy  llm.RetryPolicy
	memory  *memory.Manager
	cfg     Config
	logger  *zap.Logger
}

func New(client llm.Client, renderer prompts.Renderer, mem *memory.Manager, policy llm.RetryPolicy, cfg Config, logger *zap.Logger) *Writer {
	return &Writer{
		client:  client,
		prompts: renderer,
		policy:  policy,
		memory:  mem,
		cfg:     cfg.normalized(),
		logger:  logger.Named("Writer"),
	}
}

// ContentModel - модель текста по умолчанию.
func (w *Writer) ContentModel() string { return w.cfg.ContentModel }

// ChoiceCount - сколько выборов игрока в конце узла.
func ChoiceCount(t model.ChapterType) int {
	if t == model.TypeHighlight {
		return highlightChoices
	}
	return normalChoices
}

// Importance - важность записи журнала памяти для узла.
func Importance(t model.ChapterType) int {
	if t == model.TypeHighlight {
		return 4
	}
	return 2
}

// GenerateNode пишет текст узла по его главам, глобальной памяти и журналу памяти.
func (w *Writer) GenerateNode(ctx context.Context, s *model.Session, n model.Node, modelName, customInstructions string) (string, error) {
	if modelName == "" {
		modelName = w.cfg.ContentModel
	}
	memCtx, err := w.memory.GetContext(ctx, s.ID, w.cfg.Window)
	if err != nil {
		// без журнала текст всё равно можно написать
		w.logger.Warn("Memory context unavailable", zap.String("session_id", s.ID), zap.Error(err))
		memCtx = ""
	}
	msgs, err := w.prompts.Render(prompts.Wash, w.cfg.Language, map[string]string{
		"nodeId":             strconv.Itoa(n.ID),
		"nodeType":           string(n.Type),
		"nodeDescription":    n.Description,
		"choiceCount":        strconv.Itoa(ChoiceCount(n.Type)),
		"chapterContent":     s.ChapterText(n.StartChapter, n.EndChapter, w.cfg.Language),
		"globalMemory":       s.GlobalMemory,
		"memoryContext":      memCtx,
		"customInstructions": customInstructions,
	})
	if err != nil {
		return "", err
	}
	raw, err := llm.ChatWithRetry(ctx, w.client, msgs, llm.Options{Model: modelName, MaxTokens: llm.MaxTokensWriter}, w.policy, w.logger)
	if err != nil {
		return "", err
	}
	content := parser.CleanMarkdown(raw)
	if strings.TrimSpace(content) == "" {
		return "", ErrEmptyContent
	}
	return content, nil
}

// UpdateMemory сворачивает прежнюю память и новый текст узла в новую глобальную память.
func (w *Writer) UpdateMemory(ctx context.Context, previous, content string) (string, error) {
	msgs, err := w.prompts.Render(prompts.Memory, w.cfg.Language, map[string]string{
		"previousMemory": previous,
		"nodeContent":    utils.TruncateRunes(content, memoryInputLimit),
	})
	if err != nil {
		return "", err
	}
	raw, err := llm.ChatWithRetry(ctx, w.client, msgs, llm.Options{Model: w.cfg.MemoryModel, MaxTokens: llm.MaxTokensMemory}, w.policy, w.logger)
	if err != nil {
		return "", err
	}
	out := strings.TrimSpace(parser.CleanMarkdown(raw))
	if out == "" {
		return "", errors.New("model returned empty memory")
	}
	return out, nil
}

// Remember добавляет в журнал запись о готовом узле.
func (w *Writer) Remember(ctx context.Context, sessionID string, n model.Node) error {
	entry := fmt.Sprintf("Node #%d (%s): %s", n.ID, n.Type, n.Description)
	return w.memory.Append(ctx, sessionID, model.IntPtr(n.ID), entry, memoryEntryType, Importance(n.Type))
}

// Reroll сбрасывает узел nodeID в pending. Остальные узлы и журнал памяти не трогаются.
func Reroll(ctx context.Context, sessions repository.SessionRepository, sessionID string, nodeID int) (model.Node, error) {
	var reset model.Node
	_, err := sessions.Update(ctx, sessionID, func(s *model.Session) error {
		if !s.ResetNode(nodeID) {
			return fmt.Errorf("node %d: %w", nodeID, model.ErrNotFound)
		}
		reset, _ = s.Node(nodeID)
		return nil
	})
	if err != nil {
		return model.Node{}, err
	}
	return reset, nil
}
