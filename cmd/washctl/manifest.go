package main

import (
	"errors"
	"fmt"
	"strings"

	"novel-wash/internal/model"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// manifest - файл импорта романа. JSON тоже читается: yaml.v3 его понимает.
type manifest struct {
	ID       string            `yaml:"id"`
	Language string            `yaml:"language"`
	Chapters []manifestChapter `yaml:"chapters"`
}

type manifestChapter struct {
	Number  int    `yaml:"number"`
	Title   string `yaml:"title"`
	Content string `yaml:"content"`
}

// parseManifest собирает новую сессию из файла импорта.
// Главы без номера нумеруются по позиции в файле.
func parseManifest(data []byte, defaultLanguage string) (*model.Session, error) {
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if len(m.Chapters) == 0 {
		return nil, errors.New("manifest has no chapters")
	}

	lang := strings.ToLower(strings.TrimSpace(m.Language))
	if lang == "" {
		lang = defaultLanguage
	}
	if lang != "cn" && lang != "en" {
		return nil, fmt.Errorf("unsupported language %q: expected cn or en", m.Language)
	}

	id := m.ID
	if id == "" {
		id = uuid.NewString()
	}
	s := &model.Session{
		ID:       id,
		Status:   model.SessionUploading,
		Language: lang,
		Chapters: make(map[int]model.Chapter, len(m.Chapters)),
		Nodes:    map[string]model.Node{},
	}
	for i, ch := range m.Chapters {
		num := ch.Number
		if num == 0 {
			num = i + 1
		}
		if num < 0 {
			return nil, fmt.Errorf("chapter %d: negative number %d", i+1, num)
		}
		if _, dup := s.Chapters[num]; dup {
			return nil, fmt.Errorf("duplicate chapter number %d", num)
		}
		if strings.TrimSpace(ch.Content) == "" {
			return nil, fmt.Errorf("chapter %d has no content", num)
		}
		s.Chapters[num] = model.Chapter{Number: num, Title: ch.Title, Content: ch.Content}
	}
	return s, nil
}
