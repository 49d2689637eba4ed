package prompts

import (
	"os"
	"path/filepath"
	"testing"

	"novel-wash/internal/llm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestEmbeddedCatalogHasAllTemplates(t *testing.T) {
	p, err := NewProvider(zap.NewNop(), "")
	require.NoError(t, err)

	for _, name := range []string{Indexing, CharacterMap, Planning, JSONRepair, Wash, Memory, Review,
		BranchPlan, BranchEvents, BranchWrite, CharacterRename} {
		msgs, err := p.Render(name, "en", nil)
		require.NoError(t, err, name)
		assert.NotEmpty(t, msgs, name)
	}
}

func TestRender_SubstitutesVariables(t *testing.T) {
	p, err := NewProvider(zap.NewNop(), "")
	require.NoError(t, err)

	msgs, err := p.Render(Indexing, "cn", map[string]string{
		"chapterNumber":  "7",
		"chapterTitle":   "风起",
		"chapterContent": "正文",
	})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, llm.RoleUser, msgs[1].Role)
	assert.Contains(t, msgs[1].Content, "第 7 章：风起")
	assert.Contains(t, msgs[1].Content, "正文")
	assert.NotContains(t, msgs[1].Content, "{{")
}

func TestRender_FallbackAndUnknown(t *testing.T) {
	p, err := NewProvider(zap.NewNop(), "")
	require.NoError(t, err)

	p.Set("only_en", "en", []llm.Message{{Role: llm.RoleUser, Content: "hi {{name}} {{ missing }}!"}})
	msgs, err := p.Render("only_en", "cn", map[string]string{"name": "Lin"})
	require.NoError(t, err)
	assert.Equal(t, "hi Lin !", msgs[0].Content)

	_, err = p.Render("no_such_prompt", "en", nil)
	assert.ErrorIs(t, err, ErrPromptNotFound)
}

func TestNewProvider_OverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
review:
  en:
    - role: user
      content: "Score {{nodeContent}}"
`), 0o600))

	p, err := NewProvider(zap.NewNop(), path)
	require.NoError(t, err)

	msgs, err := p.Render(Review, "en", map[string]string{"nodeContent": "text"})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Score text", msgs[0].Content)

	// остальные языки и шаблоны остаются встроенными
	_, err = p.Render(Review, "cn", nil)
	assert.NoError(t, err)
}

func TestNewProvider_BadOverride(t *testing.T) {
	_, err := NewProvider(zap.NewNop(), filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("review: [unclosed"), 0o600))
	_, err = NewProvider(zap.NewNop(), path)
	assert.Error(t, err)
}
