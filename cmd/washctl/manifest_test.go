package main

import (
	"testing"

	"novel-wash/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseManifest_YAML(t *testing.T) {
	data := []byte(`
id: novel-1
language: EN
chapters:
  - title: Arrival
    content: The ship docked at dawn.
  - number: 5
    title: Storm
    content: Rain hammered the deck.
`)
	s, err := parseManifest(data, "cn")
	require.NoError(t, err)

	assert.Equal(t, "novel-1", s.ID)
	assert.Equal(t, "en", s.Language)
	assert.Equal(t, model.SessionUploading, s.Status)
	require.Len(t, s.Chapters, 2)
	assert.Equal(t, "Arrival", s.Chapters[1].Title)
	assert.Equal(t, 5, s.Chapters[5].Number)
	assert.NotNil(t, s.Nodes)
}

func TestParseManifest_JSONAndDefaults(t *testing.T) {
	data := []byte(`{"chapters":[{"number":1,"content":"第一章"},{"number":2,"content":"第二章"}]}`)
	s, err := parseManifest(data, "cn")
	require.NoError(t, err)

	assert.NotEmpty(t, s.ID)
	assert.Equal(t, "cn", s.Language)
	assert.Len(t, s.SortedChapters(), 2)
}

func TestParseManifest_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"no chapters", `language: en`},
		{"bad language", "language: fr\nchapters:\n  - content: x"},
		{"duplicate number", "chapters:\n  - number: 1\n    content: a\n  - number: 1\n    content: b"},
		{"empty content", "chapters:\n  - number: 1\n    content: '  '"},
		{"negative number", "chapters:\n  - number: -2\n    content: a"},
		{"not yaml", "chapters: [unclosed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseManifest([]byte(tt.data), "en")
			assert.Error(t, err)
		})
	}
}

func TestSummarizeSession(t *testing.T) {
	s := &model.Session{
		ID:     "s1",
		Status: model.SessionExecuting,
		Nodes: map[string]model.Node{
			"1": {Status: model.NodeCompleted, Kind: model.NodeKindMain},
			"2": {Status: model.NodePending},
			"3": {Status: model.NodeCompleted, Kind: model.NodeKindBranchBody},
		},
	}
	sum := summarizeSession(s)
	assert.Equal(t, map[string]int{"completed": 1, "pending": 1}, sum.Nodes)
	assert.Equal(t, 1, sum.BranchNodes)
}
