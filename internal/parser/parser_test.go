package parser

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRepairer struct {
	out   string
	err   error
	calls int
}

func (f *fakeRepairer) Repair(_ context.Context, _, _ string) (string, error) {
	f.calls++
	return f.out, f.err
}

func fi(v int) *FlexInt {
	f := FlexInt(v)
	return &f
}

func samplePlan() []PlanningEvent {
	return []PlanningEvent{
		{Type: "highlight", StartChapter: fi(1), EndChapter: fi(3), Description: "Opening", SceneCount: fi(2)},
		{Type: "normal", StartChapter: fi(4), EndChapter: fi(4), Description: "Road", SceneCount: fi(1)},
	}
}

func TestParse_RoundTripVariants(t *testing.T) {
	want := samplePlan()
	b, err := json.Marshal(want)
	require.NoError(t, err)
	valid := string(b)

	variants := map[string]string{
		"plain":          valid,
		"fenced json":    "Here is the plan:\n```json\n" + valid + "\n```\nEnjoy.",
		"fenced generic": "```\n" + valid + "\n```",
		"trailing comma": strings.Replace(valid, "}]", "},]", 1),
		"truncated":      strings.TrimSuffix(valid, "]"),
		"wrapped":        `{"events": ` + valid + `, "rationale": "ok"}`,
		"data container": `{"data": {"events": ` + valid + `}}`,
		"prose around":   "Sure! " + valid + " Let me know.",
	}
	for name, raw := range variants {
		t.Run(name, func(t *testing.T) {
			got, err := Parse(context.Background(), raw, PlanningEventsSchema, nil)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestParse_ObjectRoundTrip(t *testing.T) {
	want := ReviewResult{Score: 4, Completeness: 5, Issues: []string{"pacing"}, Suggestions: []string{}}
	b, err := json.Marshal(want)
	require.NoError(t, err)

	got, err := Parse(context.Background(), "```json\n"+string(b)+"\n```", ReviewSchema, nil)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	got, err = Parse(context.Background(), strings.TrimSuffix(string(b), "}"), ReviewSchema, nil)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestParse_SingleObjectWrappedIntoArray(t *testing.T) {
	got, err := Parse(context.Background(), `{"type":"normal","startChapter":"5","endChapter":7,"description":"x"}`, PlanningEventsSchema, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	s, e, ok := got[0].Range()
	assert.True(t, ok)
	assert.Equal(t, 5, s)
	assert.Equal(t, 7, e)
	assert.Equal(t, 1, got[0].Scenes())
}

func TestParse_LLMRepairUsedOnce(t *testing.T) {
	rep := &fakeRepairer{out: `{"score": 3}`}
	got, err := Parse(context.Background(), "I think it is pretty good, maybe three", ReviewSchema, rep)
	require.NoError(t, err)
	assert.Equal(t, FlexInt(3), got.Score)
	assert.Equal(t, 1, rep.calls)
}

func TestParse_ExhaustedReturnsParseError(t *testing.T) {
	raw := "no json at all"
	rep := &fakeRepairer{out: "still nothing"}
	_, err := Parse(context.Background(), raw, ReviewSchema, rep)
	require.Error(t, err)

	var pe *ParseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, raw, pe.Raw)
	assert.Equal(t, "review", pe.Schema)
	assert.Equal(t, 1, rep.calls)
	assert.True(t, IsParseError(err))
}

func TestParse_RepairerErrorIsParseError(t *testing.T) {
	rep := &fakeRepairer{err: errors.New("model down")}
	_, err := Parse(context.Background(), "garbage", ReviewSchema, rep)
	require.Error(t, err)
	assert.True(t, IsParseError(err))
	assert.Contains(t, err.Error(), "model down")
}

func TestParse_SchemaValidation(t *testing.T) {
	_, err := Parse(context.Background(), `{"score": 9}`, ReviewSchema, nil)
	assert.Error(t, err)

	// невалидные элементы массива отбрасываются
	got, err := Parse(context.Background(),
		`{"events":[{"eventId":1,"anchorMainNodeId":3,"summary":"a"},{"eventId":2,"summary":"no anchor"}]}`,
		BranchEventsSchema, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, FlexInt(3), got[0].AnchorMainNodeID)

	_, err = Parse(context.Background(), `[{"eventId":2,"summary":"no anchor"}]`, BranchEventsSchema, nil)
	assert.Error(t, err)
}

func TestParse_CharacterRefsAcceptStringsAndObjects(t *testing.T) {
	got, err := Parse(context.Background(),
		`{"summary":"s","characters":["Lin",{"name":"Mo","role":"rival","aliases":["M"]}],"key_event":"k","type":"daily"}`,
		IndexingSchema, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"Lin", "Mo"}, got.Names())
	assert.Equal(t, "rival", got.Characters[1].Role)
}

func TestParse_CharacterMapMustNotBeEmpty(t *testing.T) {
	_, err := Parse(context.Background(), `{}`, CharacterMapSchema, nil)
	assert.Error(t, err)

	got, err := Parse(context.Background(), "```json\n{\"Lin Feng\": \"Chen Yu\"}\n```", CharacterMapSchema, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"Lin Feng": "Chen Yu"}, got)
}

func TestExtractFenced(t *testing.T) {
	assert.Equal(t, `{"a":1}`, ExtractFenced("text ```json\n{\"a\":1}\n``` more"))
	assert.Equal(t, `[1]`, ExtractFenced("```\n[1]\n```"))
	assert.Equal(t, `{"a":1`, ExtractFenced("```json\n{\"a\":1"))
	assert.Equal(t, "plain", ExtractFenced("  plain "))
}

func TestBracketSpan(t *testing.T) {
	assert.Equal(t, `{"a":[1,2]}`, BracketSpan(`prefix {"a":[1,2]} suffix`))
	assert.Equal(t, `[{"a":1}]`, BracketSpan(`x [{"a":1}] y`))
	assert.Equal(t, `[{"a":1}`, BracketSpan(`x [{"a":1}`))
	assert.Equal(t, "", BracketSpan("nothing"))
}

func TestCleanJSON(t *testing.T) {
	assert.Equal(t, `[{"a":1},{"b":"x]"}]`, CleanJSON(`[{"a":1},{"b":"x]"},`))
	assert.Equal(t, `{"a":{"b":null}}`, CleanJSON(`{"a":{"b":`))
	assert.Equal(t, `{"a":[1,2]}`, CleanJSON(`{"a":[1,2,],}`))
}

func TestCleanMarkdown(t *testing.T) {
	assert.Equal(t, "Hello\n\nWorld", CleanMarkdown("```markdown\nHello\n\nWorld\n```"))
	assert.Equal(t, "Hello", CleanMarkdown("Hello"))
}
