package markup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const scoredFeedback = `Good work overall.
<score total="82" max="100">
  <dim name="Content" score="30" max="35">clear thesis</dim>
  <dim name="Language" score="22" max="25"/>
  <dim name="Structure" score="30" max="40"></dim>
</score>`

func TestGradeFor(t *testing.T) {
	cases := []struct {
		total, max float64
		want       Grade
	}{
		{90, 100, GradeExcellent},
		{0.90, 1, GradeExcellent},
		{9, 10, GradeExcellent},
		{0.89999, 1, GradeGood},
		{75, 100, GradeGood},
		{0.75, 1, GradeGood},
		{60, 100, GradePass},
		{0.599, 1, GradeFail},
		{0, 10, GradeFail},
		{5, 0, GradeFail},
		{120, 100, GradeExcellent},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, GradeFor(tc.total, tc.max), "GradeFor(%v, %v)", tc.total, tc.max)
	}
}

func TestExtractScoreComplete(t *testing.T) {
	s := ExtractScore(scoredFeedback)
	require.NotNil(t, s)

	assert.True(t, s.IsComplete)
	assert.Equal(t, 82.0, s.Total)
	assert.Equal(t, 100.0, s.MaxTotal)
	assert.Equal(t, GradeGood, s.Grade)
	assert.Equal(t, []Dimension{
		{Name: "Content", Score: 30, MaxScore: 35, Comment: "clear thesis"},
		{Name: "Language", Score: 22, MaxScore: 25},
		{Name: "Structure", Score: 30, MaxScore: 40},
	}, s.Dimensions)
}

func TestExtractScoreCompletenessGating(t *testing.T) {
	closeAt := len(scoredFeedback) - len("</score>")
	open := ExtractScore(scoredFeedback[:closeAt])
	require.NotNil(t, open)
	assert.False(t, open.IsComplete)

	closed := ExtractScore(scoredFeedback)
	require.NotNil(t, closed)
	assert.True(t, closed.IsComplete)
	assert.Equal(t, open.Total, closed.Total)
	assert.Equal(t, open.MaxTotal, closed.MaxTotal)
	assert.Equal(t, open.Dimensions, closed.Dimensions)
}

func TestExtractScoreIncompleteDimensionsLeftOut(t *testing.T) {
	cut := len("Good work overall.\n<score total=\"82\" max=\"100\">\n  <dim name=\"Content\" score=\"30\" max=\"35\">clear")
	s := ExtractScore(scoredFeedback[:cut])
	require.NotNil(t, s)
	assert.False(t, s.IsComplete)
	assert.Empty(t, s.Dimensions)

	s = ExtractScore(`<score total="1" max="2"><dim name="A" score="1" max="2"/><dim name="B" sco`)
	require.NotNil(t, s)
	require.Len(t, s.Dimensions, 1)
	assert.Equal(t, "A", s.Dimensions[0].Name)
}

func TestExtractScoreNilUntilOpeningTagComplete(t *testing.T) {
	assert.Nil(t, ExtractScore("no score here"))
	assert.Nil(t, ExtractScore(`text <score total="8`))
	assert.Nil(t, ExtractScore(`text <score`))
}

func TestExtractScoreSkipsMalformedCandidates(t *testing.T) {
	text := `<score total="abc" max="10">x</score> then <score total="7" max="0"></score>` +
		` and <score total="7" max="10"></score>`
	s := ExtractScore(text)
	require.NotNil(t, s)
	assert.Equal(t, 7.0, s.Total)
	assert.Equal(t, 10.0, s.MaxTotal)
	assert.Equal(t, GradePass, s.Grade)
}

func TestExtractScoreMalformedDimensionSkipped(t *testing.T) {
	s := ExtractScore(`<score total="5" max="10"><dim name="A" score="x" max="5">bad</dim><dim name="B" score="5" max="5"/></score>`)
	require.NotNil(t, s)
	require.Len(t, s.Dimensions, 1)
	assert.Equal(t, "B", s.Dimensions[0].Name)
}

func TestDimensionSumNotReconciled(t *testing.T) {
	s := ExtractScore(`<score total="50" max="100"><dim name="A" score="40" max="50"/><dim name="B" score="40" max="50"/></score>`)
	require.NotNil(t, s)
	assert.Equal(t, 50.0, s.Total)
	assert.Len(t, s.Dimensions, 2)
}

func TestStripScoreBlock(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"closed block", "a<score total=\"1\" max=\"2\"></score>b", "ab"},
		{"unclosed block", "a<score total=\"1\" max=\"2\"><dim", "a"},
		{"truncated opening tag", "a<score tot", "a"},
		{"no block", "a<b>c", "a<b>c"},
		{"malformed candidate stays", "a<score total=\"x\" max=\"2\">b", "a<score total=\"x\" max=\"2\">b"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, StripScoreBlock(tc.in))
		})
	}
}

func TestPercent(t *testing.T) {
	assert.InDelta(t, 82.0, ExtractScore(scoredFeedback).Percent(), 1e-9)
	var s *ParsedScore
	assert.Zero(t, s.Percent())
}
