package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/grillo/pkg/interview"
)

func TestScriptedWalksQuestionsThenCloses(t *testing.T) {
	s := NewScripted("Q1 for %s", "Q2")
	ctx := context.Background()
	md := interview.Metadata{Role: "SRE"}

	r, err := s.Reply(ctx, ReplyRequest{Metadata: md, Transcript: []interview.TranscriptEntry{
		{Question: "opening", Answer: "about me"},
	}})
	require.NoError(t, err)
	require.Equal(t, "Q1 for SRE", r.Utterance)
	require.False(t, r.Finished)

	r, err = s.Reply(ctx, ReplyRequest{Metadata: md, Transcript: []interview.TranscriptEntry{
		{Question: "opening", Answer: "about me"},
		{Question: "Q1 for SRE", Silent: true},
	}})
	require.NoError(t, err)
	require.Equal(t, "Are you still there? Q1 for SRE", r.Utterance)

	r, err = s.Reply(ctx, ReplyRequest{Metadata: md, Transcript: []interview.TranscriptEntry{
		{Question: "opening", Answer: "a"},
		{Question: "Q1", Answer: "b"},
		{Question: "Q2", Answer: "c"},
	}})
	require.NoError(t, err)
	require.True(t, r.Finished)
	require.Equal(t, ClosingLine, r.Utterance)
	require.Equal(t, 3, s.Calls())
}

func TestScriptedScoreIsDeterministic(t *testing.T) {
	s := NewScripted()
	ctx := context.Background()
	q := "How do you debug a memory leak in production services?"
	a := "I capture heap profiles from the production services, compare them over time and look for leak candidates in long lived caches."

	e1, err := s.Score(ctx, q, a)
	require.NoError(t, err)
	e2, err := s.Score(ctx, q, a)
	require.NoError(t, err)
	require.Equal(t, e1, e2)
	require.Greater(t, e1.Scores.Relevance, 3)
	require.LessOrEqual(t, e1.Scores.Overall, 10)

	empty, err := s.Score(ctx, q, "")
	require.NoError(t, err)
	require.Equal(t, interview.Scores{}, empty.Scores)
	require.Equal(t, 3, s.ScoreCalls())
}
