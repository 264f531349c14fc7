package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lumina-iq/internal/model"
	"lumina-iq/pkg/apperr"
	"lumina-iq/pkg/breaker"
	"lumina-iq/pkg/cache"
	"lumina-iq/pkg/llm"
)

func TestParseEvaluation(t *testing.T) {
	eval, err := parseEvaluation("Here you go:\n```json\n{\"score\": 12, \"feedback\": \" Good \", \"suggestions\": [\"more detail\"], \"correct_answer_hint\": \"teacher\"}\n```")
	require.NoError(t, err)
	assert.Equal(t, 10.0, eval.Score)
	assert.Equal(t, model.MaxAnswerScore, eval.MaxScore)
	assert.Equal(t, "Good", eval.Feedback)
	assert.Equal(t, []string{"more detail"}, eval.Suggestions)

	eval, err = parseEvaluation(`{"score": -3, "feedback": "wrong"}`)
	require.NoError(t, err)
	assert.Equal(t, 0.0, eval.Score)
	assert.NotNil(t, eval.Suggestions)

	_, err = parseEvaluation("I cannot grade this.")
	assert.Error(t, err)
}

func TestAggregateQuiz(t *testing.T) {
	results := []model.AnswerEvaluation{
		{QuestionID: "q1", Score: 9, Suggestions: []string{"review chapter 2"}},
		{QuestionID: "q2", Score: 8, Suggestions: []string{"review chapter 2", "practice"}},
		{QuestionID: "q3", Score: 3},
	}
	r := aggregateQuiz(results, "biology")
	assert.Equal(t, 20.0, r.OverallScore)
	assert.Equal(t, 30.0, r.MaxScore)
	assert.Equal(t, 66.7, r.Percentage)
	assert.Equal(t, "D", r.Grade)
	assert.Len(t, r.Strengths, 2)
	assert.Equal(t, []string{"Review the material behind q3"}, r.AreasForImprovement)
	assert.Equal(t, []string{"review chapter 2", "practice"}, r.StudySuggestions)
	assert.True(t, strings.HasSuffix(r.OverallFeedback, "Topic: biology."))
}

func TestEvaluateAnswerAndQuiz(t *testing.T) {
	h := newHarness(t, "Shyam is a teacher.")
	h.llm.reply = func(msgs []llm.Message) string {
		if strings.Contains(msgs[1].Content, "Student answer:\nteacher") {
			return `{"score": 10, "feedback": "Correct.", "suggestions": [], "correct_answer_hint": ""}`
		}
		return `{"score": 2, "feedback": "Incorrect.", "suggestions": ["Reread the first page"], "correct_answer_hint": "Look at his job."}`
	}
	s := h.session(t)
	_, err := h.documents.Upload(context.Background(), s, "staff.pdf", []byte("%PDF eval"), false)
	require.NoError(t, err)

	eval, err := h.evaluation.EvaluateAnswer(context.Background(), s, model.AnswerEvaluationRequest{
		Question: "What is Shyam?", UserAnswer: "teacher", QuestionID: "q1", EvaluationLevel: model.EvaluationStrict,
	})
	require.NoError(t, err)
	assert.Equal(t, "q1", eval.QuestionID)
	assert.Equal(t, 10.0, eval.Score)
	assert.Contains(t, h.llm.last()[1].Content, "Be strict")
	assert.Contains(t, h.llm.last()[1].Content, "Shyam is a teacher.")

	calls := h.llm.Calls()
	quiz, err := h.evaluation.EvaluateQuiz(context.Background(), s, model.QuizSubmissionRequest{
		Answers: []model.QuizAnswer{
			{QuestionID: "q1", Question: "What is Shyam?", UserAnswer: "teacher"},
			{QuestionID: "q2", Question: "What is Shyam?", UserAnswer: "pilot"},
			{QuestionID: "q3", Question: "Anything?", UserAnswer: "   "},
		},
	})
	require.NoError(t, err)
	// 空作答不调用模型
	assert.Equal(t, calls+2, h.llm.Calls())
	require.Len(t, quiz.IndividualResults, 3)
	assert.Equal(t, "q2", quiz.IndividualResults[1].QuestionID)
	assert.Equal(t, 0.0, quiz.IndividualResults[2].Score)
	assert.Equal(t, 12.0, quiz.OverallScore)
	assert.Equal(t, 40.0, quiz.Percentage)
	assert.Equal(t, "F", quiz.Grade)
}

func TestEvaluateRejectsBadInput(t *testing.T) {
	h := newHarness(t, "text")
	s := h.session(t)

	_, err := h.evaluation.EvaluateAnswer(context.Background(), s, model.AnswerEvaluationRequest{Question: "q", UserAnswer: "a", EvaluationLevel: "brutal"})
	assert.True(t, apperr.Is(err, apperr.Validation))
	_, err = h.evaluation.EvaluateQuiz(context.Background(), s, model.QuizSubmissionRequest{})
	assert.True(t, apperr.Is(err, apperr.Validation))
}

func TestEvaluateUnparseableReply(t *testing.T) {
	h := newHarness(t, "Some content.")
	h.llm.reply = func([]llm.Message) string { return "not json" }
	s := h.session(t)
	_, err := h.documents.Upload(context.Background(), s, "x.pdf", []byte("%PDF x"), false)
	require.NoError(t, err)

	_, err = h.evaluation.EvaluateAnswer(context.Background(), s, model.AnswerEvaluationRequest{Question: "q", UserAnswer: "a"})
	assert.Equal(t, 502, apperr.HTTPStatus(err))
}

func TestHealthReady(t *testing.T) {
	ok := Dependency{Name: "cache", Ping: func(context.Context) error { return nil }}
	bad := Dependency{Name: "vector_store", Ping: func(context.Context) error { return errors.New("connection refused") }}

	report, ready := NewHealthService(ok).Ready(context.Background())
	assert.True(t, ready)
	assert.Equal(t, "ready", report.Status)
	assert.Equal(t, "up", report.Dependencies["cache"].Status)

	report, ready = NewHealthService(ok, bad).Ready(context.Background())
	assert.False(t, ready)
	assert.Equal(t, "not_ready", report.Status)
	assert.Equal(t, "down", report.Dependencies["vector_store"].Status)
	assert.Equal(t, "connection refused", report.Dependencies["vector_store"].Error)

	live := NewHealthService().Live()
	assert.Equal(t, "alive", live["status"])
}

func TestStatsSnapshot(t *testing.T) {
	br := breaker.New("llm-test", 1, time.Minute)
	s := NewStatsService(cache.New(cache.NewMemory(time.Minute), "t", 0), nil, br, "llm")
	for i := 1; i <= 100; i++ {
		s.Observe(time.Duration(i) * time.Millisecond)
	}
	br.Failure()

	snap := s.Snapshot()
	assert.Equal(t, int64(100), snap.Latency.Requests)
	assert.Equal(t, 50.0, snap.Latency.P50MS)
	assert.Equal(t, 95.0, snap.Latency.P95MS)
	assert.Equal(t, 100.0, snap.Latency.MaxMS)
	assert.Equal(t, 50.5, snap.Latency.AvgMS)
	assert.Equal(t, "memory", snap.Cache.Backend)
	require.NotNil(t, snap.Breaker)
	assert.True(t, snap.Breaker.Open)
	assert.Nil(t, snap.Embedding)
}

func TestStatsWindowWraps(t *testing.T) {
	s := NewStatsService(nil, nil, nil, "")
	for i := 0; i < latencyWindow+10; i++ {
		s.Observe(time.Millisecond)
	}
	snap := s.Snapshot()
	assert.Equal(t, int64(latencyWindow+10), snap.Latency.Requests)
	assert.Equal(t, latencyWindow, snap.Latency.Window)
	assert.Nil(t, snap.Breaker)
}
