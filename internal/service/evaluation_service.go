package service

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"golang.org/x/sync/errgroup"

	"lumina-iq/internal/model"
	"lumina-iq/pkg/apperr"
	"lumina-iq/pkg/llm"
	"lumina-iq/pkg/log"
)

const (
	evaluationTemperature = 0.3
	evaluationMaxTokens   = 800
	evaluationConcurrency = 4
	maxStudySuggestions   = 5
)

const evaluationSystemPrompt = "You are an experienced educator who grades student answers fairly and gives constructive feedback.\n" +
	"Always reply with a single JSON object and nothing else."

// EvaluationService 对作答进行评分。评分以会话当前文档为依据。
type EvaluationService interface {
	EvaluateAnswer(ctx context.Context, session *model.Session, req model.AnswerEvaluationRequest) (*model.AnswerEvaluation, error)
	EvaluateQuiz(ctx context.Context, session *model.Session, req model.QuizSubmissionRequest) (*model.QuizResult, error)
}

type evaluationService struct {
	chat      ChatService
	llmClient llm.Client
}

// NewEvaluationService 复用 ChatService 的检索链路获取参考上下文。
func NewEvaluationService(chat ChatService, llmClient llm.Client) EvaluationService {
	return &evaluationService{chat: chat, llmClient: llmClient}
}

func (s *evaluationService) EvaluateAnswer(ctx context.Context, session *model.Session, req model.AnswerEvaluationRequest) (*model.AnswerEvaluation, error) {
	const op = "evaluation.EvaluateAnswer"
	if strings.TrimSpace(req.Question) == "" {
		return nil, apperr.New(apperr.Validation, op, "question must not be empty")
	}
	level, err := parseLevel(req.EvaluationLevel)
	if err != nil {
		return nil, &apperr.Error{Kind: apperr.Validation, Op: op, Msg: err.Error()}
	}
	if !session.HasDocument() {
		return nil, errNoDocument(op)
	}
	return s.evaluate(ctx, session, req.QuestionID, req.Question, req.UserAnswer, level)
}

func (s *evaluationService) EvaluateQuiz(ctx context.Context, session *model.Session, req model.QuizSubmissionRequest) (*model.QuizResult, error) {
	const op = "evaluation.EvaluateQuiz"
	if len(req.Answers) == 0 {
		return nil, apperr.New(apperr.Validation, op, "answers must not be empty")
	}
	level, err := parseLevel(req.EvaluationLevel)
	if err != nil {
		return nil, &apperr.Error{Kind: apperr.Validation, Op: op, Msg: err.Error()}
	}
	if !session.HasDocument() {
		return nil, errNoDocument(op)
	}

	results := make([]model.AnswerEvaluation, len(req.Answers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(evaluationConcurrency)
	for i, a := range req.Answers {
		g.Go(func() error {
			res, err := s.evaluate(gctx, session, a.QuestionID, a.Question, a.UserAnswer, level)
			if err != nil {
				return err
			}
			results[i] = *res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := aggregateQuiz(results, strings.TrimSpace(req.Topic))
	log.Infof("[EvaluationService] 测验评分完成, session: %s, questions: %d, percentage: %.1f, grade: %s",
		session.ID, len(results), result.Percentage, result.Grade)
	return result, nil
}

func (s *evaluationService) evaluate(ctx context.Context, session *model.Session, questionID, question, userAnswer string, level model.EvaluationLevel) (*model.AnswerEvaluation, error) {
	const op = "evaluation.evaluate"
	if strings.TrimSpace(userAnswer) == "" {
		return &model.AnswerEvaluation{
			QuestionID:  questionID,
			Score:       0,
			MaxScore:    model.MaxAnswerScore,
			Feedback:    "No answer was provided.",
			Suggestions: []string{"Attempt every question, even with a partial answer."},
		}, nil
	}

	contextText, err := s.chat.RetrieveContext(ctx, session, question)
	if err != nil {
		return nil, err
	}
	temperature, maxTokens := evaluationTemperature, evaluationMaxTokens
	raw, err := s.llmClient.Complete(ctx, evaluationMessages(question, userAnswer, contextText, level),
		&llm.GenerationParams{Temperature: &temperature, MaxTokens: &maxTokens})
	if err != nil {
		return nil, err
	}
	eval, err := parseEvaluation(raw)
	if err != nil {
		log.Warnf("[EvaluationService] 无法解析评分结果, error: %v, raw: %.200s", err, raw)
		return nil, apperr.Wrap(apperr.UpstreamError, op, err)
	}
	eval.QuestionID = questionID
	return eval, nil
}

func parseLevel(level model.EvaluationLevel) (model.EvaluationLevel, error) {
	switch level {
	case "":
		return model.EvaluationMedium, nil
	case model.EvaluationEasy, model.EvaluationMedium, model.EvaluationStrict:
		return level, nil
	default:
		return "", fmt.Errorf("unsupported evaluation_level %q", level)
	}
}

func levelInstruction(level model.EvaluationLevel) string {
	switch level {
	case model.EvaluationEasy:
		return "Be lenient: give credit for partially correct ideas and reward effort."
	case model.EvaluationStrict:
		return "Be strict: require accurate, complete and precise answers; penalize vague or missing points."
	default:
		return "Be balanced: reward correct key points and deduct for errors or important omissions."
	}
}

func evaluationMessages(question, userAnswer, contextText string, level model.EvaluationLevel) []llm.Message {
	if contextText == "" {
		contextText = "(no reference passages were found; rely on general knowledge of the subject)"
	}
	user := "Evaluate the student's answer to the question below using the reference material.\n\n" +
		"Reference material:\n" + contextText + "\n\n" +
		"Question:\n" + question + "\n\n" +
		"Student answer:\n" + userAnswer + "\n\n" +
		levelInstruction(level) + "\n\n" +
		"Respond with JSON only, using exactly these keys:\n" +
		`{"score": <number from 0 to 10>, "feedback": "<short paragraph>", "suggestions": ["<suggestion>"], "correct_answer_hint": "<hint>"}`
	return []llm.Message{
		{Role: "system", Content: evaluationSystemPrompt},
		{Role: "user", Content: user},
	}
}

type rawEvaluation struct {
	Score             float64  `json:"score"`
	Feedback          string   `json:"feedback"`
	Suggestions       []string `json:"suggestions"`
	CorrectAnswerHint string   `json:"correct_answer_hint"`
}

// parseEvaluation 从模型回复中取出第一个 JSON 对象，分数截断到 [0, 10]。
func parseEvaluation(raw string) (*model.AnswerEvaluation, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in evaluation reply")
	}
	var r rawEvaluation
	if err := json.Unmarshal([]byte(raw[start:end+1]), &r); err != nil {
		return nil, fmt.Errorf("failed to decode evaluation reply: %w", err)
	}
	score := math.Max(0, math.Min(model.MaxAnswerScore, r.Score))
	if r.Suggestions == nil {
		r.Suggestions = []string{}
	}
	return &model.AnswerEvaluation{
		Score:             math.Round(score*10) / 10,
		MaxScore:          model.MaxAnswerScore,
		Feedback:          strings.TrimSpace(r.Feedback),
		Suggestions:       r.Suggestions,
		CorrectAnswerHint: strings.TrimSpace(r.CorrectAnswerHint),
	}, nil
}

// aggregateQuiz 汇总逐题评分：>=8 分计入优势，<5 分计入待改进。
func aggregateQuiz(results []model.AnswerEvaluation, topic string) *model.QuizResult {
	var total float64
	strengths := []string{}
	improvements := []string{}
	suggestions := []string{}
	seen := make(map[string]bool)
	for i, r := range results {
		total += r.Score
		label := r.QuestionID
		if label == "" {
			label = fmt.Sprintf("question %d", i+1)
		}
		switch {
		case r.Score >= 8:
			strengths = append(strengths, "Strong answer on "+label)
		case r.Score < 5:
			improvements = append(improvements, "Review the material behind "+label)
		}
		for _, sug := range r.Suggestions {
			sug = strings.TrimSpace(sug)
			if sug == "" || seen[sug] || len(suggestions) >= maxStudySuggestions {
				continue
			}
			seen[sug] = true
			suggestions = append(suggestions, sug)
		}
	}

	maxScore := model.MaxAnswerScore * float64(len(results))
	percentage := 0.0
	if maxScore > 0 {
		percentage = math.Round(total/maxScore*1000) / 10
	}
	grade := model.Grade(percentage)

	var feedback string
	switch grade {
	case "A":
		feedback = "Excellent work. You have a thorough understanding of the material."
	case "B":
		feedback = "Good work. You understand most of the material with a few gaps."
	case "C":
		feedback = "Fair result. Revisit the weaker answers to consolidate your understanding."
	case "D":
		feedback = "You grasp some of the basics, but several key concepts need more study."
	default:
		feedback = "This topic needs more study. Reread the document and try again."
	}
	if topic != "" {
		feedback += " Topic: " + topic + "."
	}

	return &model.QuizResult{
		OverallScore:        math.Round(total*10) / 10,
		MaxScore:            maxScore,
		Percentage:          percentage,
		Grade:               grade,
		IndividualResults:   results,
		OverallFeedback:     feedback,
		StudySuggestions:    suggestions,
		Strengths:           strengths,
		AreasForImprovement: improvements,
	}
}
