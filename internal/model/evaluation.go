package model

// EvaluationLevel 控制评分的严格程度。
type EvaluationLevel string

const (
	EvaluationEasy   EvaluationLevel = "easy"
	EvaluationMedium EvaluationLevel = "medium"
	EvaluationStrict EvaluationLevel = "strict"
)

// MaxAnswerScore 是单题满分。
const MaxAnswerScore = 10.0

// AnswerEvaluationRequest 是单题评分请求。
type AnswerEvaluationRequest struct {
	Question        string          `json:"question" binding:"required"`
	UserAnswer      string          `json:"user_answer" binding:"required"`
	QuestionID      string          `json:"question_id"`
	EvaluationLevel EvaluationLevel `json:"evaluation_level"`
}

// AnswerEvaluation 是单题评分结果。
type AnswerEvaluation struct {
	QuestionID        string   `json:"question_id"`
	Score             float64  `json:"score"`
	MaxScore          float64  `json:"max_score"`
	Feedback          string   `json:"feedback"`
	Suggestions       []string `json:"suggestions"`
	CorrectAnswerHint string   `json:"correct_answer_hint,omitempty"`
}

// QuizAnswer 是测验中的一道作答。
type QuizAnswer struct {
	QuestionID string `json:"question_id" binding:"required"`
	Question   string `json:"question" binding:"required"`
	UserAnswer string `json:"user_answer"`
}

// QuizSubmissionRequest 是整份测验的提交。
type QuizSubmissionRequest struct {
	Answers         []QuizAnswer    `json:"answers" binding:"required,min=1,dive"`
	Topic           string          `json:"topic"`
	EvaluationLevel EvaluationLevel `json:"evaluation_level"`
}

// QuizResult 是整份测验的评分结果。
type QuizResult struct {
	OverallScore        float64            `json:"overall_score"`
	MaxScore            float64            `json:"max_score"`
	Percentage          float64            `json:"percentage"`
	Grade               string             `json:"grade"`
	IndividualResults   []AnswerEvaluation `json:"individual_results"`
	OverallFeedback     string             `json:"overall_feedback"`
	StudySuggestions    []string           `json:"study_suggestions"`
	Strengths           []string           `json:"strengths"`
	AreasForImprovement []string           `json:"areas_for_improvement"`
}

// Grade 按百分比给出字母等级。
func Grade(percentage float64) string {
	switch {
	case percentage >= 90:
		return "A"
	case percentage >= 80:
		return "B"
	case percentage >= 70:
		return "C"
	case percentage >= 60:
		return "D"
	default:
		return "F"
	}
}
