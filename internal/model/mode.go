package model

import "fmt"

// Mode 是回答流水线的输出形态，只允许下面三个取值。
type Mode string

const (
	ModeChat     Mode = "chat"
	ModeQuiz     Mode = "quiz"
	ModePractice Mode = "practice"
)

// ParseMode 解析请求中的 mode 字段，空字符串返回 def。
func ParseMode(s string, def Mode) (Mode, error) {
	if s == "" {
		return def, nil
	}
	m := Mode(s)
	if !m.Valid() {
		return "", fmt.Errorf("unsupported mode %q", s)
	}
	return m, nil
}

// Valid 报告 m 是否为已知模式。
func (m Mode) Valid() bool {
	switch m {
	case ModeChat, ModeQuiz, ModePractice:
		return true
	}
	return false
}

// IsQuestionMode 报告 m 是否为出题模式。
func (m Mode) IsQuestionMode() bool {
	return m == ModeQuiz || m == ModePractice
}
