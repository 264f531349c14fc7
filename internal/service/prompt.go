package service

import (
	"strconv"
	"strings"

	"lumina-iq/internal/config"
	"lumina-iq/internal/model"
	"lumina-iq/pkg/llm"
)

// 提示词一律用字符串拼接构造，示例格式中的方括号与花括号原样输出。

const defaultChatRules = "You are Lumina, a study assistant. Answer using only the reference passages of the selected document. " +
	"If the passages do not contain the answer, say so plainly."

const quizSystemPrompt = "You are an expert educational content creator specializing in creating high-quality quiz questions.\n" +
	"Generate multiple-choice quiz questions that test understanding and critical thinking.\n" +
	"Each question should be clear, unambiguous, and have only one correct answer.\n" +
	"The distractors (incorrect options) should be plausible but clearly wrong to someone who understands the material."

const practiceSystemPrompt = "You are an expert educational content creator specializing in creating thought-provoking practice questions.\n" +
	"Generate open-ended questions that encourage critical thinking and deep understanding.\n" +
	"Questions should help learners explore concepts, make connections, and apply knowledge."

// buildContext 按检索顺序拼接片段，结果截断到 budget 个 rune。
func buildContext(hits []model.SearchHit, budget int) string {
	var b strings.Builder
	for _, h := range hits {
		text := strings.TrimSpace(h.Text)
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(text)
	}
	out := b.String()
	if budget > 0 {
		if runes := []rune(out); len(runes) > budget {
			out = string(runes[:budget])
		}
	}
	return out
}

func chatMessages(p config.LLMPromptConfig, contextText string, history []model.ChatMessage, question string) []llm.Message {
	rules := p.Rules
	if rules == "" {
		rules = defaultChatRules
	}
	refStart := p.RefStart
	if refStart == "" {
		refStart = "<<REF>>"
	}
	refEnd := p.RefEnd
	if refEnd == "" {
		refEnd = "<<END>>"
	}

	var sys strings.Builder
	sys.WriteString(strings.TrimSpace(rules))
	sys.WriteString("\n\n")
	sys.WriteString(refStart)
	sys.WriteString("\n")
	if contextText != "" {
		sys.WriteString(contextText)
	} else {
		noRes := p.NoResultText
		if noRes == "" {
			noRes = "(no relevant passages were found in the selected document)"
		}
		sys.WriteString(noRes)
	}
	sys.WriteString("\n")
	sys.WriteString(refEnd)

	msgs := make([]llm.Message, 0, len(history)+2)
	msgs = append(msgs, llm.Message{Role: "system", Content: sys.String()})
	for _, m := range history {
		msgs = append(msgs, llm.Message{Role: m.Role, Content: m.Content})
	}
	msgs = append(msgs, llm.Message{Role: "user", Content: question})
	return msgs
}

func topicInstruction(topic string) string {
	if strings.TrimSpace(topic) != "" {
		return "Focus specifically on the topic: " + strings.TrimSpace(topic)
	}
	return "Cover all key concepts from the context comprehensively."
}

func quizMessages(count int, topic, contextText string) []llm.Message {
	n := strconv.Itoa(count)
	user := "Based on the following context, generate " + n + " multiple-choice quiz questions.\n\n" +
		"Each question should follow this format exactly, numbering questions from 1 to " + n + ":\n" +
		"Q{n}: [Question]\n" +
		"A) [Option A]\n" +
		"B) [Option B]\n" +
		"C) [Option C]\n" +
		"D) [Option D]\n" +
		"Correct Answer: [A/B/C/D]\n" +
		"Explanation: [Brief explanation of why this is correct]\n\n" +
		"Context:\n" + contextText + "\n\n" +
		topicInstruction(topic) + "\n\n" +
		"Generate the questions now:"
	return []llm.Message{
		{Role: "system", Content: quizSystemPrompt},
		{Role: "user", Content: user},
	}
}

func practiceMessages(count int, topic, contextText string) []llm.Message {
	n := strconv.Itoa(count)
	user := "Based on the following context, generate " + n + " practice questions that help understand key concepts.\n\n" +
		"Each question should be open-ended and encourage critical thinking.\n" +
		"Format each question as:\n" +
		"Q{n}: [Question]\n\n" +
		"Context:\n" + contextText + "\n\n" +
		topicInstruction(topic) + "\n\n" +
		"Generate the questions now:"
	return []llm.Message{
		{Role: "system", Content: practiceSystemPrompt},
		{Role: "user", Content: user},
	}
}
