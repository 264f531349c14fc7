package service

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"lumina-iq/internal/config"
	"lumina-iq/internal/model"
	"lumina-iq/internal/repository"
	"lumina-iq/pkg/apperr"
	"lumina-iq/pkg/cache"
	"lumina-iq/pkg/llm"
	"lumina-iq/pkg/log"
	"lumina-iq/pkg/metrics"
)

const (
	defaultQuestionCount = 25
	maxQuestionCount     = 50
	// 未指定主题时出题用的检索语句
	coverageQuery = "comprehensive document coverage"
)

// Answer 是聊天与出题接口的返回体。
type Answer struct {
	Response  string    `json:"response"`
	Timestamp time.Time `json:"timestamp"`
}

// QuestionRequest 是出题请求。Count 为 0 表示默认值。
type QuestionRequest struct {
	Topic string `json:"topic"`
	Count int    `json:"count"`
	Mode  string `json:"mode"`
}

// QueryEmbedder 把查询语句转换为向量，由 embedder.Embedder 实现。
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, query string) ([]float32, error)
}

// ChatService 定义了回答流水线：检索会话当前文档并按模式生成回答。
type ChatService interface {
	Chat(ctx context.Context, session *model.Session, message string) (*Answer, error)
	GenerateQuestions(ctx context.Context, session *model.Session, req QuestionRequest) (*Answer, error)
	StreamResponse(ctx context.Context, session *model.Session, message string, ws llm.MessageWriter, shouldStop func() bool) error
	// RetrieveContext 返回会话当前文档中与 query 相关的上下文文本。
	RetrieveContext(ctx context.Context, session *model.Session, query string) (string, error)
	History(ctx context.Context, session *model.Session) ([]model.ChatMessage, error)
	ClearHistory(ctx context.Context, session *model.Session) error
}

// ChatOptions 是回答流水线的可调参数。
type ChatOptions struct {
	TopK           int
	QuestionTopK   int
	ScoreThreshold float64
	ContextChars   int
	SearchTTL      time.Duration
	AnswerTTL      time.Duration
	Prompt         config.LLMPromptConfig
	Generation     config.LLMGenerationConfig
}

// ChatOptionsFromConfig 从全局配置组装 ChatOptions。
func ChatOptionsFromConfig(c config.Config) ChatOptions {
	return ChatOptions{
		TopK:           c.Retrieval.TopK,
		QuestionTopK:   c.Retrieval.QuestionTopK,
		ScoreThreshold: c.Retrieval.ScoreThreshold,
		ContextChars:   c.Retrieval.ContextChars,
		SearchTTL:      c.Cache.SearchTTL,
		AnswerTTL:      c.Cache.AnswerTTL,
		Prompt:         c.LLM.Prompt,
		Generation:     c.LLM.Generation,
	}
}

type chatService struct {
	embedder         QueryEmbedder
	vectors          repository.VectorStore
	llmClient        llm.Client
	cache            *cache.Cache
	conversationRepo repository.ConversationRepository
	opts             ChatOptions
	now              func() time.Time
}

// NewChatService 创建一个新的 ChatService 实例。c 可以为 nil。
func NewChatService(embedder QueryEmbedder, vectors repository.VectorStore, llmClient llm.Client, c *cache.Cache, conversationRepo repository.ConversationRepository, opts ChatOptions) ChatService {
	if opts.TopK <= 0 {
		opts.TopK = 5
	}
	if opts.QuestionTopK <= 0 {
		opts.QuestionTopK = 15
	}
	if opts.ContextChars <= 0 {
		opts.ContextChars = 4000
	}
	if c == nil {
		c = cache.New(nil, "", 0)
	}
	return &chatService{
		embedder:         embedder,
		vectors:          vectors,
		llmClient:        llmClient,
		cache:            c,
		conversationRepo: conversationRepo,
		opts:             opts,
		now:              time.Now,
	}
}

// Chat 以 chat 模式回答问题，并把问答写入会话历史。
func (s *chatService) Chat(ctx context.Context, session *model.Session, message string) (*Answer, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, apperr.New(apperr.Validation, "chat.Chat", "message must not be empty")
	}
	answer, err := s.answer(ctx, session, model.ModeChat, message, "", 0)
	if err != nil {
		return nil, err
	}
	s.appendHistory(session.ID, message, answer.Response)
	return answer, nil
}

// GenerateQuestions 在 quiz 或 practice 模式下出题。
func (s *chatService) GenerateQuestions(ctx context.Context, session *model.Session, req QuestionRequest) (*Answer, error) {
	const op = "chat.GenerateQuestions"
	mode, err := model.ParseMode(req.Mode, model.ModePractice)
	if err != nil {
		return nil, &apperr.Error{Kind: apperr.Validation, Op: op, Msg: err.Error()}
	}
	if !mode.IsQuestionMode() {
		return nil, apperr.New(apperr.Validation, op, "mode must be quiz or practice")
	}
	count := req.Count
	if count == 0 {
		count = defaultQuestionCount
	}
	if count < 1 || count > maxQuestionCount {
		return nil, apperr.New(apperr.Validation, op, "count must be between 1 and 50")
	}
	topic := strings.TrimSpace(req.Topic)
	return s.answer(ctx, session, mode, topic, topic, count)
}

// answer 是回答流水线：缓存、检索、按模式组装提示词、生成、写缓存。
func (s *chatService) answer(ctx context.Context, session *model.Session, mode model.Mode, query, topic string, count int) (*Answer, error) {
	op := "chat.answer." + string(mode)
	if !session.HasDocument() {
		return nil, errNoDocument(op)
	}
	hash := session.FileHash

	key := s.cache.Key("answer", string(mode), query, hash, strconv.Itoa(count))
	var cached Answer
	if s.cache.GetJSON(ctx, key, &cached) {
		metrics.Answers.WithLabelValues(string(mode), "cache").Inc()
		log.Infof("[ChatService] 命中回答缓存, mode: %s, hash: %s", mode, hash)
		return &cached, nil
	}

	var (
		messages []llm.Message
		gen      *llm.GenerationParams
	)
	switch mode {
	case model.ModeChat:
		contextText, err := s.retrieve(ctx, hash, query, s.opts.TopK)
		if err != nil {
			return nil, err
		}
		history := s.loadHistory(ctx, session.ID)
		messages = chatMessages(s.opts.Prompt, contextText, history, query)
	case model.ModeQuiz:
		contextText, err := s.retrieve(ctx, hash, questionQuery(topic), s.opts.QuestionTopK)
		if err != nil {
			return nil, err
		}
		messages = quizMessages(count, topic, contextText)
		gen = s.questionParams()
	case model.ModePractice:
		contextText, err := s.retrieve(ctx, hash, questionQuery(topic), s.opts.QuestionTopK)
		if err != nil {
			return nil, err
		}
		messages = practiceMessages(count, topic, contextText)
		gen = s.questionParams()
	default:
		return nil, apperr.New(apperr.Internal, op, "unhandled mode "+string(mode))
	}

	response, err := s.llmClient.Complete(ctx, messages, gen)
	if err != nil {
		log.Errorf("[ChatService] 调用 LLM 失败, mode: %s, error: %v", mode, err)
		return nil, err
	}
	answer := &Answer{Response: response, Timestamp: s.now()}
	s.cache.SetJSON(ctx, key, answer, s.opts.AnswerTTL)
	metrics.Answers.WithLabelValues(string(mode), "generated").Inc()
	log.Infof("[ChatService] 生成回答完成, mode: %s, hash: %s, length: %d", mode, hash, len(response))
	return answer, nil
}

func (s *chatService) RetrieveContext(ctx context.Context, session *model.Session, query string) (string, error) {
	if !session.HasDocument() {
		return "", errNoDocument("chat.RetrieveContext")
	}
	return s.retrieve(ctx, session.FileHash, query, s.opts.TopK)
}

func questionQuery(topic string) string {
	if topic != "" {
		return topic
	}
	return coverageQuery
}

// retrieve 检索文档中与 query 最相近的 topK 个片段并拼成上下文，检索结果按 (hash, query, topK) 缓存。
func (s *chatService) retrieve(ctx context.Context, hash, query string, topK int) (string, error) {
	key := s.cache.Key("search", hash, query, strconv.Itoa(topK))
	var hits []model.SearchHit
	if !s.cache.GetJSON(ctx, key, &hits) {
		vector, err := s.embedder.EmbedQuery(ctx, query)
		if err != nil {
			return "", err
		}
		hits, err = s.vectors.Search(ctx, vector, topK, model.ByFileHash(hash), s.opts.ScoreThreshold)
		if err != nil {
			return "", err
		}
		if len(hits) > 0 {
			s.cache.SetJSON(ctx, key, hits, s.opts.SearchTTL)
		}
	}
	log.Infof("[ChatService] 检索完成, hash: %s, hits: %d", hash, len(hits))
	return buildContext(hits, s.opts.ContextChars), nil
}

func (s *chatService) questionParams() *llm.GenerationParams {
	t := s.opts.Generation.QuestionTemperature
	if t == 0 {
		t = 0.7
	}
	m := s.opts.Generation.QuestionMaxTokens
	if m == 0 {
		m = 4000
	}
	return &llm.GenerationParams{Temperature: &t, MaxTokens: &m}
}

// StreamResponse 以流式方式回答 chat 模式的问题，分块包装为 {"chunk": ...} 写给客户端。
func (s *chatService) StreamResponse(ctx context.Context, session *model.Session, message string, ws llm.MessageWriter, shouldStop func() bool) error {
	const op = "chat.StreamResponse"
	message = strings.TrimSpace(message)
	if message == "" {
		return apperr.New(apperr.Validation, op, "message must not be empty")
	}
	if !session.HasDocument() {
		return errNoDocument(op)
	}

	contextText, err := s.retrieve(ctx, session.FileHash, message, s.opts.TopK)
	if err != nil {
		return err
	}
	history := s.loadHistory(ctx, session.ID)
	messages := chatMessages(s.opts.Prompt, contextText, history, message)

	// 拦截 websocket writer 以捕获完整答案，并包装为 JSON 分块
	answerBuilder := &strings.Builder{}
	interceptor := &wsWriterInterceptor{conn: ws, writer: answerBuilder, shouldStop: shouldStop}
	if err := s.llmClient.StreamChatMessages(ctx, messages, nil, interceptor); err != nil {
		return err
	}

	sendCompletion(ws)
	metrics.Answers.WithLabelValues(string(model.ModeChat), "stream").Inc()
	if fullAnswer := answerBuilder.String(); fullAnswer != "" {
		s.appendHistory(session.ID, message, fullAnswer)
	}
	return nil
}

func (s *chatService) History(ctx context.Context, session *model.Session) ([]model.ChatMessage, error) {
	history, err := s.conversationRepo.GetConversationHistory(ctx, session.ID)
	if err != nil {
		return nil, apperr.Wrap(apperr.UpstreamUnavailable, "chat.History", err)
	}
	return history, nil
}

func (s *chatService) ClearHistory(ctx context.Context, session *model.Session) error {
	if err := s.conversationRepo.ClearConversationHistory(ctx, session.ID); err != nil {
		return apperr.Wrap(apperr.UpstreamUnavailable, "chat.ClearHistory", err)
	}
	return nil
}

func (s *chatService) loadHistory(ctx context.Context, sessionID string) []model.ChatMessage {
	history, err := s.conversationRepo.GetConversationHistory(ctx, sessionID)
	if err != nil {
		log.Errorf("[ChatService] 加载对话历史失败, session: %s, error: %v", sessionID, err)
		return nil
	}
	return history
}

// appendHistory 使用后台上下文，即使请求已被取消也保存已经生成的回答。
func (s *chatService) appendHistory(sessionID, question, answer string) {
	err := s.conversationRepo.AppendMessages(context.Background(), sessionID, model.Turn(question, answer, s.now())...)
	if err != nil {
		log.Errorf("[ChatService] 保存对话历史失败, session: %s, error: %v", sessionID, err)
	}
}

// wsWriterInterceptor 是对 websocket 连接的封装，用于捕获写入的消息。
type wsWriterInterceptor struct {
	conn       llm.MessageWriter
	writer     *strings.Builder
	shouldStop func() bool
}

// WriteMessage 满足 llm.MessageWriter 接口。
func (w *wsWriterInterceptor) WriteMessage(messageType int, data []byte) error {
	if w.shouldStop != nil && w.shouldStop() {
		// 停止标志生效：跳过下发
		return nil
	}
	w.writer.Write(data)
	// 将原始分块包装成 {"chunk":"..."}
	b, _ := json.Marshal(map[string]string{"chunk": string(data)})
	return w.conn.WriteMessage(messageType, b)
}

// sendCompletion 发送完成通知 JSON
func sendCompletion(ws llm.MessageWriter) {
	now := time.Now()
	notif := map[string]interface{}{
		"type":      "completion",
		"status":    "finished",
		"message":   "响应已完成",
		"timestamp": now.UnixMilli(),
		"date":      now.Format("2006-01-02T15:04:05"),
	}
	b, _ := json.Marshal(notif)
	_ = ws.WriteMessage(websocket.TextMessage, b)
}
